// Package types holds the data model shared across the RAG core: chunks,
// uploads, conversation turns, citations, and the request/response DTOs
// validated at the HTTP boundary.
package types

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type ContentType string

const (
	ContentPDF   ContentType = "pdf"
	ContentText  ContentType = "text"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
)

type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadReady      UploadStatus = "ready"
	UploadFailed     UploadStatus = "failed"
)

// ChunkMetadata is the structured metadata every chunk carries, per the
// data model's source/title/content_type/chunk_index/tenant_id tuple.
type ChunkMetadata struct {
	Source      string      `json:"source"`
	Title       string      `json:"title"`
	ContentType ContentType `json:"content_type"`
	ChunkIndex  int         `json:"chunk_index"`
	TenantID    string      `json:"tenant_id"`
	PageIndex   *int        `json:"page_index,omitempty"`
}

// Chunk is the atomic retrievable unit. Embedding is nil until the Model
// Gateway has embedded it; it is immutable once written to the Vector Index.
type Chunk struct {
	Text      string        `json:"text"`
	Embedding []float32     `json:"-"`
	Metadata  ChunkMetadata `json:"metadata"`
}

// ScoredChunk is a search result: a chunk plus its cosine similarity score.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Citation is the user-visible provenance record for a kept source chunk.
type Citation struct {
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
}

// Upload tracks the lifecycle of an ingested file. Invariant:
// ChunkCount > 0 iff Status == UploadReady.
type Upload struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Filename     string       `json:"filename"`
	DeclaredType ContentType  `json:"declared_type"`
	ByteSize     int          `json:"byte_size"`
	Status       UploadStatus `json:"status"`
	ChunkCount   int          `json:"chunk_count"`
	FailReason   string       `json:"fail_reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ConversationTurn is one persisted question/answer exchange. Invariant:
// ShouldEscalate implies Confidence < tauReview or len(HallucinationFlags) > 0.
type ConversationTurn struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	ConversationID      string     `json:"conversation_id"`
	UserMessage         string     `json:"user_message"`
	AssistantResponse   string     `json:"assistant_response"`
	Sources             []Citation `json:"sources"`
	Confidence          float64    `json:"confidence"`
	HallucinationFlags  []string   `json:"hallucination_flags,omitempty"`
	ShouldEscalate      bool       `json:"should_escalate"`
	Reviewed            bool       `json:"reviewed"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Message is one entry of conversation memory.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSummary   Role = "summary"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

var validate = validator.New()

// ChatRequest is the request body for POST /chat and POST /chat/stream.
type ChatRequest struct {
	Message        string `json:"message" validate:"required,max=8000"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
}

func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// ChatResponse is the buffered response body for POST /chat.
type ChatResponse struct {
	Response           string     `json:"response"`
	Sources            []Citation `json:"sources"`
	ShouldEscalate     bool       `json:"should_escalate"`
	Confidence         float64    `json:"confidence"`
	ConversationID     string     `json:"conversation_id"`
	HallucinationFlags []string   `json:"hallucination_flags,omitempty"`
}

// UploadRequest backs the multipart POST /upload/content form fields.
type UploadRequest struct {
	TenantID    string      `validate:"omitempty"`
	ContentType ContentType `validate:"required,oneof=pdf video text audio"`
	Title       string
}

func (r *UploadRequest) Validate() error {
	return validate.Struct(r)
}

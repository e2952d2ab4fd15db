// Package api implements the Query Endpoint Layer's HTTP handlers: health,
// upload, chat (buffered and streaming), and conversation history.
package api

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"ragcore/internal/agent"
	"ragcore/internal/errs"
	"ragcore/internal/gateway"
	"ragcore/internal/ingestion"
	"ragcore/internal/memory"
	"ragcore/internal/middleware"
	"ragcore/internal/persistence"
	"ragcore/internal/semcache"
	"ragcore/internal/types"
)

type Handler struct {
	agent             *agent.Agent
	ingestion         *ingestion.Coordinator
	gw                *gateway.Gateway
	cache             *semcache.Cache
	persist           persistence.Persister
	memories          *memory.Registry
	log               *slog.Logger
	maxContextTokens  int
	allowAnonTenant   bool
}

func NewHandler(ag *agent.Agent, ing *ingestion.Coordinator, gw *gateway.Gateway, cache *semcache.Cache, persist persistence.Persister, memories *memory.Registry, log *slog.Logger, maxContextTokens int, allowAnonTenant bool) *Handler {
	return &Handler{
		agent: ag, ingestion: ing, gw: gw, cache: cache, persist: persist,
		memories: memories, log: log, maxContextTokens: maxContextTokens, allowAnonTenant: allowAnonTenant,
	}
}

// resolveTenant resolves the caller's tenant: verified identity wins;
// the caller-supplied value is only honored when anonymous demo access
// is configured on.
func (h *Handler) resolveTenant(c *fiber.Ctx, bodyTenant string) (string, error) {
	if verified, ok := middleware.TenantFromContext(c); ok {
		return verified, nil
	}
	if !h.allowAnonTenant {
		return "", errs.New(errs.Unauthenticated, "no verified tenant identity")
	}
	if bodyTenant == "" {
		return "anonymous", nil
	}
	return bodyTenant, nil
}

func (h *Handler) HandleHealth(c *fiber.Ctx) error {
	deps := fiber.Map{
		"model_gateway": string(h.gw.BreakerState()),
		"vector":        "ok",
		"persistence":   "ok",
	}
	return c.JSON(fiber.Map{"status": "ok", "dependencies": deps})
}

// HandleUpload implements POST /upload/content.
func (h *Handler) HandleUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return errs.New(errs.InputInvalid, "missing file field")
	}
	contentType := c.FormValue("content_type")
	title := c.FormValue("title")
	bodyTenant := c.FormValue("tenant_id")

	req := types.UploadRequest{ContentType: types.ContentType(contentType), Title: title}
	if err := req.Validate(); err != nil {
		return errs.Wrap(errs.InputInvalid, "invalid upload request", err)
	}

	tenantID, err := h.resolveTenant(c, bodyTenant)
	if err != nil {
		return err
	}

	file, err := fileHeader.Open()
	if err != nil {
		return errs.Wrap(errs.InputInvalid, "open uploaded file", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return errs.Wrap(errs.InputInvalid, "read uploaded file", err)
	}

	up, err := h.ingestion.Ingest(c.Context(), tenantID, fileHeader.Filename, req.ContentType, title, data)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"status":         string(up.Status),
		"filename":       up.Filename,
		"tenant_id":      up.TenantID,
		"chunks_created": up.ChunkCount,
		"upload_id":      up.ID,
	})
}

// HandleChat implements POST /chat: cache probe, memory bind, agent
// invocation, best-effort persistence and cache store.
func (h *Handler) HandleChat(c *fiber.Ctx) error {
	var req types.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return errs.Wrap(errs.InputInvalid, "malformed request body", err)
	}
	if err := req.Validate(); err != nil {
		return errs.Wrap(errs.InputInvalid, "invalid chat request", err)
	}

	tenantID, err := h.resolveTenant(c, req.TenantID)
	if err != nil {
		return err
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	ctx := c.Context()

	if entry, err := h.cache.Lookup(ctx, tenantID, req.Message); err == nil && entry != nil {
		return c.JSON(types.ChatResponse{
			Response:       entry.Response,
			Sources:        entry.Sources,
			Confidence:     entry.Confidence,
			ConversationID: conversationID,
		})
	}

	mem, release := h.memories.Get(conversationID, h.maxContextTokens, chatSummarizer{h.gw})
	defer release()

	st := h.agent.Run(ctx, mem, req.Message, tenantID)
	if st.StageMachine == "errored" {
		// Guard refusal, or retrieval/generation failed outright (not
		// merely degraded): surface a real HTTP error, not a 200 with an
		// apologetic body.
		return st.Err
	}
	resp := st.Final
	resp.ConversationID = conversationID

	h.persistTurn(ctx, tenantID, conversationID, req.Message, st)

	if !resp.ShouldEscalate {
		_ = h.cache.Store(ctx, tenantID, req.Message, resp.Response, resp.Sources, resp.Confidence)
	}

	return c.JSON(resp)
}

// HandleChatStream implements POST /chat/stream: an SSE stream of token
// events followed by exactly one terminal done (or error) event.
func (h *Handler) HandleChatStream(c *fiber.Ctx) error {
	var req types.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return errs.Wrap(errs.InputInvalid, "malformed request body", err)
	}
	if err := req.Validate(); err != nil {
		return errs.Wrap(errs.InputInvalid, "invalid chat request", err)
	}

	tenantID, err := h.resolveTenant(c, req.TenantID)
	if err != nil {
		return err
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	ctx := c.Context()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	if entry, err := h.cache.Lookup(ctx, tenantID, req.Message); err == nil && entry != nil {
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			writeSSE(w, "token", fiber.Map{"content": entry.Response})
			w.Flush()
			writeSSE(w, "done", fiber.Map{
				"sources": entry.Sources, "should_escalate": false, "confidence": entry.Confidence,
			})
			w.Flush()
		})
		return nil
	}

	mem, release := h.memories.Get(conversationID, h.maxContextTokens, chatSummarizer{h.gw})

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		st := h.agent.RunStream(ctx, mem, req.Message, tenantID, func(tok string) {
			writeSSE(w, "token", fiber.Map{"content": tok})
			w.Flush()
		})

		if st.StageMachine == "errored" {
			kind, message := errs.Internal, "the request could not be completed"
			if e, ok := errs.As(st.Err); ok {
				kind, message = e.Kind, userMessage(e)
			}
			writeSSE(w, "error", fiber.Map{"kind": kind, "message": message})
			w.Flush()
			return
		}

		resp := st.Final
		resp.ConversationID = conversationID
		writeSSE(w, "done", fiber.Map{
			"sources": resp.Sources, "should_escalate": resp.ShouldEscalate, "confidence": resp.Confidence,
		})
		w.Flush()

		h.persistTurn(ctx, tenantID, conversationID, req.Message, st)
	})
	return nil
}

// HandleConversations implements GET /conversations/{tenant_id}.
func (h *Handler) HandleConversations(c *fiber.Ctx) error {
	tenantID := c.Params("tenant_id")
	if tenantID == "" {
		return errs.New(errs.InputInvalid, "missing tenant_id")
	}

	resolved, err := h.resolveTenant(c, tenantID)
	if err != nil {
		return err
	}
	if resolved != tenantID {
		return errs.New(errs.ForbiddenTenant, "cannot read another tenant's conversation history")
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return errs.New(errs.InputInvalid, "invalid limit")
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	turns, err := h.persist.ListTurns(c.Context(), tenantID, limit)
	if err != nil {
		h.log.Warn("api: list turns failed", "tenant_id", tenantID, "error", err)
		turns = nil
	}
	return c.JSON(fiber.Map{"conversations": turns})
}

func (h *Handler) persistTurn(ctx context.Context, tenantID, conversationID, message string, st agent.State) {
	turn := types.ConversationTurn{
		TenantID:           tenantID,
		ConversationID:     conversationID,
		UserMessage:        message,
		AssistantResponse:  st.Final.Response,
		Sources:            st.Final.Sources,
		Confidence:         st.Final.Confidence,
		HallucinationFlags: st.Final.HallucinationFlags,
		ShouldEscalate:     st.Final.ShouldEscalate,
		CreatedAt:          time.Now(),
	}
	if err := h.persist.InsertTurn(ctx, turn); err != nil {
		h.log.Warn("api: persist turn failed", "tenant_id", tenantID, "error", err)
	}
}

// chatSummarizer adapts the Model Gateway's Chat operation to memory's
// narrower Summarizer interface.
type chatSummarizer struct {
	gw *gateway.Gateway
}

func (s chatSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	result, err := s.gw.Chat(ctx, "Condense the following conversation excerpt into at most two sentences, preserving any facts a later turn might need.", text)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

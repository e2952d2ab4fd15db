// Package gateway is the uniform call surface to chat-completion,
// embedding, and speech-to-text providers. Every operation is guarded by a
// circuit breaker, retried with exponential backoff on transient errors,
// and — for chat — falls back from a primary to a secondary provider.
package gateway

import (
	"net/http"
	"time"

	"ragcore/internal/breaker"
)

// Endpoint names one provider's URL and model identifier. The wire format
// is the Ollama-style {model, system, prompt} / {model, prompt} JSON this
// codebase has always spoken to local models with.
type Endpoint struct {
	URL   string
	Model string
}

type RetryConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

type ChatParams struct {
	Temperature float64
	MaxTokens   int
}

type ChatResult struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type StreamEventType string

const (
	EventToken StreamEventType = "token"
	EventDone  StreamEventType = "done"
	EventError StreamEventType = "error"
)

type StreamEvent struct {
	Type    StreamEventType
	Content string
	Usage   Usage
	Final   string
	Err     error
}

type Gateway struct {
	Primary       Endpoint
	Secondary     Endpoint // zero value means "no secondary configured"
	Embedding     Endpoint
	Transcription Endpoint

	httpClient *http.Client
	retry      RetryConfig

	primaryBreaker     *breaker.Breaker
	secondaryBreaker   *breaker.Breaker
	embeddingBreaker   *breaker.Breaker
	transcribeBreaker  *breaker.Breaker
}

func New(primary, secondary, embedding, transcription Endpoint, breakerCfg breaker.Config, retry RetryConfig) *Gateway {
	return &Gateway{
		Primary:       primary,
		Secondary:     secondary,
		Embedding:     embedding,
		Transcription: transcription,
		httpClient:    &http.Client{},
		retry:         retry,

		primaryBreaker:    breaker.New("chat-primary", breakerCfg),
		secondaryBreaker:  breaker.New("chat-secondary", breakerCfg),
		embeddingBreaker:  breaker.New("embedding", breakerCfg),
		transcribeBreaker: breaker.New("transcription", breakerCfg),
	}
}

// BreakerState exposes the primary chat breaker's state for health checks.
func (g *Gateway) BreakerState() breaker.State { return g.primaryBreaker.State() }

func (g *Gateway) hasSecondary() bool { return g.Secondary.URL != "" }

// isTransient reports whether err warrants a retry: timeouts, 429, 5xx.
// 4xx other than 429 and context cancellation are not retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if he, ok := err.(*httpStatusError); ok {
		return he.status == 429 || he.status >= 500
	}
	return isTimeoutOrNetErr(err)
}

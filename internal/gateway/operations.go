package gateway

import (
	"context"
	"math"

	"ragcore/internal/breaker"
	"ragcore/internal/errs"
)

const chatSystemPrompt = `You are a helpful assistant answering questions about a creator's course materials.
Answer only from the supplied CONTEXT block. If the context does not contain the answer, say so plainly
instead of guessing. Be concise and do not invent citations.`

// Embed returns one embedding vector per input text, via the configured
// embedding endpoint, guarded by its own breaker and retried on transient
// failure. Embedding has no fallback chain — there is exactly one
// embedding model per deployment, since vector dimensionality must stay
// uniform within an index.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := g.embeddingBreaker.Allow(); err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, "embedding breaker open", err)
		}
		var vec []float32
		callErr := g.withRetry(ctx, func() error {
			v, err := g.postEmbed(ctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if callErr != nil {
			g.embeddingBreaker.RecordFailure()
			return nil, classifyErr(callErr, "embedding")
		}
		g.embeddingBreaker.RecordSuccess()
		out[i] = vec
	}
	return out, nil
}

// Chat invokes the primary chat endpoint, falling back to the secondary on
// transient or server-side failure. Policy rejections never advance the
// chain.
func (g *Gateway) Chat(ctx context.Context, system, prompt string) (ChatResult, error) {
	if system == "" {
		system = chatSystemPrompt
	}

	text, err := g.callWithFallback(ctx, func(ep Endpoint, br breakerRunner) (string, error) {
		var result string
		callErr := br.Run(func() error {
			t, err := g.withRetryResult(ctx, func() (string, error) { return g.postGenerate(ctx, ep, system, prompt) })
			if err != nil {
				return err
			}
			result = t
			return nil
		})
		return result, callErr
	})
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Content: text}, nil
}

// ChatStream is Chat's streaming counterpart: it returns a channel of
// token/done/error events, closing the channel after exactly one terminal
// event.
func (g *Gateway) ChatStream(ctx context.Context, system, prompt string) <-chan StreamEvent {
	if system == "" {
		system = chatSystemPrompt
	}
	events := make(chan StreamEvent, 8)

	go func() {
		defer close(events)

		final, err := g.callWithFallback(ctx, func(ep Endpoint, br breakerRunner) (string, error) {
			var assembled string
			callErr := br.Run(func() error {
				a, err := g.streamGenerate(ctx, ep, system, prompt, func(tok string) {
					select {
					case events <- StreamEvent{Type: EventToken, Content: tok}:
					case <-ctx.Done():
					}
				})
				if err != nil {
					return err
				}
				assembled = a
				return nil
			})
			return assembled, callErr
		})
		if err != nil {
			events <- StreamEvent{Type: EventError, Err: classifyErr(err, "chat")}
			return
		}
		events <- StreamEvent{Type: EventDone, Final: final}
	}()

	return events
}

// Transcribe converts audio bytes to text via the speech-to-text endpoint.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if err := g.transcribeBreaker.Allow(); err != nil {
		return "", errs.Wrap(errs.UpstreamUnavailable, "transcription breaker open", err)
	}
	var text string
	callErr := g.withRetry(ctx, func() error {
		t, err := g.postTranscribe(ctx, audio)
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	if callErr != nil {
		g.transcribeBreaker.RecordFailure()
		return "", classifyErr(callErr, "transcription")
	}
	g.transcribeBreaker.RecordSuccess()
	return text, nil
}

type breakerRunner interface {
	Run(fn func() error) error
}

// callWithFallback tries the primary endpoint, then the secondary (if
// configured) on transient/server failure, never on policy rejection.
func (g *Gateway) callWithFallback(ctx context.Context, call func(ep Endpoint, br breakerRunner) (string, error)) (string, error) {
	result, err := call(g.Primary, g.primaryBreaker)
	if err == nil {
		return result, nil
	}
	if !isTransient(err) && !isBreakerOpen(err) {
		return "", classifyErr(err, "chat")
	}
	if !g.hasSecondary() {
		return "", classifyErr(err, "chat")
	}
	result, err2 := call(g.Secondary, g.secondaryBreaker)
	if err2 == nil {
		return result, nil
	}
	return "", classifyErr(err2, "chat")
}

func isBreakerOpen(err error) bool {
	_, ok := asErrOpen(err)
	return ok
}

func (g *Gateway) withRetryResult(ctx context.Context, fn func() (string, error)) (string, error) {
	var out string
	err := g.withRetry(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func classifyErr(err error, dep string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	if _, ok := asErrOpen(err); ok {
		return errs.Wrap(errs.UpstreamUnavailable, dep+" breaker open", err)
	}
	if he, ok := err.(*httpStatusError); ok {
		if he.status >= 400 && he.status < 500 && he.status != 429 {
			return errs.Wrap(errs.UpstreamPolicyRejection, dep+" rejected the request", err)
		}
		return errs.Wrap(errs.UpstreamTransient, dep+" upstream error", err)
	}
	if err == context.DeadlineExceeded {
		return errs.Wrap(errs.StageTimeout, dep+" timed out", err)
	}
	return errs.Wrap(errs.UpstreamTransient, dep+" call failed", err)
}

func asErrOpen(err error) (*breaker.ErrOpen, bool) {
	oe, ok := err.(*breaker.ErrOpen)
	return oe, ok
}

// normalizeToFloat32 L2-normalizes a float64 vector and casts it to
// float32, matching the original Ollama embedding client's normalization
// step.
func normalizeToFloat32(vec []float64) []float32 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		for i, v := range vec {
			out[i] = float32(v)
		}
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

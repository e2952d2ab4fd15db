// Package memory implements sliding-window conversation memory bounded by
// a token budget: when appending a message would overflow the budget, the
// oldest messages are condensed into a running summary via the Model
// Gateway, falling back to head-truncation for a single pathologically
// long turn.
package memory

import (
	"context"
	"fmt"
	"sync"

	"ragcore/internal/tokens"
	"ragcore/internal/types"
)

// Summarizer condenses a block of conversation text into a short summary.
// internal/api wires this to the Model Gateway's Chat operation.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

const (
	model             = "gpt-3.5-turbo"
	slackFraction     = 0.1
	summarizeBatch    = 2
	minMessagesToDrop = 4
)

// Memory is one conversation's sliding window. Not safe for concurrent use
// directly — Registry provides the per-conversation serialization needed
// to keep appends and reads from interleaving.
type Memory struct {
	messages  []types.Message
	summary   string
	maxTokens int
	sum       Summarizer
}

func New(maxTokens int, sum Summarizer) *Memory {
	return &Memory{maxTokens: maxTokens, sum: sum}
}

// Append adds a message and restores the token-budget invariant by
// summarizing or truncating the oldest messages as needed.
func (m *Memory) Append(ctx context.Context, role types.Role, content string) error {
	m.messages = append(m.messages, types.Message{Role: role, Content: content})
	return m.enforceBudget(ctx)
}

// Context returns [summary?] ++ remaining_messages in chronological order.
func (m *Memory) Context() []types.Message {
	out := make([]types.Message, 0, len(m.messages)+1)
	if m.summary != "" {
		out = append(out, types.Message{Role: types.RoleSummary, Content: m.summary})
	}
	out = append(out, m.messages...)
	return out
}

func (m *Memory) Reset() {
	m.messages = nil
	m.summary = ""
}

func (m *Memory) tokenCount() int {
	return tokens.CountMessages(model, m.Context())
}

func (m *Memory) enforceBudget(ctx context.Context) error {
	slack := int(float64(m.maxTokens) * slackFraction)
	target := m.maxTokens - slack

	for m.tokenCount() > m.maxTokens {
		if len(m.messages) >= minMessagesToDrop {
			m.summarizeOldest(ctx)
			continue
		}
		if len(m.messages) > 0 {
			m.truncateOldest()
			continue
		}
		// Pathological: summary alone exceeds the budget. Truncate it too.
		m.summary = truncateToTokens(m.summary, target)
		break
	}
	return nil
}

// summarizeOldest condenses the oldest summarizeBatch messages (fewer when
// that would leave under two messages, never fewer than one) via the
// Gateway and replaces them with a single summary pseudo-message. The batch
// size is fixed: it is not chosen from the token counts or the slack, and
// enforceBudget calls this repeatedly until the total is within maxTokens.
func (m *Memory) summarizeOldest(ctx context.Context) {
	n := summarizeBatch
	if n > len(m.messages)-2 {
		n = len(m.messages) - 2
	}
	if n <= 0 {
		n = 1
	}
	toSummarize := m.messages[:n]

	var block string
	for _, msg := range toSummarize {
		block += fmt.Sprintf("%s: %s\n", msg.Role, msg.Content)
	}

	condensed, err := m.sum.Summarize(ctx, block)
	if err != nil {
		// Summarization itself is a best-effort optimization; if the
		// Gateway can't condense, fall back to head-truncation rather
		// than failing the append outright.
		m.truncateOldest()
		return
	}

	if m.summary != "" {
		m.summary = m.summary + " " + condensed
	} else {
		m.summary = condensed
	}
	m.messages = m.messages[n:]
}

func (m *Memory) truncateOldest() {
	if len(m.messages) == 0 {
		return
	}
	oldest := m.messages[0]
	oldest.Content = "[truncated] " + truncateToTokens(oldest.Content, 20)
	if len(m.messages) == 1 {
		m.messages[0] = oldest
		return
	}
	m.messages = m.messages[1:]
}

func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	approxChars := maxTokens * 4
	if len(text) <= approxChars {
		return text
	}
	return text[:approxChars]
}

// Registry guarantees that memory for a given conversation_id is never
// concurrently mutated, via a keyed mutex.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	mems  map[string]*Memory
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex), mems: make(map[string]*Memory)}
}

// Get returns (creating if absent) the memory for conversationID and a
// release function the caller must defer to unlock it.
func (r *Registry) Get(conversationID string, maxTokens int, sum Summarizer) (*Memory, func()) {
	r.mu.Lock()
	lock, ok := r.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[conversationID] = lock
	}
	mem, ok := r.mems[conversationID]
	if !ok {
		mem = New(maxTokens, sum)
		r.mems[conversationID] = mem
	}
	r.mu.Unlock()

	lock.Lock()
	return mem, lock.Unlock
}

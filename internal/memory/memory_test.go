package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragcore/internal/tokens"
	"ragcore/internal/types"
)

type stubSummarizer struct {
	calls int
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.calls++
	return "summary of: " + text[:minInt(20, len(text))], nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestAppendStaysWithinTokenBudget(t *testing.T) {
	sum := &stubSummarizer{}
	m := New(60, sum)

	for i := 0; i < 20; i++ {
		err := m.Append(context.Background(), types.RoleUser, strings.Repeat("word ", 10))
		require.NoError(t, err)
		assert.LessOrEqual(t, tokens.CountMessages(model, m.Context()), 60,
			"invariant must hold after every append, not just eventually")
	}
}

func TestContextPlacesSummaryAtHead(t *testing.T) {
	sum := &stubSummarizer{}
	m := New(40, sum)
	for i := 0; i < 15; i++ {
		require.NoError(t, m.Append(context.Background(), types.RoleUser, strings.Repeat("token ", 8)))
	}
	ctx := m.Context()
	require.NotEmpty(t, ctx)
	if sum.calls > 0 {
		assert.Equal(t, types.RoleSummary, ctx[0].Role)
	}
}

func TestResetClearsMessagesAndSummary(t *testing.T) {
	sum := &stubSummarizer{}
	m := New(100, sum)
	require.NoError(t, m.Append(context.Background(), types.RoleUser, "hello"))
	m.Reset()
	assert.Empty(t, m.Context())
}

func TestSummarizerFailureFallsBackToTruncation(t *testing.T) {
	m := New(30, failingSummarizer{})
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Append(context.Background(), types.RoleUser, strings.Repeat("x ", 15)))
	}
	assert.LessOrEqual(t, tokens.CountMessages(model, m.Context()), 30)
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "", assert.AnError
}

func TestRegistrySerializesAccessPerConversation(t *testing.T) {
	reg := NewRegistry()
	sum := &stubSummarizer{}

	mem1, release1 := reg.Get("conv-a", 100, sum)
	require.NotNil(t, mem1)
	release1()

	mem2, release2 := reg.Get("conv-a", 100, sum)
	defer release2()
	assert.Same(t, mem1, mem2, "repeated Get for the same conversation must return the same memory")
}

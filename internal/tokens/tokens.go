// Package tokens provides model-aware token counting over strings and
// message lists, used for chunk sizing, memory budgeting, and rate-limit
// cost estimation.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"ragcore/internal/types"
)

const defaultEncodingModel = "gpt-3.5-turbo"

var (
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
)

func encoder() (*tiktoken.Tiktoken, error) {
	mu.Lock()
	defer mu.Unlock()
	if enc != nil {
		return enc, nil
	}
	e, err := tiktoken.EncodingForModel(defaultEncodingModel)
	if err != nil {
		return nil, err
	}
	enc = e
	return enc, nil
}

// Count returns the token length of text. model is accepted for interface
// symmetry with a future multi-encoding lookup; today every provider is
// approximated with the gpt-3.5-turbo byte-pair encoding, matching the
// teacher's single-encoder approach.
func Count(model, text string) int {
	e, err := encoder()
	if err != nil {
		// Fallback: a conservative 4-characters-per-token estimate keeps
		// memory/chunk budgeting from behaving as if input were free.
		return (len(text) + 3) / 4
	}
	return len(e.Encode(text, nil, nil))
}

// CountMessages sums token counts across a message list, adding the
// per-message framing overhead the original token counter applies.
func CountMessages(model string, messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += Count(model, string(m.Role)) + Count(model, m.Content) + 4
	}
	return total
}

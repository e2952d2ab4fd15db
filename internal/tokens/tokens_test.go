package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"ragcore/internal/types"
)

func TestCountEmptyStringIsZero(t *testing.T) {
	assert.Equal(t, 0, Count("gpt-3.5-turbo", ""))
}

func TestCountGrowsWithLongerInput(t *testing.T) {
	short := Count("gpt-3.5-turbo", "export")
	long := Count("gpt-3.5-turbo", strings.Repeat("export ", 50))
	assert.Greater(t, long, short)
}

func TestCountIsStableAcrossCalls(t *testing.T) {
	text := "How do I export my video to MP4 with subtitles burned in?"
	a := Count("gpt-3.5-turbo", text)
	b := Count("gpt-3.5-turbo", text)
	assert.Equal(t, a, b)
}

func TestCountModelArgumentDoesNotPanicForUnknownModel(t *testing.T) {
	assert.NotPanics(t, func() {
		Count("some-future-model-nobody-registered", "hello")
	})
}

func TestCountMessagesSumsPerMessageCostsPlusFraming(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello there"},
	}
	expected := Count("gpt-3.5-turbo", string(types.RoleUser)) + Count("gpt-3.5-turbo", "hi") + 4 +
		Count("gpt-3.5-turbo", string(types.RoleAssistant)) + Count("gpt-3.5-turbo", "hello there") + 4
	assert.Equal(t, expected, CountMessages("gpt-3.5-turbo", msgs))
}

func TestCountMessagesEmptyListIsZero(t *testing.T) {
	assert.Equal(t, 0, CountMessages("gpt-3.5-turbo", nil))
}

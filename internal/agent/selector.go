package agent

import (
	"strings"

	"github.com/haasonsaas/chatline/pkg/models"
)

// ToolSelector decides which tools are offered to the model for a turn.
type ToolSelector interface {
	Select(history []*models.Message) ToolSelection
}

// ToolSelectorFunc adapts a function to ToolSelector.
type ToolSelectorFunc func(history []*models.Message) ToolSelection

// Select implements ToolSelector.
func (f ToolSelectorFunc) Select(history []*models.Message) ToolSelection {
	return f(history)
}

// DefaultToolKeywords enable tools when found in the latest user text.
var DefaultToolKeywords = []string{"weather", "time", "schedule", "remind", "task"}

// KeywordSelector offers every tool when the latest user message mentions
// one of the keywords, and no tools otherwise.
type KeywordSelector struct {
	Keywords []string
}

// Select implements ToolSelector.
func (s KeywordSelector) Select(history []*models.Message) ToolSelection {
	keywords := s.Keywords
	if len(keywords) == 0 {
		keywords = DefaultToolKeywords
	}
	text := strings.ToLower(LastUserText(history))
	if text == "" {
		return NoTools()
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return AllTools()
		}
	}
	return NoTools()
}

// LastUserText returns the concatenated text of the most recent user message.
func LastUserText(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == models.RoleUser {
			return history[i].Text()
		}
	}
	return ""
}

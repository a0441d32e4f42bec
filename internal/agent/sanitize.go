package agent

import "github.com/haasonsaas/chatline/pkg/models"

// Sanitize returns a copy of history that is safe to send to a model.
//
// Within each message, a tool result is kept only if it answers a tool call
// that appears earlier in the same message, and a tool call is kept only if
// it has such a result. Unanswered calls (pending, awaiting confirmation, or
// interrupted mid-execution) are removed, and messages left without parts are
// dropped. The input is never modified; untouched messages are shared.
func Sanitize(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	out := make([]*models.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		parts, changed := sanitizeParts(msg.Parts)
		if len(parts) == 0 {
			continue
		}
		if !changed {
			out = append(out, msg)
			continue
		}
		copied := msg.Clone()
		copied.Parts = parts
		out = append(out, copied)
	}
	return out
}

func sanitizeParts(parts []models.Part) ([]models.Part, bool) {
	seenCalls := make(map[string]struct{})
	answered := make(map[string]struct{})
	keepResult := make([]bool, len(parts))

	for i, p := range parts {
		switch p.Type {
		case models.PartToolCall:
			if p.ToolCall == nil || p.ToolCall.ID == "" {
				continue
			}
			if _, dup := seenCalls[p.ToolCall.ID]; dup {
				continue
			}
			seenCalls[p.ToolCall.ID] = struct{}{}
		case models.PartToolResult:
			if p.ToolResult == nil {
				continue
			}
			id := p.ToolResult.ToolCallID
			if _, ok := seenCalls[id]; !ok {
				continue
			}
			if _, done := answered[id]; done {
				continue
			}
			answered[id] = struct{}{}
			keepResult[i] = true
		}
	}

	kept := make([]models.Part, 0, len(parts))
	keptCalls := make(map[string]struct{})
	for i, p := range parts {
		switch p.Type {
		case models.PartText:
			kept = append(kept, p)
		case models.PartToolCall:
			if p.ToolCall == nil {
				continue
			}
			if _, ok := answered[p.ToolCall.ID]; !ok {
				continue
			}
			if _, dup := keptCalls[p.ToolCall.ID]; dup {
				continue
			}
			keptCalls[p.ToolCall.ID] = struct{}{}
			kept = append(kept, p)
		case models.PartToolResult:
			if keepResult[i] {
				kept = append(kept, p)
			}
		}
	}
	return kept, len(kept) != len(parts)
}

package agent

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = "You are a helpful AI assistant. Answer user questions using your knowledge about topics, concepts, companies, animals, technology, and general information."

// BuildSystemPrompt renders the system prompt for a turn. Tool guidance is
// only included when tools are offered.
func BuildSystemPrompt(base string, tools []Tool, now time.Time) string {
	if strings.TrimSpace(base) == "" {
		base = basePrompt
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")

	if len(tools) > 0 {
		b.WriteString("Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
		}
		b.WriteString("\nUse tools only when explicitly needed. Answer all other questions directly from your knowledge.")
	} else {
		b.WriteString("Answer questions directly from your knowledge.")
	}

	b.WriteString("\n\n")
	b.WriteString(SchedulePrompt(now))
	return b.String()
}

// SchedulePrompt tells the model the current date and how to fill a trigger
// spec for scheduleTask.
func SchedulePrompt(now time.Time) string {
	return fmt.Sprintf(`[Schedule Parser Component]
Current time: %s

When the user asks to schedule something, call scheduleTask with a "when" object:
- {"type":"scheduled","date":"<RFC3339 time>"} for a specific date and time
- {"type":"delayed","delayInSeconds":<n>} for a relative delay
- {"type":"cron","cron":"<cron expression>"} for a recurring schedule
- {"type":"no-schedule"} when no time was given
Resolve relative dates such as "tomorrow at 9am" against the current time.`, now.Format(time.RFC3339))
}

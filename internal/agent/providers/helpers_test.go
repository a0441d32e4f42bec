package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/pkg/models"
)

type stubTool struct {
	name   string
	schema string
}

func (s stubTool) Name() string        { return s.name }
func (s stubTool) Description() string { return "stub " + s.name }
func (s stubTool) Schema() json.RawMessage {
	if s.schema == "" {
		return json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
	}
	return json.RawMessage(s.schema)
}
func (s stubTool) Execute(context.Context, agent.ToolEnv, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

// streamResult is everything a provider emitted for one request.
type streamResult struct {
	text  string
	calls []models.ToolCall
	done  *agent.CompletionChunk
	err   error
}

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) streamResult {
	t.Helper()
	var res streamResult
	var text strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				res.text = text.String()
				return res
			}
			switch {
			case chunk.Error != nil:
				res.err = chunk.Error
			case chunk.ToolCall != nil:
				res.calls = append(res.calls, *chunk.ToolCall)
			case chunk.Done:
				res.done = chunk
			default:
				text.WriteString(chunk.Text)
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

// writeSSE writes server-sent events, one "data:" payload per entry. Entries
// of the form "event\x00data" also carry an event name.
func writeSSE(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("expected http.Flusher")
	}
	for _, ev := range events {
		if name, data, found := strings.Cut(ev, "\x00"); found {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		} else {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		flusher.Flush()
	}
}

func sampleConversation() []agent.CompletionMessage {
	return []agent.CompletionMessage{
		{Role: "user", Content: "What's the weather in Paris?"},
		{
			Role:    "assistant",
			Content: "Let me check.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "getWeatherInformation", Input: json.RawMessage(`{"city":"Paris"}`)},
			},
		},
		{
			Role: "tool",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "The weather in Paris is Sunny, 68°F with 40% humidity."},
			},
		},
	}
}

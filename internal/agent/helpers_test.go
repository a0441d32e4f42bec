package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/chatline/pkg/models"
)

// funcTool is a Tool backed by a function that counts its invocations.
type funcTool struct {
	name   string
	desc   string
	schema json.RawMessage
	fn     func(ctx context.Context, env ToolEnv, params json.RawMessage) (*ToolResult, error)
	calls  atomic.Int32
}

func (f *funcTool) Name() string { return f.name }

func (f *funcTool) Description() string {
	if f.desc == "" {
		return "test tool " + f.name
	}
	return f.desc
}

func (f *funcTool) Schema() json.RawMessage {
	if f.schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return f.schema
}

func (f *funcTool) Execute(ctx context.Context, env ToolEnv, params json.RawMessage) (*ToolResult, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return &ToolResult{Content: "ok"}, nil
	}
	return f.fn(ctx, env, params)
}

func staticTool(name, content string) *funcTool {
	return &funcTool{
		name: name,
		fn: func(context.Context, ToolEnv, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: content}, nil
		},
	}
}

// scriptedProvider replays one chunk script per Complete call and records
// every request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]*CompletionChunk
	requests []*CompletionRequest
	err      error
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		p.mu.Unlock()
		return nil, p.err
	}
	var script []*CompletionChunk
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	} else {
		script = []*CompletionChunk{{Text: "done"}, {Done: true}}
	}
	p.mu.Unlock()

	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func toolCallChunk(id, name, input string) *CompletionChunk {
	return &CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}}
}

func assistantCalls(calls ...models.ToolCall) *models.Message {
	msg := &models.Message{ID: "assistant-1", Role: models.RoleAssistant}
	for _, c := range calls {
		if c.Status == "" {
			c.Status = models.ToolCallPending
		}
		msg.Parts = append(msg.Parts, models.ToolCallPart(c))
	}
	return msg
}

func collectChunks(ch <-chan *ResponseChunk) []*ResponseChunk {
	var out []*ResponseChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func finishOf(chunks []*ResponseChunk) *Finish {
	if len(chunks) == 0 {
		return nil
	}
	return chunks[len(chunks)-1].Finish
}

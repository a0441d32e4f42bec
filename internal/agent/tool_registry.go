package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/chatline/pkg/models"
)

// ExecutionMode decides whether a tool call may run without an external
// confirmation. It is fixed when the tool is registered.
type ExecutionMode int

const (
	// ModeAutomatic runs the call as soon as the model requests it.
	ModeAutomatic ExecutionMode = iota
	// ModeConfirm holds the call until an affirmative confirmation arrives.
	ModeConfirm
)

// String returns the config spelling of the mode.
func (m ExecutionMode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeConfirm:
		return "confirm"
	default:
		return fmt.Sprintf("ExecutionMode(%d)", int(m))
	}
}

// ParseExecutionMode parses "automatic" or "confirm".
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "automatic", "auto":
		return ModeAutomatic, nil
	case "confirm":
		return ModeConfirm, nil
	default:
		return ModeAutomatic, fmt.Errorf("unknown execution mode %q", s)
	}
}

// ToolDefinition is a registered tool together with its execution mode.
type ToolDefinition struct {
	Tool Tool
	Mode ExecutionMode
}

// Name returns the tool name.
func (d *ToolDefinition) Name() string { return d.Tool.Name() }

// TaskScheduler is the scheduling surface tools reach through ToolEnv.
type TaskScheduler interface {
	Schedule(ctx context.Context, conversationID string, trigger models.TriggerSpec, description string) (*models.ScheduledTask, error)
	List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error)
	Cancel(ctx context.Context, conversationID, taskID string) error
}

// ToolEnv is handed to every tool invocation. It carries the conversation the
// call belongs to and the collaborators a tool may use.
type ToolEnv struct {
	ConversationID string
	ToolCallID     string
	Scheduler      TaskScheduler
}

// ToolSelection names the subset of tools offered to the model for a turn.
// The zero value selects no tools.
type ToolSelection struct {
	all   bool
	names []string
}

// AllTools selects every registered tool.
func AllTools() ToolSelection { return ToolSelection{all: true} }

// NoTools selects nothing.
func NoTools() ToolSelection { return ToolSelection{} }

// ToolsNamed selects the given tool names.
func ToolsNamed(names ...string) ToolSelection {
	return ToolSelection{names: append([]string(nil), names...)}
}

// IsEmpty reports whether the selection cannot match any tool.
func (s ToolSelection) IsEmpty() bool { return !s.all && len(s.names) == 0 }

// ToolRegistry manages available tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*ToolDefinition),
	}
}

// MaxToolNameLength is the maximum length of a tool name.
const MaxToolNameLength = 64

// Register adds a tool with a fixed execution mode. Registering a name twice
// fails with ErrDuplicateTool.
func (r *ToolRegistry) Register(tool Tool, mode ExecutionMode) error {
	if tool == nil {
		return fmt.Errorf("register tool: nil tool")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("register tool: invalid name %q", name)
	}
	if mode != ModeAutomatic && mode != ModeConfirm {
		return fmt.Errorf("register tool %s: invalid mode %s", name, mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &ToolDefinition{Tool: tool, Mode: mode}
	return nil
}

// Lookup returns a tool definition by name.
func (r *ToolRegistry) Lookup(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Resolve returns the definitions for a selection. Any name that is not
// registered fails the whole call with ErrUnknownTool.
func (r *ToolRegistry) Resolve(sel ToolSelection) (map[string]*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*ToolDefinition)
	if sel.all {
		for name, def := range r.tools {
			out[name] = def
		}
		return out, nil
	}
	for _, name := range sel.names {
		def, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out[name] = def
	}
	return out, nil
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AsLLMTools converts resolved definitions into a stable, name-sorted slice
// for passing to LLM providers.
func AsLLMTools(defs map[string]*ToolDefinition) []Tool {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, defs[name].Tool)
	}
	return tools
}

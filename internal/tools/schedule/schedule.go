// Package schedule exposes the conversation's task scheduler to the model as
// three tools: scheduleTask, getScheduledTasks and cancelScheduledTask.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/pkg/models"
)

// Tool names.
const (
	ScheduleToolName = "scheduleTask"
	ListToolName     = "getScheduledTasks"
	CancelToolName   = "cancelScheduledTask"
)

var errNoScheduler = errors.New("scheduler unavailable")

// Tools returns all three scheduling tools.
func Tools() []agent.Tool {
	return []agent.Tool{&ScheduleTool{}, &ListTool{}, &CancelTool{}}
}

// ScheduleInput is the scheduleTask argument object.
type ScheduleInput struct {
	When        models.TriggerSpec `json:"when" jsonschema:"description=When the task should run"`
	Description string             `json:"description" jsonschema:"description=What to do when the task runs"`
}

// ScheduleTool registers a follow-up task for the current conversation.
type ScheduleTool struct{}

func (t *ScheduleTool) Name() string { return ScheduleToolName }

func (t *ScheduleTool) Description() string {
	return "A tool to schedule a task to be executed at a later time"
}

func (t *ScheduleTool) Schema() json.RawMessage {
	return agent.SchemaFor[ScheduleInput]()
}

// Execute reports scheduling failures as tool output so the model can tell
// the user what went wrong.
func (t *ScheduleTool) Execute(ctx context.Context, env agent.ToolEnv, params json.RawMessage) (*agent.ToolResult, error) {
	var input ScheduleInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewToolError(t.Name(), fmt.Errorf("decode input: %w", err)).WithType(agent.ToolErrorInvalidInput)
	}
	if input.When.Type == models.TriggerNoSchedule {
		return &agent.ToolResult{Content: "Not a valid schedule input"}, nil
	}
	if env.Scheduler == nil {
		return errorResult("Error scheduling task: %v", errNoScheduler), nil
	}
	if _, err := env.Scheduler.Schedule(ctx, env.ConversationID, input.When, input.Description); err != nil {
		return errorResult("Error scheduling task: %v", err), nil
	}
	return &agent.ToolResult{
		Content: fmt.Sprintf("Task scheduled for type %q : %s", input.When.Type, triggerValue(input.When)),
	}, nil
}

// triggerValue renders the part of a trigger that carries its timing.
func triggerValue(spec models.TriggerSpec) string {
	switch spec.Type {
	case models.TriggerScheduled:
		if spec.Date != nil {
			return spec.Date.Format(time.RFC3339)
		}
	case models.TriggerDelayed:
		return strconv.FormatInt(spec.DelayInSeconds, 10)
	case models.TriggerCron:
		return spec.Cron
	}
	return ""
}

// ListInput is the empty getScheduledTasks argument object.
type ListInput struct{}

// ListTool lists the conversation's pending tasks.
type ListTool struct{}

func (t *ListTool) Name() string { return ListToolName }

func (t *ListTool) Description() string {
	return "List all tasks that have been scheduled"
}

func (t *ListTool) Schema() json.RawMessage {
	return agent.SchemaFor[ListInput]()
}

func (t *ListTool) Execute(ctx context.Context, env agent.ToolEnv, params json.RawMessage) (*agent.ToolResult, error) {
	if env.Scheduler == nil {
		return errorResult("Error listing scheduled tasks: %v", errNoScheduler), nil
	}
	tasks, err := env.Scheduler.List(ctx, env.ConversationID)
	if err != nil {
		return errorResult("Error listing scheduled tasks: %v", err), nil
	}
	if len(tasks) == 0 {
		return &agent.ToolResult{Content: "No scheduled tasks found."}, nil
	}
	return &agent.ToolResult{Content: FormatTasks(tasks)}, nil
}

// FormatTasks renders one line per task.
func FormatTasks(tasks []*models.ScheduledTask) string {
	var b strings.Builder
	for i, task := range tasks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s (%s, next run %s)",
			task.ID, task.Description, task.Trigger.Type, task.NextRunAt.UTC().Format(time.RFC3339))
		if task.Trigger.Recurring() {
			fmt.Fprintf(&b, " cron %q", task.Trigger.Cron)
		}
	}
	return b.String()
}

// CancelInput is the cancelScheduledTask argument object.
type CancelInput struct {
	TaskID string `json:"taskId" jsonschema:"description=The ID of the task to cancel"`
}

// CancelTool removes a task by ID.
type CancelTool struct{}

func (t *CancelTool) Name() string { return CancelToolName }

func (t *CancelTool) Description() string {
	return "Cancel a scheduled task using its ID"
}

func (t *CancelTool) Schema() json.RawMessage {
	return agent.SchemaFor[CancelInput]()
}

func (t *CancelTool) Execute(ctx context.Context, env agent.ToolEnv, params json.RawMessage) (*agent.ToolResult, error) {
	var input CancelInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewToolError(t.Name(), fmt.Errorf("decode input: %w", err)).WithType(agent.ToolErrorInvalidInput)
	}
	if env.Scheduler == nil {
		return errorResult("Error canceling task %s: %v", input.TaskID, errNoScheduler), nil
	}
	if err := env.Scheduler.Cancel(ctx, env.ConversationID, input.TaskID); err != nil {
		return errorResult("Error canceling task %s: %v", input.TaskID, err), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Task %s has been successfully canceled.", input.TaskID)}, nil
}

func errorResult(format string, args ...any) *agent.ToolResult {
	return &agent.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

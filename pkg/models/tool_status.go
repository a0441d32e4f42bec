package models

// ToolCallStatus is the lifecycle state of a single tool call.
type ToolCallStatus string

const (
	ToolCallPending              ToolCallStatus = "pending"
	ToolCallAwaitingConfirmation ToolCallStatus = "awaiting_confirmation"
	ToolCallInProgress           ToolCallStatus = "in_progress"
	ToolCallCompleted            ToolCallStatus = "completed"
	ToolCallFailed               ToolCallStatus = "failed"
	ToolCallDenied               ToolCallStatus = "denied"
)

var toolCallTransitions = map[ToolCallStatus][]ToolCallStatus{
	ToolCallPending:              {ToolCallAwaitingConfirmation, ToolCallInProgress, ToolCallDenied, ToolCallFailed},
	ToolCallAwaitingConfirmation: {ToolCallInProgress, ToolCallDenied, ToolCallFailed},
	ToolCallInProgress:           {ToolCallCompleted, ToolCallFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s ToolCallStatus) IsTerminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallDenied:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the call still needs work before the message can be
// handed back to the model.
func (s ToolCallStatus) IsOpen() bool {
	switch s {
	case "", ToolCallPending, ToolCallAwaitingConfirmation, ToolCallInProgress:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a forward move.
// An empty status is treated as pending.
func (s ToolCallStatus) CanTransition(next ToolCallStatus) bool {
	if s == "" {
		s = ToolCallPending
	}
	for _, allowed := range toolCallTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

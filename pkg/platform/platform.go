// Package platform defines the capability surface the orchestrator
// needs from a hosted assistant platform: open a conversation, send a
// message, poll the resulting run, read the reply. Implementations
// adapt a concrete vendor API to this set; the orchestrator never
// depends on a specific platform.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of an assistant run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether the status ends the run. requires_action is
// not terminal: the run resumes once tool outputs are submitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Run is a point-in-time view of an assistant run.
type Run struct {
	ID     string
	Status RunStatus
	// ToolCalls is populated when Status is requires_action.
	ToolCalls []ToolCall
	// FailureReason carries the platform's stated reason for
	// failed/cancelled/expired runs.
	FailureReason string
}

// ToolCall is the platform requesting a local function execution.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolOutput is the result of one executed tool call.
type ToolOutput struct {
	ToolCallID string
	Output     string
}

// Message is one entry of a conversation transcript.
type Message struct {
	Role      string // "user" or "assistant"
	Text      string
	CreatedAt time.Time
}

// Conversations is the platform capability set the orchestrator
// consumes.
type Conversations interface {
	// CreateConversation opens a conversation bound to an assistant and
	// returns its identifier.
	CreateConversation(ctx context.Context, assistantID string) (string, error)
	// SendMessage appends a user message and starts a run.
	SendMessage(ctx context.Context, conversationID, text string) (runID string, err error)
	// RunStatus returns the current state of a run.
	RunStatus(ctx context.Context, conversationID, runID string) (Run, error)
	// SubmitToolOutputs resumes a requires_action run.
	SubmitToolOutputs(ctx context.Context, conversationID, runID string, outputs []ToolOutput) error
	// LatestReply returns the most recent assistant message text.
	LatestReply(ctx context.Context, conversationID string) (string, error)
	// ListMessages returns up to limit transcript entries in ascending
	// order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// Error is a failure reported by a platform backend.
type Error struct {
	Platform   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Platform, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

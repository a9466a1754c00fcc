// Package openai adapts the OpenAI Assistants API to the platform
// capability set. A conversation maps to an assistants thread and a
// run maps directly to an assistants run.
//
// Run creation needs the assistant ID, but the capability surface only
// carries the conversation ID, so the adapter keeps a thread→assistant
// binding. Bindings are mirrored into the state KV when one is
// configured, which lets restored conversation handles keep working
// across restarts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/cabinet-labs/cabinet/pkg/platform"
	"github.com/cabinet-labs/cabinet/pkg/state"
)

const bindingKeyPrefix = "openai/assistant/"

// Conversations implements platform.Conversations on the OpenAI
// Assistants API.
type Conversations struct {
	client *goopenai.Client

	mu       sync.Mutex
	bindings map[string]string // thread ID → assistant ID
	kv       state.KV
}

// New creates the adapter with an API key. kv may carry nil funcs.
func New(apiKey string, kv state.KV) *Conversations {
	return NewWithClient(goopenai.NewClient(apiKey), kv)
}

// NewWithClient creates the adapter around an existing client, which
// lets tests point it at a stub server via client config.
func NewWithClient(client *goopenai.Client, kv state.KV) *Conversations {
	return &Conversations{
		client:   client,
		bindings: make(map[string]string),
		kv:       kv,
	}
}

// CreateConversation opens a new thread and binds it to the assistant.
func (c *Conversations) CreateConversation(ctx context.Context, assistantID string) (string, error) {
	thread, err := c.client.CreateThread(ctx, goopenai.ThreadRequest{})
	if err != nil {
		return "", wrapErr("create thread", err)
	}

	c.mu.Lock()
	c.bindings[thread.ID] = assistantID
	c.mu.Unlock()

	if c.kv.Set != nil {
		if err := c.kv.Set(bindingKeyPrefix+thread.ID, assistantID); err != nil {
			return "", fmt.Errorf("persist thread binding: %w", err)
		}
	}
	return thread.ID, nil
}

// SendMessage appends a user message to the thread and starts a run on
// its bound assistant.
func (c *Conversations) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	assistantID, err := c.assistantFor(conversationID)
	if err != nil {
		return "", err
	}

	_, err = c.client.CreateMessage(ctx, conversationID, goopenai.MessageRequest{
		Role:    goopenai.ChatMessageRoleUser,
		Content: text,
	})
	if err != nil {
		return "", wrapErr("create message", err)
	}

	run, err := c.client.CreateRun(ctx, conversationID, goopenai.RunRequest{
		AssistantID: assistantID,
	})
	if err != nil {
		return "", wrapErr("create run", err)
	}
	return run.ID, nil
}

// RunStatus maps the assistants run state onto the capability model.
func (c *Conversations) RunStatus(ctx context.Context, conversationID, runID string) (platform.Run, error) {
	run, err := c.client.RetrieveRun(ctx, conversationID, runID)
	if err != nil {
		return platform.Run{}, wrapErr("retrieve run", err)
	}

	out := platform.Run{ID: run.ID}
	switch run.Status {
	case goopenai.RunStatusQueued:
		out.Status = platform.StatusQueued
	case goopenai.RunStatusInProgress, goopenai.RunStatusCancelling:
		out.Status = platform.StatusInProgress
	case goopenai.RunStatusRequiresAction:
		out.Status = platform.StatusRequiresAction
		out.ToolCalls = extractToolCalls(run)
	case goopenai.RunStatusCompleted:
		out.Status = platform.StatusCompleted
	case goopenai.RunStatusFailed:
		out.Status = platform.StatusFailed
		out.FailureReason = lastError(run)
	case goopenai.RunStatusExpired:
		out.Status = platform.StatusExpired
		out.FailureReason = lastError(run)
	default:
		if string(run.Status) == "cancelled" {
			out.Status = platform.StatusCancelled
			out.FailureReason = lastError(run)
			break
		}
		out.Status = platform.StatusFailed
		out.FailureReason = fmt.Sprintf("unexpected run status %q", run.Status)
	}
	return out, nil
}

// SubmitToolOutputs resumes a run waiting on local tool results.
func (c *Conversations) SubmitToolOutputs(ctx context.Context, conversationID, runID string, outputs []platform.ToolOutput) error {
	req := goopenai.SubmitToolOutputsRequest{
		ToolOutputs: make([]goopenai.ToolOutput, 0, len(outputs)),
	}
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, goopenai.ToolOutput{
			ToolCallID: o.ToolCallID,
			Output:     o.Output,
		})
	}
	if _, err := c.client.SubmitToolOutputs(ctx, conversationID, runID, req); err != nil {
		return wrapErr("submit tool outputs", err)
	}
	return nil
}

// LatestReply returns the newest assistant message text in the thread.
func (c *Conversations) LatestReply(ctx context.Context, conversationID string) (string, error) {
	limit := 1
	order := "desc"
	list, err := c.client.ListMessage(ctx, conversationID, &limit, &order, nil, nil)
	if err != nil {
		return "", wrapErr("list messages", err)
	}
	if len(list.Messages) == 0 {
		return "", fmt.Errorf("conversation %s has no messages", conversationID)
	}
	text := messageText(list.Messages[0])
	if text == "" {
		return "", fmt.Errorf("latest message in %s has no text content", conversationID)
	}
	return text, nil
}

// ListMessages returns up to limit transcript entries, oldest first.
func (c *Conversations) ListMessages(ctx context.Context, conversationID string, limit int) ([]platform.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	order := "asc"
	list, err := c.client.ListMessage(ctx, conversationID, &limit, &order, nil, nil)
	if err != nil {
		return nil, wrapErr("list messages", err)
	}

	out := make([]platform.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		out = append(out, platform.Message{
			Role:      m.Role,
			Text:      messageText(m),
			CreatedAt: time.Unix(int64(m.CreatedAt), 0).UTC(),
		})
	}
	return out, nil
}

// assistantFor resolves the assistant bound to a thread, falling back
// to the state KV for conversations restored from a previous process.
func (c *Conversations) assistantFor(conversationID string) (string, error) {
	c.mu.Lock()
	assistantID, ok := c.bindings[conversationID]
	c.mu.Unlock()
	if ok {
		return assistantID, nil
	}

	if c.kv.Get != nil {
		stored, err := c.kv.Get(bindingKeyPrefix + conversationID)
		if err == nil && stored != "" {
			c.mu.Lock()
			c.bindings[conversationID] = stored
			c.mu.Unlock()
			return stored, nil
		}
	}
	return "", fmt.Errorf("no assistant bound to conversation %q", conversationID)
}

func extractToolCalls(run goopenai.Run) []platform.ToolCall {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return nil
	}
	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	out := make([]platform.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if tc.Type != goopenai.ToolTypeFunction {
			continue
		}
		out = append(out, platform.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return out
}

func lastError(run goopenai.Run) string {
	if run.LastError == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", run.LastError.Code, run.LastError.Message)
}

func messageText(m goopenai.Message) string {
	var parts []string
	for _, content := range m.Content {
		if content.Text != nil && content.Text.Value != "" {
			parts = append(parts, content.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

func wrapErr(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &platform.Error{
			Platform:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    fmt.Sprintf("%s: %s", op, apiErr.Message),
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Package anthropic emulates the platform conversation/run surface on
// top of the Anthropic Messages API, which has no server-side threads.
// The adapter keeps each conversation's transcript locally and models a
// run as one asynchronous completion: SendMessage returns a run ID
// immediately and a goroutine drives the API call, so the orchestrator
// polls it exactly like a hosted run.
//
// Assistant IDs resolve against configured definitions (model, system
// prompt) instead of server-side assistant objects.
package anthropic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/cabinet-labs/cabinet/pkg/platform"
)

// runTimeout bounds a single completion. Runs outlive their callers:
// an orchestrator poll timeout abandons the run, it does not cancel it.
const runTimeout = 5 * time.Minute

// AssistantDef configures one emulated assistant.
type AssistantDef struct {
	ID        string `json:"id"`
	Model     string `json:"model"`
	System    string `json:"system"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Conversations implements platform.Conversations on the Messages API.
type Conversations struct {
	client *anthropic.Client
	defs   map[string]AssistantDef

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	assistantID string

	mu         sync.Mutex
	transcript []platform.Message
	runs       map[string]*run
}

type run struct {
	mu            sync.Mutex
	status        platform.RunStatus
	failureReason string
}

// New creates the adapter with a static API key and assistant
// definitions keyed by their IDs.
func New(apiKey string, defs []AssistantDef) *Conversations {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return NewWithClient(&client, defs)
}

// NewWithClient creates the adapter around an existing client.
func NewWithClient(client *anthropic.Client, defs []AssistantDef) *Conversations {
	byID := make(map[string]AssistantDef, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	return &Conversations{
		client: client,
		defs:   byID,
		convs:  make(map[string]*conversation),
	}
}

// CreateConversation starts an empty local transcript bound to an
// assistant definition.
func (c *Conversations) CreateConversation(_ context.Context, assistantID string) (string, error) {
	if _, ok := c.defs[assistantID]; !ok {
		return "", &platform.Error{
			Platform: "anthropic",
			Message:  fmt.Sprintf("no assistant definition for %q", assistantID),
		}
	}

	id := "conv_" + uuid.NewString()
	c.mu.Lock()
	c.convs[id] = &conversation{
		assistantID: assistantID,
		runs:        make(map[string]*run),
	}
	c.mu.Unlock()
	return id, nil
}

// SendMessage appends the user message and starts an asynchronous
// completion representing the run.
func (c *Conversations) SendMessage(_ context.Context, conversationID, text string) (string, error) {
	conv, err := c.conversation(conversationID)
	if err != nil {
		return "", err
	}
	def := c.defs[conv.assistantID]

	conv.mu.Lock()
	conv.transcript = append(conv.transcript, platform.Message{
		Role:      "user",
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	history := make([]platform.Message, len(conv.transcript))
	copy(history, conv.transcript)

	runID := "run_" + uuid.NewString()
	r := &run{status: platform.StatusQueued}
	conv.runs[runID] = r
	conv.mu.Unlock()

	// The run deliberately detaches from the caller's context: a poll
	// timeout abandons it rather than cancelling it.
	go c.complete(conv, r, def, history)

	return runID, nil
}

func (c *Conversations) complete(conv *conversation, r *run, def AssistantDef, history []platform.Message) {
	r.mu.Lock()
	r.status = platform.StatusInProgress
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var messages []anthropic.MessageParam
	for _, m := range history {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		}
	}

	maxTokens := int64(def.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(def.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if def.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: def.System}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		r.mu.Lock()
		r.status = platform.StatusFailed
		r.failureReason = err.Error()
		r.mu.Unlock()
		return
	}

	var reply string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			reply += tb.Text
		}
	}

	conv.mu.Lock()
	conv.transcript = append(conv.transcript, platform.Message{
		Role:      "assistant",
		Text:      reply,
		CreatedAt: time.Now().UTC(),
	})
	conv.mu.Unlock()

	r.mu.Lock()
	r.status = platform.StatusCompleted
	r.mu.Unlock()
}

// RunStatus returns a snapshot of the emulated run.
func (c *Conversations) RunStatus(_ context.Context, conversationID, runID string) (platform.Run, error) {
	conv, err := c.conversation(conversationID)
	if err != nil {
		return platform.Run{}, err
	}

	conv.mu.Lock()
	r, ok := conv.runs[runID]
	conv.mu.Unlock()
	if !ok {
		return platform.Run{}, fmt.Errorf("unknown run %q in conversation %q", runID, conversationID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return platform.Run{ID: runID, Status: r.status, FailureReason: r.failureReason}, nil
}

// SubmitToolOutputs is unsupported: the emulation never parks a run in
// requires_action because no tool definitions are sent.
func (c *Conversations) SubmitToolOutputs(context.Context, string, string, []platform.ToolOutput) error {
	return &platform.Error{Platform: "anthropic", Message: "backend does not issue tool calls"}
}

// LatestReply returns the newest assistant message in the transcript.
func (c *Conversations) LatestReply(_ context.Context, conversationID string) (string, error) {
	conv, err := c.conversation(conversationID)
	if err != nil {
		return "", err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	for i := len(conv.transcript) - 1; i >= 0; i-- {
		if conv.transcript[i].Role == "assistant" {
			return conv.transcript[i].Text, nil
		}
	}
	return "", fmt.Errorf("conversation %s has no assistant reply", conversationID)
}

// ListMessages returns up to limit transcript entries, oldest first.
func (c *Conversations) ListMessages(_ context.Context, conversationID string, limit int) ([]platform.Message, error) {
	conv, err := c.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	n := len(conv.transcript)
	if n > limit {
		n = limit
	}
	out := make([]platform.Message, n)
	copy(out, conv.transcript[:n])
	return out, nil
}

func (c *Conversations) conversation(id string) (*conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	if !ok {
		return nil, fmt.Errorf("unknown conversation %q", id)
	}
	return conv, nil
}

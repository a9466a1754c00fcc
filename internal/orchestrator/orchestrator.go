// Package orchestrator coordinates a cabinet of platform assistants:
// one coordinator plus specialist roles, each holding a persistent
// conversation per session. It submits messages, polls runs to
// completion, executes tool calls the platform requests, and records
// traffic through the store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cabinet-labs/cabinet/internal/catalog"
	"github.com/cabinet-labs/cabinet/internal/store"
	"github.com/cabinet-labs/cabinet/pkg/platform"
	"github.com/cabinet-labs/cabinet/pkg/roster"
	"github.com/cabinet-labs/cabinet/pkg/state"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxWait      = 2 * time.Minute
	maxToolTurns        = 5
)

const statusReportPrompt = "Prepare a short status report: active projects, " +
	"open tasks, recent progress, anything blocked. Use your tools to read " +
	"the current data before answering."

// Config assembles an Orchestrator. Roster and Platform are required;
// everything else has a working default.
type Config struct {
	Roster   *roster.Roster
	Routes   *roster.Routes
	Platform platform.Conversations
	Store    store.Store
	Data     store.DataStore
	Catalog  *catalog.Catalog
	KV       state.KV

	PollInterval time.Duration
	MaxWait      time.Duration
}

type handleKey struct {
	session string
	role    string
}

// handle is one cached (session, role) conversation. Its mutex
// serializes asks to the same handle; different handles proceed in
// parallel.
type handle struct {
	mu             sync.Mutex
	conversationID string
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	roster   *roster.Roster
	routes   *roster.Routes
	platform platform.Conversations
	store    store.Store
	data     store.DataStore
	catalog  *catalog.Catalog
	kv       state.KV

	pollInterval time.Duration
	maxWait      time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	handles map[handleKey]*handle
}

// New validates the configuration and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Roster == nil {
		return nil, fmt.Errorf("orchestrator needs a roster")
	}
	if cfg.Platform == nil {
		return nil, fmt.Errorf("orchestrator needs a platform backend")
	}

	st := cfg.Store
	if st == nil {
		st = store.Nop{}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	return &Orchestrator{
		roster:       cfg.Roster,
		routes:       cfg.Routes,
		platform:     cfg.Platform,
		store:        st,
		data:         cfg.Data,
		catalog:      cfg.Catalog,
		kv:           cfg.KV,
		pollInterval: poll,
		maxWait:      maxWait,
		now:          time.Now,
		sleep:        sleepCtx,
		handles:      make(map[handleKey]*handle),
	}, nil
}

// Ask sends text to the coordinator and waits for the reply.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, text string) (string, error) {
	return o.askRole(ctx, sessionID, o.roster.Coordinator().Key, text)
}

// AskSpecialist sends text to a named role and waits for the reply.
func (o *Orchestrator) AskSpecialist(ctx context.Context, sessionID, role, text string) (string, error) {
	return o.askRole(ctx, sessionID, role, text)
}

// AskAuto routes text by keywords and falls back to the coordinator
// when no rule matches. It returns the reply and the role that
// answered.
func (o *Orchestrator) AskAuto(ctx context.Context, sessionID, text string) (string, string, error) {
	role := o.roster.Coordinator().Key
	if o.routes != nil {
		if matched, ok := o.routes.Route(text); ok {
			role = matched
		}
	}
	reply, err := o.askRole(ctx, sessionID, role, text)
	return reply, role, err
}

// Delegate forwards a request from one role to another, carrying the
// delegator's context as a prefixed block. A role cannot delegate to
// itself.
func (o *Orchestrator) Delegate(ctx context.Context, sessionID, fromRole, toRole, request, background string) (string, error) {
	if toRole == fromRole {
		return "", fmt.Errorf("%s cannot delegate to itself", fromRole)
	}
	text := request
	if background != "" {
		text = fmt.Sprintf("Context: %s\n\nRequest: %s", background, request)
	}
	return o.askRole(ctx, sessionID, toRole, text)
}

// BroadcastReply is one specialist's answer to a broadcast.
type BroadcastReply struct {
	Role  string
	Reply string
	Err   error
}

// Broadcast submits text to every specialist concurrently and returns
// one entry per specialist in roster order. A failing specialist
// yields an entry with Err set instead of failing the whole fan-out.
func (o *Orchestrator) Broadcast(ctx context.Context, sessionID, text string) []BroadcastReply {
	specialists := o.roster.Specialists()
	results := make(chan BroadcastReply, len(specialists))

	var wg sync.WaitGroup
	for _, a := range specialists {
		wg.Add(1)
		go func(role string) {
			defer wg.Done()
			reply, err := o.askRole(ctx, sessionID, role, text)
			results <- BroadcastReply{Role: role, Reply: reply, Err: err}
		}(a.Key)
	}
	wg.Wait()
	close(results)

	byRole := make(map[string]BroadcastReply, len(specialists))
	for r := range results {
		byRole[r.Role] = r
	}
	out := make([]BroadcastReply, 0, len(specialists))
	for _, a := range specialists {
		out = append(out, byRole[a.Key])
	}
	return out
}

// Reset discards the cached conversation for one role so the next ask
// starts fresh. An ask already waiting on the old conversation
// finishes its own wait undisturbed.
func (o *Orchestrator) Reset(ctx context.Context, sessionID, role string) error {
	if _, err := o.roster.Resolve(role); err != nil {
		return err
	}
	o.dropHandle(sessionID, role)
	return nil
}

// ResetAll discards every cached conversation for the session and
// reports how many were dropped.
func (o *Orchestrator) ResetAll(ctx context.Context, sessionID string) int {
	n := 0
	for _, a := range o.roster.Roles() {
		if o.dropHandle(sessionID, a.Key) {
			n++
		}
	}
	return n
}

// History returns recent persisted turns for the session, oldest
// first. An empty role spans all roles.
func (o *Orchestrator) History(ctx context.Context, sessionID, role string, limit int) ([]store.Message, error) {
	if role != "" {
		if _, err := o.roster.Resolve(role); err != nil {
			return nil, err
		}
	}
	msgs, err := o.store.Messages(ctx, sessionID, role, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// StatusReport asks the coordinator for an office-wide digest.
func (o *Orchestrator) StatusReport(ctx context.Context, sessionID string) (string, error) {
	return o.Ask(ctx, sessionID, statusReportPrompt)
}

// CreateTask asks the coordinator to file a task for the request,
// tagged with a project when one is given.
func (o *Orchestrator) CreateTask(ctx context.Context, sessionID, project, task string) (string, error) {
	if project != "" {
		task = fmt.Sprintf("[%s] %s", project, task)
	}
	prompt := fmt.Sprintf("Create a task for this request, pick the right assignee, and confirm: %s", task)
	return o.Ask(ctx, sessionID, prompt)
}

// Roles lists the roster in configuration order.
func (o *Orchestrator) Roles() []roster.Assistant {
	return o.roster.Roles()
}

// askRole runs the full cycle against one (session, role) handle:
// ensure a conversation, send, poll to a terminal state, fetch the
// reply, and record both turns.
func (o *Orchestrator) askRole(ctx context.Context, sessionID, role, text string) (string, error) {
	assistant, err := o.roster.Resolve(role)
	if err != nil {
		return "", err
	}

	h := o.handle(sessionID, role)
	h.mu.Lock()
	defer h.mu.Unlock()

	start := o.now()

	convID := h.conversationID
	created := false
	if convID == "" {
		convID, err = o.platform.CreateConversation(ctx, assistant.ID)
		if err != nil {
			return "", fmt.Errorf("create conversation for %s: %w", role, err)
		}
		h.conversationID = convID
		created = true
		o.persistHandle(ctx, sessionID, role, convID)
	}

	runID, err := o.platform.SendMessage(ctx, convID, text)
	if err != nil {
		if created {
			return "", fmt.Errorf("send to %s: %w", role, err)
		}
		// Cached conversation may be stale, server-side or from a
		// previous process. Retry once on a fresh one.
		slog.Warn("send failed, retrying with fresh conversation",
			"session", sessionID, "role", role, "error", err)
		convID, err = o.platform.CreateConversation(ctx, assistant.ID)
		if err != nil {
			return "", fmt.Errorf("recreate conversation for %s: %w", role, err)
		}
		h.conversationID = convID
		o.persistHandle(ctx, sessionID, role, convID)
		runID, err = o.platform.SendMessage(ctx, convID, text)
		if err != nil {
			return "", fmt.Errorf("send retry to %s: %w", role, err)
		}
	}

	o.record(ctx, sessionID, role, "user", text)

	reply, err := o.awaitRun(ctx, sessionID, role, convID, runID)
	if err != nil {
		return "", err
	}

	o.record(ctx, sessionID, role, "assistant", reply)

	slog.Info("ask complete",
		"session", sessionID,
		"role", role,
		"elapsed", o.now().Sub(start).Round(time.Millisecond),
		"reply_len", len(reply),
	)
	return reply, nil
}

// awaitRun polls a run at a fixed interval until it reaches a terminal
// state, serving tool calls along the way. Past the maximum wait it
// returns a TimeoutError and leaves the run running.
func (o *Orchestrator) awaitRun(ctx context.Context, sessionID, role, convID, runID string) (string, error) {
	deadline := o.now().Add(o.maxWait)
	toolTurns := 0

	for {
		run, err := o.platform.RunStatus(ctx, convID, runID)
		if err != nil {
			return "", fmt.Errorf("run status for %s: %w", role, err)
		}

		switch run.Status {
		case platform.StatusCompleted:
			reply, err := o.platform.LatestReply(ctx, convID)
			if err != nil {
				return "", fmt.Errorf("latest reply for %s: %w", role, err)
			}
			return reply, nil

		case platform.StatusFailed, platform.StatusCancelled, platform.StatusExpired:
			return "", &RunFailedError{Role: role, RunID: runID, Status: run.Status, Reason: run.FailureReason}

		case platform.StatusRequiresAction:
			toolTurns++
			if toolTurns > maxToolTurns {
				return "", fmt.Errorf("run %s for %s exceeded %d tool turns", runID, role, maxToolTurns)
			}
			if len(run.ToolCalls) == 0 {
				return "", fmt.Errorf("run %s for %s requires action without tool calls", runID, role)
			}
			outputs := o.executeToolCalls(ctx, Scope{SessionID: sessionID, Role: role}, run.ToolCalls)
			if err := o.platform.SubmitToolOutputs(ctx, convID, runID, outputs); err != nil {
				return "", fmt.Errorf("submit tool outputs for %s: %w", role, err)
			}
			continue
		}

		if !o.now().Before(deadline) {
			return "", &TimeoutError{Role: role, RunID: runID, Waited: o.maxWait}
		}
		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return "", err
		}
	}
}

// handle returns the cached handle for a (session, role) pair,
// creating it and restoring a persisted conversation ID on first use.
func (o *Orchestrator) handle(sessionID, role string) *handle {
	key := handleKey{session: sessionID, role: role}

	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[key]
	if !ok {
		h = &handle{}
		if o.kv.Get != nil {
			if id, err := o.kv.Get(conversationKVKey(sessionID, role)); err == nil && id != "" {
				h.conversationID = id
				slog.Info("restored conversation", "session", sessionID, "role", role, "conversation", id)
			}
		}
		o.handles[key] = h
	}
	return h
}

func (o *Orchestrator) dropHandle(sessionID, role string) bool {
	key := handleKey{session: sessionID, role: role}

	o.mu.Lock()
	_, ok := o.handles[key]
	delete(o.handles, key)
	o.mu.Unlock()

	if o.kv.Delete != nil {
		if err := o.kv.Delete(conversationKVKey(sessionID, role)); err != nil {
			slog.Warn("persist failed", "error", &PersistenceError{Op: "conversation kv delete", Err: err})
		}
	}
	if ok {
		slog.Info("conversation reset", "session", sessionID, "role", role)
	}
	return ok
}

// persistHandle mirrors the conversation binding to the KV store and
// the database, best-effort.
func (o *Orchestrator) persistHandle(ctx context.Context, sessionID, role, convID string) {
	if o.kv.Set != nil {
		if err := o.kv.Set(conversationKVKey(sessionID, role), convID); err != nil {
			slog.Warn("persist failed", "error", &PersistenceError{Op: "conversation kv", Err: err})
		}
	}
	if err := o.store.UpsertConversation(ctx, store.Conversation{
		SessionID:      sessionID,
		Role:           role,
		ConversationID: convID,
	}); err != nil {
		slog.Warn("persist failed", "error", &PersistenceError{Op: "conversation", Err: err})
	}
}

// record writes one turn to the store, best-effort.
func (o *Orchestrator) record(ctx context.Context, sessionID, role, sender, text string) {
	if err := o.store.RecordMessage(ctx, store.Message{
		SessionID: sessionID,
		Role:      role,
		Sender:    sender,
		Text:      text,
		CreatedAt: o.now().UTC(),
	}); err != nil {
		slog.Warn("persist failed", "error", &PersistenceError{Op: "message", Err: err})
	}
}

func conversationKVKey(sessionID, role string) string {
	return "cabinet:conversation:" + sessionID + ":" + role
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

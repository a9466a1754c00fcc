package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cabinet-labs/cabinet/internal/catalog"
	"github.com/cabinet-labs/cabinet/internal/store"
	"github.com/cabinet-labs/cabinet/pkg/platform"
	"github.com/cabinet-labs/cabinet/pkg/roster"
	"github.com/cabinet-labs/cabinet/pkg/state"
)

// fakePlatform scripts run behavior per send. Each SendMessage consumes
// the next queued status script; runs with exhausted scripts repeat
// their last status.
type fakePlatform struct {
	mu      sync.Mutex
	convSeq int
	runSeq  int

	convs   map[string]*fakeConv
	runs    map[string]*fakeRun
	scripts [][]platform.Run

	createCalls int
	sendCalls   int
}

type fakeConv struct {
	assistantID string
	sent        []string
}

type fakeRun struct {
	convID    string
	script    []platform.Run
	submitted [][]platform.ToolOutput
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		convs: make(map[string]*fakeConv),
		runs:  make(map[string]*fakeRun),
	}
}

func (f *fakePlatform) pushScript(script []platform.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
}

func (f *fakePlatform) CreateConversation(_ context.Context, assistantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.convSeq++
	id := fmt.Sprintf("conv_%d", f.convSeq)
	f.convs[id] = &fakeConv{assistantID: assistantID}
	return id, nil
}

func (f *fakePlatform) SendMessage(_ context.Context, conversationID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	conv, ok := f.convs[conversationID]
	if !ok {
		return "", fmt.Errorf("unknown conversation %q", conversationID)
	}
	conv.sent = append(conv.sent, text)

	script := []platform.Run{
		{Status: platform.StatusQueued},
		{Status: platform.StatusInProgress},
		{Status: platform.StatusCompleted},
	}
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}

	f.runSeq++
	id := fmt.Sprintf("run_%d", f.runSeq)
	f.runs[id] = &fakeRun{convID: conversationID, script: script}
	return id, nil
}

func (f *fakePlatform) RunStatus(_ context.Context, conversationID, runID string) (platform.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.convID != conversationID {
		return platform.Run{}, fmt.Errorf("unknown run %q", runID)
	}
	run := r.script[0]
	if len(r.script) > 1 {
		r.script = r.script[1:]
	}
	run.ID = runID
	return run, nil
}

func (f *fakePlatform) SubmitToolOutputs(_ context.Context, _, runID string, outputs []platform.ToolOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %q", runID)
	}
	r.submitted = append(r.submitted, outputs)
	return nil
}

func (f *fakePlatform) LatestReply(_ context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok || len(conv.sent) == 0 {
		return "", fmt.Errorf("conversation %q has no messages", conversationID)
	}
	return "re: " + conv.sent[len(conv.sent)-1], nil
}

func (f *fakePlatform) ListMessages(_ context.Context, conversationID string, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("unknown conversation %q", conversationID)
	}
	out := make([]platform.Message, 0, limit)
	for _, text := range conv.sent {
		if len(out) == limit {
			break
		}
		out = append(out, platform.Message{Role: "user", Text: text})
	}
	return out, nil
}

func (f *fakePlatform) conversationFor(assistantID string) *fakeConv {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.assistantID == assistantID {
			return c
		}
	}
	return nil
}

// memStore records writes in memory and can be told to fail them all.
type memStore struct {
	store.Nop
	mu       sync.Mutex
	fail     bool
	messages []store.Message
	convs    map[string]string
	progress []store.ProgressEntry
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[string]string)}
}

func (s *memStore) RecordMessage(_ context.Context, m store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) UpsertConversation(_ context.Context, c store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.convs[c.SessionID+"/"+c.Role] = c.ConversationID
	return nil
}

func (s *memStore) Messages(_ context.Context, sessionID, role string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("db down")
	}
	if limit <= 0 {
		limit = 10
	}
	var out []store.Message
	for _, m := range s.messages {
		if m.SessionID != sessionID {
			continue
		}
		if role != "" && m.Role != role {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) LogProgress(_ context.Context, p store.ProgressEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.progress = append(s.progress, p)
	return nil
}

func (s *memStore) recorded() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// memKV is an in-memory state.KV.
type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV {
	return &memKV{m: make(map[string]string)}
}

func (k *memKV) kv() state.KV {
	return state.KV{
		Get: func(key string) (string, error) {
			k.mu.Lock()
			defer k.mu.Unlock()
			return k.m[key], nil
		},
		Set: func(key, value string) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			k.m[key] = value
			return nil
		},
		Delete: func(key string) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			delete(k.m, key)
			return nil
		},
	}
}

// fakeDataStore implements store.DataStore in memory.
type fakeDataStore struct {
	mu      sync.Mutex
	tables  []string
	rows    map[string][]map[string]any
	updates []string
	deletes []string
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{rows: make(map[string][]map[string]any)}
}

func (d *fakeDataStore) CreateTable(_ context.Context, name string, _ []store.Column) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	table := "custom_" + name
	d.tables = append(d.tables, table)
	return table, nil
}

func (d *fakeDataStore) ListTables(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.tables))
	copy(out, d.tables)
	return out, nil
}

func (d *fakeDataStore) DropTable(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, table := range d.tables {
		if table == name || table == "custom_"+name {
			d.tables = append(d.tables[:i], d.tables[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no table %s", name)
}

func (d *fakeDataStore) InsertRow(_ context.Context, table string, values map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := make(map[string]any, len(values))
	for k, v := range values {
		row[k] = v
	}
	d.rows[table] = append(d.rows[table], row)
	return nil
}

func (d *fakeDataStore) QueryRows(_ context.Context, table string, filters map[string]string, limit int) ([]map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []map[string]any
	for _, row := range d.rows[table] {
		matched := true
		for k, v := range filters {
			if fmt.Sprint(row[k]) != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, row)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *fakeDataStore) UpdateRow(_ context.Context, table, rowID string, _ map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, table+"/"+rowID)
	return nil
}

func (d *fakeDataStore) DeleteRow(_ context.Context, table, rowID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, table+"/"+rowID)
	return nil
}

// fakeClock advances on sleep so poll loops finish instantly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return nil
}

func testCatalog(t *testing.T, yamlSrc string) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	if err := os.WriteFile(path, []byte(yamlSrc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	r, err := roster.New([]roster.Assistant{
		{Key: "coordinator", ID: "A1", Name: "Chief of Staff", Coordinator: true},
		{Key: "lsrc_tech", ID: "A2", Name: "LSRC Tech PM"},
		{Key: "documentary", ID: "A3", Name: "Documentary Producer"},
	})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	return r
}

func testRoutes(t *testing.T, r *roster.Roster) *roster.Routes {
	t.Helper()
	routes, err := roster.NewRoutes([]roster.Rule{
		{Keywords: []string{"lsrc", "release", "bug"}, Role: "lsrc_tech"},
		{Keywords: []string{"film", "montage"}, Role: "documentary"},
	}, r)
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	return routes
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeClock) {
	t.Helper()
	if cfg.Roster == nil {
		cfg.Roster = testRoster(t)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	o.now = clk.Now
	o.sleep = clk.Sleep
	return o, clk
}

func TestAsk_Coordinator(t *testing.T) {
	fp := newFakePlatform()
	st := newMemStore()
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Store: st})

	reply, err := o.Ask(context.Background(), "cli", "hello office")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "re: hello office" {
		t.Errorf("got reply %q", reply)
	}

	conv := fp.conversationFor("A1")
	if conv == nil {
		t.Fatal("no conversation created for coordinator assistant")
	}
	if len(conv.sent) != 1 || conv.sent[0] != "hello office" {
		t.Errorf("sent = %v", conv.sent)
	}

	msgs := st.recorded()
	if len(msgs) != 2 {
		t.Fatalf("recorded %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != "user" || msgs[1].Sender != "assistant" {
		t.Errorf("senders = %s, %s", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[0].Role != "coordinator" || msgs[1].Role != "coordinator" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if st.convs["cli/coordinator"] == "" {
		t.Error("conversation binding not persisted")
	}
}

func TestAsk_ReusesConversation(t *testing.T) {
	fp := newFakePlatform()
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	ctx := context.Background()
	if _, err := o.Ask(ctx, "cli", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Ask(ctx, "cli", "second"); err != nil {
		t.Fatal(err)
	}

	if fp.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fp.createCalls)
	}
	conv := fp.conversationFor("A1")
	if len(conv.sent) != 2 {
		t.Errorf("sent %d messages to coordinator conversation, want 2", len(conv.sent))
	}
}

func TestAsk_SessionsAreIsolated(t *testing.T) {
	fp := newFakePlatform()
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	ctx := context.Background()
	if _, err := o.Ask(ctx, "alice", "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Ask(ctx, "bob", "hi"); err != nil {
		t.Fatal(err)
	}

	if fp.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2 (one per session)", fp.createCalls)
	}
}

func TestAskSpecialist_UnknownRole(t *testing.T) {
	fp := newFakePlatform()
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	_, err := o.AskSpecialist(context.Background(), "cli", "unknown_role", "hi")
	var unknownErr *roster.UnknownRoleError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("err = %v, want UnknownRoleError", err)
	}
	if unknownErr.Role != "unknown_role" {
		t.Errorf("Role = %q", unknownErr.Role)
	}
	if fp.createCalls != 0 || fp.sendCalls != 0 {
		t.Errorf("platform contacted: creates=%d sends=%d", fp.createCalls, fp.sendCalls)
	}
}

func TestAskAuto_Routing(t *testing.T) {
	r := testRoster(t)
	fp := newFakePlatform()
	o, _ := newTestOrchestrator(t, Config{Roster: r, Routes: testRoutes(t, r), Platform: fp})

	ctx := context.Background()

	_, role, err := o.AskAuto(ctx, "cli", "Какой статус по lsrc?")
	if err != nil {
		t.Fatal(err)
	}
	if role != "lsrc_tech" {
		t.Errorf("routed to %q, want lsrc_tech", role)
	}

	_, role, err = o.AskAuto(ctx, "cli", "what is on the agenda today")
	if err != nil {
		t.Fatal(err)
	}
	if role != "coordinator" {
		t.Errorf("routed to %q, want coordinator", role)
	}

	if fp.conversationFor("A2") == nil {
		t.Error("no conversation for routed specialist")
	}
	if fp.conversationFor("A1") == nil {
		t.Error("no conversation for coordinator fallback")
	}
}

func TestAsk_RunFailed(t *testing.T) {
	fp := newFakePlatform()
	fp.pushScript([]platform.Run{
		{Status: platform.StatusInProgress},
		{Status: platform.StatusFailed, FailureReason: "rate_limit_exceeded: try later"},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	_, err := o.Ask(context.Background(), "cli", "hi")
	var failedErr *RunFailedError
	if !errors.As(err, &failedErr) {
		t.Fatalf("err = %v, want RunFailedError", err)
	}
	if failedErr.Status != platform.StatusFailed {
		t.Errorf("Status = %s", failedErr.Status)
	}
	if !strings.Contains(failedErr.Error(), "rate_limit_exceeded") {
		t.Errorf("reason missing from %q", failedErr.Error())
	}
}

func TestAsk_TimeoutKeepsHandle(t *testing.T) {
	fp := newFakePlatform()
	fp.pushScript([]platform.Run{{Status: platform.StatusInProgress}})
	o, clk := newTestOrchestrator(t, Config{Platform: fp, MaxWait: 5 * time.Second, PollInterval: time.Second})

	start := clk.Now()
	_, err := o.Ask(context.Background(), "cli", "slow one")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if timeoutErr.Waited != 5*time.Second {
		t.Errorf("Waited = %s", timeoutErr.Waited)
	}
	if waited := clk.Now().Sub(start); waited != 5*time.Second {
		t.Errorf("clock advanced %s, want 5s", waited)
	}

	// The conversation survives the timeout: the next ask reuses it.
	if _, err := o.Ask(context.Background(), "cli", "follow-up"); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if fp.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fp.createCalls)
	}
}

func TestAsk_StoreFailureStillReturnsReply(t *testing.T) {
	fp := newFakePlatform()
	st := newMemStore()
	st.fail = true
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Store: st})

	reply, err := o.Ask(context.Background(), "cli", "hello")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "re: hello" {
		t.Errorf("reply = %q", reply)
	}
}

func TestAsk_RetriesStaleRestoredConversation(t *testing.T) {
	fp := newFakePlatform()
	kv := newMemKV()
	kv.m["cabinet:conversation:cli:coordinator"] = "conv_stale"
	o, _ := newTestOrchestrator(t, Config{Platform: fp, KV: kv.kv()})

	reply, err := o.Ask(context.Background(), "cli", "hello again")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "re: hello again" {
		t.Errorf("reply = %q", reply)
	}
	if fp.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fp.createCalls)
	}
	if got := kv.m["cabinet:conversation:cli:coordinator"]; got != "conv_1" {
		t.Errorf("kv binding = %q, want conv_1", got)
	}
}

func TestBroadcast(t *testing.T) {
	fp := newFakePlatform()
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	replies := o.Broadcast(context.Background(), "cli", "weekly check-in")
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2 (one per specialist)", len(replies))
	}
	if replies[0].Role != "lsrc_tech" || replies[1].Role != "documentary" {
		t.Errorf("roles = %s, %s; want roster order", replies[0].Role, replies[1].Role)
	}
	for _, r := range replies {
		if r.Err != nil {
			t.Errorf("%s: %v", r.Role, r.Err)
		}
		if r.Reply != "re: weekly check-in" {
			t.Errorf("%s reply = %q", r.Role, r.Reply)
		}
	}
	if fp.conversationFor("A1") != nil {
		t.Error("broadcast reached the coordinator")
	}
}

func TestBroadcast_FailureIsolatedPerSpecialist(t *testing.T) {
	fp := newFakePlatform()
	// One specialist fails, the other succeeds. Scripts are consumed in
	// send order, which is not deterministic under concurrency, so both
	// entries are checked by shape instead of by role.
	fp.pushScript([]platform.Run{{Status: platform.StatusFailed, FailureReason: "boom"}})
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	replies := o.Broadcast(context.Background(), "cli", "ping")
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	failed := 0
	for _, r := range replies {
		if r.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want exactly 1", failed)
	}
}

func TestReset(t *testing.T) {
	fp := newFakePlatform()
	kv := newMemKV()
	o, _ := newTestOrchestrator(t, Config{Platform: fp, KV: kv.kv()})

	ctx := context.Background()
	if _, err := o.Ask(ctx, "cli", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := o.Reset(ctx, "cli", "coordinator"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if kv.m["cabinet:conversation:cli:coordinator"] != "" {
		t.Error("kv binding survived reset")
	}

	if _, err := o.Ask(ctx, "cli", "hi again"); err != nil {
		t.Fatal(err)
	}
	if fp.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2 after reset", fp.createCalls)
	}

	var unknownErr *roster.UnknownRoleError
	if err := o.Reset(ctx, "cli", "nope"); !errors.As(err, &unknownErr) {
		t.Errorf("Reset(nope) = %v, want UnknownRoleError", err)
	}
}

func TestResetAll(t *testing.T) {
	fp := newFakePlatform()
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	ctx := context.Background()
	if _, err := o.Ask(ctx, "cli", "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.AskSpecialist(ctx, "cli", "lsrc_tech", "hi"); err != nil {
		t.Fatal(err)
	}

	if n := o.ResetAll(ctx, "cli"); n != 2 {
		t.Errorf("ResetAll = %d, want 2", n)
	}
	if n := o.ResetAll(ctx, "cli"); n != 0 {
		t.Errorf("second ResetAll = %d, want 0", n)
	}
}

func TestAsk_ServesToolCalls(t *testing.T) {
	fp := newFakePlatform()
	st := newMemStore()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "log_progress",
				Arguments: json.RawMessage(`{"project":"lsrc","note":"rc1 shipped"}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Store: st})

	if _, err := o.Ask(context.Background(), "cli", "log it"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	run := fp.runs["run_1"]
	if len(run.submitted) != 1 || len(run.submitted[0]) != 1 {
		t.Fatalf("submitted = %v", run.submitted)
	}
	out := run.submitted[0][0]
	if out.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q", out.ToolCallID)
	}
	if out.Output != "logged progress for lsrc" {
		t.Errorf("Output = %q", out.Output)
	}
	if len(st.progress) != 1 || st.progress[0].Note != "rc1 shipped" {
		t.Errorf("progress = %v", st.progress)
	}
}

func TestAsk_UnknownToolGetsPlaceholderOutput(t *testing.T) {
	fp := newFakePlatform()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "summon_ufo",
				Arguments: json.RawMessage(`{}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	if _, err := o.Ask(context.Background(), "cli", "do the thing"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if out := fp.runs["run_1"].submitted[0][0].Output; out != "ok" {
		t.Errorf("Output = %q, want ok", out)
	}
}

func TestAsk_DelegationToolRunsNestedAsk(t *testing.T) {
	fp := newFakePlatform()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "delegate_to_specialist",
				Arguments: json.RawMessage(`{"specialist":"lsrc_tech","task":"ship rc2","context":"boss asked"}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	if _, err := o.Ask(context.Background(), "cli", "get lsrc moving"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	out := fp.runs["run_1"].submitted[0][0].Output
	want := "re: Context: boss asked\n\nRequest: ship rc2"
	if out != want {
		t.Errorf("delegation output = %q, want %q", out, want)
	}

	conv := fp.conversationFor("A2")
	if conv == nil {
		t.Fatal("no conversation opened for delegated specialist")
	}
}

func TestAsk_SelfDelegationRejected(t *testing.T) {
	fp := newFakePlatform()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "delegate_to_specialist",
				Arguments: json.RawMessage(`{"specialist":"coordinator","task":"ask yourself"}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	if _, err := o.Ask(context.Background(), "cli", "loop"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	out := fp.runs["run_1"].submitted[0][0].Output
	if !strings.Contains(out, "cannot delegate to itself") {
		t.Errorf("output = %q", out)
	}
	if fp.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (no nested conversation)", fp.createCalls)
	}
}

func TestAsk_TableToolsRequireCoordinator(t *testing.T) {
	fp := newFakePlatform()
	data := newFakeDataStore()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "create_custom_table",
				Arguments: json.RawMessage(`{"table_name":"budgets","columns":[{"name":"amount","type":"decimal"}]}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Data: data})

	if _, err := o.AskSpecialist(context.Background(), "cli", "lsrc_tech", "set up a budget table"); err != nil {
		t.Fatalf("AskSpecialist: %v", err)
	}
	out := fp.runs["run_1"].submitted[0][0].Output
	if !strings.Contains(out, "restricted to the coordinator") {
		t.Errorf("output = %q", out)
	}
	if len(data.tables) != 0 {
		t.Errorf("tables = %v, want none", data.tables)
	}
}

func TestAsk_CoordinatorManagesTables(t *testing.T) {
	fp := newFakePlatform()
	data := newFakeDataStore()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "create_custom_table",
				Arguments: json.RawMessage(`{"table_name":"budgets","columns":[{"name":"amount","type":"decimal"}]}`),
			}},
		},
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_2",
				Name:      "list_custom_tables",
				Arguments: json.RawMessage(`{}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Data: data})

	if _, err := o.Ask(context.Background(), "cli", "set up a budget table"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	run := fp.runs["run_1"]
	if len(run.submitted) != 2 {
		t.Fatalf("submitted %d batches, want 2", len(run.submitted))
	}
	if out := run.submitted[0][0].Output; out != "created table custom_budgets" {
		t.Errorf("create output = %q", out)
	}
	if out := run.submitted[1][0].Output; out != "Tables:\n- custom_budgets" {
		t.Errorf("list output = %q", out)
	}
}

func TestAsk_RowToolsRoundTrip(t *testing.T) {
	fp := newFakePlatform()
	data := newFakeDataStore()
	data.tables = []string{"custom_screenings"}
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "insert_row",
				Arguments: json.RawMessage(`{"table_name":"custom_screenings","data":{"city":"Austin","seats":120}}`),
			}},
		},
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_2",
				Name:      "get_rows",
				Arguments: json.RawMessage(`{"table_name":"custom_screenings","filters":{"city":"Austin"}}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Data: data})

	if _, err := o.AskSpecialist(context.Background(), "cli", "documentary", "log the Austin screening"); err != nil {
		t.Fatalf("AskSpecialist: %v", err)
	}

	run := fp.runs["run_1"]
	if len(run.submitted) != 2 {
		t.Fatalf("submitted %d batches, want 2", len(run.submitted))
	}
	if out := run.submitted[0][0].Output; out != "inserted row into custom_screenings" {
		t.Errorf("insert output = %q", out)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(run.submitted[1][0].Output), &rows); err != nil {
		t.Fatalf("get_rows output not JSON: %v", err)
	}
	// JSON numbers in tool arguments flatten to strings on the way in.
	if len(rows) != 1 || rows[0]["city"] != "Austin" || rows[0]["seats"] != "120" {
		t.Errorf("rows = %v", rows)
	}
}

func TestAsk_DataToolsWithoutStore(t *testing.T) {
	fp := newFakePlatform()
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "insert_row",
				Arguments: json.RawMessage(`{"table_name":"custom_x","data":{"a":"b"}}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp})

	if _, err := o.Ask(context.Background(), "cli", "store this"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	out := fp.runs["run_1"].submitted[0][0].Output
	if !strings.Contains(out, "data tables are not available") {
		t.Errorf("output = %q", out)
	}
}

func TestAsk_ProjectToolsReadCatalog(t *testing.T) {
	fp := newFakePlatform()
	cat := testCatalog(t, `
projects:
  - key: lsrc
    name: LSRC
    status: active
    priority: high
    focus: ship rc2
    next_milestone: RC2 out Friday
  - key: documentary
    name: Documentary
    status: active
`)
	fp.pushScript([]platform.Run{
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_1",
				Name:      "get_project_status",
				Arguments: json.RawMessage(`{"project":"lsrc"}`),
			}},
		},
		{
			Status: platform.StatusRequiresAction,
			ToolCalls: []platform.ToolCall{{
				ID:        "call_2",
				Name:      "get_today_focus",
				Arguments: json.RawMessage(`{}`),
			}},
		},
		{Status: platform.StatusCompleted},
	})
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Catalog: cat})

	if _, err := o.Ask(context.Background(), "cli", "where are we"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	run := fp.runs["run_1"]
	if len(run.submitted) != 2 {
		t.Fatalf("submitted %d batches, want 2", len(run.submitted))
	}

	status := run.submitted[0][0].Output
	for _, want := range []string{"Project: LSRC (lsrc)", "Status: active", "Priority: high", "Current focus: ship rc2", "Next milestone: RC2 out Friday"} {
		if !strings.Contains(status, want) {
			t.Errorf("status output missing %q:\n%s", want, status)
		}
	}

	focus := run.submitted[1][0].Output
	if !strings.Contains(focus, "LSRC (lsrc) [high]: ship rc2") {
		t.Errorf("focus output = %q", focus)
	}
	if strings.Contains(focus, "Documentary") {
		t.Errorf("unflagged project leaked into focus: %q", focus)
	}
}

func TestHistory(t *testing.T) {
	fp := newFakePlatform()
	st := newMemStore()
	o, _ := newTestOrchestrator(t, Config{Platform: fp, Store: st})

	ctx := context.Background()
	if _, err := o.Ask(ctx, "cli", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.AskSpecialist(ctx, "cli", "lsrc_tech", "two"); err != nil {
		t.Fatal(err)
	}

	msgs, err := o.History(ctx, "cli", "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("got %d messages, want 4", len(msgs))
	}

	msgs, err = o.History(ctx, "cli", "lsrc_tech", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d lsrc_tech messages, want 2", len(msgs))
	}

	var unknownErr *roster.UnknownRoleError
	if _, err := o.History(ctx, "cli", "nope", 0); !errors.As(err, &unknownErr) {
		t.Errorf("History(nope) = %v, want UnknownRoleError", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Platform: newFakePlatform()}); err == nil {
		t.Error("New without roster should fail")
	}
	if _, err := New(Config{Roster: testRoster(t)}); err == nil {
		t.Error("New without platform should fail")
	}
}

// Package store defines the persistence capability used by the
// orchestrator and the tool-call executors. Writes are best-effort at
// the call sites: a storage failure is logged and never turns a
// successful specialist reply into an error.
package store

import (
	"context"
	"time"
)

// Message is one persisted chat turn.
type Message struct {
	SessionID string
	Role      string
	Sender    string
	Text      string
	CreatedAt time.Time
}

// Conversation binds a (session, role) pair to its platform
// conversation so handles survive restarts.
type Conversation struct {
	SessionID      string
	Role           string
	ConversationID string
	UpdatedAt      time.Time
}

// ProgressEntry is a free-form status note attached to a project.
type ProgressEntry struct {
	Project   string
	Note      string
	CreatedAt time.Time
}

// Task is a tracked work item, optionally tied to a project and
// assigned to a role.
type Task struct {
	ID          int64
	Project     string
	Title       string
	Assignee    string
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Project is a tracked effort that progress entries reference.
type Project struct {
	Key         string
	Name        string
	Status      string
	Description string
}

// DailySummary is one journal digest.
type DailySummary struct {
	Day     string
	Summary string
}

// Store is the full persistence surface. Implementations must be safe
// for concurrent use.
type Store interface {
	RecordMessage(ctx context.Context, m Message) error
	UpsertConversation(ctx context.Context, c Conversation) error
	Messages(ctx context.Context, sessionID, role string, limit int) ([]Message, error)

	LogProgress(ctx context.Context, p ProgressEntry) error
	Progress(ctx context.Context, project string, limit int) ([]ProgressEntry, error)

	CreateTask(ctx context.Context, t Task) (int64, error)
	CompleteTask(ctx context.Context, id int64) error
	Tasks(ctx context.Context, status string) ([]Task, error)

	UpsertProject(ctx context.Context, p Project) error
	Project(ctx context.Context, key string) (Project, bool, error)
	Projects(ctx context.Context) ([]Project, error)

	UpsertDailySummary(ctx context.Context, s DailySummary) error
	DailySummaries(ctx context.Context, limit int) ([]DailySummary, error)
}

// Column describes one field of an ad-hoc data table.
type Column struct {
	Name string
	Type string
}

// DataStore is the optional ad-hoc table capability. Backends that
// cannot offer it simply do not implement the interface. Table names
// are forced under a reserved prefix so these operations can never
// touch the fixed schema.
type DataStore interface {
	CreateTable(ctx context.Context, name string, cols []Column) (string, error)
	ListTables(ctx context.Context) ([]string, error)
	DropTable(ctx context.Context, name string) error
	InsertRow(ctx context.Context, table string, values map[string]string) error
	QueryRows(ctx context.Context, table string, filters map[string]string, limit int) ([]map[string]any, error)
	UpdateRow(ctx context.Context, table, rowID string, values map[string]string) error
	DeleteRow(ctx context.Context, table, rowID string) error
}

// Nop discards writes and returns empty reads. It is the default when
// no database is configured.
type Nop struct{}

var _ Store = Nop{}

func (Nop) RecordMessage(context.Context, Message) error           { return nil }
func (Nop) UpsertConversation(context.Context, Conversation) error { return nil }
func (Nop) Messages(context.Context, string, string, int) ([]Message, error) {
	return nil, nil
}
func (Nop) LogProgress(context.Context, ProgressEntry) error { return nil }
func (Nop) Progress(context.Context, string, int) ([]ProgressEntry, error) {
	return nil, nil
}
func (Nop) CreateTask(context.Context, Task) (int64, error) { return 0, nil }
func (Nop) CompleteTask(context.Context, int64) error       { return nil }
func (Nop) Tasks(context.Context, string) ([]Task, error)   { return nil, nil }
func (Nop) UpsertProject(context.Context, Project) error    { return nil }
func (Nop) Project(context.Context, string) (Project, bool, error) {
	return Project{}, false, nil
}
func (Nop) Projects(context.Context) ([]Project, error)          { return nil, nil }
func (Nop) UpsertDailySummary(context.Context, DailySummary) error { return nil }
func (Nop) DailySummaries(context.Context, int) ([]DailySummary, error) {
	return nil, nil
}

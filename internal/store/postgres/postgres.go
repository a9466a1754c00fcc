// Package postgres implements the persistence capability on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabinet-labs/cabinet/internal/store"
)

// Store persists conversations, messages, and office records.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, pgURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, pgURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Init creates the tables if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id      TEXT NOT NULL,
			role            TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, role)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			sender     TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages (session_id, role, created_at)`,
		`CREATE TABLE IF NOT EXISTS projects (
			key         TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id           BIGSERIAL PRIMARY KEY,
			project      TEXT NOT NULL DEFAULT '',
			title        TEXT NOT NULL,
			assignee     TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'open',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS progress_log (
			id         BIGSERIAL PRIMARY KEY,
			project    TEXT NOT NULL,
			note       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			day        TEXT PRIMARY KEY,
			summary    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	slog.Info("postgres store initialized")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordMessage appends one chat turn.
func (s *Store) RecordMessage(ctx context.Context, m store.Message) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (session_id, role, sender, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.SessionID, m.Role, m.Sender, m.Text, created)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// UpsertConversation stores the platform conversation bound to a
// (session, role) pair.
func (s *Store) UpsertConversation(ctx context.Context, c store.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (session_id, role, conversation_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, role) DO UPDATE
		SET conversation_id = EXCLUDED.conversation_id,
			updated_at = now()
	`, c.SessionID, c.Role, c.ConversationID)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// Messages returns the most recent turns for a session, oldest first.
// An empty role matches every role in the session.
func (s *Store) Messages(ctx context.Context, sessionID, role string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, role, sender, content, created_at
		FROM messages
		WHERE session_id = $1 AND ($2 = '' OR role = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, sessionID, role, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers read oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LogProgress appends a progress note.
func (s *Store) LogProgress(ctx context.Context, p store.ProgressEntry) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO progress_log (project, note, created_at)
		VALUES ($1, $2, $3)
	`, p.Project, p.Note, created)
	if err != nil {
		return fmt.Errorf("log progress: %w", err)
	}
	return nil
}

// Progress returns recent notes, newest first. An empty project
// matches all projects.
func (s *Store) Progress(ctx context.Context, project string, limit int) ([]store.ProgressEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT project, note, created_at
		FROM progress_log
		WHERE ($1 = '' OR project = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []store.ProgressEntry
	for rows.Next() {
		var p store.ProgressEntry
		if err := rows.Scan(&p.Project, &p.Note, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateTask inserts a task and returns its ID.
func (s *Store) CreateTask(ctx context.Context, t store.Task) (int64, error) {
	status := t.Status
	if status == "" {
		status = "open"
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (project, title, assignee, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, t.Project, t.Title, t.Assignee, status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// CompleteTask marks a task done.
func (s *Store) CompleteTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'done', completed_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d not found", id)
	}
	return nil
}

// Tasks lists tasks, optionally filtered by status.
func (s *Store) Tasks(ctx context.Context, status string) ([]store.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, title, assignee, status, created_at, completed_at
		FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		var t store.Task
		if err := rows.Scan(&t.ID, &t.Project, &t.Title, &t.Assignee, &t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertProject creates or updates a project record.
func (s *Store) UpsertProject(ctx context.Context, p store.Project) error {
	status := p.Status
	if status == "" {
		status = "active"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (key, name, status, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET name = EXCLUDED.name,
			status = EXCLUDED.status,
			description = EXCLUDED.description
	`, p.Key, p.Name, status, p.Description)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.Key, err)
	}
	return nil
}

// Project fetches one project by key.
func (s *Store) Project(ctx context.Context, key string) (store.Project, bool, error) {
	var p store.Project
	err := s.pool.QueryRow(ctx, `
		SELECT key, name, status, description FROM projects WHERE key = $1
	`, key).Scan(&p.Key, &p.Name, &p.Status, &p.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Project{}, false, nil
	}
	if err != nil {
		return store.Project{}, false, fmt.Errorf("get project %s: %w", key, err)
	}
	return p, true, nil
}

// Projects lists all projects ordered by key.
func (s *Store) Projects(ctx context.Context) ([]store.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, name, status, description FROM projects ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []store.Project
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(&p.Key, &p.Name, &p.Status, &p.Description); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertDailySummary stores the digest for a day, replacing an earlier
// one for the same day.
func (s *Store) UpsertDailySummary(ctx context.Context, d store.DailySummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_summaries (day, summary)
		VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE
		SET summary = EXCLUDED.summary,
			created_at = now()
	`, d.Day, d.Summary)
	if err != nil {
		return fmt.Errorf("upsert daily summary %s: %w", d.Day, err)
	}
	return nil
}

// DailySummaries lists recent digests, newest first.
func (s *Store) DailySummaries(ctx context.Context, limit int) ([]store.DailySummary, error) {
	if limit <= 0 {
		limit = 7
	}
	rows, err := s.pool.Query(ctx, `
		SELECT day, summary FROM daily_summaries ORDER BY day DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list daily summaries: %w", err)
	}
	defer rows.Close()

	var out []store.DailySummary
	for rows.Next() {
		var d store.DailySummary
		if err := rows.Scan(&d.Day, &d.Summary); err != nil {
			return nil, fmt.Errorf("scan daily summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

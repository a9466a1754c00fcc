// Package journal implements the office's daily-summary worker.
//
// The worker runs as a background goroutine. Once per interval it asks
// the coordinator for a digest of the day (the assistant reads
// progress, tasks, and projects through its own tools) and saves the
// digest as that day's journal entry. The daemon can also trigger a
// cycle manually through WriteOnce.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AskFunc submits a prompt to the coordinator and returns the reply.
type AskFunc func(ctx context.Context, sessionID, text string) (string, error)

// SaveFunc persists one journal entry keyed by day (YYYY-MM-DD).
type SaveFunc func(ctx context.Context, day, summary string) error

// EventFunc is a callback for publishing journal events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

const defaultPrompt = "Write the office journal entry for today: summarize " +
	"recent progress across projects, completed and open tasks, and anything " +
	"blocked. Use your tools to read the current data. Keep it under 200 words."

// Report holds the results of a single journal cycle.
type Report struct {
	CycleNumber int       `json:"cycle_number"`
	Day         string    `json:"day"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
	Summary     string    `json:"summary,omitempty"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Config holds journal worker configuration.
type Config struct {
	Interval     time.Duration // how often to write an entry (default 24h)
	InitialDelay time.Duration // startup delay before the first entry (default 1m)
	SessionID    string        // orchestrator session for digests (default "journal")
	Prompt       string        // digest prompt override
}

// Worker is the journal background worker.
type Worker struct {
	ask     AskFunc
	save    SaveFunc
	onEvent EventFunc

	interval     time.Duration
	initialDelay time.Duration
	sessionID    string
	prompt       string

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a journal worker.
func NewWorker(ask AskFunc, save SaveFunc, onEvent EventFunc, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Minute
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "journal"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}

	return &Worker{
		ask:          ask,
		save:         save,
		onEvent:      onEvent,
		interval:     cfg.Interval,
		initialDelay: cfg.InitialDelay,
		sessionID:    cfg.SessionID,
		prompt:       cfg.Prompt,
	}
}

// Run starts the journal loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("journal worker started",
		"interval", w.interval,
		"initial_delay", w.initialDelay,
	)
	w.emit("status", "Journal worker started")

	// Initial entry after a short delay so the rest of the daemon is up.
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.initialDelay):
	}

	if report := w.WriteOnce(ctx); report != nil {
		w.logReport(report)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("journal worker stopping")
			w.emit("status", "Journal worker stopped")
			return
		case <-ticker.C:
			if report := w.WriteOnce(ctx); report != nil {
				w.logReport(report)
			}
		}
	}
}

// WriteOnce runs a single journal cycle and returns the report.
func (w *Worker) WriteOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	day := start.UTC().Format("2006-01-02")
	w.emit("status", fmt.Sprintf("Journal cycle %d starting", cycle))

	report := &Report{
		CycleNumber: cycle,
		Day:         day,
		StartedAt:   start,
	}

	summary, err := w.ask(ctx, w.sessionID, w.prompt)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("digest: %v", err))
		slog.Warn("journal: digest failed", "error", err)
	} else {
		report.Summary = summary
		if err := w.save(ctx, day, summary); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("save entry: %v", err))
			slog.Warn("journal: save failed", "day", day, "error", err)
		} else {
			w.emit("status", fmt.Sprintf("Journal: saved entry for %s", day))
		}
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	return report
}

// LastReport returns the most recent journal report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

// logReport logs the cycle summary and publishes it as an event.
func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf("Journal cycle %d complete (%s): entry for %s, %d chars",
		report.CycleNumber,
		report.Duration,
		report.Day,
		len(report.Summary),
	)
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}

	slog.Info("journal: cycle complete", "summary", summary)
	w.emit("status", summary)
}

// emit publishes an event if the callback is set.
func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}

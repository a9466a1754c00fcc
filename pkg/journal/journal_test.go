package journal

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestWriteOnce(t *testing.T) {
	saved := map[string]string{}
	var askedSession, askedPrompt string

	w := NewWorker(
		func(_ context.Context, sessionID, text string) (string, error) {
			askedSession, askedPrompt = sessionID, text
			return "quiet day, rc2 shipped", nil
		},
		func(_ context.Context, day, summary string) error {
			saved[day] = summary
			return nil
		},
		nil,
		Config{},
	)

	report := w.WriteOnce(context.Background())
	if report == nil {
		t.Fatal("nil report")
	}
	if report.CycleNumber != 1 {
		t.Errorf("CycleNumber = %d", report.CycleNumber)
	}
	if len(report.Errors) != 0 {
		t.Errorf("Errors = %v", report.Errors)
	}
	if report.Summary != "quiet day, rc2 shipped" {
		t.Errorf("Summary = %q", report.Summary)
	}

	wantDay := time.Now().UTC().Format("2006-01-02")
	if report.Day != wantDay {
		t.Errorf("Day = %q, want %q", report.Day, wantDay)
	}
	if saved[wantDay] != "quiet day, rc2 shipped" {
		t.Errorf("saved = %v", saved)
	}

	if askedSession != "journal" {
		t.Errorf("session = %q", askedSession)
	}
	if !strings.Contains(askedPrompt, "journal entry") {
		t.Errorf("prompt = %q", askedPrompt)
	}

	if got := w.LastReport(); got != report {
		t.Error("LastReport did not return the latest report")
	}
}

func TestWriteOnce_DigestFailure(t *testing.T) {
	savedCalls := 0
	w := NewWorker(
		func(context.Context, string, string) (string, error) {
			return "", fmt.Errorf("platform down")
		},
		func(context.Context, string, string) error {
			savedCalls++
			return nil
		},
		nil,
		Config{},
	)

	report := w.WriteOnce(context.Background())
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "platform down") {
		t.Errorf("Errors = %v", report.Errors)
	}
	if savedCalls != 0 {
		t.Errorf("save called %d times despite digest failure", savedCalls)
	}
}

func TestWriteOnce_SaveFailure(t *testing.T) {
	w := NewWorker(
		func(context.Context, string, string) (string, error) {
			return "digest", nil
		},
		func(context.Context, string, string) error {
			return fmt.Errorf("disk full")
		},
		nil,
		Config{},
	)

	report := w.WriteOnce(context.Background())
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "save entry") {
		t.Errorf("Errors = %v", report.Errors)
	}
	if report.Summary != "digest" {
		t.Errorf("Summary = %q", report.Summary)
	}
}

func TestWriteOnce_CyclesCount(t *testing.T) {
	events := []string{}
	w := NewWorker(
		func(context.Context, string, string) (string, error) { return "ok", nil },
		func(context.Context, string, string) error { return nil },
		func(_, message string) { events = append(events, message) },
		Config{SessionID: "test"},
	)

	w.WriteOnce(context.Background())
	report := w.WriteOnce(context.Background())
	if report.CycleNumber != 2 {
		t.Errorf("CycleNumber = %d, want 2", report.CycleNumber)
	}
	if len(events) == 0 {
		t.Error("no events emitted")
	}
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cabinet-labs/cabinet/pkg/recall"
	"github.com/cabinet-labs/cabinet/pkg/roster"
)

// serveAPI runs the HTTP surface: health, the event stream, recall
// search, direct asks, journal control, and roster metadata.
func (d *Daemon) serveAPI(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/events", d.handleEvents)
	mux.HandleFunc("/v1/recall", d.handleRecall)
	mux.HandleFunc("/v1/ask", d.handleAsk)
	mux.HandleFunc("/v1/journal", d.handleJournal)
	mux.HandleFunc("/v1/roles", d.handleRoles)

	server := &http.Server{Addr: d.config.HTTPAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("http api listening", "addr", d.config.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http api failed", "error", err)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.healthy {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startTime).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleEvents streams the office event bus as server-sent events,
// replaying recent history first so a fresh client has context.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, events := d.events.Subscribe()
	defer d.events.Unsubscribe(id)

	for _, ev := range d.events.Recent(50) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	rs, tei, ok := d.recallReady()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "recall not available")
		return
	}

	snippets, err := recall.HybridSearch(r.Context(), query, rs, tei, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":    query,
		"count":    len(snippets),
		"snippets": snippets,
	})
}

func (d *Daemon) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text    string `json:"text"`
		Role    string `json:"role"`
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "missing text")
		return
	}
	session := req.Session
	if session == "" {
		session = "api"
	}

	start := time.Now()
	var (
		reply string
		role  = req.Role
		err   error
	)
	if req.Role != "" {
		reply, err = d.orch.AskSpecialist(r.Context(), session, req.Role, req.Text)
	} else {
		reply, role, err = d.orch.AskAuto(r.Context(), session, req.Text)
	}
	if err != nil {
		var unknown *roster.UnknownRoleError
		if errors.As(err, &unknown) {
			writeJSONError(w, http.StatusBadRequest, unknown.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	d.events.Publish(EventChat, role, truncate(reply, 120))
	writeJSON(w, http.StatusOK, map[string]any{
		"role":    role,
		"reply":   reply,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	})
}

// handleJournal reads the last journal report on GET and forces a
// cycle on POST.
func (d *Daemon) handleJournal(w http.ResponseWriter, r *http.Request) {
	if d.journal == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		report := d.journal.LastReport()
		if report == nil {
			writeJSONError(w, http.StatusNotFound, "no journal entry yet")
			return
		}
		writeJSON(w, http.StatusOK, report)
	case http.MethodPost:
		writeJSON(w, http.StatusOK, d.journal.WriteOnce(r.Context()))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Daemon) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roles := d.orch.Roles()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(roles),
		"roles": roles,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

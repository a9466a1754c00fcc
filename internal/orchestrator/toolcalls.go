package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cabinet-labs/cabinet/internal/store"
	"github.com/cabinet-labs/cabinet/pkg/platform"
)

const (
	maxSingleToolTimeout = 10 * time.Second
	// Delegation runs a nested ask with its own polling, so it gets more
	// time than the default ask wait.
	delegateTimeout = 3 * time.Minute
)

// Scope identifies the handle a tool call executes on behalf of.
type Scope struct {
	SessionID string
	Role      string
}

// ToolExecutor serves one named tool requested by a run.
type ToolExecutor interface {
	Name() string
	Execute(ctx context.Context, input json.RawMessage, scope Scope) (string, error)
}

type toolExecutor struct {
	name    string
	timeout time.Duration // 0 means maxSingleToolTimeout
	run     func(ctx context.Context, input map[string]any, scope Scope) (string, error)
}

func (e toolExecutor) Name() string {
	return e.name
}

func (e toolExecutor) Execute(ctx context.Context, input json.RawMessage, scope Scope) (string, error) {
	parsed := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return "", fmt.Errorf("parse tool input: %w", err)
		}
	}
	return e.run(ctx, parsed, scope)
}

func (o *Orchestrator) toolExecutors() []ToolExecutor {
	return []ToolExecutor{
		toolExecutor{name: "delegate_to_specialist", run: o.toolDelegate, timeout: delegateTimeout},
		toolExecutor{name: "get_project_status", run: o.toolProjectStatus},
		toolExecutor{name: "get_all_projects_overview", run: o.toolProjectsOverview},
		toolExecutor{name: "get_today_focus", run: o.toolTodayFocus},
		toolExecutor{name: "log_progress", run: o.toolLogProgress},
		toolExecutor{name: "create_task", run: o.toolCreateTask},
		toolExecutor{name: "complete_task", run: o.toolCompleteTask},
		toolExecutor{name: "list_tasks", run: o.toolListTasks},
		toolExecutor{name: "create_custom_table", run: o.toolCreateTable},
		toolExecutor{name: "list_custom_tables", run: o.toolListTables},
		toolExecutor{name: "drop_custom_table", run: o.toolDropTable},
		toolExecutor{name: "insert_row", run: o.toolInsertRow},
		toolExecutor{name: "get_rows", run: o.toolGetRows},
		toolExecutor{name: "update_row", run: o.toolUpdateRow},
		toolExecutor{name: "delete_row", run: o.toolDeleteRow},
	}
}

// executeToolCalls serves every call in the batch. Each call gets an
// output: failures and unknown tools become text the model can read,
// because the platform refuses partial submissions.
func (o *Orchestrator) executeToolCalls(ctx context.Context, scope Scope, calls []platform.ToolCall) []platform.ToolOutput {
	executors := o.toolExecutors()
	byName := make(map[string]ToolExecutor, len(executors))
	for _, e := range executors {
		byName[e.Name()] = e
	}

	outputs := make([]platform.ToolOutput, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, platform.ToolOutput{
			ToolCallID: call.ID,
			Output:     o.executeToolCall(ctx, byName, call, scope),
		})
	}
	return outputs
}

func (o *Orchestrator) executeToolCall(ctx context.Context, byName map[string]ToolExecutor, call platform.ToolCall, scope Scope) string {
	start := time.Now()
	executor, ok := byName[call.Name]
	if !ok {
		slog.Warn("unknown tool call", "tool", call.Name, "role", scope.Role)
		return "ok"
	}

	timeout := maxSingleToolTimeout
	if te, ok := executor.(toolExecutor); ok && te.timeout > 0 {
		timeout = te.timeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := executor.Execute(toolCtx, call.Arguments, scope)
	isError := err != nil
	if isError {
		content = "error: " + err.Error()
	}

	slog.Info("tool call",
		"tool", call.Name,
		"role", scope.Role,
		"duration", time.Since(start).Round(time.Millisecond),
		"is_error", isError,
	)
	return content
}

// requireCoordinator gates the table-shaping tools: specialists work
// with rows, only the coordinator changes the schema.
func (o *Orchestrator) requireCoordinator(scope Scope, tool string) error {
	if scope.Role != o.roster.Coordinator().Key {
		return fmt.Errorf("%s is restricted to the coordinator", tool)
	}
	return nil
}

func (o *Orchestrator) toolDelegate(ctx context.Context, input map[string]any, scope Scope) (string, error) {
	specialist, _ := input["specialist"].(string)
	if strings.TrimSpace(specialist) == "" {
		return "", fmt.Errorf("missing required parameter: specialist")
	}
	task, _ := input["task"].(string)
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("missing required parameter: task")
	}
	background, _ := input["context"].(string)

	return o.Delegate(ctx, scope.SessionID, scope.Role, specialist, task, background)
}

func (o *Orchestrator) toolProjectStatus(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	key, _ := input["project"].(string)
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("missing required parameter: project")
	}

	b := strings.Builder{}
	found := false
	if o.catalog != nil {
		if p, ok := o.catalog.Project(key); ok {
			found = true
			fmt.Fprintf(&b, "Project: %s (%s)\nStatus: %s\n", p.Name, p.Key, p.Status)
			if p.Priority != "" {
				fmt.Fprintf(&b, "Priority: %s\n", p.Priority)
			}
			if p.Owner != "" {
				fmt.Fprintf(&b, "Owner: %s\n", p.Owner)
			}
			if p.Description != "" {
				fmt.Fprintf(&b, "%s\n", p.Description)
			}
			if p.Focus != "" {
				fmt.Fprintf(&b, "Current focus: %s\n", p.Focus)
			}
			if p.NextMilestone != "" {
				fmt.Fprintf(&b, "Next milestone: %s\n", p.NextMilestone)
			}
		}
	}
	if !found {
		p, ok, err := o.store.Project(ctx, key)
		if err != nil {
			return "", fmt.Errorf("look up project: %w", err)
		}
		if ok {
			found = true
			fmt.Fprintf(&b, "Project: %s (%s)\nStatus: %s\n", p.Name, p.Key, p.Status)
			if p.Description != "" {
				fmt.Fprintf(&b, "%s\n", p.Description)
			}
		}
	}
	if !found {
		return "", fmt.Errorf("unknown project: %s", key)
	}

	notes, err := o.store.Progress(ctx, key, 5)
	if err == nil && len(notes) > 0 {
		b.WriteString("\nRecent progress:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s: %s\n", n.CreatedAt.Format("2006-01-02"), n.Note)
		}
	}
	return b.String(), nil
}

func (o *Orchestrator) toolProjectsOverview(ctx context.Context, _ map[string]any, _ Scope) (string, error) {
	type row struct {
		key, name, status, owner, focus string
	}
	var rows []row

	if o.catalog != nil {
		for _, p := range o.catalog.Projects() {
			rows = append(rows, row{p.Key, p.Name, p.Status, p.Owner, p.Focus})
		}
	}
	if len(rows) == 0 {
		projects, err := o.store.Projects(ctx)
		if err != nil {
			return "", fmt.Errorf("list projects: %w", err)
		}
		for _, p := range projects {
			rows = append(rows, row{p.Key, p.Name, p.Status, "", ""})
		}
	}
	if len(rows) == 0 {
		return "No projects on file.", nil
	}

	b := strings.Builder{}
	b.WriteString("Projects:\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "- %s (%s): %s", r.name, r.key, r.status)
		if r.owner != "" {
			fmt.Fprintf(&b, ", owner %s", r.owner)
		}
		if r.focus != "" {
			fmt.Fprintf(&b, ", focus: %s", r.focus)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (o *Orchestrator) toolTodayFocus(ctx context.Context, _ map[string]any, _ Scope) (string, error) {
	if o.catalog == nil {
		return "No project catalog configured.", nil
	}

	b := strings.Builder{}
	for _, p := range o.catalog.Projects() {
		if p.Priority != "high" && p.Focus == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)", p.Name, p.Key)
		if p.Priority != "" {
			fmt.Fprintf(&b, " [%s]", p.Priority)
		}
		if p.Focus != "" {
			fmt.Fprintf(&b, ": %s", p.Focus)
		}
		if p.NextMilestone != "" {
			fmt.Fprintf(&b, " (next: %s)", p.NextMilestone)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "Nothing flagged for today.", nil
	}
	return "Today's focus:\n" + b.String(), nil
}

func (o *Orchestrator) toolLogProgress(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	project, _ := input["project"].(string)
	if strings.TrimSpace(project) == "" {
		return "", fmt.Errorf("missing required parameter: project")
	}
	note, _ := input["note"].(string)
	if strings.TrimSpace(note) == "" {
		return "", fmt.Errorf("missing required parameter: note")
	}

	if err := o.store.LogProgress(ctx, store.ProgressEntry{Project: project, Note: note}); err != nil {
		return "", fmt.Errorf("log progress: %w", err)
	}
	return fmt.Sprintf("logged progress for %s", project), nil
}

func (o *Orchestrator) toolCreateTask(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	title, _ := input["title"].(string)
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("missing required parameter: title")
	}
	project, _ := input["project"].(string)
	assignee, _ := input["assignee"].(string)

	id, err := o.store.CreateTask(ctx, store.Task{Project: project, Title: title, Assignee: assignee})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return fmt.Sprintf("created task %d", id), nil
}

func (o *Orchestrator) toolCompleteTask(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	id := int64(intArg(input, "id", 0))
	if id <= 0 {
		return "", fmt.Errorf("missing required parameter: id")
	}

	if err := o.store.CompleteTask(ctx, id); err != nil {
		return "", fmt.Errorf("complete task: %w", err)
	}
	return fmt.Sprintf("completed task %d", id), nil
}

func (o *Orchestrator) toolListTasks(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	status, _ := input["status"].(string)

	tasks, err := o.store.Tasks(ctx, status)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "No tasks found.", nil
	}

	b := strings.Builder{}
	b.WriteString("Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d [%s] %s", t.ID, t.Status, t.Title)
		if t.Assignee != "" {
			fmt.Fprintf(&b, " (%s)", t.Assignee)
		}
		if t.Project != "" {
			fmt.Fprintf(&b, " on %s", t.Project)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (o *Orchestrator) toolCreateTable(ctx context.Context, input map[string]any, scope Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	if err := o.requireCoordinator(scope, "create_custom_table"); err != nil {
		return "", err
	}
	name, _ := input["table_name"].(string)
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("missing required parameter: table_name")
	}

	rawCols, _ := input["columns"].([]any)
	cols := make([]store.Column, 0, len(rawCols))
	for _, rc := range rawCols {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		colName, _ := m["name"].(string)
		colType, _ := m["type"].(string)
		cols = append(cols, store.Column{Name: colName, Type: colType})
	}

	table, err := o.data.CreateTable(ctx, name, cols)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created table %s", table), nil
}

func (o *Orchestrator) toolListTables(ctx context.Context, _ map[string]any, _ Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	tables, err := o.data.ListTables(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "No custom tables yet.", nil
	}
	return "Tables:\n- " + strings.Join(tables, "\n- "), nil
}

func (o *Orchestrator) toolDropTable(ctx context.Context, input map[string]any, scope Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	if err := o.requireCoordinator(scope, "drop_custom_table"); err != nil {
		return "", err
	}
	table, _ := input["table_name"].(string)
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("missing required parameter: table_name")
	}

	if err := o.data.DropTable(ctx, table); err != nil {
		return "", err
	}
	return fmt.Sprintf("dropped table %s", table), nil
}

func (o *Orchestrator) toolInsertRow(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	table, _ := input["table_name"].(string)
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("missing required parameter: table_name")
	}
	data := stringMap(input, "data")
	if len(data) == 0 {
		return "", fmt.Errorf("missing required parameter: data")
	}

	if err := o.data.InsertRow(ctx, table, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("inserted row into %s", table), nil
}

func (o *Orchestrator) toolGetRows(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	table, _ := input["table_name"].(string)
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("missing required parameter: table_name")
	}
	filters := stringMap(input, "filters")
	limit := intArg(input, "limit", 100)

	rows, err := o.data.QueryRows(ctx, table, filters, limit)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No rows found.", nil
	}

	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(encoded), nil
}

func (o *Orchestrator) toolUpdateRow(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	table, _ := input["table_name"].(string)
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("missing required parameter: table_name")
	}
	rowID := strArg(input, "row_id")
	if rowID == "" {
		return "", fmt.Errorf("missing required parameter: row_id")
	}
	data := stringMap(input, "data")
	if len(data) == 0 {
		return "", fmt.Errorf("missing required parameter: data")
	}

	if err := o.data.UpdateRow(ctx, table, rowID, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("updated row %s in %s", rowID, table), nil
}

func (o *Orchestrator) toolDeleteRow(ctx context.Context, input map[string]any, _ Scope) (string, error) {
	if o.data == nil {
		return "", fmt.Errorf("data tables are not available")
	}
	table, _ := input["table_name"].(string)
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("missing required parameter: table_name")
	}
	rowID := strArg(input, "row_id")
	if rowID == "" {
		return "", fmt.Errorf("missing required parameter: row_id")
	}

	if err := o.data.DeleteRow(ctx, table, rowID); err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted row %s from %s", rowID, table), nil
}

func intArg(input map[string]any, key string, def int) int {
	switch n := input[key].(type) {
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

func strArg(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// stringMap flattens a JSON object argument into strings.
func stringMap(input map[string]any, key string) map[string]string {
	raw, _ := input[key].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

package postgres

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cabinet-labs/cabinet/internal/store"
)

// Ad-hoc tables created through tool calls all live under this prefix,
// which keeps them apart from the fixed schema: a sanitized name always
// starts with custom_, so the core tables are unreachable from here.
const customTablePrefix = "custom_"

// maxIdentLen is the Postgres identifier limit.
const maxIdentLen = 63

var columnTypes = map[string]string{
	"text":     "TEXT",
	"string":   "TEXT",
	"number":   "INTEGER",
	"integer":  "INTEGER",
	"decimal":  "DECIMAL",
	"date":     "DATE",
	"datetime": "TIMESTAMPTZ",
	"boolean":  "BOOLEAN",
	"json":     "JSONB",
	"url":      "TEXT",
	"email":    "TEXT",
}

// columnType maps a requested column type to SQL. Unknown or empty
// types fall back to TEXT rather than failing the tool call.
func columnType(t string) string {
	if sqlType, ok := columnTypes[strings.ToLower(strings.TrimSpace(t))]; ok {
		return sqlType
	}
	return "TEXT"
}

var _ store.DataStore = (*Store)(nil)

// CreateTable creates an ad-hoc table and returns its actual name.
// Every table gets a serial id plus created_at/updated_at columns.
func (s *Store) CreateTable(ctx context.Context, name string, cols []store.Column) (string, error) {
	table, err := customTableName(name)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s needs at least one column", table)
	}

	defs := make([]string, 0, len(cols)+3)
	defs = append(defs, "id BIGSERIAL PRIMARY KEY")
	for _, c := range cols {
		col, err := sanitizeIdent(c.Name)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", c.Name, err)
		}
		defs = append(defs, col+" "+columnType(c.Type))
	}
	defs = append(defs,
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()",
	)

	// Identifiers are sanitized to [a-z0-9_] above, so interpolation
	// into the DDL is safe.
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return "", fmt.Errorf("create table %s: %w", table, err)
	}
	return table, nil
}

// ListTables returns the ad-hoc table names, sorted.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name LIKE 'custom\_%'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DropTable removes an ad-hoc table. The forced prefix means a fixed
// table can never be named here.
func (s *Store) DropTable(ctx context.Context, table string) error {
	name, err := customTableName(table)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}

// InsertRow inserts one row into an ad-hoc table. Values arrive as
// strings and Postgres casts them to the column types.
func (s *Store) InsertRow(ctx context.Context, table string, values map[string]string) error {
	name, err := customTableName(table)
	if err != nil {
		return err
	}
	cols, byCol, err := sanitizeValues(values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("insert into %s: no values", name)
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = byCol[col]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", name, err)
	}
	return nil
}

// QueryRows reads up to limit rows from an ad-hoc table, optionally
// narrowed by equality filters. Filters compare as text so string
// arguments never fight the column types.
func (s *Store) QueryRows(ctx context.Context, table string, filters map[string]string, limit int) ([]map[string]any, error) {
	name, err := customTableName(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var args []any
	where := ""
	if len(filters) > 0 {
		cols, byCol, err := sanitizeValues(filters)
		if err != nil {
			return nil, err
		}
		conds := make([]string, len(cols))
		for i, col := range cols {
			conds[i] = fmt.Sprintf("%s::text = $%d", col, i+1)
			args = append(args, byCol[col])
		}
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)

	stmt := fmt.Sprintf("SELECT * FROM %s%s ORDER BY id LIMIT $%d", name, where, len(args))
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", name, err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpdateRow updates one row by id and bumps its updated_at.
func (s *Store) UpdateRow(ctx context.Context, table, rowID string, values map[string]string) error {
	name, err := customTableName(table)
	if err != nil {
		return err
	}
	id, err := parseRowID(rowID)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	cols, byCol, err := sanitizeValues(values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("update %s: no values", name)
	}

	sets := make([]string, 0, len(cols)+1)
	args := []any{id}
	for _, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, byCol[col])
	}
	if _, ok := byCol["updated_at"]; !ok {
		sets = append(sets, "updated_at = now()")
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", name, strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: no row %s", name, rowID)
	}
	return nil
}

// DeleteRow removes one row by id.
func (s *Store) DeleteRow(ctx context.Context, table, rowID string) error {
	name, err := customTableName(table)
	if err != nil {
		return err
	}
	id, err := parseRowID(rowID)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", name, err)
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", name), id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete from %s: no row %s", name, rowID)
	}
	return nil
}

// sanitizeValues cleans the column names of a value map and returns
// them sorted for deterministic statements.
func sanitizeValues(values map[string]string) ([]string, map[string]string, error) {
	byCol := make(map[string]string, len(values))
	cols := make([]string, 0, len(values))
	for k, v := range values {
		col, err := sanitizeIdent(k)
		if err != nil {
			return nil, nil, fmt.Errorf("column %q: %w", k, err)
		}
		byCol[col] = v
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, byCol, nil
}

func parseRowID(rowID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(rowID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad row id %q", rowID)
	}
	return id, nil
}

// customTableName sanitizes a requested table name and forces the
// custom_ prefix so tool calls can never reach the fixed schema.
func customTableName(name string) (string, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), customTablePrefix)
	ident, err := sanitizeIdent(trimmed)
	if err != nil {
		return "", fmt.Errorf("table %q: %w", name, err)
	}
	full := customTablePrefix + ident
	if len(full) > maxIdentLen {
		full = full[:maxIdentLen]
	}
	return full, nil
}

// sanitizeIdent lowercases an identifier and rejects anything that is
// not letters, digits, and underscores after cleanup.
func sanitizeIdent(s string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-':
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "t_" + out
	}
	if len(out) > maxIdentLen {
		out = out[:maxIdentLen]
	}
	return out, nil
}

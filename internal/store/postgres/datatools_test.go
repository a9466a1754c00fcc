package postgres

import (
	"reflect"
	"testing"
)

func TestColumnType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"text", "TEXT"},
		{"string", "TEXT"},
		{"number", "INTEGER"},
		{"integer", "INTEGER"},
		{"decimal", "DECIMAL"},
		{"date", "DATE"},
		{"datetime", "TIMESTAMPTZ"},
		{"boolean", "BOOLEAN"},
		{"json", "JSONB"},
		{"url", "TEXT"},
		{"email", "TEXT"},
		{"  Number  ", "INTEGER"},
		{"blob", "TEXT"},
		{"", "TEXT"},
	}

	for _, tt := range tests {
		if got := columnType(tt.in); got != tt.want {
			t.Errorf("columnType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRowID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"7", 7, false},
		{" 42 ", 42, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := parseRowID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRowID(%q) = %d, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRowID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseRowID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeValues(t *testing.T) {
	cols, byCol, err := sanitizeValues(map[string]string{
		"Amount Due": "120.50",
		"city":       "Austin",
	})
	if err != nil {
		t.Fatalf("sanitizeValues: %v", err)
	}
	if want := []string{"amount_due", "city"}; !reflect.DeepEqual(cols, want) {
		t.Errorf("cols = %v, want %v (sorted)", cols, want)
	}
	if byCol["amount_due"] != "120.50" || byCol["city"] != "Austin" {
		t.Errorf("byCol = %v", byCol)
	}

	if _, _, err := sanitizeValues(map[string]string{"!!!": "x"}); err == nil {
		t.Error("sanitizeValues with unusable column name should fail")
	}
}

func TestCustomTableName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "invoices", "custom_invoices", false},
		{"already prefixed", "custom_invoices", "custom_invoices", false},
		{"uppercase and spaces", "Film Budgets", "custom_film_budgets", false},
		{"injection attempt", "x; DROP TABLE messages", "custom_x_drop_table_messages", false},
		{"system table stays unreachable", "messages", "custom_messages", false},
		{"empty", "", "", true},
		{"only symbols", "!!!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := customTableName(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("customTableName(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("customTableName(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("customTableName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdent(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"amount", "amount", false},
		{"Amount Due", "amount_due", false},
		{"due-date", "due_date", false},
		{"2024_totals", "t_2024_totals", false},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := sanitizeIdent(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("sanitizeIdent(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("sanitizeIdent(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

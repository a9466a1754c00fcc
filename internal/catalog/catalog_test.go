package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleCatalog = `projects:
  - key: lsrc
    name: LSRC Platform
    status: active
    priority: high
    description: Core platform work
    owner: lsrc_tech
    focus: release candidate
    next_milestone: rc2 tagged
  - key: berghain-doc
    name: Berghain Documentary
    status: active
    owner: documentary
`

func TestParse(t *testing.T) {
	projects, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	if projects[0].Key != "lsrc" || projects[0].Owner != "lsrc_tech" {
		t.Errorf("unexpected first project: %+v", projects[0])
	}
	if projects[0].Priority != "high" || projects[0].Focus != "release candidate" || projects[0].NextMilestone != "rc2 tagged" {
		t.Errorf("planning fields not parsed: %+v", projects[0])
	}
	if projects[1].Priority != "" || projects[1].Focus != "" {
		t.Errorf("optional fields should stay empty: %+v", projects[1])
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing key", "projects:\n  - name: No Key\n"},
		{"duplicate key", "projects:\n  - key: a\n  - key: a\n"},
		{"bad yaml", "projects: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.in)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer c.Close()

	if got := len(c.Projects()); got != 2 {
		t.Fatalf("got %d projects, want 2", got)
	}

	p, ok := c.Project("berghain-doc")
	if !ok {
		t.Fatal("Project(berghain-doc) not found")
	}
	if p.Name != "Berghain Documentary" {
		t.Errorf("got name %q", p.Name)
	}

	if _, ok := c.Project("nope"); ok {
		t.Error("Project(nope) should not be found")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

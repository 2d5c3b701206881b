package runfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureLayoutCreatesSkeleton(t *testing.T) {
	t.Parallel()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dir, err := m.EnsureLayout("falcon-creek")
	if err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	for _, sub := range []string{"_logs", "_lock"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing %s: %v", sub, err)
		}
	}
	if !m.Exists("falcon-creek") {
		t.Error("Exists false after layout")
	}
}

func TestPaths(t *testing.T) {
	t.Parallel()
	m, err := NewManager("/wc1/runs")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	events, err := m.EventsPath("abc")
	if err != nil {
		t.Fatalf("EventsPath: %v", err)
	}
	if events != "/wc1/runs/abc/_logs/events.jsonl" {
		t.Errorf("events path = %q", events)
	}

	ctrl, err := m.ControllerPath("abc", "soils")
	if err != nil {
		t.Fatalf("ControllerPath: %v", err)
	}
	if ctrl != "/wc1/runs/abc/soils.nodb" {
		t.Errorf("controller path = %q", ctrl)
	}

	if _, err := m.ControllerPath("abc", ""); err == nil {
		t.Error("empty controller name accepted")
	}
}

func TestValidateRunID(t *testing.T) {
	t.Parallel()
	for _, good := range []string{"abc", "falcon-creek", "run_42", "a.b"} {
		if err := ValidateRunID(good); err != nil {
			t.Errorf("ValidateRunID(%q) = %v", good, err)
		}
	}
	for _, bad := range []string{"", " ", ".", "..", "a/b", `a\b`, "a/../b"} {
		if err := ValidateRunID(bad); err == nil {
			t.Errorf("ValidateRunID(%q) accepted", bad)
		}
	}
}

func TestNewManagerRejectsEmptyRoot(t *testing.T) {
	t.Parallel()
	if _, err := NewManager("  "); err == nil {
		t.Fatal("expected error for empty root")
	}
}

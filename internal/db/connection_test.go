package db

import (
	"path/filepath"
	"testing"
)

func TestOpen_CreatesCoreTables(t *testing.T) {
	gdb, err := Open(filepath.Join(t.TempDir(), "nested", "flowwatch.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = Close(gdb) }()

	for _, name := range []string{"credentials", "tasks", "task_updates"} {
		var got string
		if err := gdb.Raw(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&got).Error; err != nil || got != name {
			t.Fatalf("missing table %s: %v", name, err)
		}
	}
}

func TestOpen_SetsBusyTimeout(t *testing.T) {
	gdb, err := Open(filepath.Join(t.TempDir(), "flowwatch.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = Close(gdb) }()

	var timeout int
	if err := gdb.Raw(`PRAGMA busy_timeout;`).Scan(&timeout).Error; err != nil {
		t.Fatalf("query busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

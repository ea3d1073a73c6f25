package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pratik-mahalle/driftwatch/internal/db"
)

// NewTestDB creates a state database in a temporary directory, closed when
// the test ends
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), db.StateFile))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { CleanupDB(d) })
	return d
}

// CleanupDB closes the test database
func CleanupDB(d *db.DB) {
	if d != nil {
		d.Close()
	}
}

// WriteTree creates files under root from a map of slash-separated
// relative paths to contents
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}
}

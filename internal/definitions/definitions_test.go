package definitions

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
)

type fakeRegistry struct {
	mu      sync.Mutex
	changed []drift.Key
	removed []drift.Key
	reject  map[string]bool
	defs    map[drift.Key]drift.Definition
}

func newRegistry() *fakeRegistry {
	return &fakeRegistry{reject: map[string]bool{}, defs: map[drift.Key]drift.Definition{}}
}

func (r *fakeRegistry) OnDefinitionChanged(resourceID string, def drift.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[def.Name] {
		return errors.ConfigError("rejected", def.Name)
	}
	key := drift.Key{ResourceID: resourceID, DefinitionName: def.Name}
	r.changed = append(r.changed, key)
	r.defs[key] = def
	return nil
}

func (r *fakeRegistry) OnDefinitionRemoved(resourceID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := drift.Key{ResourceID: resourceID, DefinitionName: name}
	r.removed = append(r.removed, key)
	delete(r.defs, key)
}

func (r *fakeRegistry) snapshot() ([]drift.Key, []drift.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]drift.Key(nil), r.changed...), append([]drift.Key(nil), r.removed...)
}

const sample = `
resources:
  - id: host-1
    definitions:
      - name: app
        enabled: true
        baseDirectory:
          context: fileSystem
          path: /srv/app
        interval: 5m
        includes:
          - path: conf
            pattern: "*.yaml"
        excludes:
          - pattern: "*.bak"
        mode: plannedChanges
      - name: logs
        enabled: false
        baseDirectory:
          context: resourceConfiguration
          path: logs
        schedule: "0 * * * *"
        pinned: true
`

func TestParse(t *testing.T) {
	set, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, set, 2)

	app := set[drift.Key{ResourceID: "host-1", DefinitionName: "app"}]
	assert.Equal(t, drift.Definition{
		Name:          "app",
		Enabled:       true,
		BaseDirectory: drift.BaseDirectory{Context: drift.ContextFileSystem, Path: "/srv/app"},
		Interval:      5 * time.Minute,
		Includes:      []drift.Filter{{Path: "conf", Pattern: "*.yaml"}},
		Excludes:      []drift.Filter{{Pattern: "*.bak"}},
		Mode:          drift.ModePlannedChanges,
	}, app)

	logs := set[drift.Key{ResourceID: "host-1", DefinitionName: "logs"}]
	assert.Equal(t, "0 * * * *", logs.Schedule)
	assert.True(t, logs.Pinned)
	assert.False(t, logs.Enabled)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("resources: [oops"))
	assert.True(t, errors.IsConfig(err))

	dup := `
resources:
  - id: h
    definitions:
      - name: a
      - name: a
`
	_, err = Parse([]byte(dup))
	assert.True(t, errors.IsConfig(err))
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	set, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestReload_DiffsAgainstApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	reg := newRegistry()
	src := NewSource(path, reg, nil)

	require.NoError(t, src.Reload())
	changed, removed := reg.snapshot()
	assert.Len(t, changed, 2)
	assert.Empty(t, removed)

	// Unchanged file: no notifications.
	require.NoError(t, src.Reload())
	changed, _ = reg.snapshot()
	assert.Len(t, changed, 2)

	next := `
resources:
  - id: host-1
    definitions:
      - name: app
        enabled: true
        baseDirectory: {context: fileSystem, path: /srv/app}
        interval: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(next), 0o644))
	require.NoError(t, src.Reload())
	changed, removed = reg.snapshot()
	assert.Len(t, changed, 3)
	assert.Equal(t, drift.Key{ResourceID: "host-1", DefinitionName: "app"}, changed[2])
	assert.Equal(t, []drift.Key{{ResourceID: "host-1", DefinitionName: "logs"}}, removed)
	assert.Len(t, src.Applied(), 1)
}

func TestReload_RejectedDefinitionIsRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	reg := newRegistry()
	reg.reject["logs"] = true
	src := NewSource(path, reg, nil)

	err := src.Reload()
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
	assert.Len(t, src.Applied(), 1)

	reg.reject["logs"] = false
	require.NoError(t, src.Reload())
	assert.Len(t, src.Applied(), 2)
}

func TestReload_KeepsDefinitionsWhenFileVanishes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	reg := newRegistry()
	src := NewSource(path, reg, nil)
	require.NoError(t, src.Reload())

	require.NoError(t, os.Remove(path))
	require.NoError(t, src.Reload())
	_, removed := reg.snapshot()
	assert.Empty(t, removed)

	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	require.NoError(t, src.Reload())
	_, removed = reg.snapshot()
	assert.Len(t, removed, 2)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resources: []\n"), 0o644))
	reg := newRegistry()
	src := NewSource(path, reg, nil)
	src.debounce = 10 * time.Millisecond
	require.NoError(t, src.Reload())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until it is.
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(sample), 0o644)
		changed, _ := reg.snapshot()
		return len(changed) == 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

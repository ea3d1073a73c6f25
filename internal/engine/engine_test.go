package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/driftwatch/internal/changeset"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/schedule"
)

type fakeDetector struct {
	queue *schedule.PriorityQueue
	calls []drift.Key
}

func (d *fakeDetector) DetectNow(resourceID string, def drift.Definition) {
	d.calls = append(d.calls, drift.Key{ResourceID: resourceID, DefinitionName: def.Name})
	d.queue.Enqueue(drift.Schedule{ResourceID: resourceID, Definition: def, NextFire: time.Now(), OneShot: true})
}

type fakeForgetter struct {
	mu        sync.Mutex
	forgotten []drift.Key
	resources []string
}

func (f *fakeForgetter) Forget(ctx context.Context, resourceID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, drift.Key{ResourceID: resourceID, DefinitionName: name})
	return nil
}

func (f *fakeForgetter) ForgetResource(ctx context.Context, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = append(f.resources, resourceID)
	return nil
}

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

type fixture struct {
	engine    *Engine
	queue     *schedule.PriorityQueue
	store     *changeset.FileStore
	detector  *fakeDetector
	forgetter *fakeForgetter
	waker     *countingWaker
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := changeset.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	q := schedule.NewPriorityQueue()
	f := &fixture{
		queue:     q,
		store:     store,
		detector:  &fakeDetector{queue: q},
		forgetter: &fakeForgetter{},
		waker:     &countingWaker{},
		now:       time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	f.engine = New(q, store, f.detector, nil, WithForgetter(f.forgetter), WithWaker(f.waker))
	f.engine.now = func() time.Time { return f.now }
	return f
}

func definition(name string) drift.Definition {
	return drift.Definition{
		Name:          name,
		Enabled:       true,
		BaseDirectory: drift.BaseDirectory{Context: drift.ContextFileSystem, Path: "/srv/" + name},
		Interval:      5 * time.Minute,
	}
}

func TestOnDefinitionChanged_Schedules(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("logs")))

	scheds := f.queue.Schedules()
	require.Len(t, scheds, 2)
	for _, s := range scheds {
		assert.Equal(t, f.now, s.NextFire)
		assert.False(t, s.OneShot)
	}

	regs := f.engine.Definitions()
	require.Len(t, regs, 2)
	assert.Equal(t, "app", regs[0].Definition.Name)
}

func TestOnDefinitionChanged_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		resourceID string
		def        drift.Definition
	}{
		{name: "no interval", resourceID: "host-1", def: func() drift.Definition { d := definition("a"); d.Interval = 0; return d }()},
		{name: "bad filter", resourceID: "host-1", def: func() drift.Definition {
			d := definition("a")
			d.Includes = []drift.Filter{{Path: "conf", Pattern: "{a,b"}}
			return d
		}()},
		{name: "bad cron", resourceID: "host-1", def: func() drift.Definition { d := definition("a"); d.Schedule = "61 * * * *"; return d }()},
		{name: "bad resource", resourceID: "../x", def: definition("a")},
		{name: "missing base path", resourceID: "host-1", def: func() drift.Definition { d := definition("a"); d.BaseDirectory.Path = ""; return d }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.OnDefinitionChanged(tt.resourceID, tt.def)
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err))
		})
	}
	assert.Equal(t, 0, f.queue.Len(), "rejected definitions never reach the queue")
	assert.Empty(t, f.engine.Definitions())
}

func TestOnDefinitionChanged_CronOnly(t *testing.T) {
	f := newFixture(t)
	def := definition("nightly")
	def.Interval = 0
	def.Schedule = "0 3 * * *"
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", def))
	assert.Equal(t, 1, f.queue.Len())
}

func TestOnDefinitionChanged_UnchangedKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	next, ok := f.queue.Next()
	require.True(t, ok)
	assert.Equal(t, f.now.Add(-time.Minute), next)

	changed := definition("app")
	changed.Excludes = []drift.Filter{{Pattern: "*.log"}}
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", changed))
	scheds := f.queue.Schedules()
	require.Len(t, scheds, 1)
	assert.Equal(t, f.now, scheds[0].NextFire)
	assert.Equal(t, changed.Excludes, scheds[0].Definition.Excludes)
}

func TestOnDefinitionChanged_Disable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	_, err := f.store.Write(ctx, &drift.ChangeSet{ResourceID: "host-1", DefinitionName: "app", Category: drift.CategoryCoverage})
	require.NoError(t, err)

	disabled := definition("app")
	disabled.Enabled = false
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", disabled))

	assert.Equal(t, 0, f.queue.Len())
	_, err = f.store.ReadLatest(ctx, "host-1", "app")
	assert.NoError(t, err, "disabling keeps change-sets")

	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	assert.Equal(t, 1, f.queue.Len())
}

func TestOnDefinitionRemoved_Purges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	_, err := f.store.Write(ctx, &drift.ChangeSet{ResourceID: "host-1", DefinitionName: "app", Category: drift.CategoryCoverage})
	require.NoError(t, err)

	f.engine.OnDefinitionRemoved("host-1", "app")

	assert.Equal(t, 0, f.queue.Len())
	_, err = f.store.ReadLatest(ctx, "host-1", "app")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, []drift.Key{{ResourceID: "host-1", DefinitionName: "app"}}, f.forgetter.forgotten)
	_, ok := f.engine.Definition("host-1", "app")
	assert.False(t, ok)
}

func TestOnDefinitionRemoved_WaitsForRunningDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))

	due := f.queue.DequeueDue(f.now)
	require.Len(t, due, 1)

	f.engine.OnDefinitionRemoved("host-1", "app")
	// The running detection writes its result after the removal.
	_, err := f.store.Write(ctx, &drift.ChangeSet{ResourceID: "host-1", DefinitionName: "app", Category: drift.CategoryCoverage})
	require.NoError(t, err)
	assert.False(t, f.queue.Complete(due[0], f.now.Add(time.Minute)))

	assert.Eventually(t, func() bool {
		_, err := f.store.ReadLatest(ctx, "host-1", "app")
		return errors.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoveResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	require.NoError(t, f.engine.OnDefinitionChanged("host-2", definition("app")))
	_, err := f.store.Write(ctx, &drift.ChangeSet{ResourceID: "host-1", DefinitionName: "app", Category: drift.CategoryCoverage})
	require.NoError(t, err)

	require.NoError(t, f.engine.RemoveResource(ctx, "host-1"))

	scheds := f.queue.Schedules()
	require.Len(t, scheds, 1)
	assert.Equal(t, "host-2", scheds[0].ResourceID)
	_, err = f.store.ReadLatest(ctx, "host-1", "app")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, []string{"host-1"}, f.forgetter.resources)
}

func TestDetectNow(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.IsNotFound(f.engine.DetectNow("host-1", "app")))

	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	require.NoError(t, f.engine.DetectNow("host-1", "app"))
	assert.Equal(t, []drift.Key{{ResourceID: "host-1", DefinitionName: "app"}}, f.detector.calls)
	assert.Equal(t, 1, f.waker.n)
	assert.Equal(t, 1, f.queue.Len())
}

func TestRemoveResource_WaitsForRunningDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	due := f.queue.DequeueDue(f.now)
	require.Len(t, due, 1)

	done := make(chan error, 1)
	go func() { done <- f.engine.RemoveResource(ctx, "host-1") }()

	select {
	case <-done:
		t.Fatal("decommission returned while a detection was running")
	case <-time.After(100 * time.Millisecond):
	}

	// The running detection persists its result, then hands the key back.
	_, err := f.store.Write(ctx, &drift.ChangeSet{ResourceID: "host-1", DefinitionName: "app", Category: drift.CategoryCoverage})
	require.NoError(t, err)
	assert.False(t, f.queue.Complete(due[0], f.now.Add(time.Minute)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("decommission did not finish")
	}
	names, err := f.store.Definitions(ctx, "host-1")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, []string{"host-1"}, f.forgetter.resources)
}

func TestRemoveResource_DefersPurgeForSlowDetection(t *testing.T) {
	f := newFixture(t)
	f.engine.purgeWait = 20 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, f.engine.OnDefinitionChanged("host-1", definition("app")))
	due := f.queue.DequeueDue(f.now)
	require.Len(t, due, 1)

	require.NoError(t, f.engine.RemoveResource(ctx, "host-1"))

	_, err := f.store.Write(ctx, &drift.ChangeSet{ResourceID: "host-1", DefinitionName: "app", Category: drift.CategoryCoverage})
	require.NoError(t, err)
	f.queue.Complete(due[0], f.now.Add(time.Minute))

	assert.Eventually(t, func() bool {
		names, err := f.store.Definitions(ctx, "host-1")
		return err == nil && len(names) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

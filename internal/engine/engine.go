// Package engine connects the configuration source to the schedule queue.
// It validates drift definitions on registration, keeps the queue in step
// with the active set and cleans up persisted state when definitions or
// resources go away.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/validator"
	"github.com/pratik-mahalle/driftwatch/internal/scanner"
	"github.com/pratik-mahalle/driftwatch/internal/schedule"
)

// Forgetter drops delivery state of purged change-sets. *syncer.Syncer
// implements it.
type Forgetter interface {
	Forget(ctx context.Context, resourceID, definitionName string) error
	ForgetResource(ctx context.Context, resourceID string) error
}

// ImmediateDetector runs a one-off detection through the queue.
// *detector.Detector implements it.
type ImmediateDetector interface {
	DetectNow(resourceID string, def drift.Definition)
}

// Waker is nudged when a schedule becomes due before the next tick
type Waker interface {
	Wake()
}

// Registered is an active definition of a resource
type Registered struct {
	ResourceID string           `json:"resource_id" yaml:"resourceId"`
	Definition drift.Definition `json:"definition" yaml:"definition"`
}

// Engine implements drift.Registry
type Engine struct {
	queue     schedule.Queue
	store     drift.Store
	detector  ImmediateDetector
	forgetter Forgetter
	waker     Waker
	validator *validator.Validator
	logger    *logger.Logger
	now       func() time.Time

	// purgeWait bounds how long a removal waits for an in-flight run
	purgeWait time.Duration

	mu   sync.RWMutex
	defs map[drift.Key]drift.Definition
}

// Option configures an Engine
type Option func(*Engine)

// WithForgetter sets the delivery state to clean up on removal
func WithForgetter(f Forgetter) Option {
	return func(e *Engine) { e.forgetter = f }
}

// WithWaker sets the worker nudged by DetectNow
func WithWaker(w Waker) Option {
	return func(e *Engine) { e.waker = w }
}

// New creates an engine
func New(queue schedule.Queue, store drift.Store, det ImmediateDetector, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		queue:     queue,
		store:     store,
		detector:  det,
		validator: validator.New(),
		logger:    log.WithComponent("engine"),
		now:       time.Now,
		purgeWait: 30 * time.Second,
		defs:      make(map[drift.Key]drift.Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks a definition for a resource without registering it
func (e *Engine) Validate(resourceID string, def drift.Definition) error {
	if resourceID == "" || strings.ContainsAny(resourceID, "/\\") || resourceID == "." || resourceID == ".." {
		return errors.ConfigError("Invalid resource id", resourceID)
	}
	if errs := e.validator.Validate(def); len(errs) > 0 {
		return errors.ConfigError("Invalid drift definition", errs)
	}
	if def.Interval <= 0 && def.Schedule == "" {
		return errors.ConfigError("Drift definition needs an interval or a schedule", def.Name)
	}
	return scanner.ValidateFilters(def.Includes, def.Excludes)
}

// OnDefinitionChanged registers or updates a definition. Invalid
// definitions are rejected with a CONFIG_ERROR and leave any previously
// registered version in place. A disabled definition is unscheduled but
// its change-sets are kept.
func (e *Engine) OnDefinitionChanged(resourceID string, def drift.Definition) error {
	if err := e.Validate(resourceID, def); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"resource_id": resourceID,
			"definition":  def.Name,
		}).WarnWithErr(err, "Rejected drift definition")
		return err
	}

	def = def.Clone()
	key := drift.Key{ResourceID: resourceID, DefinitionName: def.Name}
	log := e.logger.WithFields(map[string]interface{}{
		"resource_id": resourceID,
		"definition":  def.Name,
	})

	e.mu.Lock()
	prev, existed := e.defs[key]
	e.defs[key] = def
	e.mu.Unlock()

	if !def.Enabled {
		e.queue.Remove(resourceID, def.Name)
		log.Info("Drift definition disabled")
		return nil
	}
	if existed && prev.Enabled && definitionsEqual(prev, def) {
		return nil
	}

	e.queue.Enqueue(drift.Schedule{
		ResourceID: resourceID,
		Definition: def,
		NextFire:   e.now(),
	})
	if existed {
		log.Info("Drift definition updated")
	} else {
		log.Info("Drift definition registered")
	}
	return nil
}

// OnDefinitionRemoved unschedules a definition and purges its change-sets.
// A detection still running for it finishes first; its result is dropped.
func (e *Engine) OnDefinitionRemoved(resourceID, name string) {
	key := drift.Key{ResourceID: resourceID, DefinitionName: name}
	e.mu.Lock()
	delete(e.defs, key)
	e.mu.Unlock()

	e.queue.Remove(resourceID, name)
	if e.queue.IsInFlight(key) {
		go func() {
			e.awaitIdle(context.Background(), []drift.Key{key})
			e.purge(key)
		}()
		return
	}
	e.purge(key)
}

// awaitIdle blocks until none of keys is owned by a detection run or ctx
// ends. It reports whether the keys went idle. Slow runs are logged every
// purgeWait.
func (e *Engine) awaitIdle(ctx context.Context, keys []drift.Key) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	warnAt := time.Now().Add(e.purgeWait)
	for {
		busy := 0
		for _, key := range keys {
			if e.queue.IsInFlight(key) {
				busy++
			}
		}
		if busy == 0 {
			return true
		}
		if time.Now().After(warnAt) {
			e.logger.With("running", busy).Warn("Waiting for running detections before purging change-sets")
			warnAt = time.Now().Add(e.purgeWait)
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (e *Engine) purge(key drift.Key) {
	log := e.logger.WithFields(map[string]interface{}{
		"resource_id": key.ResourceID,
		"definition":  key.DefinitionName,
	})
	e.mu.RLock()
	_, readded := e.defs[key]
	e.mu.RUnlock()
	if readded {
		log.Info("Drift definition registered again; keeping change-sets")
		return
	}

	ctx := context.Background()
	if err := e.store.Purge(ctx, key.ResourceID, key.DefinitionName); err != nil {
		log.ErrorWithErr(err, "Failed to purge change-sets")
	}
	if e.forgetter != nil {
		if err := e.forgetter.Forget(ctx, key.ResourceID, key.DefinitionName); err != nil {
			log.WarnWithErr(err, "Failed to drop delivery state")
		}
	}
	log.Info("Drift definition removed")
}

// RemoveResource unschedules every definition of a decommissioned resource
// and purges its change-sets. Running detections of the resource finish
// first. When they outlast purgeWait or ctx, the purge completes in the
// background once they end.
func (e *Engine) RemoveResource(ctx context.Context, resourceID string) error {
	e.mu.Lock()
	for key := range e.defs {
		if key.ResourceID == resourceID {
			delete(e.defs, key)
		}
	}
	e.mu.Unlock()

	e.queue.RemoveResource(resourceID)
	running := e.queue.InFlightKeys(resourceID)
	if len(running) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, e.purgeWait)
		idle := e.awaitIdle(waitCtx, running)
		cancel()
		if !idle {
			e.logger.WithFields(map[string]interface{}{
				"resource_id": resourceID,
				"running":     len(running),
			}).Warn("Detections still running; resource purge deferred")
			go func() {
				e.awaitIdle(context.Background(), running)
				if err := e.purgeResource(context.Background(), resourceID); err != nil {
					e.logger.With("resource_id", resourceID).ErrorWithErr(err, "Failed to purge resource")
				}
			}()
			return nil
		}
	}
	return e.purgeResource(ctx, resourceID)
}

// purgeResource drops the stored state of a resource. Definitions of the
// resource registered again in the meantime keep their change-sets.
func (e *Engine) purgeResource(ctx context.Context, resourceID string) error {
	e.mu.RLock()
	var readded bool
	for key := range e.defs {
		if key.ResourceID == resourceID {
			readded = true
			break
		}
	}
	e.mu.RUnlock()

	if readded {
		names, err := e.store.Definitions(ctx, resourceID)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, ok := e.Definition(resourceID, name); !ok {
				e.purge(drift.Key{ResourceID: resourceID, DefinitionName: name})
			}
		}
		return nil
	}

	if err := e.store.PurgeResource(ctx, resourceID); err != nil {
		return err
	}
	if e.forgetter != nil {
		if err := e.forgetter.ForgetResource(ctx, resourceID); err != nil {
			return errors.SyncError("Failed to drop delivery state", err)
		}
	}
	e.logger.With("resource_id", resourceID).Info("Resource decommissioned")
	return nil
}

// DetectNow requests an immediate detection for a registered definition
func (e *Engine) DetectNow(resourceID, name string) error {
	def, ok := e.Definition(resourceID, name)
	if !ok {
		return errors.NotFound("Drift definition")
	}
	e.detector.DetectNow(resourceID, def)
	if e.waker != nil {
		e.waker.Wake()
	}
	return nil
}

// Definition returns a registered definition
func (e *Engine) Definition(resourceID, name string) (drift.Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[drift.Key{ResourceID: resourceID, DefinitionName: name}]
	if !ok {
		return drift.Definition{}, false
	}
	return def.Clone(), true
}

// Definitions lists the registered definitions ordered by resource and name
func (e *Engine) Definitions() []Registered {
	e.mu.RLock()
	out := make([]Registered, 0, len(e.defs))
	for key, def := range e.defs {
		out = append(out, Registered{ResourceID: key.ResourceID, Definition: def.Clone()})
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].Definition.Name < out[j].Definition.Name
	})
	return out
}

func definitionsEqual(a, b drift.Definition) bool {
	if a.Name != b.Name || a.Description != b.Description || a.Enabled != b.Enabled ||
		a.BaseDirectory != b.BaseDirectory || a.Interval != b.Interval || a.Schedule != b.Schedule ||
		a.Mode != b.Mode || a.Pinned != b.Pinned {
		return false
	}
	return filtersEqual(a.Includes, b.Includes) && filtersEqual(a.Excludes, b.Excludes)
}

func filtersEqual(a, b []drift.Filter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Package detector runs drift detections for due schedules: scan, diff
// against the stored baseline, persist, notify the sync client, requeue.
package detector

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
	"github.com/pratik-mahalle/driftwatch/internal/scanner"
	"github.com/pratik-mahalle/driftwatch/internal/schedule"
)

// Outcome summarizes a single detection run
type Outcome string

const (
	OutcomeCoverage Outcome = "coverage"
	OutcomeDrift    Outcome = "drift"
	OutcomeNoChange Outcome = "nochange"
	OutcomeError    Outcome = "error"
)

// Result is what one detection produced. ChangeSet is nil unless a
// change-set was written.
type Result struct {
	Key       drift.Key
	Outcome   Outcome
	ChangeSet *drift.ChangeSet
	Err       error
}

// Config holds detector tuning
type Config struct {
	Workers     int
	ScanTimeout time.Duration
}

// Detector turns due schedules into change-sets
type Detector struct {
	queue    schedule.Queue
	scanner  *scanner.Scanner
	store    drift.Store
	notifier drift.Notifier
	resolver drift.BaseDirResolver
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time
}

// New creates a detector. notifier may be nil when no collector is configured.
func New(
	queue schedule.Queue,
	sc *scanner.Scanner,
	store drift.Store,
	notifier drift.Notifier,
	resolver drift.BaseDirResolver,
	cfg Config,
	log *logger.Logger,
) *Detector {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if resolver == nil {
		resolver = drift.RootResolver{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Detector{
		queue:    queue,
		scanner:  sc,
		store:    store,
		notifier: notifier,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("detector"),
		now:      time.Now,
	}
}

// RunOnce drains the schedules due at now and runs them on at most
// cfg.Workers goroutines. Every schedule is handed back to the queue when
// its run ends, whatever the outcome. Results are in dequeue order.
func (d *Detector) RunOnce(ctx context.Context, now time.Time) []Result {
	due := d.queue.DequeueDue(now)
	if len(due) == 0 {
		return nil
	}

	results := make([]Result, len(due))
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, s := range due {
		g.Go(func() error {
			defer func() {
				d.queue.Complete(s, s.Definition.NextFire(d.now()))
			}()
			results[i] = d.run(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Detector) run(ctx context.Context, s drift.Schedule) (res Result) {
	log := d.logger.WithFields(map[string]interface{}{
		"resource_id": s.ResourceID,
		"definition":  s.Definition.Name,
		"one_shot":    s.OneShot,
	})
	defer func() {
		if r := recover(); r != nil {
			res = Result{Key: s.Key(), Outcome: OutcomeError, Err: errors.Internal("Detection panicked", fmt.Errorf("%v", r))}
			log.With("panic", r).Error("Detection panicked")
		}
	}()

	res, err := d.Detect(ctx, s)
	if err != nil {
		res.Err = err
		log.With("code", errors.Code(err)).ErrorWithErr(err, "Detection failed")
	}
	return res
}

// Detect runs one detection for s synchronously. It does not touch the
// queue.
func (d *Detector) Detect(ctx context.Context, s drift.Schedule) (res Result, err error) {
	start := time.Now()
	res = Result{Key: s.Key(), Outcome: OutcomeError}
	defer func() {
		metrics.RecordDetection(string(res.Outcome), time.Since(start))
	}()

	def := s.Definition
	dir, err := d.resolver.Resolve(s.ResourceID, def.BaseDirectory)
	if err != nil {
		return res, errors.ScanError("Failed to resolve base directory", err)
	}

	scanCtx := ctx
	if d.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, d.cfg.ScanTimeout)
		defer cancel()
	}
	current, err := d.scanner.Snapshot(scanCtx, dir, def.Includes, def.Excludes)
	if err != nil {
		return res, err
	}

	baseline, latest, err := d.store.Snapshot(ctx, s.ResourceID, def.Name)
	switch {
	case errors.IsNotFound(err):
		return d.writeCoverage(ctx, s, current, res)
	case stderrors.Is(err, drift.ErrNoCoverage):
		d.logger.WithFields(map[string]interface{}{
			"resource_id": s.ResourceID,
			"definition":  def.Name,
		}).Warn("Change-set chain has no coverage; writing a new baseline")
		return d.writeCoverage(ctx, s, current, res)
	case err != nil:
		return res, err
	case def.Pinned && !latest.Pinned:
		// newly pinned: the current state becomes the pinned baseline
		return d.writeCoverage(ctx, s, current, res)
	}

	var entries []drift.FileEntry
	if def.Pinned {
		cov, err := d.store.Coverage(ctx, s.ResourceID, def.Name)
		if err != nil {
			return res, err
		}
		pinned := drift.FileHashcodeMap{}
		pinned.Apply(cov.Entries)
		entries = drift.Diff(pinned, current)

		unchanged := latest.Category == drift.CategoryDrift && drift.EntriesEqual(entries, latest.Entries)
		if unchanged || (len(entries) == 0 && latest.Category == drift.CategoryCoverage) {
			res.Outcome = OutcomeNoChange
			d.resubmit(s.Key(), latest)
			return res, nil
		}
	} else {
		entries = drift.Diff(baseline, current)
		if len(entries) == 0 {
			res.Outcome = OutcomeNoChange
			d.resubmit(s.Key(), latest)
			return res, nil
		}
	}

	cs := d.newChangeSet(s, drift.CategoryDrift, entries)
	if _, err := d.store.Write(ctx, cs); err != nil {
		return res, err
	}
	for _, e := range entries {
		metrics.RecordDriftEntry(string(e.Status), string(cs.Mode))
	}
	res.Outcome = OutcomeDrift
	res.ChangeSet = cs
	d.submit(cs)

	d.logger.WithFields(map[string]interface{}{
		"resource_id": s.ResourceID,
		"definition":  def.Name,
		"version":     cs.Version,
		"entries":     len(entries),
		"mode":        cs.Mode,
	}).Info("Drift detected")
	return res, nil
}

func (d *Detector) writeCoverage(ctx context.Context, s drift.Schedule, current drift.FileHashcodeMap, res Result) (Result, error) {
	cs := d.newChangeSet(s, drift.CategoryCoverage, current.CoverageEntries())
	if _, err := d.store.Write(ctx, cs); err != nil {
		return res, err
	}
	res.Outcome = OutcomeCoverage
	res.ChangeSet = cs
	d.submit(cs)

	d.logger.WithFields(map[string]interface{}{
		"resource_id": s.ResourceID,
		"definition":  s.Definition.Name,
		"version":     cs.Version,
		"files":       len(cs.Entries),
	}).Info("Coverage change-set written")
	return res, nil
}

func (d *Detector) newChangeSet(s drift.Schedule, category drift.Category, entries []drift.FileEntry) *drift.ChangeSet {
	return &drift.ChangeSet{
		ResourceID:     s.ResourceID,
		DefinitionName: s.Definition.Name,
		Category:       category,
		BaseDirectory:  s.Definition.BaseDirectory,
		Mode:           s.Definition.HandlingMode(),
		Pinned:         s.Definition.Pinned,
		CreatedAt:      d.now(),
		Entries:        entries,
	}
}

func (d *Detector) submit(cs *drift.ChangeSet) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Submit(cs.Key(), cs.Version); err != nil {
		d.logger.WithFields(map[string]interface{}{
			"resource_id": cs.ResourceID,
			"definition":  cs.DefinitionName,
			"version":     cs.Version,
		}).WarnWithErr(err, "Upload deferred to next run")
	}
}

// resubmit retries the upload of a change-set the collector has not
// acknowledged yet
func (d *Detector) resubmit(key drift.Key, latest *drift.ChangeSet) {
	if d.notifier == nil || latest == nil || d.notifier.Delivered(key, latest.Version) {
		return
	}
	d.submit(latest)
}

// DetectNow requests an immediate detection for def through the queue. A
// recurring schedule for the same key is pulled forward rather than
// replaced; otherwise a one-shot schedule is queued.
func (d *Detector) DetectNow(resourceID string, def drift.Definition) {
	d.queue.Enqueue(drift.Schedule{
		ResourceID: resourceID,
		Definition: def,
		NextFire:   d.now(),
		OneShot:    true,
	})
	d.logger.WithFields(map[string]interface{}{
		"resource_id": resourceID,
		"definition":  def.Name,
	}).Info("Immediate detection requested")
}

package worker

import (
	"context"
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/detector"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
)

// Runner executes the detections due at a given time
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) []detector.Result
}

// DriftScanner drives periodic drift detection: on every tick it hands the
// due schedules to the detector
type DriftScanner struct {
	runner   Runner
	interval time.Duration
	logger   *logger.Logger
	now      func() time.Time
	wake     chan struct{}
}

// NewDriftScanner creates a new drift scanner worker
func NewDriftScanner(runner Runner, interval time.Duration, log *logger.Logger) *DriftScanner {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DriftScanner{
		runner:   runner,
		interval: interval,
		logger:   log.WithComponent("drift_scanner"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Start runs detections until ctx is cancelled
func (s *DriftScanner) Start(ctx context.Context) {
	s.logger.With("interval", s.interval.String()).Info("Starting drift scanner worker")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run initial scan
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("Drift scanner worker stopped")
			return
		}
	}
}

// Wake runs the due detections without waiting for the next tick. Calls
// made while a wake-up is already pending are coalesced.
func (s *DriftScanner) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *DriftScanner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	results := s.runner.RunOnce(ctx, s.now())
	if len(results) == 0 {
		return
	}

	counts := make(map[detector.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}
	s.logger.WithFields(map[string]interface{}{
		"detections": len(results),
		"coverage":   counts[detector.OutcomeCoverage],
		"drift":      counts[detector.OutcomeDrift],
		"nochange":   counts[detector.OutcomeNoChange],
		"errors":     counts[detector.OutcomeError],
	}).Debug("Detection tick completed")
}

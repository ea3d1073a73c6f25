package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pratik-mahalle/driftwatch/internal/detector"
)

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) RunOnce(ctx context.Context, now time.Time) []detector.Result {
	r.calls.Add(1)
	return []detector.Result{{Outcome: detector.OutcomeNoChange}}
}

func TestDriftScanner_RunsOnStartAndTicks(t *testing.T) {
	r := &countingRunner{}
	s := NewDriftScanner(r, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestDriftScanner_Wake(t *testing.T) {
	r := &countingRunner{}
	s := NewDriftScanner(r, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Wake()
	s.Wake()
	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

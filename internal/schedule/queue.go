// Package schedule holds pending drift detections ordered by fire time.
package schedule

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
)

// Queue is the exclusive-dequeue contract shared by the detector and the
// engine. A schedule returned by DequeueDue belongs to the caller until it
// is handed back through Complete.
type Queue interface {
	Enqueue(s drift.Schedule)
	DequeueDue(now time.Time) []drift.Schedule
	Complete(s drift.Schedule, next time.Time) bool
	Remove(resourceID, definitionName string)
	RemoveResource(resourceID string)
	Clear()
	Len() int
	InFlight() int
	IsInFlight(key drift.Key) bool
	InFlightKeys(resourceID string) []drift.Key
	Next() (time.Time, bool)
	Schedules() []drift.Schedule
}

type item struct {
	schedule drift.Schedule
	seq      uint64
	index    int
}

// flight tracks a dequeued key until its run completes
type flight struct {
	replacement *drift.Schedule
	removed     bool
}

// PriorityQueue is a mutex-guarded binary heap keyed by (resource, definition)
type PriorityQueue struct {
	mu       sync.Mutex
	items    itemHeap
	byKey    map[drift.Key]*item
	inflight map[drift.Key]*flight
	seq      uint64
}

// NewPriorityQueue creates an empty queue
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		byKey:    make(map[drift.Key]*item),
		inflight: make(map[drift.Key]*flight),
	}
}

// Enqueue inserts s or replaces the queued schedule with the same key.
// While the key is in flight the schedule is parked and enters the queue
// when the run completes. A one-shot schedule never displaces a recurring
// one: it only pulls the recurring schedule's fire time forward, and it is
// dropped when a recurring run for the key is already in flight.
func (q *PriorityQueue) Enqueue(s drift.Schedule) {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.publish()

	s.Definition = s.Definition.Clone()
	key := s.Key()
	if f, ok := q.inflight[key]; ok {
		switch {
		case f.replacement != nil:
			merged := merge(*f.replacement, s)
			f.replacement = &merged
		case s.OneShot && !f.removed:
			// served by the running detection
		default:
			f.replacement = &s
			f.removed = false
		}
		return
	}
	q.push(s)
}

// DequeueDue removes every schedule due at or before now, ascending by fire
// time with ties in insertion order, and marks their keys in flight.
func (q *PriorityQueue) DequeueDue(now time.Time) []drift.Schedule {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.publish()

	var due []drift.Schedule
	for len(q.items) > 0 && !q.items[0].schedule.NextFire.After(now) {
		it := heap.Pop(&q.items).(*item)
		key := it.schedule.Key()
		delete(q.byKey, key)
		q.inflight[key] = &flight{}
		due = append(due, it.schedule)
	}
	return due
}

// Complete hands a dequeued schedule back. A schedule parked during the run
// wins over s; a key removed during the run is dropped, as is a one-shot
// schedule. Otherwise s re-enters with NextFire = next. Complete reports
// whether a schedule for the key is queued afterwards.
func (q *PriorityQueue) Complete(s drift.Schedule, next time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.publish()

	key := s.Key()
	f, ok := q.inflight[key]
	if !ok {
		return false
	}
	delete(q.inflight, key)

	switch {
	case f.replacement != nil:
		q.push(*f.replacement)
		return true
	case f.removed, s.OneShot:
		return false
	}
	s.NextFire = next
	q.push(s)
	return true
}

// Remove unschedules a key. An in-flight run finishes but is not re-queued.
func (q *PriorityQueue) Remove(resourceID, definitionName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.publish()

	q.remove(drift.Key{ResourceID: resourceID, DefinitionName: definitionName})
}

// RemoveResource unschedules every definition of a resource
func (q *PriorityQueue) RemoveResource(resourceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.publish()

	for key := range q.byKey {
		if key.ResourceID == resourceID {
			q.remove(key)
		}
	}
	for key := range q.inflight {
		if key.ResourceID == resourceID {
			q.remove(key)
		}
	}
}

// Clear unschedules everything
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.publish()

	q.items = nil
	q.byKey = make(map[drift.Key]*item)
	for _, f := range q.inflight {
		f.replacement = nil
		f.removed = true
	}
}

// Len returns the number of queued schedules, excluding in-flight ones
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of dequeued schedules not yet completed
func (q *PriorityQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// IsInFlight reports whether key is currently owned by a detection run
func (q *PriorityQueue) IsInFlight(key drift.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[key]
	return ok
}

// InFlightKeys returns the keys of a resource owned by detection runs
func (q *PriorityQueue) InFlightKeys(resourceID string) []drift.Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []drift.Key
	for key := range q.inflight {
		if key.ResourceID == resourceID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].DefinitionName < keys[j].DefinitionName })
	return keys
}

// Next returns the earliest fire time
func (q *PriorityQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].schedule.NextFire, true
}

// Schedules returns a copy of the queued schedules in fire order
func (q *PriorityQueue) Schedules() []drift.Schedule {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := make([]*item, len(q.items))
	copy(sorted, q.items)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	out := make([]drift.Schedule, len(sorted))
	for i, it := range sorted {
		out[i] = it.schedule
		out[i].Definition = it.schedule.Definition.Clone()
	}
	return out
}

func (q *PriorityQueue) push(s drift.Schedule) {
	q.seq++
	key := s.Key()
	if it, ok := q.byKey[key]; ok {
		it.schedule = merge(it.schedule, s)
		it.seq = q.seq
		heap.Fix(&q.items, it.index)
		return
	}
	it := &item{schedule: s, seq: q.seq}
	heap.Push(&q.items, it)
	q.byKey[key] = it
}

// merge resolves an enqueue onto an existing schedule for the same key
func merge(old, s drift.Schedule) drift.Schedule {
	switch {
	case s.OneShot && !old.OneShot:
		if s.NextFire.Before(old.NextFire) {
			old.NextFire = s.NextFire
		}
		return old
	case !s.OneShot && old.OneShot && old.NextFire.Before(s.NextFire):
		s.NextFire = old.NextFire
	}
	return s
}

func (q *PriorityQueue) remove(key drift.Key) {
	if it, ok := q.byKey[key]; ok {
		heap.Remove(&q.items, it.index)
		delete(q.byKey, key)
	}
	if f, ok := q.inflight[key]; ok {
		f.replacement = nil
		f.removed = true
	}
}

func (q *PriorityQueue) publish() {
	metrics.SetQueueDepth(len(q.items))
	metrics.SetInFlight(len(q.inflight))
}

func less(a, b *item) bool {
	if !a.schedule.NextFire.Equal(b.schedule.NextFire) {
		return a.schedule.NextFire.Before(b.schedule.NextFire)
	}
	return a.seq < b.seq
}

// itemHeap implements heap.Interface
type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

package testutil

import (
	"context"
	"sync"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
)

// Submission is one call to MockNotifier.Submit
type Submission struct {
	Key     drift.Key
	Version int
}

// MockNotifier is an in-memory drift.Notifier
type MockNotifier struct {
	mu          sync.Mutex
	Submitted   []Submission
	delivered   map[drift.Key]int
	SubmitError error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{delivered: make(map[drift.Key]int)}
}

func (m *MockNotifier) Submit(key drift.Key, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitError != nil {
		return m.SubmitError
	}
	m.Submitted = append(m.Submitted, Submission{Key: key, Version: version})
	return nil
}

// MarkDelivered records version of key as acknowledged
func (m *MockNotifier) MarkDelivered(key drift.Key, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[key] = version
}

func (m *MockNotifier) Delivered(key drift.Key, version int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.delivered[key]
	return ok && v >= version
}

// Submissions returns a copy of the recorded submissions
func (m *MockNotifier) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.Submitted...)
}

// Pull is one call to MockContentSupplier.SupplyRequest
type Pull struct {
	RequestID  string
	ResourceID string
	Hashes     []string
}

// MockContentSupplier records content pulls
type MockContentSupplier struct {
	mu    sync.Mutex
	pulls []Pull
	Err   error
}

func (m *MockContentSupplier) SupplyRequest(ctx context.Context, requestID, resourceID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls = append(m.pulls, Pull{RequestID: requestID, ResourceID: resourceID, Hashes: hashes})
	return m.Err
}

// Pulls returns a copy of the recorded pulls
func (m *MockContentSupplier) Pulls() []Pull {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Pull(nil), m.pulls...)
}

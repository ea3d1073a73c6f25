package drift

import "context"

// Notifier is told when a change-set should reach the remote collector
type Notifier interface {
	// Submit queues the latest change-set of key for upload. It must not
	// block; a full queue is reported as an error and retried next tick.
	Submit(key Key, version int) error

	// Delivered reports whether version of key was acknowledged by the collector
	Delivered(key Key, version int) bool
}

// ContentSupplier answers the collector's content-by-hash pull requests
type ContentSupplier interface {
	SupplyRequestedFiles(ctx context.Context, resourceID string, hashes []string) error
}

// Registry receives configuration-source notifications
type Registry interface {
	OnDefinitionChanged(resourceID string, def Definition) error
	OnDefinitionRemoved(resourceID, name string)
}

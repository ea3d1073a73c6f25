package drift

import (
	"context"
	"iter"

	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
)

// ErrNoCoverage reports a change-set chain without a COVERAGE anchor
var ErrNoCoverage = errors.StoreError("Change-set chain has no coverage anchor", nil)

// Store defines the interface for change-set persistence
type Store interface {
	// Write persists a new change-set and returns the version assigned to it.
	// The version field of cs is ignored on input and set on success.
	Write(ctx context.Context, cs *ChangeSet) (int, error)

	// ReadLatest returns the most recent change-set or a NOT_FOUND error
	ReadLatest(ctx context.Context, resourceID, definitionName string) (*ChangeSet, error)

	// Read returns a specific version
	Read(ctx context.Context, resourceID, definitionName string, version int) (*ChangeSet, error)

	// ReadAll yields every change-set oldest first
	ReadAll(ctx context.Context, resourceID, definitionName string) iter.Seq2[*ChangeSet, error]

	// Snapshot replays the chain anchored by the newest COVERAGE change-set
	// and returns the resulting baseline together with the latest change-set.
	Snapshot(ctx context.Context, resourceID, definitionName string) (FileHashcodeMap, *ChangeSet, error)

	// Coverage returns the newest COVERAGE change-set
	Coverage(ctx context.Context, resourceID, definitionName string) (*ChangeSet, error)

	// Purge deletes every change-set of a definition
	Purge(ctx context.Context, resourceID, definitionName string) error

	// PurgeResource deletes every change-set of a resource
	PurgeResource(ctx context.Context, resourceID string) error

	// Definitions lists the definition names that have change-sets for a resource
	Definitions(ctx context.Context, resourceID string) ([]string, error)
}

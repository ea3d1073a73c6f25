package dto

import (
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
)

// ScheduleDTO represents a pending detection in API responses
type ScheduleDTO struct {
	ResourceID     string    `json:"resourceId"`
	Definition     string    `json:"definition"`
	NextFire       time.Time `json:"nextFire"`
	NextFireMillis int64     `json:"nextFireMillis"`
	OneShot        bool      `json:"oneShot"`
}

// ScheduleListResponse lists queued schedules and the number of running ones
type ScheduleListResponse struct {
	Schedules []ScheduleDTO `json:"schedules"`
	InFlight  int           `json:"inFlight"`
}

// DefinitionDTO represents an active drift definition
type DefinitionDTO struct {
	ResourceID string           `json:"resourceId"`
	Definition drift.Definition `json:"definition"`
}

// ChangeSetSummaryDTO describes one version without its entries
type ChangeSetSummaryDTO struct {
	Version   int                `json:"version"`
	Category  drift.Category     `json:"category"`
	Mode      drift.HandlingMode `json:"mode"`
	Pinned    bool               `json:"pinned"`
	CreatedAt time.Time          `json:"createdAt"`
	Entries   int                `json:"entries"`
	Delivered bool               `json:"delivered"`
}

// ChangeSetDTO is a full change-set
type ChangeSetDTO struct {
	ResourceID    string              `json:"resourceId"`
	Definition    string              `json:"definition"`
	Version       int                 `json:"version"`
	Category      drift.Category      `json:"category"`
	BaseDirectory drift.BaseDirectory `json:"baseDirectory"`
	Mode          drift.HandlingMode  `json:"mode"`
	Pinned        bool                `json:"pinned"`
	CreatedAt     time.Time           `json:"createdAt"`
	Entries       []FileEntryDTO      `json:"entries"`
	Delivered     bool                `json:"delivered"`
}

// FileEntryDTO is one changed file
type FileEntryDTO struct {
	Path         string       `json:"path"`
	Status       drift.Status `json:"status"`
	PreviousHash string       `json:"previousHash,omitempty"`
	NewHash      string       `json:"newHash,omitempty"`
}

// ContentPullRequest is the collector asking for file content by hash
type ContentPullRequest struct {
	RequestID string   `json:"requestId,omitempty" validate:"omitempty,max=128"`
	Hashes    []string `json:"hashes" validate:"required,min=1,max=10000,dive,required"`
}

// ContentPullResponse acknowledges an accepted pull
type ContentPullResponse struct {
	RequestID string `json:"requestId"`
	Requested int    `json:"requested"`
}

// ContentRequestDTO is a logged content pull
type ContentRequestDTO struct {
	RequestID string    `json:"requestId"`
	Requested int       `json:"requested"`
	Supplied  int       `json:"supplied"`
	Missing   []string  `json:"missing,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToScheduleDTO converts a queued schedule
func ToScheduleDTO(s drift.Schedule) ScheduleDTO {
	return ScheduleDTO{
		ResourceID:     s.ResourceID,
		Definition:     s.Definition.Name,
		NextFire:       s.NextFire,
		NextFireMillis: s.NextFireMillis(),
		OneShot:        s.OneShot,
	}
}

// ToChangeSetSummaryDTO converts a change-set header
func ToChangeSetSummaryDTO(cs *drift.ChangeSet, delivered bool) ChangeSetSummaryDTO {
	return ChangeSetSummaryDTO{
		Version:   cs.Version,
		Category:  cs.Category,
		Mode:      cs.Mode,
		Pinned:    cs.Pinned,
		CreatedAt: cs.CreatedAt,
		Entries:   len(cs.Entries),
		Delivered: delivered,
	}
}

// ToChangeSetDTO converts a full change-set
func ToChangeSetDTO(cs *drift.ChangeSet, delivered bool) ChangeSetDTO {
	entries := make([]FileEntryDTO, len(cs.Entries))
	for i, e := range cs.Entries {
		entries[i] = FileEntryDTO{Path: e.Path, Status: e.Status, PreviousHash: e.PreviousHash, NewHash: e.NewHash}
	}
	return ChangeSetDTO{
		ResourceID:    cs.ResourceID,
		Definition:    cs.DefinitionName,
		Version:       cs.Version,
		Category:      cs.Category,
		BaseDirectory: cs.BaseDirectory,
		Mode:          cs.Mode,
		Pinned:        cs.Pinned,
		CreatedAt:     cs.CreatedAt,
		Entries:       entries,
		Delivered:     delivered,
	}
}

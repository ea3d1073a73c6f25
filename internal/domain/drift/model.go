package drift

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// BaseDirContext tells how BaseDirectory.Path is resolved on the host
type BaseDirContext string

const (
	ContextFileSystem            BaseDirContext = "fileSystem"
	ContextPluginConfiguration   BaseDirContext = "pluginConfiguration"
	ContextResourceConfiguration BaseDirContext = "resourceConfiguration"
	ContextMeasurementTrait      BaseDirContext = "measurementTrait"
)

// HandlingMode controls how detected drift is reported
type HandlingMode string

const (
	ModeNormal         HandlingMode = "normal"
	ModePlannedChanges HandlingMode = "plannedChanges"
)

// Category tags a change-set as a full baseline or a delta
type Category string

const (
	// CategoryCoverage is a full snapshot; every entry is an ADD.
	CategoryCoverage Category = "COVERAGE"
	// CategoryDrift is the delta since the previous change-set.
	CategoryDrift Category = "DRIFT"
)

// Status is the kind of change recorded for one file
type Status string

const (
	StatusAdd    Status = "ADD"
	StatusModify Status = "MODIFY"
	StatusDelete Status = "DELETE"
)

// Code returns the single-letter on-disk status code
func (s Status) Code() string {
	switch s {
	case StatusAdd:
		return "A"
	case StatusModify:
		return "M"
	case StatusDelete:
		return "D"
	default:
		return "?"
	}
}

// ParseStatusCode is the inverse of Status.Code
func ParseStatusCode(code string) (Status, error) {
	switch code {
	case "A":
		return StatusAdd, nil
	case "M":
		return StatusModify, nil
	case "D":
		return StatusDelete, nil
	default:
		return "", fmt.Errorf("unknown status code %q", code)
	}
}

// BaseDirectory locates the root of a drift definition on the host
type BaseDirectory struct {
	Context BaseDirContext `json:"context" yaml:"context" validate:"required,oneof=fileSystem pluginConfiguration resourceConfiguration measurementTrait"`
	Path    string         `json:"path" yaml:"path" validate:"required,singleline"`
}

func (b BaseDirectory) String() string {
	return string(b.Context) + ":" + b.Path
}

// Filter selects files under the base directory. Path is a glob matched
// against a file or any of its ancestor directories; Pattern is a glob
// matched below that path (or against the file name when it has no '/').
type Filter struct {
	Path    string `json:"path,omitempty" yaml:"path,omitempty" validate:"omitempty,glob"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty" validate:"omitempty,glob"`
}

// Definition describes what to watch and how often
type Definition struct {
	Name          string        `json:"name" yaml:"name" validate:"required,max=200,defname"`
	Description   string        `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	BaseDirectory BaseDirectory `json:"base_directory" yaml:"baseDirectory"`
	Interval      time.Duration `json:"interval,omitempty" yaml:"interval,omitempty" validate:"omitempty,min=1s"`
	Schedule      string        `json:"schedule,omitempty" yaml:"schedule,omitempty" validate:"omitempty,cron"`
	Includes      []Filter      `json:"includes,omitempty" yaml:"includes,omitempty" validate:"dive"`
	Excludes      []Filter      `json:"excludes,omitempty" yaml:"excludes,omitempty" validate:"dive"`
	Mode          HandlingMode  `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=normal plannedChanges"`
	Pinned        bool          `json:"pinned,omitempty" yaml:"pinned,omitempty"`
}

// HandlingMode returns the mode, defaulting to normal
func (d Definition) HandlingMode() HandlingMode {
	if d.Mode == "" {
		return ModeNormal
	}
	return d.Mode
}

// NextFire computes the next detection time after now. A cron schedule
// takes precedence over the fixed interval.
func (d Definition) NextFire(now time.Time) time.Time {
	if d.Schedule != "" {
		if sched, err := cron.ParseStandard(d.Schedule); err == nil {
			return sched.Next(now)
		}
	}
	return now.Add(d.Interval)
}

// Clone returns a deep copy so callers never share filter slices
func (d Definition) Clone() Definition {
	out := d
	out.Includes = append([]Filter(nil), d.Includes...)
	out.Excludes = append([]Filter(nil), d.Excludes...)
	return out
}

// Key identifies a schedule and the change-set chain it produces
type Key struct {
	ResourceID     string
	DefinitionName string
}

func (k Key) String() string {
	return k.ResourceID + "/" + k.DefinitionName
}

// Schedule pairs a monitored target with its next due detection time
type Schedule struct {
	ResourceID string
	Definition Definition
	NextFire   time.Time
	// OneShot schedules are discarded after a single run.
	OneShot bool
}

// Key returns the (resource, definition) key of the schedule
func (s Schedule) Key() Key {
	return Key{ResourceID: s.ResourceID, DefinitionName: s.Definition.Name}
}

// NextFireMillis returns the fire time as epoch milliseconds
func (s Schedule) NextFireMillis() int64 {
	return s.NextFire.UnixMilli()
}

// FileEntry records one changed file. Empty hashes stand for null.
type FileEntry struct {
	Path         string `json:"path" yaml:"path"`
	PreviousHash string `json:"previous_hash,omitempty" yaml:"previousHash,omitempty"`
	NewHash      string `json:"new_hash,omitempty" yaml:"newHash,omitempty"`
	Status       Status `json:"status" yaml:"status"`
}

// ChangeSet is an immutable, versioned record of file changes
type ChangeSet struct {
	ResourceID     string        `json:"resource_id" yaml:"resourceId"`
	DefinitionName string        `json:"definition" yaml:"definition"`
	Category       Category      `json:"category" yaml:"category"`
	Version        int           `json:"version" yaml:"version"`
	BaseDirectory  BaseDirectory `json:"base_directory" yaml:"baseDirectory"`
	Mode           HandlingMode  `json:"mode" yaml:"mode"`
	Pinned         bool          `json:"pinned" yaml:"pinned"`
	CreatedAt      time.Time     `json:"created_at" yaml:"createdAt"`
	Entries        []FileEntry   `json:"entries" yaml:"entries"`
}

// Key returns the (resource, definition) key of the change-set
func (cs *ChangeSet) Key() Key {
	return Key{ResourceID: cs.ResourceID, DefinitionName: cs.DefinitionName}
}

// FileHashcodeMap maps relative path to content hash
type FileHashcodeMap map[string]string

// Clone returns a frozen copy for a consumer
func (m FileHashcodeMap) Clone() FileHashcodeMap {
	if m == nil {
		return FileHashcodeMap{}
	}
	return maps.Clone(m)
}

// Paths returns the paths in lexicographic order
func (m FileHashcodeMap) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Apply folds the entries of a change-set into the map
func (m FileHashcodeMap) Apply(entries []FileEntry) {
	for _, e := range entries {
		switch e.Status {
		case StatusAdd, StatusModify:
			m[e.Path] = e.NewHash
		case StatusDelete:
			delete(m, e.Path)
		}
	}
}

// CoverageEntries renders every file of the map as an ADD entry
func (m FileHashcodeMap) CoverageEntries() []FileEntry {
	entries := make([]FileEntry, 0, len(m))
	for _, p := range m.Paths() {
		entries = append(entries, FileEntry{Path: p, NewHash: m[p], Status: StatusAdd})
	}
	return entries
}

// Diff computes the entries that turn baseline into current, sorted by path.
// Unchanged files are omitted.
func Diff(baseline, current FileHashcodeMap) []FileEntry {
	var entries []FileEntry
	for path, hash := range current {
		prev, ok := baseline[path]
		switch {
		case !ok:
			entries = append(entries, FileEntry{Path: path, NewHash: hash, Status: StatusAdd})
		case prev != hash:
			entries = append(entries, FileEntry{Path: path, PreviousHash: prev, NewHash: hash, Status: StatusModify})
		}
	}
	for path, prev := range baseline {
		if _, ok := current[path]; !ok {
			entries = append(entries, FileEntry{Path: path, PreviousHash: prev, Status: StatusDelete})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// EntriesEqual reports whether two entry sequences are identical
func EntriesEqual(a, b []FileEntry) bool {
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

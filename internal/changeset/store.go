// Package changeset persists versioned change-sets on the local filesystem.
//
// Layout: <root>/<resourceId>/<definitionName>/<version>/changeset.txt.
// Every write builds the version directory under a temporary name and
// renames it into place, so readers never observe a partial change-set.
package changeset

import (
	"context"
	stderrors "errors"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
)

const (
	// DirName is the directory under the agent data dir holding change-sets
	DirName = "changesets"

	fileName   = "changeset.txt"
	tempPrefix = ".tmp-"
)

// FileStore implements drift.Store on a directory tree
type FileStore struct {
	root   string
	logger *logger.Logger
	now    func() time.Time
}

// NewFileStore creates a store rooted at <dataDir>/changesets
func NewFileStore(dataDir string, log *logger.Logger) (*FileStore, error) {
	root := filepath.Join(dataDir, DirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.StoreError("Failed to create change-set directory", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FileStore{root: root, logger: log.WithComponent("changeset-store"), now: time.Now}, nil
}

// Root returns the directory holding all change-sets
func (s *FileStore) Root() string {
	return s.root
}

// Write assigns the next version to cs, persists it atomically and updates
// cs.Version on success. A DRIFT change-set for a definition with no
// stored change-sets is refused with drift.ErrNoCoverage.
func (s *FileStore) Write(ctx context.Context, cs *drift.ChangeSet) (int, error) {
	if cs.ResourceID == "" || cs.DefinitionName == "" {
		return 0, errors.StoreError("Change-set needs a resource id and a definition name", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.StoreError("Write cancelled", err)
	}
	start := time.Now()
	dir := s.definitionDir(cs.ResourceID, cs.DefinitionName)
	versions, err := listVersions(dir)
	if err != nil {
		return 0, errors.StoreError("Failed to list change-set versions", err)
	}
	if len(versions) == 0 && cs.Category != drift.CategoryCoverage {
		// every drift chain starts at a coverage
		return 0, drift.ErrNoCoverage
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.StoreError("Failed to create definition directory", err)
	}
	s.removeStaleTemps(dir)

	next := 0
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	out := *cs
	out.Version = next
	out.Mode = modeOrDefault(cs.Mode)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now()
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.Entries = append([]drift.FileEntry(nil), cs.Entries...)

	tmp, err := os.MkdirTemp(dir, tempPrefix)
	if err != nil {
		return 0, errors.StoreError("Failed to create temporary change-set directory", err)
	}
	if err := writeFile(filepath.Join(tmp, fileName), &out); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, errors.StoreError("Failed to write change-set", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, strconv.Itoa(next))); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, errors.StoreError("Failed to publish change-set", err)
	}

	cs.Version = next
	cs.Mode = out.Mode
	cs.CreatedAt = out.CreatedAt
	metrics.RecordChangeSetWrite(string(out.Category), len(out.Entries), time.Since(start))

	s.logger.WithFields(map[string]interface{}{
		"resource_id": cs.ResourceID,
		"definition":  cs.DefinitionName,
		"category":    out.Category,
		"version":     next,
		"entries":     len(out.Entries),
	}).Debug("Change-set written")
	return next, nil
}

func writeFile(path string, cs *drift.ChangeSet) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, cs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadLatest returns the newest change-set, or NOT_FOUND when none exists
func (s *FileStore) ReadLatest(ctx context.Context, resourceID, definitionName string) (*drift.ChangeSet, error) {
	dir := s.definitionDir(resourceID, definitionName)
	versions, err := listVersions(dir)
	if err != nil {
		return nil, errors.StoreError("Failed to list change-set versions", err)
	}
	if len(versions) == 0 {
		return nil, errors.NotFound("Change-set")
	}
	return s.read(resourceID, dir, versions[len(versions)-1])
}

// Read returns one version
func (s *FileStore) Read(ctx context.Context, resourceID, definitionName string, version int) (*drift.ChangeSet, error) {
	return s.read(resourceID, s.definitionDir(resourceID, definitionName), version)
}

// ReadAll yields every change-set, oldest first
func (s *FileStore) ReadAll(ctx context.Context, resourceID, definitionName string) iter.Seq2[*drift.ChangeSet, error] {
	return func(yield func(*drift.ChangeSet, error) bool) {
		dir := s.definitionDir(resourceID, definitionName)
		versions, err := listVersions(dir)
		if err != nil {
			yield(nil, errors.StoreError("Failed to list change-set versions", err))
			return
		}
		for _, v := range versions {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.StoreError("Read cancelled", err))
				return
			}
			cs, err := s.read(resourceID, dir, v)
			if !yield(cs, err) || err != nil {
				return
			}
		}
	}
}

// Snapshot replays the newest COVERAGE change-set and every DRIFT
// change-set after it. A pinned DRIFT replaces, rather than extends, the
// state built so far.
func (s *FileStore) Snapshot(ctx context.Context, resourceID, definitionName string) (drift.FileHashcodeMap, *drift.ChangeSet, error) {
	dir := s.definitionDir(resourceID, definitionName)
	versions, err := listVersions(dir)
	if err != nil {
		return nil, nil, errors.StoreError("Failed to list change-set versions", err)
	}
	if len(versions) == 0 {
		return nil, nil, errors.NotFound("Change-set")
	}

	var chain []*drift.ChangeSet
	for i := len(versions) - 1; i >= 0; i-- {
		cs, err := s.read(resourceID, dir, versions[i])
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, cs)
		if cs.Category == drift.CategoryCoverage {
			break
		}
	}
	if chain[len(chain)-1].Category != drift.CategoryCoverage {
		return nil, nil, drift.ErrNoCoverage
	}

	anchor := drift.FileHashcodeMap{}
	anchor.Apply(chain[len(chain)-1].Entries)
	snap := anchor.Clone()
	for i := len(chain) - 2; i >= 0; i-- {
		if chain[i].Pinned {
			// pinned deltas are taken against the coverage, not cumulative
			snap = anchor.Clone()
		}
		snap.Apply(chain[i].Entries)
	}
	return snap, chain[0], nil
}

// Coverage returns the newest COVERAGE change-set
func (s *FileStore) Coverage(ctx context.Context, resourceID, definitionName string) (*drift.ChangeSet, error) {
	dir := s.definitionDir(resourceID, definitionName)
	versions, err := listVersions(dir)
	if err != nil {
		return nil, errors.StoreError("Failed to list change-set versions", err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		cs, err := s.read(resourceID, dir, versions[i])
		if err != nil {
			return nil, err
		}
		if cs.Category == drift.CategoryCoverage {
			return cs, nil
		}
	}
	return nil, errors.NotFound("Coverage change-set")
}

// Purge deletes every change-set of a definition
func (s *FileStore) Purge(ctx context.Context, resourceID, definitionName string) error {
	if err := os.RemoveAll(s.definitionDir(resourceID, definitionName)); err != nil {
		return errors.StoreError("Failed to purge change-sets", err)
	}
	return nil
}

// PurgeResource deletes every change-set of a resource
func (s *FileStore) PurgeResource(ctx context.Context, resourceID string) error {
	if err := os.RemoveAll(filepath.Join(s.root, escape(resourceID))); err != nil {
		return errors.StoreError("Failed to purge resource change-sets", err)
	}
	return nil
}

// Definitions lists the definitions with stored change-sets for a resource
func (s *FileStore) Definitions(ctx context.Context, resourceID string) ([]string, error) {
	return listNames(filepath.Join(s.root, escape(resourceID)))
}

// Resources lists the resources with stored change-sets
func (s *FileStore) Resources(ctx context.Context) ([]string, error) {
	return listNames(s.root)
}

func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.StoreError("Failed to list change-set directory", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		names = append(names, unescape(e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) read(resourceID, dir string, version int) (*drift.ChangeSet, error) {
	f, err := os.Open(filepath.Join(dir, strconv.Itoa(version), fileName))
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NotFound("Change-set")
		}
		return nil, errors.StoreError("Failed to open change-set", err)
	}
	defer f.Close()
	cs, err := Decode(f)
	if err != nil {
		return nil, errors.StoreError("Corrupt change-set "+strconv.Itoa(version), err)
	}
	cs.ResourceID = resourceID
	return cs, nil
}

func (s *FileStore) definitionDir(resourceID, definitionName string) string {
	return filepath.Join(s.root, escape(resourceID), escape(definitionName))
}

// removeStaleTemps deletes temporary directories left by interrupted writes
func (s *FileStore) removeStaleTemps(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				s.logger.WarnWithErr(err, "Failed to remove stale temporary change-set")
			}
		}
	}
}

// listVersions returns the published versions in ascending order
func listVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	versions := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := strconv.Atoi(e.Name())
		if err != nil || v < 0 {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// escape turns an identifier into a single safe path segment
func escape(name string) string {
	if strings.HasPrefix(name, ".") {
		return "%2E" + url.PathEscape(name[1:])
	}
	return url.PathEscape(name)
}

func unescape(seg string) string {
	name, err := url.PathUnescape(seg)
	if err != nil {
		return seg
	}
	return name
}

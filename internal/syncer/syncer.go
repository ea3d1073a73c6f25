// Package syncer ships change-sets and file content to the remote
// collector. Uploads run on their own bounded queue so a slow collector
// never stalls detection.
package syncer

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pratik-mahalle/driftwatch/internal/changeset"
	"github.com/pratik-mahalle/driftwatch/internal/db"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
	"github.com/pratik-mahalle/driftwatch/pkg/client"
)

// ErrUploadDeferred is returned by Submit when the upload queue is full.
// The detector retries on its next run for the schedule.
var ErrUploadDeferred = errors.ServiceUnavailable("Upload deferred: queue is full")

// Collector is the remote end of the transfer. *client.Client implements it
// over HTTP.
type Collector interface {
	UploadChangeSet(ctx context.Context, meta client.ChangeSetUpload, archive io.Reader) (*client.UploadReceipt, error)
	UploadContent(ctx context.Context, meta client.ContentUpload, archive io.Reader) (*client.ContentReceipt, error)
}

// Ledger persists what the collector acknowledged. *db.DB implements it.
type Ledger interface {
	MarkDelivered(ctx context.Context, r db.DeliveryRow) error
	LastDelivered(ctx context.Context, resourceID, definition string) (db.DeliveryRow, bool, error)
	ForgetDelivery(ctx context.Context, resourceID, definition string) error
	ForgetResource(ctx context.Context, resourceID string) error
	RecordContentRequest(ctx context.Context, r db.ContentRequestRow) error
	RecordRejection(ctx context.Context, r db.RejectionRow) error
	RejectedVersions(ctx context.Context, resourceID, definition string) ([]int, error)
}

// Config holds sync client tuning
type Config struct {
	Workers     int
	QueueSize   int
	Compression Compression
	// WorkDir holds archives while they are uploaded
	WorkDir string
}

// Syncer implements drift.Notifier and drift.ContentSupplier
type Syncer struct {
	store     drift.Store
	collector Collector
	ledger    Ledger
	hasher    *hasher.Hasher
	resolver  drift.BaseDirResolver
	cfg       Config
	logger    *logger.Logger

	queue chan drift.Key

	mu        sync.Mutex
	pending   map[drift.Key]bool
	delivered map[drift.Key]int
	// sending serializes uploads of one key across workers and callers
	sending  map[drift.Key]*sync.Mutex
	rejected map[drift.Key]map[int]bool
}

// New creates a sync client. ledger may be nil, in which case delivery
// state lives in memory only.
func New(
	store drift.Store,
	collector Collector,
	ledger Ledger,
	h *hasher.Hasher,
	resolver drift.BaseDirResolver,
	cfg Config,
	log *logger.Logger,
) (*Syncer, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionDeflate
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, errors.SyncError("Failed to create upload work directory", err)
	}
	if resolver == nil {
		resolver = drift.RootResolver{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Syncer{
		store:     store,
		collector: collector,
		ledger:    ledger,
		hasher:    h,
		resolver:  resolver,
		cfg:       cfg,
		logger:    log.WithComponent("syncer"),
		queue:     make(chan drift.Key, cfg.QueueSize),
		pending:   make(map[drift.Key]bool),
		delivered: make(map[drift.Key]int),
		sending:   make(map[drift.Key]*sync.Mutex),
		rejected:  make(map[drift.Key]map[int]bool),
	}, nil
}

// Submit queues key for upload without blocking. A key already waiting in
// the queue is not queued twice; the worker always sends everything up to
// the latest version.
func (s *Syncer) Submit(key drift.Key, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[key] {
		return nil
	}
	select {
	case s.queue <- key:
		s.pending[key] = true
		return nil
	default:
		metrics.RecordUploadDeferred()
		return ErrUploadDeferred
	}
}

// Start runs the upload workers until ctx is cancelled
func (s *Syncer) Start(ctx context.Context) {
	s.logger.WithFields(map[string]interface{}{
		"workers":     s.cfg.Workers,
		"queue_size":  s.cfg.QueueSize,
		"compression": s.cfg.Compression,
	}).Info("Starting sync workers")

	var g errgroup.Group
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case key := <-s.queue:
					s.mu.Lock()
					delete(s.pending, key)
					s.mu.Unlock()
					if err := s.SendChangeSet(ctx, key.ResourceID, key.DefinitionName); err != nil {
						s.logger.WithFields(map[string]interface{}{
							"resource_id": key.ResourceID,
							"definition":  key.DefinitionName,
						}).ErrorWithErr(err, "Change-set upload failed; retrying on next detection")
					}
				}
			}
		})
	}
	_ = g.Wait()
	s.logger.Info("Sync workers stopped")
}

// Delivered reports whether the collector acknowledged version of key
func (s *Syncer) Delivered(key drift.Key, version int) bool {
	last, ok := s.lastDelivered(context.Background(), key)
	return ok && version <= last
}

func (s *Syncer) lastDelivered(ctx context.Context, key drift.Key) (int, bool) {
	s.mu.Lock()
	v, ok := s.delivered[key]
	s.mu.Unlock()
	if ok || s.ledger == nil {
		return v, ok
	}

	row, ok, err := s.ledger.LastDelivered(ctx, key.ResourceID, key.DefinitionName)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read delivery ledger")
		return 0, false
	}
	if ok {
		s.mu.Lock()
		if cur, seen := s.delivered[key]; !seen || cur < row.Version {
			s.delivered[key] = row.Version
		}
		s.mu.Unlock()
	}
	return row.Version, ok
}

func (s *Syncer) markDelivered(ctx context.Context, cs *drift.ChangeSet, requestID string) error {
	key := cs.Key()
	s.mu.Lock()
	if cur, ok := s.delivered[key]; !ok || cur < cs.Version {
		s.delivered[key] = cs.Version
	}
	s.mu.Unlock()
	if s.ledger == nil {
		return nil
	}
	return s.ledger.MarkDelivered(ctx, db.DeliveryRow{
		ResourceID:  cs.ResourceID,
		Definition:  cs.DefinitionName,
		Version:     cs.Version,
		Category:    string(cs.Category),
		RequestID:   requestID,
		DeliveredAt: time.Now().UTC(),
	})
}

// keyLock returns the upload lock of key
func (s *Syncer) keyLock(key drift.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sending[key]
	if !ok {
		l = &sync.Mutex{}
		s.sending[key] = l
	}
	return l
}

// rejectedVersions returns the versions of key the collector refused for
// good, loading them from the ledger once
func (s *Syncer) rejectedVersions(ctx context.Context, key drift.Key) map[int]bool {
	s.mu.Lock()
	set, ok := s.rejected[key]
	s.mu.Unlock()
	if ok {
		return set
	}
	set = make(map[int]bool)
	if s.ledger != nil {
		versions, err := s.ledger.RejectedVersions(ctx, key.ResourceID, key.DefinitionName)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read rejected change-sets")
			return set
		}
		for _, v := range versions {
			set[v] = true
		}
	}
	s.mu.Lock()
	if cur, ok := s.rejected[key]; ok {
		set = cur
	} else {
		s.rejected[key] = set
	}
	s.mu.Unlock()
	return set
}

// park records a change-set the collector refused so it is not sent again
func (s *Syncer) park(ctx context.Context, cs *drift.ChangeSet, requestID string, cause error) {
	key := cs.Key()
	s.rejectedVersions(ctx, key)
	s.mu.Lock()
	s.rejected[key][cs.Version] = true
	s.mu.Unlock()

	log := s.logger.WithFields(map[string]interface{}{
		"resource_id": cs.ResourceID,
		"definition":  cs.DefinitionName,
		"version":     cs.Version,
		"request_id":  requestID,
	})
	log.ErrorWithErr(cause, "Collector rejected change-set; it will not be sent again")
	if s.ledger == nil {
		return
	}
	if err := s.ledger.RecordRejection(ctx, db.RejectionRow{
		ResourceID: cs.ResourceID,
		Definition: cs.DefinitionName,
		Version:    cs.Version,
		RequestID:  requestID,
		Reason:     cause.Error(),
		RejectedAt: time.Now().UTC(),
	}); err != nil {
		log.WarnWithErr(err, "Failed to persist rejection")
	}
}

// Forget drops delivery state of a purged definition
func (s *Syncer) Forget(ctx context.Context, resourceID, definitionName string) error {
	key := drift.Key{ResourceID: resourceID, DefinitionName: definitionName}
	s.mu.Lock()
	delete(s.delivered, key)
	delete(s.rejected, key)
	s.mu.Unlock()
	if s.ledger == nil {
		return nil
	}
	return s.ledger.ForgetDelivery(ctx, resourceID, definitionName)
}

// ForgetResource drops delivery state of a decommissioned resource
func (s *Syncer) ForgetResource(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	for key := range s.delivered {
		if key.ResourceID == resourceID {
			delete(s.delivered, key)
		}
	}
	for key := range s.rejected {
		if key.ResourceID == resourceID {
			delete(s.rejected, key)
		}
	}
	s.mu.Unlock()
	if s.ledger == nil {
		return nil
	}
	return s.ledger.ForgetResource(ctx, resourceID)
}

// SendChangeSet uploads every change-set of the definition the collector
// has not acknowledged, oldest first. Undelivered change-sets older than
// the newest undelivered COVERAGE are skipped since that coverage
// supersedes them. Local change-sets are never modified.
func (s *Syncer) SendChangeSet(ctx context.Context, resourceID, definitionName string) error {
	key := drift.Key{ResourceID: resourceID, DefinitionName: definitionName}
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	last, delivered := s.lastDelivered(ctx, key)
	rejected := s.rejectedVersions(ctx, key)

	var pending []*drift.ChangeSet
	for cs, err := range s.store.ReadAll(ctx, resourceID, definitionName) {
		if err != nil {
			return err
		}
		if delivered && cs.Version <= last {
			continue
		}
		s.mu.Lock()
		parked := rejected[cs.Version]
		s.mu.Unlock()
		if parked {
			continue
		}
		if cs.Category == drift.CategoryCoverage {
			pending = pending[:0]
		}
		pending = append(pending, cs)
	}
	for _, cs := range pending {
		if err := s.upload(ctx, cs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, cs *drift.ChangeSet) error {
	start := time.Now()
	requestID := uuid.NewString()
	log := s.logger.WithFields(map[string]interface{}{
		"resource_id": cs.ResourceID,
		"definition":  cs.DefinitionName,
		"version":     cs.Version,
		"category":    cs.Category,
		"request_id":  requestID,
	})

	f, err := s.buildChangeSetArchive(cs, requestID)
	if err != nil {
		metrics.RecordUpload("changeset", "error", time.Since(start))
		return errors.SyncError("Failed to build change-set archive", err)
	}
	defer closeAndRemove(f)

	receipt, err := s.collector.UploadChangeSet(ctx, client.ChangeSetUpload{
		RequestID:   requestID,
		ResourceID:  cs.ResourceID,
		Definition:  cs.DefinitionName,
		Version:     cs.Version,
		Category:    string(cs.Category),
		Mode:        string(cs.Mode),
		Pinned:      cs.Pinned,
		Algorithm:   string(s.hasher.Algorithm()),
		Compression: string(s.cfg.Compression),
	}, f)
	if err != nil {
		var apiErr *client.APIError
		if stderrors.As(err, &apiErr) && apiErr.IsRejected() {
			metrics.RecordUpload("changeset", "rejected", time.Since(start))
			s.park(ctx, cs, requestID, err)
			return nil
		}
		metrics.RecordUpload("changeset", "error", time.Since(start))
		if apiErr != nil && apiErr.IsServerError() {
			return errors.SyncError("Collector unavailable", err)
		}
		return errors.SyncError("Change-set upload failed", err)
	}
	if !receipt.Accepted {
		metrics.RecordUpload("changeset", "rejected", time.Since(start))
		return errors.SyncError("Collector did not accept change-set", nil)
	}
	metrics.RecordUpload("changeset", "ok", time.Since(start))

	if err := s.markDelivered(ctx, cs, requestID); err != nil {
		log.WarnWithErr(err, "Failed to persist delivery; the change-set will be sent again")
	}
	log.Info("Change-set delivered")

	if len(receipt.MissingHashes) > 0 {
		if err := s.SupplyRequestedFiles(ctx, cs.ResourceID, receipt.MissingHashes); err != nil {
			log.WarnWithErr(err, "Failed to supply content requested with the receipt")
		}
	}
	return nil
}

// buildChangeSetArchive writes changeset.txt, a manifest and, for COVERAGE
// change-sets, the current bytes of every file whose hash still matches.
func (s *Syncer) buildChangeSetArchive(cs *drift.ChangeSet, requestID string) (*os.File, error) {
	aw, err := newArchiveWriter(s.cfg.WorkDir, s.cfg.Compression)
	if err != nil {
		return nil, err
	}

	w, err := aw.create(ChangeSetMember)
	if err == nil {
		err = changeset.Encode(w, cs)
	}
	if err != nil {
		aw.discard()
		return nil, err
	}

	version := cs.Version
	manifest := Manifest{
		RequestID:  requestID,
		ResourceID: cs.ResourceID,
		Definition: cs.DefinitionName,
		Version:    &version,
		Category:   string(cs.Category),
		Algorithm:  string(s.hasher.Algorithm()),
		Content:    []string{},
		CreatedAt:  time.Now().UTC(),
	}

	if cs.Category == drift.CategoryCoverage {
		dir, err := s.resolver.Resolve(cs.ResourceID, cs.BaseDirectory)
		if err != nil {
			aw.discard()
			return nil, err
		}
		for _, e := range cs.Entries {
			if aw.added[ContentPrefix+e.NewHash] {
				continue
			}
			if s.addIfCurrent(aw, filepath.Join(dir, filepath.FromSlash(e.Path)), e.NewHash) {
				manifest.Content = append(manifest.Content, e.NewHash)
			} else {
				manifest.Missing = appendUnique(manifest.Missing, e.NewHash)
			}
		}
	}

	if err := aw.addJSON(ManifestMember, manifest); err != nil {
		aw.discard()
		return nil, err
	}
	return aw.finish()
}

// addIfCurrent archives path under its hash when its content still hashes
// to want
func (s *Syncer) addIfCurrent(aw *archiveWriter, path, want string) bool {
	got, err := s.hasher.File(path)
	if err != nil || got != want {
		return false
	}
	if err := aw.addFile(ContentPrefix+want, path); err != nil {
		s.logger.With("path", path).WarnWithErr(err, "Failed to archive file content")
		return false
	}
	return true
}

// SupplyRequestedFiles answers a collector pull: every requested hash found
// in the current snapshot of one of the resource's definitions, and still
// matching on disk, is zipped and uploaded. Hashes that cannot be supplied
// are listed in the manifest.
func (s *Syncer) SupplyRequestedFiles(ctx context.Context, resourceID string, hashes []string) error {
	return s.supply(ctx, uuid.NewString(), resourceID, hashes)
}

// SupplyRequest is SupplyRequestedFiles with a caller-chosen request id
func (s *Syncer) SupplyRequest(ctx context.Context, requestID, resourceID string, hashes []string) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return s.supply(ctx, requestID, resourceID, hashes)
}

func (s *Syncer) supply(ctx context.Context, requestID, resourceID string, hashes []string) error {
	start := time.Now()
	log := s.logger.WithFields(map[string]interface{}{
		"resource_id": resourceID,
		"request_id":  requestID,
		"requested":   len(hashes),
	})

	wanted := make(map[string]bool, len(hashes))
	var missing []string
	for _, h := range hashes {
		if !s.hasher.IsHash(h) {
			missing = appendUnique(missing, h)
			continue
		}
		wanted[h] = true
	}

	aw, err := newArchiveWriter(s.cfg.WorkDir, s.cfg.Compression)
	if err != nil {
		return errors.SyncError("Failed to create content archive", err)
	}

	found, err := s.locate(ctx, resourceID, wanted)
	if err != nil {
		aw.discard()
		return err
	}

	manifest := Manifest{
		RequestID:  requestID,
		ResourceID: resourceID,
		Algorithm:  string(s.hasher.Algorithm()),
		Content:    []string{},
		CreatedAt:  time.Now().UTC(),
	}
	for _, h := range sortedKeys(wanted) {
		supplied := false
		for _, path := range found[h] {
			if s.addIfCurrent(aw, path, h) {
				supplied = true
				break
			}
		}
		if supplied {
			manifest.Content = append(manifest.Content, h)
		} else {
			missing = appendUnique(missing, h)
		}
	}
	manifest.Missing = missing

	if err := aw.addJSON(ManifestMember, manifest); err != nil {
		aw.discard()
		return errors.SyncError("Failed to write content manifest", err)
	}
	f, err := aw.finish()
	if err != nil {
		return errors.SyncError("Failed to finish content archive", err)
	}
	defer closeAndRemove(f)

	status := "complete"
	if len(missing) > 0 {
		status = "partial"
	}
	_, err = s.collector.UploadContent(ctx, client.ContentUpload{
		RequestID:   requestID,
		ResourceID:  resourceID,
		Algorithm:   string(s.hasher.Algorithm()),
		Compression: string(s.cfg.Compression),
	}, f)
	if err != nil {
		status = "failed"
	}
	metrics.RecordUpload("content", status, time.Since(start))
	s.recordRequest(ctx, requestID, resourceID, len(hashes), len(manifest.Content), missing, status)
	if err != nil {
		return errors.SyncError("Content upload failed", err)
	}

	log.WithFields(map[string]interface{}{
		"supplied": len(manifest.Content),
		"missing":  len(missing),
	}).Info("Requested content supplied")
	return nil
}

// locate maps each wanted hash to candidate files from the resource's
// current snapshots
func (s *Syncer) locate(ctx context.Context, resourceID string, wanted map[string]bool) (map[string][]string, error) {
	found := make(map[string][]string)
	if len(wanted) == 0 {
		return found, nil
	}
	names, err := s.store.Definitions(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		snap, latest, err := s.store.Snapshot(ctx, resourceID, name)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		dir, err := s.resolver.Resolve(resourceID, latest.BaseDirectory)
		if err != nil {
			s.logger.With("definition", name).WarnWithErr(err, "Skipping definition with unresolvable base directory")
			continue
		}
		for _, path := range snap.Paths() {
			if h := snap[path]; wanted[h] {
				found[h] = append(found[h], filepath.Join(dir, filepath.FromSlash(path)))
			}
		}
	}
	return found, nil
}

func (s *Syncer) recordRequest(ctx context.Context, requestID, resourceID string, requested, supplied int, missing []string, status string) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordContentRequest(ctx, db.ContentRequestRow{
		RequestID:  requestID,
		ResourceID: resourceID,
		Requested:  requested,
		Supplied:   supplied,
		Missing:    missing,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("Failed to record content request")
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

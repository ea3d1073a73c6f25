// Package definitions is the file-backed configuration source. It reads
// drift definitions from a YAML file and reports additions, changes and
// removals to a drift.Registry, on load and whenever the file changes.
package definitions

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
)

// File is the on-disk layout of the definitions file
type File struct {
	Resources []Resource `yaml:"resources"`
}

// Resource lists the drift definitions of one monitored resource
type Resource struct {
	ID          string             `yaml:"id"`
	Definitions []drift.Definition `yaml:"definitions"`
}

// Set maps each (resource, definition) key to its definition
type Set map[drift.Key]drift.Definition

// Load reads and parses a definitions file. A missing file is an empty set.
func Load(path string) (Set, error) {
	b, err := os.ReadFile(path)
	if stderrors.Is(err, os.ErrNotExist) {
		return Set{}, nil
	}
	if err != nil {
		return nil, errors.ConfigError("Failed to read definitions file", err.Error())
	}
	return Parse(b)
}

// Parse decodes definitions from YAML. Duplicate keys are rejected.
func Parse(b []byte) (Set, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.ConfigError("Malformed definitions file", err.Error())
	}
	set := Set{}
	for _, r := range f.Resources {
		for _, def := range r.Definitions {
			key := drift.Key{ResourceID: r.ID, DefinitionName: def.Name}
			if _, dup := set[key]; dup {
				return nil, errors.ConfigError("Duplicate drift definition", key.String())
			}
			set[key] = def
		}
	}
	return set, nil
}

// Source keeps a registry in step with a definitions file
type Source struct {
	path     string
	registry drift.Registry
	logger   *logger.Logger
	debounce time.Duration

	mu      sync.Mutex
	applied Set
}

// NewSource creates a source for path reporting to registry
func NewSource(path string, registry drift.Registry, log *logger.Logger) *Source {
	if log == nil {
		log = logger.Nop()
	}
	return &Source{
		path:     path,
		registry: registry,
		logger:   log.WithComponent("definitions").With("path", path),
		debounce: 100 * time.Millisecond,
		applied:  Set{},
	}
}

// Reload reads the file and notifies the registry of every difference with
// the last applied set. A definition the registry rejects keeps its
// previously applied version, so it is offered again on the next reload.
// The returned error joins all rejections.
func (s *Source) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); stderrors.Is(err, os.ErrNotExist) && len(s.applied) > 0 {
		// replaced files vanish briefly; an intentional reset is an empty file
		s.logger.Warn("Definitions file is missing; keeping current definitions")
		return nil
	}
	next, err := Load(s.path)
	if err != nil {
		return err
	}

	var errs []error
	for key, def := range next {
		if prev, ok := s.applied[key]; ok && reflect.DeepEqual(prev, def) {
			continue
		}
		if err := s.registry.OnDefinitionChanged(key.ResourceID, def); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		s.applied[key] = def
	}
	for key := range s.applied {
		if _, ok := next[key]; !ok {
			s.registry.OnDefinitionRemoved(key.ResourceID, key.DefinitionName)
			delete(s.applied, key)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"definitions": len(s.applied),
		"rejected":    len(errs),
	}).Info("Drift definitions loaded")
	return stderrors.Join(errs...)
}

// Applied returns the definitions accepted by the registry
func (s *Source) Applied() Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Set, len(s.applied))
	for k, v := range s.applied {
		out[k] = v.Clone()
	}
	return out
}

// Watch reloads whenever the file changes until ctx is cancelled. The
// parent directory is watched so editors that replace the file are seen.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	s.logger.Info("Watching drift definitions")

	name := filepath.Clean(s.path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Definitions watcher stopped")
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// editors emit bursts of events per save
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := s.Reload(); err != nil {
				s.logger.ErrorWithErr(err, "Failed to apply drift definitions")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Definitions watcher error")
		}
	}
}

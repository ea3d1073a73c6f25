// Package scanner walks a base directory and fingerprints the files that
// pass a definition's include and exclude filters.
package scanner

import (
	"context"
	stderrors "errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
)

// Entry is one scanned file
type Entry struct {
	Path string // relative to the base directory, forward slashes
	Hash string
	Size int64
}

// WarnFunc receives entries skipped because they could not be read
type WarnFunc func(path string, err error)

// Scanner fingerprints directory trees
type Scanner struct {
	hasher *hasher.Hasher
	logger *logger.Logger
	warn   WarnFunc
}

// Option configures a Scanner
type Option func(*Scanner)

// WithLogger sets the logger used for the default warning handler
func WithLogger(l *logger.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithWarn replaces the default warning handler
func WithWarn(fn WarnFunc) Option {
	return func(s *Scanner) { s.warn = fn }
}

// New creates a scanner hashing with h
func New(h *hasher.Hasher, opts ...Option) *Scanner {
	s := &Scanner{hasher: h, logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.warn == nil {
		s.warn = func(path string, err error) {
			metrics.RecordScanWarning()
			s.logger.With("path", path).WarnWithErr(err, "Skipping unreadable entry")
		}
	}
	return s
}

// Hasher returns the content hasher used by the scanner
func (s *Scanner) Hasher() *hasher.Hasher {
	return s.hasher
}

// Scan yields the files under baseDir in lexicographic order of their
// relative path. The sequence is lazy and can be ranged over again to
// re-walk the tree. A missing base directory, a malformed filter or an
// expired ctx end the sequence with a single error.
func (s *Scanner) Scan(ctx context.Context, baseDir string, includes, excludes []drift.Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		m, err := NewMatcher(includes, excludes)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		info, err := os.Stat(baseDir)
		if err != nil {
			yield(Entry{}, errors.ScanError("Base directory is not accessible", err))
			return
		}
		if !info.IsDir() {
			yield(Entry{}, errors.ScanError("Base directory is not a directory", &fs.PathError{Op: "scan", Path: baseDir, Err: fs.ErrInvalid}))
			return
		}
		w := &walker{ctx: ctx, s: s, m: m, yield: yield}
		w.dir(baseDir, "")
	}
}

// Snapshot collects a full scan into a FileHashcodeMap
func (s *Scanner) Snapshot(ctx context.Context, baseDir string, includes, excludes []drift.Filter) (drift.FileHashcodeMap, error) {
	out := drift.FileHashcodeMap{}
	for e, err := range s.Scan(ctx, baseDir, includes, excludes) {
		if err != nil {
			return nil, err
		}
		out[e.Path] = e.Hash
	}
	return out, nil
}

type child struct {
	name  string
	key   string
	isDir bool
}

type walker struct {
	ctx   context.Context
	s     *Scanner
	m     *Matcher
	yield func(Entry, error) bool
}

// dir visits one directory depth-first. It returns false once the walk
// must stop, either because the consumer stopped or ctx expired.
func (w *walker) dir(abs, rel string) bool {
	entries, err := os.ReadDir(abs)
	if err != nil {
		if rel == "" {
			w.yield(Entry{}, errors.ScanError("Failed to read base directory", err))
			return false
		}
		w.s.warn(rel, err)
		return true
	}

	children := make([]child, 0, len(entries))
	for _, d := range entries {
		c, ok := w.classify(abs, rel, d)
		if ok {
			children = append(children, c)
		}
	}
	// Directories sort as "name/" so that the concatenated relative paths
	// come out in plain lexicographic order.
	sort.Slice(children, func(i, j int) bool { return children[i].key < children[j].key })

	for _, c := range children {
		if err := w.ctx.Err(); err != nil {
			w.yield(Entry{}, ctxError(err))
			return false
		}
		childRel := join(rel, c.name)
		childAbs := filepath.Join(abs, c.name)
		if c.isDir {
			if w.m.PruneDir(childRel) {
				continue
			}
			if !w.dir(childAbs, childRel) {
				return false
			}
			continue
		}
		if !w.m.Match(childRel) {
			continue
		}
		if !w.file(childAbs, childRel) {
			return false
		}
	}
	return true
}

// classify decides whether a directory entry is walked, hashed or ignored.
// Symlinked directories are never followed; symlinked files are hashed
// through the link.
func (w *walker) classify(abs, rel string, d fs.DirEntry) (child, bool) {
	name := d.Name()
	switch {
	case d.IsDir():
		return child{name: name, key: name + "/", isDir: true}, true
	case d.Type()&fs.ModeSymlink != 0:
		info, err := os.Stat(filepath.Join(abs, name))
		if err != nil {
			w.s.warn(join(rel, name), err)
			return child{}, false
		}
		if !info.Mode().IsRegular() {
			return child{}, false
		}
		return child{name: name, key: name}, true
	case d.Type().IsRegular():
		return child{name: name, key: name}, true
	default:
		return child{}, false
	}
}

func (w *walker) file(abs, rel string) bool {
	f, err := os.Open(abs)
	if err != nil {
		w.s.warn(rel, err)
		return true
	}
	defer f.Close()
	sum, n, err := w.s.hasher.Reader(f)
	if err != nil {
		w.s.warn(rel, err)
		return true
	}
	return w.yield(Entry{Path: rel, Hash: sum, Size: n}, nil)
}

func join(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}

func ctxError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout("Scan exceeded its time budget", err)
	}
	return errors.ScanError("Scan cancelled", err)
}

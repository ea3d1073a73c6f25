// Package deployer establishes managed directories. It unpacks archives
// and copies files into a destination, fingerprints what it wrote and
// records the result in a marker so later calls for the same destination
// are no-ops.
package deployer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/metrics"
)

const (
	// DirName is the deployments directory under the data directory
	DirName    = "deployments"
	markerName = "deployment.yaml"
)

// SourceKind tells how a source is unpacked
type SourceKind string

const (
	KindAuto  SourceKind = ""
	KindZip   SourceKind = "zip"
	KindTarGz SourceKind = "tar.gz"
	KindFile  SourceKind = "file"
)

// Source is one archive or raw file to deploy
type Source struct {
	Path string     `json:"path" yaml:"path"`
	Kind SourceKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Target is the destination-relative directory for archives, or the
	// destination-relative file path for raw files (default: base name).
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Realize lists globs of destination-relative paths whose @@token@@
	// placeholders are substituted before the file is written.
	Realize []string `json:"realize,omitempty" yaml:"realize,omitempty"`
}

// Deployment describes a destination and what goes into it
type Deployment struct {
	Destination string            `json:"destination" yaml:"destination"`
	Sources     []Source          `json:"sources" yaml:"sources"`
	Tokens      map[string]string `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// Marker is the managed-state record of a deployed destination
type Marker struct {
	Destination string                `yaml:"destination"`
	Algorithm   hasher.Algorithm      `yaml:"algorithm"`
	DeployedAt  time.Time             `yaml:"deployedAt"`
	Sources     []string              `yaml:"sources"`
	Files       drift.FileHashcodeMap `yaml:"files"`
}

// Deployer writes managed directories
type Deployer struct {
	dir    string
	hasher *hasher.Hasher
	logger *logger.Logger
	now    func() time.Time
}

// New creates a deployer keeping its markers under dataDir/deployments
func New(dataDir string, h *hasher.Hasher, log *logger.Logger) *Deployer {
	if log == nil {
		log = logger.Nop()
	}
	return &Deployer{
		dir:    filepath.Join(dataDir, DirName),
		hasher: h,
		logger: log.WithComponent("deployer"),
		now:    time.Now,
	}
}

var pathKeyHasher = hasher.MustNew(hasher.SHA256)

// PathKey names the marker directory of a destination: the first twelve hex
// digits of the SHA-256 of its absolute path
func PathKey(destination string) (string, error) {
	abs, err := filepath.Abs(destination)
	if err != nil {
		return "", err
	}
	return pathKeyHasher.Bytes([]byte(abs))[:12], nil
}

func (d *Deployer) markerPath(destination string) (string, error) {
	key, err := PathKey(destination)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.dir, key, markerName), nil
}

// Deploy populates dep.Destination and returns the fingerprints of every
// file written. A destination that is already managed is left untouched
// and its recorded map is returned.
func (d *Deployer) Deploy(ctx context.Context, dep Deployment) (drift.FileHashcodeMap, error) {
	if dep.Destination == "" {
		return nil, errors.BadRequest("Deployment needs a destination")
	}
	log := d.logger.With("destination", dep.Destination)

	if m, err := d.Marker(dep.Destination); err == nil {
		metrics.RecordDeployment("skipped")
		log.Info("Destination already managed; skipping deployment")
		return m.Files.Clone(), nil
	} else if !errors.IsNotFound(err) {
		metrics.RecordDeployment("error")
		return nil, err
	}

	files, err := d.deploy(ctx, dep)
	if err != nil {
		metrics.RecordDeployment("error")
		return nil, err
	}

	sources := make([]string, 0, len(dep.Sources))
	for _, s := range dep.Sources {
		sources = append(sources, s.Path)
	}
	abs, _ := filepath.Abs(dep.Destination)
	marker := Marker{
		Destination: abs,
		Algorithm:   d.hasher.Algorithm(),
		DeployedAt:  d.now().UTC(),
		Sources:     sources,
		Files:       files,
	}
	if err := d.writeMarker(dep.Destination, &marker); err != nil {
		metrics.RecordDeployment("error")
		return nil, errors.StoreError("Failed to write deployment marker", err)
	}

	metrics.RecordDeployment("deployed")
	log.With("files", len(files)).Info("Deployment completed")
	return files.Clone(), nil
}

// Baseline returns the recorded map of a managed destination
func (d *Deployer) Baseline(destination string) (drift.FileHashcodeMap, error) {
	m, err := d.Marker(destination)
	if err != nil {
		return nil, err
	}
	return m.Files.Clone(), nil
}

// Managed reports whether destination has a deployment marker
func (d *Deployer) Managed(destination string) bool {
	_, err := d.Marker(destination)
	return err == nil
}

// Marker reads the marker of destination
func (d *Deployer) Marker(destination string) (*Marker, error) {
	p, err := d.markerPath(destination)
	if err != nil {
		return nil, errors.StoreError("Failed to resolve destination", err)
	}
	b, err := os.ReadFile(p)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NotFound("Deployment")
	}
	if err != nil {
		return nil, errors.StoreError("Failed to read deployment marker", err)
	}
	var m Marker
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, errors.StoreError("Malformed deployment marker", err)
	}
	if m.Files == nil {
		m.Files = drift.FileHashcodeMap{}
	}
	return &m, nil
}

func (d *Deployer) writeMarker(destination string, m *Marker) error {
	p, err := d.markerPath(destination)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// deploy unpacks every source into a staging directory next to the
// destination and moves the result into place only once all sources
// succeeded. A failed deployment leaves the destination as it was.
func (d *Deployer) deploy(ctx context.Context, dep Deployment) (drift.FileHashcodeMap, error) {
	dest := filepath.Clean(dep.Destination)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.StoreError("Failed to create destination parent", err)
	}
	stage, err := os.MkdirTemp(filepath.Dir(dest), ".deploy-*")
	if err != nil {
		return nil, errors.StoreError("Failed to create staging directory", err)
	}
	defer os.RemoveAll(stage)

	w := &writer{
		dest:   stage,
		hasher: d.hasher,
		tokens: dep.Tokens,
		files:  drift.FileHashcodeMap{},
		logger: d.logger,
	}
	for _, src := range dep.Sources {
		if err := ctx.Err(); err != nil {
			return nil, errors.Timeout("Deployment cancelled", err)
		}
		w.realize = src.Realize
		switch kindOf(src) {
		case KindZip:
			err = w.zip(ctx, src)
		case KindTarGz:
			err = w.tarGz(ctx, src)
		case KindFile:
			err = w.raw(src)
		default:
			err = errors.BadRequest(fmt.Sprintf("Unsupported source kind %q", src.Kind))
		}
		if err != nil {
			var appErr *errors.AppError
			if stderrors.As(err, &appErr) {
				return nil, err
			}
			return nil, errors.StoreError(fmt.Sprintf("Failed to deploy %s", src.Path), err)
		}
	}

	if err := os.Chmod(stage, 0o755); err != nil {
		return nil, errors.StoreError("Failed to prepare staged deployment", err)
	}
	if err := promote(stage, dest); err != nil {
		return nil, errors.StoreError("Failed to move deployment into place", err)
	}
	return w.files, nil
}

// promote moves a staged tree to dest. An absent dest is replaced in a
// single rename; an existing one receives the staged files one by one.
func promote(stage, dest string) error {
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return os.Rename(stage, dest)
	} else if err != nil {
		return err
	}
	return filepath.WalkDir(stage, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stage, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if e.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return os.Rename(p, target)
	})
}

func kindOf(src Source) SourceKind {
	if src.Kind != KindAuto {
		return src.Kind
	}
	name := strings.ToLower(src.Path)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return KindZip
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return KindTarGz
	default:
		return KindFile
	}
}

// writer places files under dest and fingerprints them
type writer struct {
	dest    string
	hasher  *hasher.Hasher
	tokens  map[string]string
	realize []string
	files   drift.FileHashcodeMap
	logger  *logger.Logger
}

func (w *writer) zip(ctx context.Context, src Source) error {
	r, err := zip.OpenReader(src.Path)
	if err != nil {
		return err
	}
	defer r.Close()
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return errors.Timeout("Deployment cancelled", err)
		}
		mode := f.Mode()
		if mode.IsDir() {
			continue
		}
		if !mode.IsRegular() {
			w.logger.With("member", f.Name).Warn("Skipping non-regular archive member")
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = w.put(path.Join(src.Target, f.Name), rc, mode.Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) tarGz(ctx context.Context, src Source) error {
	f, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Timeout("Deployment cancelled", err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			if err := w.put(path.Join(src.Target, hdr.Name), tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeDir:
		default:
			w.logger.With("member", hdr.Name).Warn("Skipping non-regular archive member")
		}
	}
}

func (w *writer) raw(src Source) error {
	f, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	target := src.Target
	if target == "" {
		target = filepath.Base(src.Path)
	}
	return w.put(target, f, info.Mode().Perm())
}

// put writes one file under dest, substituting tokens when rel is marked
// for realization, and records its hash
func (w *writer) put(rel string, r io.Reader, perm fs.FileMode) error {
	rel, err := cleanRel(rel)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	abs := filepath.Join(w.dest, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	if w.shouldRealize(rel) {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		r = bytes.NewReader(Realize(b, w.tokens))
	}

	out, err := os.OpenFile(abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	sum, _, err := w.hasher.Reader(io.TeeReader(r, out))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	w.files[rel] = sum
	return nil
}

func (w *writer) shouldRealize(rel string) bool {
	for _, pattern := range w.realize {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// cleanRel normalizes an archive member or target path and rejects paths
// leaving the destination
func cleanRel(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	clean := path.Clean("/" + rel)[1:]
	if clean == "" || clean != strings.TrimPrefix(path.Clean(rel), "./") {
		return "", errors.BadRequest(fmt.Sprintf("Path %q escapes the destination", rel))
	}
	return clean, nil
}

var tokenPattern = regexp.MustCompile(`@@([A-Za-z0-9_.\-]+)@@`)

// Realize replaces @@name@@ placeholders with their token values. Unknown
// tokens are left in place.
func Realize(content []byte, tokens map[string]string) []byte {
	if len(tokens) == 0 {
		return content
	}
	return tokenPattern.ReplaceAllFunc(content, func(m []byte) []byte {
		if v, ok := tokens[string(m[2:len(m)-2])]; ok {
			return []byte(v)
		}
		return m
	})
}

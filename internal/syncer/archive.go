package syncer

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Compression names the zip method used for archive members
type Compression string

const (
	CompressionDeflate Compression = "deflate"
	CompressionZstd    Compression = "zstd"
)

// ParseCompression validates a configured compression name
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionDeflate:
		return CompressionDeflate, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", s)
	}
}

// Archive member names
const (
	ChangeSetMember = "changeset.txt"
	ManifestMember  = "manifest.json"
	ContentPrefix   = "content/"
)

// Manifest describes an archive's content section
type Manifest struct {
	RequestID  string    `json:"request_id"`
	ResourceID string    `json:"resource_id"`
	Definition string    `json:"definition,omitempty"`
	Version    *int      `json:"version,omitempty"`
	Category   string    `json:"category,omitempty"`
	Algorithm  string    `json:"algorithm"`
	Content    []string  `json:"content"`
	Missing    []string  `json:"missing,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// archiveWriter builds a zip archive in a temporary file
type archiveWriter struct {
	f      *os.File
	zw     *zip.Writer
	method uint16
	added  map[string]bool
}

func newArchiveWriter(dir string, c Compression) (*archiveWriter, error) {
	f, err := os.CreateTemp(dir, "upload-*.zip")
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(f)
	method := zip.Deflate
	if c == CompressionZstd {
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
		method = zstd.ZipMethodWinZip
	}
	return &archiveWriter{f: f, zw: zw, method: method, added: make(map[string]bool)}, nil
}

func (a *archiveWriter) create(name string) (io.Writer, error) {
	return a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   a.method,
		Modified: time.Now().UTC(),
	})
}

// addFile copies path into the archive under name, once per name
func (a *archiveWriter) addFile(name, path string) error {
	if a.added[name] {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := a.create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return err
	}
	a.added[name] = true
	return nil
}

func (a *archiveWriter) addJSON(name string, v interface{}) error {
	w, err := a.create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish closes the zip and rewinds the file for reading
func (a *archiveWriter) finish() (*os.File, error) {
	if err := a.zw.Close(); err != nil {
		a.discard()
		return nil, err
	}
	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		a.discard()
		return nil, err
	}
	return a.f, nil
}

func (a *archiveWriter) discard() {
	_ = a.f.Close()
	_ = os.Remove(a.f.Name())
}

// ReadArchive opens an in-memory archive produced by the syncer, with zstd
// members readable
func ReadArchive(b []byte) (*zip.Reader, error) {
	r, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, err
	}
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return r, nil
}

// closeAndRemove releases a finished archive
func closeAndRemove(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// Package hasher computes content fingerprints for files and streams.
//
// The algorithm is a configuration choice. SHA-256 is the default; MD5 is
// kept for collectors that still key content by MD5; BLAKE3 is the fast
// option for large trees.
package hasher

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported hash function
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
	BLAKE3 Algorithm = "blake3"
)

// Default is used when no algorithm is configured
const Default = SHA256

// Hasher fingerprints content. Hashes are lowercase hex.
type Hasher struct {
	alg     Algorithm
	newHash func() hash.Hash
}

// New returns a Hasher for the named algorithm
func New(alg Algorithm) (*Hasher, error) {
	if alg == "" {
		alg = Default
	}
	alg = Algorithm(strings.ToLower(string(alg)))
	var fn func() hash.Hash
	switch alg {
	case SHA256:
		fn = sha256.New
	case MD5:
		fn = md5.New
	case BLAKE3:
		fn = func() hash.Hash { return blake3.New() }
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	return &Hasher{alg: alg, newHash: fn}, nil
}

// MustNew is New for static algorithm names
func MustNew(alg Algorithm) *Hasher {
	h, err := New(alg)
	if err != nil {
		panic(err)
	}
	return h
}

// Algorithm returns the configured algorithm
func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

// HexLen is the length of a hash string produced by h
func (h *Hasher) HexLen() int {
	return h.newHash().Size() * 2
}

// Reader hashes everything read from r
func (h *Hasher) Reader(r io.Reader) (string, int64, error) {
	d := h.newHash()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}

// Bytes hashes an in-memory buffer
func (h *Hasher) Bytes(b []byte) string {
	d := h.newHash()
	d.Write(b)
	return hex.EncodeToString(d.Sum(nil))
}

// File hashes the file at path
func (h *Hasher) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, _, err := h.Reader(f)
	return sum, err
}

// IsHash reports whether s looks like a hash produced by h
func (h *Hasher) IsHash(s string) bool {
	if len(s) != h.HexLen() {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

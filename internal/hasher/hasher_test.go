package hasher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_Deterministic(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, MD5, BLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			h := MustNew(alg)

			a := h.Bytes([]byte("server.port=8080\n"))
			b := h.Bytes([]byte("server.port=8080\n"))
			c := h.Bytes([]byte("server.port=8081\n"))

			assert.Equal(t, a, b)
			assert.NotEqual(t, a, c)
			assert.True(t, h.IsHash(a))
			assert.Len(t, a, h.HexLen())
		})
	}
}

func TestHasher_FileMatchesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.conf")
	content := []byte(strings.Repeat("line\n", 1000))
	require.NoError(t, os.WriteFile(path, content, 0o644))

	h := MustNew(SHA256)
	sum, err := h.File(path)
	require.NoError(t, err)
	assert.Equal(t, h.Bytes(content), sum)

	sum2, n, err := h.Reader(strings.NewReader(string(content)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, sum, sum2)
}

func TestHasher_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		MustNew(SHA256).Bytes(nil))
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", MustNew(MD5).Bytes(nil))
}

func TestNew_Unsupported(t *testing.T) {
	_, err := New("crc32")
	assert.Error(t, err)

	h, err := New("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, h.Algorithm())

	h, err = New("BLAKE3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, h.Algorithm())
	assert.False(t, h.IsHash("XYZ"))
}

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func collect(t *testing.T, s *Scanner, root string, includes, excludes []drift.Filter) []string {
	t.Helper()
	var paths []string
	for e, err := range s.Scan(context.Background(), root, includes, excludes) {
		require.NoError(t, err)
		paths = append(paths, e.Path)
	}
	return paths
}

func TestScan_LexicographicOrder(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":       "1",
		"a/b.txt":     "2",
		"a-z/c.txt":   "3",
		"b":           "4",
		"a/z/deep.md": "5",
		"A.txt":       "6",
	})

	s := New(hasher.MustNew(hasher.SHA256))
	got := collect(t, s, root, nil, nil)

	assert.Equal(t, []string{"A.txt", "a-z/c.txt", "a.txt", "a/b.txt", "a/z/deep.md", "b"}, got)
}

func TestScan_HashesContent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"one": "same", "two": "same", "three": "other"})

	h := hasher.MustNew(hasher.SHA256)
	snap, err := New(h).Snapshot(context.Background(), root, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, h.Bytes([]byte("same")), snap["one"])
	assert.Equal(t, snap["one"], snap["two"])
	assert.NotEqual(t, snap["one"], snap["three"])
}

func TestScan_Filters(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"conf/server.xml":      "x",
		"conf/logging.props":   "x",
		"conf/sub/extra.xml":   "x",
		"lib/app.jar":          "x",
		"logs/server.log":      "x",
		"conf/secret.xml":      "x",
		"deploy/app/WEB.xml":   "x",
		"deploy/app/index.jsp": "x",
	})
	s := New(hasher.MustNew(hasher.MD5))

	tests := []struct {
		name     string
		includes []drift.Filter
		excludes []drift.Filter
		want     []string
	}{
		{
			name:     "include by path",
			includes: []drift.Filter{{Path: "conf"}},
			want:     []string{"conf/logging.props", "conf/secret.xml", "conf/server.xml", "conf/sub/extra.xml"},
		},
		{
			name:     "include by path and file pattern",
			includes: []drift.Filter{{Path: "conf", Pattern: "*.xml"}},
			want:     []string{"conf/secret.xml", "conf/server.xml", "conf/sub/extra.xml"},
		},
		{
			name:     "pattern relative to path",
			includes: []drift.Filter{{Path: "conf", Pattern: "*.xml"}, {Path: "deploy/*", Pattern: "*.jsp"}},
			excludes: []drift.Filter{{Path: "conf/sub"}},
			want:     []string{"conf/secret.xml", "conf/server.xml", "deploy/app/index.jsp"},
		},
		{
			name:     "exclude wins over include",
			includes: []drift.Filter{{Path: "conf", Pattern: "*.xml"}},
			excludes: []drift.Filter{{Pattern: "secret.*"}},
			want:     []string{"conf/server.xml", "conf/sub/extra.xml"},
		},
		{
			name:     "excludes only",
			excludes: []drift.Filter{{Path: "logs"}, {Path: "deploy"}, {Pattern: "**/*.xml"}},
			want:     []string{"conf/logging.props", "lib/app.jar"},
		},
		{
			name:     "doublestar path",
			includes: []drift.Filter{{Path: "**/app"}},
			want:     []string{"deploy/app/WEB.xml", "deploy/app/index.jsp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, s, root, tt.includes, tt.excludes))
		})
	}
}

func TestScan_SymlinkedDirectoryNotFollowed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{"real/file.txt": "x", "target.txt": "t"})
	require.NoError(t, os.Symlink(root, filepath.Join(root, "real", "loop")))
	require.NoError(t, os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "link.txt")))

	got := collect(t, New(hasher.MustNew(hasher.SHA256)), root, nil, nil)
	assert.Equal(t, []string{"link.txt", "real/file.txt", "target.txt"}, got)
}

func TestScan_UnreadableFileIsWarning(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{"ok.txt": "x", "locked.txt": "y"})
	require.NoError(t, os.Chmod(filepath.Join(root, "locked.txt"), 0))

	var warned []string
	s := New(hasher.MustNew(hasher.SHA256), WithWarn(func(path string, err error) {
		warned = append(warned, path)
	}))

	assert.Equal(t, []string{"ok.txt"}, collect(t, s, root, nil, nil))
	assert.Equal(t, []string{"locked.txt"}, warned)
}

func TestScan_MissingBaseDirectory(t *testing.T) {
	s := New(hasher.MustNew(hasher.SHA256))
	var errs []error
	for _, err := range s.Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, nil) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Equal(t, errors.ErrCodeScan, errors.Code(errs[0]))
}

func TestScan_InvalidFilter(t *testing.T) {
	s := New(hasher.MustNew(hasher.SHA256))
	_, err := s.Snapshot(context.Background(), t.TempDir(), []drift.Filter{{Pattern: "[a-"}}, nil)
	assert.True(t, errors.IsConfig(err))
}

func TestScan_Timeout(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "1", "b": "2"})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := New(hasher.MustNew(hasher.SHA256)).Snapshot(ctx, root, nil, nil)
	assert.Equal(t, errors.ErrCodeTimeout, errors.Code(err))
}

func TestScan_RestartableAndEarlyStop(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "1", "b": "2", "c": "3"})
	seq := New(hasher.MustNew(hasher.SHA256)).Scan(context.Background(), root, nil, nil)

	var first []string
	for e, err := range seq {
		require.NoError(t, err)
		first = append(first, e.Path)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, first)

	count := 0
	for range seq {
		count++
	}
	assert.Equal(t, 3, count)
}

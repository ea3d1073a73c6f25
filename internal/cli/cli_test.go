package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/driftwatch/internal/api/dto"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })

	outputFormat = "table"
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return buf.String(), err
}

type env struct {
	data string
	base string
	defs string
}

func setupEnv(t *testing.T) env {
	t.Helper()
	e := env{data: t.TempDir(), base: t.TempDir(), defs: filepath.Join(t.TempDir(), "definitions.yaml")}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATA_DIR", e.data)
	t.Setenv("DEFINITIONS_FILE", e.defs)
	t.Setenv("COLLECTOR_URL", "")
	t.Setenv("LOG_OUTPUT", "stderr")

	testutil.WriteTree(t, e.base, map[string]string{"a.conf": "a=1", "b.conf": "b=2", "x.bak": "old"})

	defs := `
resources:
  - id: host-1
    definitions:
      - name: app
        enabled: true
        baseDirectory:
          context: fileSystem
          path: ` + e.base + `
        interval: 1m
        excludes:
          - pattern: "*.bak"
`
	require.NoError(t, os.WriteFile(e.defs, []byte(defs), 0o644))
	return e
}

func TestParseFilters(t *testing.T) {
	got := parseFilters([]string{"conf:*.yaml", "*.bak", "logs:"})
	assert.Equal(t, []drift.Filter{
		{Path: "conf", Pattern: "*.yaml"},
		{Pattern: "*.bak"},
		{Path: "logs"},
	}, got)
	assert.Nil(t, parseFilters(nil))
}

func TestScan(t *testing.T) {
	e := setupEnv(t)

	out, err := run(t, "scan", e.base, "--exclude", "*.bak")
	require.NoError(t, err)
	assert.Contains(t, out, "a.conf")
	assert.Contains(t, out, "b.conf")
	assert.NotContains(t, out, "x.bak")
}

func TestDetect_ThenInspect(t *testing.T) {
	e := setupEnv(t)

	out, err := run(t, "detect")
	require.NoError(t, err)
	assert.Contains(t, out, "coverage")

	require.NoError(t, os.WriteFile(filepath.Join(e.base, "a.conf"), []byte("a=2"), 0o644))
	out, err = run(t, "detect", "host-1", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "drift")

	out, err = run(t, "-o", "json", "changesets", "list", "host-1", "app")
	require.NoError(t, err)
	var versions []dto.ChangeSetSummaryDTO
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, drift.CategoryCoverage, versions[0].Category)
	assert.Equal(t, 2, versions[0].Entries)
	assert.Equal(t, drift.CategoryDrift, versions[1].Category)
	assert.Equal(t, 1, versions[1].Entries)

	out, err = run(t, "changesets", "show", "host-1", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "MODIFY")
	assert.Contains(t, out, "a.conf")

	out, err = run(t, "changesets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "host-1")

	out, err = run(t, "changesets", "snapshot", "host-1", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "b.conf")

	_, err = run(t, "changesets", "show", "host-1", "app", "9")
	assert.Error(t, err)
}

func TestDetect_NoMatchingDefinition(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "detect", "host-2")
	assert.ErrorContains(t, err, "no enabled drift definitions")
}

func TestConfigValidate(t *testing.T) {
	e := setupEnv(t)

	out, err := run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := `
resources:
  - id: host-1
    definitions:
      - name: app
        enabled: true
        baseDirectory: {context: fileSystem, path: /srv}
`
	require.NoError(t, os.WriteFile(e.defs, []byte(bad), 0o644))
	out, err = run(t, "config", "validate")
	assert.Error(t, err)
	assert.Contains(t, out, "invalid")
}

func TestConfigShow_RedactsKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("COLLECTOR_API_KEY", "secret-key")

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-key")
	assert.Contains(t, out, "********")
}

func TestDeploy_ApplyAndStatus(t *testing.T) {
	setupEnv(t)
	src := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(src)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("conf/app.properties")
	require.NoError(t, err)
	_, err = w.Write([]byte("port=@@PORT@@\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(t.TempDir(), "app")
	out, err := run(t, "deploy", "apply", "--dest", dest, "--source", src, "--token", "PORT=8080", "--realize", "**/*.properties")
	require.NoError(t, err)
	assert.Contains(t, out, "conf/app.properties")

	b, err := os.ReadFile(filepath.Join(dest, "conf", "app.properties"))
	require.NoError(t, err)
	assert.Equal(t, "port=8080\n", string(b))

	out, err = run(t, "deploy", "status", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "conf/app.properties")
}

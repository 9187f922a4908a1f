package fetch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for name, content := range files {
		entry, err := zw.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, data []byte, name string) *os.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0660))

	handle, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	return handle
}

func hiddenBar(length int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestStripDest(t *testing.T) {
	dest := filepath.Join("tools", "demo")

	assert.Equal(t, filepath.Join(dest, "bin", "demo"),
		stripDest(dest, "demo-1.0/bin/demo", 1))
	assert.Equal(t, filepath.Join(dest, "demo-1.0", "bin", "demo"),
		stripDest(dest, "demo-1.0/bin/demo", 0))
	assert.Equal(t, "", stripDest(dest, "demo-1.0", 1))
	assert.Equal(t, "", stripDest(dest, "demo-1.0/bin/demo", 3))
}

func TestExtractorForUnknownFormat(t *testing.T) {
	_, err := extractorFor("https://example.org/tool.rar")
	require.Error(t, err)
}

func TestExtractTarGz(t *testing.T) {
	data := buildTarGz(t, map[string]string{
		"demo-1.0/bin/demo":  "#!/bin/sh\n",
		"demo-1.0/README.md": "docs",
	})
	archive := writeArchive(t, data, "demo.tar.gz")

	unpack, err := extractorFor("https://example.org/demo.tar.gz")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, unpack(archive, hiddenBar(int64(len(data))), dest, ToolSpec{Strip: 1}))

	assert.FileExists(t, filepath.Join(dest, "bin", "demo"))
	assert.FileExists(t, filepath.Join(dest, "README.md"))

	content, err := os.ReadFile(filepath.Join(dest, "bin", "demo"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(content))
}

func TestExtractZip(t *testing.T) {
	data := buildZip(t, map[string]string{
		"bin/demo.exe": "binary",
		"LICENSE":      "MIT",
	})
	archive := writeArchive(t, data, "demo.zip")

	unpack, err := extractorFor("https://example.org/demo.zip")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, unpack(archive, hiddenBar(int64(len(data))), dest, ToolSpec{}))

	assert.FileExists(t, filepath.Join(dest, "bin", "demo.exe"))
	assert.FileExists(t, filepath.Join(dest, "LICENSE"))
}

func TestRunFetchesAndStamps(t *testing.T) {
	data := buildTarGz(t, map[string]string{
		"demo-1.0/bin/demo":  "#!/bin/sh\n",
		"demo-1.0/README.md": "docs",
	})

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(data)
	}))
	defer server.Close()

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "TOOLS.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`
vars:
  MIRROR: "%s"

tools:
  demo:
    url: "{MIRROR}/demo.tar.gz"
    dest: tools/demo
    sha256: %s
    strip: 1
    markExec:
      - bin/demo
  never:
    if: does-not-exist
    url: "{MIRROR}/demo.tar.gz"
    dest: tools/never
    sha256: %s
`, server.URL, digestOf(data), digestOf(data))), 0660))

	require.NoError(t, Run(context.Background(), manifestPath, Options{}))

	binPath := filepath.Join(dir, "tools", "demo", "bin", "demo")
	require.FileExists(t, binPath)
	assert.NoDirExists(t, filepath.Join(dir, "tools", "never"))
	assert.Equal(t, 1, requests)

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(binPath)
		require.NoError(t, err)
		assert.NotZero(t, fi.Mode()&0100)
	}

	assert.FileExists(t, filepath.Join(dir, "TOOLS.stamps"))

	// a second run is satisfied by the stamp file
	require.NoError(t, Run(context.Background(), manifestPath, Options{}))
	assert.Equal(t, 1, requests)
}

func TestRunChecksumMismatch(t *testing.T) {
	data := buildTarGz(t, map[string]string{"demo-1.0/bin/demo": "bin"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "TOOLS.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`
tools:
  demo:
    url: "%s/demo.tar.gz"
    dest: tools/demo
    sha256: "0000000000000000000000000000000000000000000000000000000000000000"
`, server.URL)), 0660))

	err := Run(context.Background(), manifestPath, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.NoDirExists(t, filepath.Join(dir, "tools", "demo"))
}

func TestRunUpdateRecordsChecksums(t *testing.T) {
	data := buildTarGz(t, map[string]string{"demo-1.0/bin/demo": "bin"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "TOOLS.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`
tools:
  demo:
    url: "%s/demo.tar.gz"
    dest: tools/demo
    strip: 1
`, server.URL)), 0660))

	require.NoError(t, Run(context.Background(), manifestPath, Options{Update: true}))

	manifest, _, _, err := LoadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, digestOf(data), manifest.Tools["demo"].Sha256)
}

func TestRunMissingChecksumFails(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "TOOLS.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
tools:
  demo:
    url: "https://localhost:1/demo.tar.gz"
    dest: tools/demo
`), 0660))

	err := Run(context.Background(), manifestPath, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't have a checksum")
}

package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256 of the ASCII bytes "hello world"
const (
	helloHex    = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	helloBase64 = "uU0nuZNNPgilLlLX2n2r+sSE7+N6U4DukIj3rOLvzek="
)

func writeArtifact(t *testing.T) string {
	t.Helper()

	file := filepath.Join(t.TempDir(), "dist.tar.gz")
	require.NoError(t, os.WriteFile(file, []byte("hello world"), 0660))
	return file
}

func TestFile(t *testing.T) {
	file := writeArtifact(t)

	digest, err := File(file, Hex)
	require.NoError(t, err)
	assert.Equal(t, helloHex, digest)

	digest, err = File(file, Base64)
	require.NoError(t, err)
	assert.Equal(t, helloBase64, digest)
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "nope"), Hex)
	require.Error(t, err)
}

func TestWriteSidecar(t *testing.T) {
	file := writeArtifact(t)

	digest, err := WriteSidecar(file, Hex)
	require.NoError(t, err)
	assert.Equal(t, helloHex, digest)

	content, err := os.ReadFile(file + ".sha256")
	require.NoError(t, err)
	assert.Equal(t, helloHex+"\n", string(content))
}

func TestVerify(t *testing.T) {
	file := writeArtifact(t)

	require.NoError(t, Verify(file, helloHex, Hex))

	err := Verify(file, "0000", Hex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

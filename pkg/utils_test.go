package pkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFileUpwards(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "plugins", "sample")
	require.NoError(t, os.MkdirAll(nested, 0770))

	marker := filepath.Join(root, "tasks.star")
	require.NoError(t, os.WriteFile(marker, []byte(""), 0660))

	found, err := FindFileUpwards(nested, "tasks.star")
	require.NoError(t, err)
	assert.Equal(t, marker, found)

	found, err = FindFileUpwards(root, "tasks.star")
	require.NoError(t, err)
	assert.Equal(t, marker, found)
}

func TestFindFileUpwardsMissing(t *testing.T) {
	_, err := FindFileUpwards(t.TempDir(), "does-not-exist.star")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist.star")
}

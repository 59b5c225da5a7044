package registrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrestage_SameNameFromDifferentDropboxes(t *testing.T) {
	root := t.TempDir()
	prestagingRoot := filepath.Join(root, "prestaging")

	microscopy := filepath.Join(root, "incoming-microscopy", "run-001")
	sequencing := filepath.Join(root, "incoming-sequencing", "run-001")
	for path, content := range map[string]string{microscopy: "pixels", sequencing: "ACGT"} {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	first, err := prestage(microscopy, prestagingRoot)
	require.NoError(t, err)
	second, err := prestage(sequencing, prestagingRoot)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "run-001", filepath.Base(first))
	assert.Equal(t, "run-001", filepath.Base(second))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))
	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "ACGT", string(data))

	removePrestagingCopy(second)
	assert.NoDirExists(t, filepath.Dir(second))
	assert.FileExists(t, first)
}

func TestPrestage_ReplacesStaleCopy(t *testing.T) {
	root := t.TempDir()
	prestagingRoot := filepath.Join(root, "prestaging")
	original := filepath.Join(root, "incoming", "run-002")
	require.NoError(t, os.MkdirAll(original, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(original, "a.txt"), []byte("a"), 0644))

	stale, err := prestage(original, prestagingRoot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(stale, "leftover.txt"), []byte("x"), 0644))

	fresh, err := prestage(original, prestagingRoot)
	require.NoError(t, err)
	assert.Equal(t, stale, fresh)
	assert.FileExists(t, filepath.Join(fresh, "a.txt"))
	assert.NoFileExists(t, filepath.Join(fresh, "leftover.txt"))
}

func TestPrestage_VanishedOriginal(t *testing.T) {
	root := t.TempDir()
	prestagingRoot := filepath.Join(root, "prestaging")
	original := filepath.Join(root, "incoming", "gone")

	_, err := prestage(original, prestagingRoot)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoDirExists(t, prestagingDir(original, prestagingRoot))
}

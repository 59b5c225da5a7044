package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeTree(t *testing.T, root string) string {
	t.Helper()
	src := filepath.Join(root, "run-001")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lane-1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lane-1", "reads.fastq"), []byte("ACGT"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(src, "summary.txt"), []byte("ok"), 0644))
	require.NoError(t, os.Symlink("summary.txt", filepath.Join(src, "latest")))
	return src
}

func TestCopyTree_LinkOrCopy(t *testing.T) {
	root := t.TempDir()
	src := writeTree(t, root)
	dst := filepath.Join(root, "copy")

	require.NoError(t, CopyTree(src, dst, LinkOrCopy))

	data, err := os.ReadFile(filepath.Join(dst, "lane-1", "reads.fastq"))
	require.NoError(t, err)
	assert.Equal(t, "ACGT", string(data))

	link, err := os.Readlink(filepath.Join(dst, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "summary.txt", link)

	// Same filesystem, so the file is a hardlink of the source.
	srcInfo, err := os.Stat(filepath.Join(src, "summary.txt"))
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(dst, "summary.txt"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo))
}

func TestCopyTree_CopyFileIsIndependent(t *testing.T) {
	root := t.TempDir()
	src := writeTree(t, root)
	dst := filepath.Join(root, "copy")

	require.NoError(t, CopyTree(src, dst, CopyFile))

	info, err := os.Stat(filepath.Join(dst, "lane-1", "reads.fastq"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0640), info.Mode().Perm())

	require.NoError(t, os.WriteFile(filepath.Join(src, "summary.txt"), []byte("changed"), 0644))
	data, err := os.ReadFile(filepath.Join(dst, "summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestCopyTree_SingleFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "image.tif")
	require.NoError(t, os.WriteFile(src, []byte("pixels"), 0644))
	dst := filepath.Join(root, "out", "image.tif")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	require.NoError(t, CopyTree(src, dst, LinkOrCopy))
	assert.FileExists(t, dst)
}

func TestCopyTree_MissingSource(t *testing.T) {
	root := t.TempDir()
	err := CopyTree(filepath.Join(root, "gone"), filepath.Join(root, "copy"), LinkOrCopy)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)
}

func TestLinkOrCopy_ExistingDestination(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a")
	dst := filepath.Join(root, "b")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("b"), 0644))

	err := LinkOrCopy(src, dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrExist), "got %v", err)
}

func TestLinkUnsupported(t *testing.T) {
	assert.True(t, linkUnsupported(unix.EXDEV))
	assert.True(t, linkUnsupported(unix.EMLINK))
	assert.False(t, linkUnsupported(unix.EEXIST))
	assert.False(t, linkUnsupported(unix.ENOENT))
}

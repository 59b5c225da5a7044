package registrator

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/marmos91/dropboxd/internal/fsutil"
	"github.com/marmos91/dropboxd/internal/logger"
	"golang.org/x/sys/unix"
)

// checkAccess walks root and fails on the first entry the process cannot
// both read and write.
func checkAccess(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
			return &fs.PathError{Op: "access", Path: path, Err: err}
		}
		return nil
	})
}

// prestage makes a disposable copy of original below prestagingRoot, with
// hardlinks where the filesystem allows it and a full copy otherwise. The copy
// keeps the name of original and lives in a directory named after the hash
// of the full path, so same-named files of different dropboxes never share a
// copy. A stale copy of the same path left by a previous run is replaced.
func prestage(original, prestagingRoot string) (string, error) {
	dir := prestagingDir(original, prestagingRoot)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to remove stale prestaging copy %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create prestaging directory: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(original))
	if err := fsutil.CopyTree(original, dst, fsutil.LinkOrCopy); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dst, nil
}

func prestagingDir(original, prestagingRoot string) string {
	sum := sha1.Sum([]byte(filepath.Clean(original)))
	return filepath.Join(prestagingRoot, hex.EncodeToString(sum[:4]))
}

// removePrestagingCopy removes a copy made by prestage together with its
// directory.
func removePrestagingCopy(path string) {
	if path == "" {
		return
	}
	removeIfExists(filepath.Dir(path))
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		logger.Warn("Failed to remove %s: %v", path, err)
	}
}

// Package fsutil holds the file tree helpers shared by prestaging and the
// filesystem storage processor.
package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// PlaceFunc transfers one regular file from src to dst. dst must not exist.
type PlaceFunc func(src, dst string) error

// CopyTree recreates src at dst. Directories are created first with the mode
// of their source, symlinks are recreated as links, and regular files are
// handed to place. src may be a single file.
//
// Parameters:
//   - src: File or directory to reproduce
//   - dst: Path of the copy, which must not exist yet
//   - place: Transfers each regular file (LinkOrCopy, CopyFile, ...)
//
// Returns:
//   - error: The first failure; fs.ErrNotExist when src vanished
func CopyTree(src, dst string, place PlaceFunc) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return place(path, target)
		}
	})
}

// LinkOrCopy hardlinks src to dst. When the filesystem cannot link them
// (different devices, no hardlink support, link limit reached) the file is
// copied instead. Other errors are returned as they are.
func LinkOrCopy(src, dst string) error {
	err := unix.Link(src, dst)
	if err == nil {
		return nil
	}
	if !linkUnsupported(err) {
		return &fs.PathError{Op: "link", Path: src, Err: err}
	}
	return CopyFile(src, dst)
}

func linkUnsupported(err error) bool {
	return errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EMLINK) ||
		errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EOPNOTSUPP)
}

// CopyFile copies the content and permission bits of src to dst, which must
// not exist. A partial dst is removed on failure.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

package backend

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/minios-linux/sessionctl/internal/errors"
)

// copyEntries copies the top-level entries of src into dst. Entries
// named in skip and entries already present in dst are left alone; the
// latter keeps filesystem artifacts like lost+found intact when
// populating a freshly formatted image.
func copyEntries(src, dst string, skip map[string]bool) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.NewStorageError("failed to read source directory", err).WithPath(src)
	}

	for _, entry := range entries {
		if skip[entry.Name()] {
			continue
		}
		target := filepath.Join(dst, entry.Name())
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := copyTree(filepath.Join(src, entry.Name()), target); err != nil {
			return err
		}
	}
	return nil
}

// copyTree copies src to dst recursively, preserving permissions,
// timestamps, ownership, symlinks and device nodes. Session trees are
// OS upper layers, so whiteout device nodes and per-user ownership
// must survive the copy.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return errors.NewStorageError("failed to stat source", err).WithPath(src)
	}
	return copyNode(src, dst, info)
}

func copyNode(src, dst string, info fs.FileInfo) error {
	switch {
	case info.IsDir():
		return copyDir(src, dst, info)
	case info.Mode()&os.ModeSymlink != 0:
		return copySymlink(src, dst, info)
	case info.Mode()&os.ModeDevice != 0, info.Mode()&os.ModeNamedPipe != 0:
		return copySpecial(src, dst, info)
	case info.Mode().IsRegular():
		return copyFile(src, dst, info)
	default:
		// Sockets have no meaning outside their creating process.
		return nil
	}
}

func copyDir(src, dst string, info fs.FileInfo) error {
	if err := os.Mkdir(dst, info.Mode().Perm()); err != nil && !os.IsExist(err) {
		return errors.NewStorageError("failed to create directory", err).WithPath(dst)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.NewStorageError("failed to read directory", err).WithPath(src)
	}
	for _, entry := range entries {
		childInfo, err := entry.Info()
		if err != nil {
			return errors.NewStorageError("failed to stat entry", err).
				WithPath(filepath.Join(src, entry.Name()))
		}
		if err := copyNode(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), childInfo); err != nil {
			return err
		}
	}

	// Attributes last, after children stop touching the directory mtime.
	return applyAttrs(dst, info, false)
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.NewStorageError("failed to open source file", err).WithPath(src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.NewStorageError("failed to create file", err).WithPath(dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.NewStorageError("failed to copy file contents", err).WithPath(dst)
	}
	if err := out.Close(); err != nil {
		return errors.NewStorageError("failed to close file", err).WithPath(dst)
	}

	return applyAttrs(dst, info, false)
}

func copySymlink(src, dst string, info fs.FileInfo) error {
	target, err := os.Readlink(src)
	if err != nil {
		return errors.NewStorageError("failed to read symlink", err).WithPath(src)
	}
	if err := os.Symlink(target, dst); err != nil {
		return errors.NewStorageError("failed to create symlink", err).WithPath(dst)
	}
	return applyAttrs(dst, info, true)
}

// copySpecial recreates device nodes and fifos. Overlayfs marks deleted
// files with 0:0 character devices, so losing these would resurrect
// deleted paths in the copied session.
func copySpecial(src, dst string, info fs.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if err := unix.Mknod(dst, uint32(st.Mode), int(st.Rdev)); err != nil {
		return errors.NewStorageError("failed to create device node", err).WithPath(dst)
	}
	return applyAttrs(dst, info, true)
}

// applyAttrs restores ownership and, for non-symlinks, permissions and
// modification time. Ownership is best effort: only root may chown, and
// the copy is still usable without it.
func applyAttrs(path string, info fs.FileInfo, symlink bool) error {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		_ = os.Lchown(path, int(st.Uid), int(st.Gid))
	}
	if symlink {
		return nil
	}
	if err := os.Chmod(path, info.Mode().Perm()); err != nil {
		return errors.NewStorageError("failed to set permissions", err).WithPath(path)
	}
	_ = os.Chtimes(path, info.ModTime(), info.ModTime())
	return nil
}

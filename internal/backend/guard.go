package backend

import (
	"context"
	"os"
	"path/filepath"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/systools"
)

// ScratchPrefix marks temporary mount directories created inside the
// sessions directory. Reconciliation removes abandoned ones.
const ScratchPrefix = ".tmp_"

// MakeScratchDir creates a scratch directory inside the sessions
// directory. Placing it there keeps mounts on the same filesystem as
// the sessions and lets stale ones be found after a crash.
func MakeScratchDir(sessionsDir string) (string, error) {
	dir, err := os.MkdirTemp(sessionsDir, ScratchPrefix)
	if err != nil {
		return "", errors.NewStorageError("failed to create scratch directory", err).
			WithPath(sessionsDir)
	}
	return dir, nil
}

// withFuseMount mounts shardFile on a fresh scratch directory and runs
// fn with the path of the virtual file inside the mount. The mount is
// detached and the scratch directory removed on every path out,
// including cancellation during fn.
func withFuseMount(ctx context.Context, tools systools.Tools, sessionsDir, shardFile string, sizeMB, splitMB int64, fn func(virtual string) error) error {
	mnt, err := MakeScratchDir(sessionsDir)
	if err != nil {
		return err
	}
	defer os.RemoveAll(mnt)

	mount, err := tools.MountDynfilefs(ctx, shardFile, mnt, sizeMB, splitMB)
	if err != nil {
		return err
	}

	fnErr := fn(filepath.Join(mnt, systools.VirtualFileName))

	// Detach even when ctx was canceled inside fn; an attached mount
	// with no owner is worse than a slow exit.
	if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

// withLoopMount loop-mounts image on a fresh scratch directory and runs
// fn with the mounted filesystem root.
func withLoopMount(ctx context.Context, tools systools.Tools, sessionsDir, image string, readOnly bool, fn func(root string) error) error {
	mnt, err := MakeScratchDir(sessionsDir)
	if err != nil {
		return err
	}
	defer os.RemoveAll(mnt)

	mount, err := tools.LoopMount(ctx, image, mnt, readOnly)
	if err != nil {
		return err
	}

	fnErr := fn(mnt)

	if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

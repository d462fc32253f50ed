package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/sizecache"
	"github.com/minios-linux/sessionctl/internal/systools"
)

// dynfilefsDriver stores the session in a growable dynfilefs container.
// The container is a set of changes.dat shards exposing a single
// virtual file holding an ext4 filesystem. Shards grow on demand and
// split below the FAT file size limit, so the container works on any
// media.
type dynfilefsDriver struct {
	tools systools.Tools
}

func (d *dynfilefsDriver) Mode() Mode { return ModeDynfilefs }

func (d *dynfilefsDriver) shardPath(dir string) string {
	return filepath.Join(dir, ChangesFileName)
}

// Create mounts a fresh container at the requested size and formats the
// virtual file with ext4.
func (d *dynfilefsDriver) Create(ctx context.Context, dir string, sizeMB int64) error {
	if err := requireSize(sizeMB); err != nil {
		return err
	}
	if err := d.tools.CheckDynfilefs(); err != nil {
		return err
	}

	return withFuseMount(ctx, d.tools, filepath.Dir(dir), d.shardPath(dir), sizeMB, systools.ShardSplitMB,
		func(virtual string) error {
			return d.tools.FormatExt4(ctx, virtual)
		})
}

// UsedSize sums the container shards. Shards only grow as the session
// writes data, so this tracks real usage rather than the allocation.
func (d *dynfilefsDriver) UsedSize(dir string) int64 {
	return sizecache.Measure(dir)
}

// Resize remounts the container at the new size, which grows the
// virtual file, then expands the filesystem inside it.
func (d *dynfilefsDriver) Resize(ctx context.Context, dir string, newSizeMB, currentSizeMB int64) error {
	shard := d.shardPath(dir)
	if _, err := os.Stat(shard); err != nil {
		return errors.NewStorageError("dynfilefs container not found", err).WithPath(shard)
	}
	if err := d.tools.CheckDynfilefs(); err != nil {
		return err
	}

	if newSizeMB <= currentSizeMB {
		return errors.NewValidationError(
			fmt.Sprintf("new size must exceed the current size of %d MB", currentSizeMB)).
			WithField("size").
			WithValue(newSizeMB)
	}
	usedMB := d.UsedSize(dir) / (1024 * 1024)
	if newSizeMB <= usedMB {
		return errors.NewValidationError(
			fmt.Sprintf("new size must exceed the used size of %d MB", usedMB)).
			WithField("size").
			WithValue(newSizeMB)
	}

	return withFuseMount(ctx, d.tools, filepath.Dir(dir), shard, newSizeMB, 0,
		func(virtual string) error {
			return d.tools.ResizeExt4(ctx, virtual)
		})
}

// ExtractTo mounts the container read-only and copies the filesystem
// contents out as plain files.
func (d *dynfilefsDriver) ExtractTo(ctx context.Context, dir, dest string) error {
	shard := d.shardPath(dir)
	if _, err := os.Stat(shard); err != nil {
		return errors.NewStorageError("dynfilefs container not found", err).WithPath(shard)
	}
	if err := d.tools.CheckDynfilefs(); err != nil {
		return err
	}

	sessionsDir := filepath.Dir(dir)
	return withFuseMount(ctx, d.tools, sessionsDir, shard, 0, 0,
		func(virtual string) error {
			return withLoopMount(ctx, d.tools, sessionsDir, virtual, true,
				func(root string) error {
					return copyEntries(root, dest, nil)
				})
		})
}

// Populate creates a fresh container, formats it and fills it from src
// in a single mount cycle.
func (d *dynfilefsDriver) Populate(ctx context.Context, dir, src string, sizeMB int64) error {
	if err := requireSize(sizeMB); err != nil {
		return err
	}
	if err := d.tools.CheckDynfilefs(); err != nil {
		return err
	}

	sessionsDir := filepath.Dir(dir)
	return withFuseMount(ctx, d.tools, sessionsDir, d.shardPath(dir), sizeMB, systools.ShardSplitMB,
		func(virtual string) error {
			if err := d.tools.FormatExt4(ctx, virtual); err != nil {
				return err
			}
			return withLoopMount(ctx, d.tools, sessionsDir, virtual, false,
				func(root string) error {
					return copyEntries(src, root, populateSkip)
				})
		})
}

// Clone copies the container shards as-is. Shards are ordinary files,
// so a same-mode copy never mounts the container.
func (d *dynfilefsDriver) Clone(_ context.Context, dir, dest string) error {
	shard := d.shardPath(dir)
	if _, err := os.Stat(shard); err != nil {
		return errors.NewStorageError("dynfilefs container not found", err).WithPath(shard)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.NewStorageError("failed to read session directory", err).WithPath(dir)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ChangesFileName) {
			continue
		}
		if err := copyTree(filepath.Join(dir, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

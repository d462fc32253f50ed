package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/sizecache"
	"github.com/minios-linux/sessionctl/internal/systools"
)

// rawDriver stores the session in a fixed-size ext4 image. The full
// allocation is claimed up front, which is predictable but wastes space
// compared to dynfilefs.
type rawDriver struct {
	tools systools.Tools
}

func (d *rawDriver) Mode() Mode { return ModeRaw }

func (d *rawDriver) imagePath(dir string) string {
	return filepath.Join(dir, ImageFileName)
}

// Create allocates the image file and formats it with ext4. The
// allocation happens on the host filesystem, so loop mounting is not
// needed yet.
func (d *rawDriver) Create(ctx context.Context, dir string, sizeMB int64) error {
	if err := requireSize(sizeMB); err != nil {
		return err
	}

	image := d.imagePath(dir)
	if err := systools.AllocateFile(image, sizeMB*1024*1024); err != nil {
		return err
	}
	return d.tools.FormatExt4(ctx, image)
}

func (d *rawDriver) UsedSize(dir string) int64 {
	return sizecache.Measure(dir)
}

// Resize grows the image file and expands the filesystem inside it.
// The image itself is the size of record, so the guard checks it rather
// than the registry value.
func (d *rawDriver) Resize(ctx context.Context, dir string, newSizeMB, _ int64) error {
	image := d.imagePath(dir)
	info, err := os.Stat(image)
	if err != nil {
		return errors.NewStorageError("raw image not found", err).WithPath(image)
	}

	currentMB := info.Size() / (1024 * 1024)
	if newSizeMB <= currentMB {
		return errors.NewValidationError(
			fmt.Sprintf("new size must exceed the current size of %d MB", currentMB)).
			WithField("size").
			WithValue(newSizeMB)
	}

	if err := systools.AllocateFile(image, newSizeMB*1024*1024); err != nil {
		return err
	}
	return d.tools.ResizeExt4(ctx, image)
}

// ExtractTo loop-mounts the image read-only and copies its contents out
// as plain files.
func (d *rawDriver) ExtractTo(ctx context.Context, dir, dest string) error {
	image := d.imagePath(dir)
	if _, err := os.Stat(image); err != nil {
		return errors.NewStorageError("raw image not found", err).WithPath(image)
	}

	return withLoopMount(ctx, d.tools, filepath.Dir(dir), image, true,
		func(root string) error {
			return copyEntries(root, dest, nil)
		})
}

// Populate allocates and formats a fresh image, then fills it from src.
func (d *rawDriver) Populate(ctx context.Context, dir, src string, sizeMB int64) error {
	if err := d.Create(ctx, dir, sizeMB); err != nil {
		return err
	}

	return withLoopMount(ctx, d.tools, filepath.Dir(dir), d.imagePath(dir), false,
		func(root string) error {
			return copyEntries(src, root, populateSkip)
		})
}

// Clone copies the image file without mounting it.
func (d *rawDriver) Clone(_ context.Context, dir, dest string) error {
	image := d.imagePath(dir)
	if _, err := os.Stat(image); err != nil {
		return errors.NewStorageError("raw image not found", err).WithPath(image)
	}
	return copyTree(image, filepath.Join(dest, ImageFileName))
}

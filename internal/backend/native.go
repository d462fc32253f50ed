package backend

import (
	"context"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/sizecache"
)

// nativeDriver stores the session as a plain directory tree. Storage is
// the directory itself, so most operations are direct file copies.
type nativeDriver struct{}

func (d *nativeDriver) Mode() Mode { return ModeNative }

// Create is a no-op: the session directory is the storage.
func (d *nativeDriver) Create(_ context.Context, _ string, _ int64) error {
	return nil
}

func (d *nativeDriver) UsedSize(dir string) int64 {
	return sizecache.Measure(dir)
}

// Resize is not supported: a native session grows and shrinks with its
// contents.
func (d *nativeDriver) Resize(_ context.Context, _ string, _, _ int64) error {
	return errors.NewValidationError("native sessions have no fixed allocation to resize").
		WithField("mode").
		WithValue(string(ModeNative))
}

func (d *nativeDriver) ExtractTo(_ context.Context, dir, dest string) error {
	return copyEntries(dir, dest, nil)
}

func (d *nativeDriver) Populate(_ context.Context, dir, src string, _ int64) error {
	return copyEntries(src, dir, populateSkip)
}

// Clone copies the directory tree. Native storage is its own payload,
// so Clone and ExtractTo coincide.
func (d *nativeDriver) Clone(_ context.Context, dir, dest string) error {
	return copyEntries(dir, dest, nil)
}

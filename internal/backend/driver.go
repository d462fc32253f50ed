package backend

import (
	"context"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/systools"
)

const (
	// ChangesFileName is the first shard of a dynfilefs container.
	// Additional shards carry numeric suffixes.
	ChangesFileName = "changes.dat"

	// ImageFileName is the fixed-size image of a raw session.
	ImageFileName = "changes.img"
)

// populateSkip names archive manifest files that must never land
// inside session storage.
var populateSkip = map[string]bool{
	"metadata.json": true,
	"session.info":  true,
}

// Driver implements the storage operations of one session mode. dir is
// always the session's directory inside the sessions directory.
type Driver interface {
	// Mode returns the mode this driver implements.
	Mode() Mode

	// Create sets up empty session storage in dir. sizeMB is the
	// container allocation; native sessions ignore it.
	Create(ctx context.Context, dir string, sizeMB int64) error

	// UsedSize returns the bytes the session occupies on the host
	// filesystem.
	UsedSize(dir string) int64

	// Resize grows the session's storage to newSizeMB. currentSizeMB is
	// the allocation recorded for the session.
	Resize(ctx context.Context, dir string, newSizeMB, currentSizeMB int64) error

	// ExtractTo copies the session's payload into dest as a plain file
	// tree.
	ExtractTo(ctx context.Context, dir, dest string) error

	// Populate creates session storage in dir and fills it from the
	// plain file tree at src.
	Populate(ctx context.Context, dir, src string, sizeMB int64) error

	// Clone duplicates the session's storage files into the existing
	// directory dest without mounting anything.
	Clone(ctx context.Context, dir, dest string) error
}

// ForMode returns the storage driver for mode.
func ForMode(mode Mode, tools systools.Tools) (Driver, error) {
	switch mode {
	case ModeNative:
		return &nativeDriver{}, nil
	case ModeDynfilefs:
		return &dynfilefsDriver{tools: tools}, nil
	case ModeRaw:
		return &rawDriver{tools: tools}, nil
	default:
		return nil, errors.NewValidationError("unsupported session mode").
			WithField("mode").
			WithValue(string(mode))
	}
}

// requireSize rejects non-positive container allocations.
func requireSize(sizeMB int64) error {
	if sizeMB <= 0 {
		return errors.NewValidationError("container size must be positive").
			WithField("size").
			WithValue(sizeMB)
	}
	return nil
}

// Ensure implementations satisfy the interface at compile time.
var (
	_ Driver = (*nativeDriver)(nil)
	_ Driver = (*dynfilefsDriver)(nil)
	_ Driver = (*rawDriver)(nil)
)

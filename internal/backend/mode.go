// Package backend materializes session storage. Each storage mode is a
// Driver: native sessions are plain directory trees, dynfilefs sessions
// live in a FUSE-backed shard container, raw sessions in a fixed-size
// ext4 image. Drivers share the scoped mount helpers in guard.go so no
// failure path leaves a mount attached.
package backend

import (
	"strings"

	"github.com/minios-linux/sessionctl/internal/errors"
)

// Mode identifies how a session's changes are stored on disk.
type Mode string

const (
	// ModeNative stores changes as a plain directory tree. Needs a
	// POSIX filesystem under the sessions directory.
	ModeNative Mode = "native"

	// ModeDynfilefs stores changes in a growable shard container
	// mounted through the dynfilefs FUSE helper. Works on any writable
	// filesystem.
	ModeDynfilefs Mode = "dynfilefs"

	// ModeRaw stores changes in a fixed-size ext4 image file.
	ModeRaw Mode = "raw"

	// ModeUnknown marks sessions whose registry entry is missing or
	// unrecognized. They appear in listings but refuse storage
	// operations.
	ModeUnknown Mode = "unknown"
)

// Modes lists the storage modes a session can be created with.
func Modes() []Mode {
	return []Mode{ModeNative, ModeDynfilefs, ModeRaw}
}

// ParseMode validates a user-supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNative, ModeDynfilefs, ModeRaw:
		return m, nil
	}
	return "", errors.NewValidationError("unsupported session mode").
		WithField("mode").
		WithValue(s)
}

// Valid reports whether m is a creatable storage mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNative, ModeDynfilefs, ModeRaw:
		return true
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}

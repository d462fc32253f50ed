// Package fsinfo analyzes the filesystem hosting the sessions directory.
// Storage mode availability depends on what the boot media can do: plain
// directory sessions need POSIX semantics, FAT media caps file sizes at
// 4 GB, and read-only media cannot host sessions at all.
package fsinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/minios-linux/sessionctl/internal/errors"
)

// DefaultMountsPath is the kernel mount table consulted by Detect.
const DefaultMountsPath = "/proc/self/mounts"

// posixFilesystems are the types where a session can live as a plain
// directory tree with POSIX ownership, permissions and symlinks.
var posixFilesystems = map[string]bool{
	"ext2":     true,
	"ext3":     true,
	"ext4":     true,
	"btrfs":    true,
	"xfs":      true,
	"f2fs":     true,
	"reiserfs": true,
}

// Filesystem describes the mount hosting a path.
type Filesystem struct {
	Type         string `json:"type"`
	Device       string `json:"device"`
	MountPoint   string `json:"-"`
	MountOptions string `json:"mount_options"`
	ReadOnly     bool   `json:"is_readonly"`
	POSIX        bool   `json:"is_posix_compatible"`
}

// Limitations lists mode-relevant restrictions of a filesystem type.
// The zero value means no known restrictions.
type Limitations struct {
	MaxFileSizeMB   int64 `json:"max_file_size,omitempty"`
	NoPOSIX         bool  `json:"no_posix,omitempty"`
	CaseInsensitive bool  `json:"case_insensitive,omitempty"`
}

// Detector resolves filesystem information from the kernel mount table.
// MountsPath is exported so tests can point it at a fixture.
type Detector struct {
	MountsPath string
}

// NewDetector returns a Detector reading the standard mount table.
func NewDetector() *Detector {
	return &Detector{MountsPath: DefaultMountsPath}
}

// Detect returns the filesystem hosting path, chosen as the mount table
// entry with the longest mount point covering it.
func (d *Detector) Detect(path string) (*Filesystem, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve path %s", path)
	}
	abs = filepath.Clean(abs)

	mountsPath := d.MountsPath
	if mountsPath == "" {
		mountsPath = DefaultMountsPath
	}

	f, err := os.Open(mountsPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read mount table")
	}
	defer f.Close()

	var best *Filesystem
	bestLen := -1

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		mountPoint := unescapeMountField(fields[1])
		if !covers(mountPoint, abs) {
			continue
		}
		if len(mountPoint) > bestLen {
			bestLen = len(mountPoint)
			best = &Filesystem{
				Type:         strings.ToLower(fields[2]),
				Device:       unescapeMountField(fields[0]),
				MountPoint:   mountPoint,
				MountOptions: fields[3],
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read mount table")
	}

	if best == nil {
		return nil, errors.NewStorageError("no mount table entry covers path", nil).WithPath(abs)
	}

	best.ReadOnly = hasMountOption(best.MountOptions, "ro")
	best.POSIX = posixFilesystems[best.Type]
	return best, nil
}

// covers reports whether mountPoint is path or one of its ancestors.
func covers(mountPoint, path string) bool {
	if mountPoint == "/" {
		return true
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// hasMountOption reports whether the comma-separated option list contains
// exactly opt. Substring matching would confuse "ro" with options like
// "errors=remount-ro".
func hasMountOption(options, opt string) bool {
	for _, o := range strings.Split(options, ",") {
		if o == opt {
			return true
		}
	}
	return false
}

// unescapeMountField decodes the octal escapes the kernel uses for
// whitespace in mount table fields (\040 for space and so on).
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// CompatibleModes returns the session mode names the filesystem can host.
// Container modes work on any writable filesystem; native needs POSIX
// semantics. A nil filesystem (detection failed) permits everything.
func CompatibleModes(fs *Filesystem) []string {
	if fs == nil {
		return []string{"native", "dynfilefs", "raw"}
	}

	modes := make([]string, 0, 3)
	if fs.POSIX {
		modes = append(modes, "native")
	}
	return append(modes, "dynfilefs", "raw")
}

// LimitationsFor returns the restrictions of the filesystem type.
func LimitationsFor(fs *Filesystem) Limitations {
	if fs == nil {
		return Limitations{}
	}

	switch fs.Type {
	case "vfat", "fat32", "msdos":
		return Limitations{MaxFileSizeMB: 4096, NoPOSIX: true, CaseInsensitive: true}
	case "ntfs", "ntfs-3g", "exfat":
		return Limitations{NoPOSIX: true, CaseInsensitive: true}
	}
	return Limitations{}
}

// FreeSpaceMB returns the space available for new writes at path, in
// megabytes. When path does not exist or is not a directory, its parent
// directory is measured, so destinations that are about to be created
// can be checked.
func FreeSpaceMB(path string) (int64, error) {
	check := path
	if fi, err := os.Stat(check); err != nil || !fi.IsDir() {
		check = filepath.Dir(check)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(check, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", check)
	}
	return int64(st.Bavail) * int64(st.Bsize) / (1024 * 1024), nil
}

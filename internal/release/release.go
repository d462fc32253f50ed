// Package release resolves the identity of the running system build.
// Session metadata and archive manifests record the version, edition and
// union filesystem of the system a session was created on, so imports can
// warn when an archive comes from a different build.
package release

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// Unknown is recorded when a value cannot be determined.
const Unknown = "unknown"

// Info describes the running system build.
type Info struct {
	Version string
	Edition string
	Union   string
}

// Provider supplies the build identity recorded in session metadata.
type Provider interface {
	Current() Info
}

// System reads the live system's release identity from /etc and /proc.
// The paths are exported so tests can point them at fixtures.
type System struct {
	ReleasePath     string
	CmdlinePath     string
	FilesystemsPath string
}

// NewSystem returns a System reading the standard locations.
func NewSystem() *System {
	return &System{
		ReleasePath:     "/etc/minios-release",
		CmdlinePath:     "/proc/cmdline",
		FilesystemsPath: "/proc/filesystems",
	}
}

var _ Provider = (*System)(nil)

// Current returns the build identity. Missing or unreadable sources yield
// Unknown fields rather than errors; a session manager must keep working
// on stripped-down systems.
func (s *System) Current() Info {
	return Info{
		Version: s.releaseValue("VERSION"),
		Edition: s.releaseValue("EDITION"),
		Union:   s.unionFS(),
	}
}

// releaseValue scans the release file for a KEY=value line and returns the
// value with surrounding whitespace and double quotes stripped.
func (s *System) releaseValue(key string) string {
	f, err := os.Open(s.ReleasePath)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	prefix := key + "="
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, prefix)), `"`)
		}
	}
	return Unknown
}

var unionPattern = regexp.MustCompile(`union=(\w+)`)

// unionFS returns the union filesystem in use. An explicit union= boot
// parameter wins when it names a known union fs; otherwise kernel support
// decides: aufs when the kernel lists it, overlayfs else.
func (s *System) unionFS() string {
	if data, err := os.ReadFile(s.CmdlinePath); err == nil {
		if m := unionPattern.FindSubmatch(data); m != nil {
			switch string(m[1]) {
			case "aufs", "overlayfs":
				return string(m[1])
			}
		}
	}

	data, err := os.ReadFile(s.FilesystemsPath)
	if err != nil {
		return Unknown
	}
	if strings.Contains(string(data), "aufs") {
		return "aufs"
	}
	return "overlayfs"
}

// Static is a Provider returning fixed values. Used in tests and when
// operating on archives for a system other than the one running the tool.
type Static struct {
	Info Info
}

var _ Provider = Static{}

// Current returns the fixed identity.
func (s Static) Current() Info {
	return s.Info
}

package manager

import (
	"os"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/fsinfo"
)

// Status reports whether the sessions directory exists and accepts
// writes.
type Status struct {
	SessionsDir    string `json:"sessions_dir"`
	Found          bool   `json:"found"`
	Writable       bool   `json:"writable"`
	FilesystemType string `json:"filesystem_type,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Status probes the sessions directory. It never fails: problems land
// inside the result, so the status command works on systems without
// session storage at all.
func (m *Manager) Status() *Status {
	st := &Status{SessionsDir: m.dir}
	if m.dir == "" {
		st.Error = "no session storage found"
		return st
	}
	if fi, err := os.Stat(m.dir); err != nil || !fi.IsDir() {
		st.Error = "sessions directory not found"
		return st
	}
	st.Found = true

	if fs, err := m.detector.Detect(m.dir); err == nil {
		st.FilesystemType = fs.Type
		if fs.Type == "squashfs" || fs.ReadOnly {
			st.Error = "sessions directory is on read-only storage"
			return st
		}
	}

	st.Writable = m.probeWrite()
	if !st.Writable {
		st.Error = "sessions directory is not writable"
	}
	return st
}

// probeWrite checks writability the only reliable way, by writing.
// Mount options miss filesystems that were remounted read-only after
// an I/O error.
func (m *Manager) probeWrite() bool {
	f, err := os.CreateTemp(m.dir, ".write_test_*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// FilesystemReport describes the sessions filesystem and what it can
// host.
type FilesystemReport struct {
	Filesystem      *fsinfo.Filesystem `json:"filesystem"`
	CompatibleModes []string           `json:"compatible_modes"`
	Limitations     fsinfo.Limitations `json:"limitations"`
}

// FilesystemInfo reports the sessions filesystem, the session modes it
// supports and its limitations.
func (m *Manager) FilesystemInfo() (*FilesystemReport, error) {
	fs, err := m.detector.Detect(m.dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to detect the sessions filesystem")
	}
	return &FilesystemReport{
		Filesystem:      fs,
		CompatibleModes: fsinfo.CompatibleModes(fs),
		Limitations:     fsinfo.LimitationsFor(fs),
	}, nil
}

// checkFreeSpace verifies that dir has requiredMB plus a 10% margin
// available. A failed measurement does not block the operation; the
// write itself will surface a real shortage.
func (m *Manager) checkFreeSpace(dir string, requiredMB int64) error {
	freeMB, err := fsinfo.FreeSpaceMB(dir)
	if err != nil {
		return nil
	}
	needed := requiredMB + requiredMB/10
	if freeMB < needed {
		return errors.NewStorageError("insufficient disk space", errors.ErrInsufficientSpace).
			WithPath(dir).
			WithSpace(needed, freeMB)
	}
	return nil
}

// Package manager orchestrates session lifecycle operations against one
// sessions directory. It owns the wiring between the metadata registry,
// the size cache, the storage drivers and the filesystem prober, and is
// the surface the CLI calls into.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/config"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/fsinfo"
	"github.com/minios-linux/sessionctl/internal/logging"
	"github.com/minios-linux/sessionctl/internal/registry"
	"github.com/minios-linux/sessionctl/internal/release"
	"github.com/minios-linux/sessionctl/internal/sizecache"
	"github.com/minios-linux/sessionctl/internal/systools"
)

// StatusRunningMissing marks a running session whose directory is gone,
// typically removed from another OS while this one was booted from it.
const StatusRunningMissing = "running_missing"

// scratchMaxAge is how old a scratch directory must be before Reconcile
// treats it as abandoned rather than in use by a live operation.
const scratchMaxAge = time.Hour

// Manager coordinates all session operations for one sessions directory.
type Manager struct {
	dir      string
	cfg      *config.Config
	store    *registry.Store
	cache    *sizecache.Cache
	tools    systools.Tools
	detector *fsinfo.Detector
	release  release.Provider
	logger   *logging.Logger
	now      func() time.Time
}

// Deps overrides the manager's collaborators. Zero fields get the real
// implementations.
type Deps struct {
	Store    *registry.Store
	Cache    *sizecache.Cache
	Tools    systools.Tools
	Detector *fsinfo.Detector
	Release  release.Provider
	Logger   *logging.Logger
	Now      func() time.Time
}

// New creates a Manager over sessionsDir. sessionsDir may be empty when
// no session storage was found; only Status works in that state.
func New(sessionsDir string, cfg *config.Config, logger *logging.Logger) *Manager {
	return NewWithDeps(sessionsDir, cfg, Deps{Logger: logger})
}

// NewWithDeps creates a Manager with explicit collaborators.
func NewWithDeps(sessionsDir string, cfg *config.Config, deps Deps) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	if deps.Store == nil {
		deps.Store = registry.NewStore(sessionsDir, deps.Logger)
	}
	if deps.Cache == nil {
		deps.Cache = sizecache.New(sessionsDir)
	}
	if deps.Tools == nil {
		deps.Tools = systools.NewSystemTools()
	}
	if deps.Detector == nil {
		deps.Detector = fsinfo.NewDetector()
	}
	if deps.Release == nil {
		deps.Release = release.NewSystem()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Manager{
		dir:      sessionsDir,
		cfg:      cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		tools:    deps.Tools,
		detector: deps.Detector,
		release:  deps.Release,
		logger:   deps.Logger,
		now:      deps.Now,
	}
}

// Dir returns the sessions directory the manager operates on.
func (m *Manager) Dir() string {
	return m.dir
}

// SessionInfo is the external view of one session, shaped for both the
// table renderer and --json output.
type SessionInfo struct {
	ID      string       `json:"id"`
	Mode    backend.Mode `json:"mode"`
	Version string       `json:"version"`
	Edition string       `json:"edition"`
	Union   string       `json:"union"`

	SizeBytes     int64  `json:"size"`
	SizeFormatted string `json:"size_formatted"`

	// TotalBytes is the container allocation. Only dynfilefs sessions
	// report it: their shards grow on demand, so used and allocated
	// genuinely differ.
	TotalBytes     int64  `json:"total_size,omitempty"`
	TotalFormatted string `json:"total_size_formatted,omitempty"`

	Modified  time.Time `json:"modified"`
	Path      string    `json:"path"`
	IsDefault bool      `json:"is_default"`
	IsRunning bool      `json:"is_running"`

	// Status is set for degraded records, currently only
	// StatusRunningMissing.
	Status string `json:"status,omitempty"`

	// SizeMB is the recorded allocation in megabytes, carried for the
	// operations; the JSON view reports bytes.
	SizeMB int64 `json:"-"`
}

// List returns every session in the sessions directory sorted by
// numeric id. Sessions without a registry entry appear with unknown
// attributes rather than being hidden.
func (m *Manager) List() ([]SessionInfo, error) {
	reg, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.NewStorageError("failed to read sessions directory", err).WithPath(m.dir)
	}

	var infos []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() || !isNumericID(entry.Name()) {
			continue
		}
		infos = append(infos, m.describe(entry.Name(), reg))
	}
	sort.Slice(infos, func(i, j int) bool {
		a, _ := strconv.Atoi(infos[i].ID)
		b, _ := strconv.Atoi(infos[j].ID)
		return a < b
	})
	return infos, nil
}

// Active returns the default session, or nil when none is set or its
// directory no longer exists.
func (m *Manager) Active() (*SessionInfo, error) {
	reg, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if reg.Default == "" {
		return nil, nil
	}
	if _, err := os.Stat(m.sessionPath(reg.Default)); err != nil {
		return nil, nil
	}
	info := m.describe(reg.Default, reg)
	return &info, nil
}

// Running returns the session the OS was booted from, or nil when none
// is recorded. A running id whose directory is gone still yields a
// record, marked StatusRunningMissing: the OS is using storage that no
// longer exists on disk, which the user needs to see.
func (m *Manager) Running() (*SessionInfo, error) {
	reg, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if reg.Running == "" {
		return nil, nil
	}

	if _, err := os.Stat(m.sessionPath(reg.Running)); err != nil {
		return &SessionInfo{
			ID:            reg.Running,
			Mode:          backend.ModeUnknown,
			Version:       release.Unknown,
			Edition:       release.Unknown,
			Union:         release.Unknown,
			SizeFormatted: sizecache.FormatSize(0),
			Path:          m.sessionPath(reg.Running),
			IsRunning:     true,
			Status:        StatusRunningMissing,
		}, nil
	}
	info := m.describe(reg.Running, reg)
	return &info, nil
}

// describe assembles the SessionInfo for id from the registry entry,
// the size cache and the directory itself.
func (m *Manager) describe(id string, reg *registry.Registry) SessionInfo {
	path := m.sessionPath(id)
	info := SessionInfo{
		ID:        id,
		Mode:      backend.ModeUnknown,
		Version:   release.Unknown,
		Edition:   release.Unknown,
		Union:     release.Unknown,
		Path:      path,
		IsDefault: reg.Default == id,
		IsRunning: reg.Running == id,
	}

	if entry := reg.Sessions[id]; entry != nil {
		if entry.Mode != "" {
			info.Mode = entry.Mode
		}
		if entry.Version != "" {
			info.Version = entry.Version
		}
		if entry.Edition != "" {
			info.Edition = entry.Edition
		}
		if entry.Union != "" {
			info.Union = entry.Union
		}
		info.SizeMB = entry.SizeMB
	}

	if fi, err := os.Stat(path); err == nil {
		info.Modified = fi.ModTime()
	}
	info.SizeBytes = m.cache.Size(path)
	info.SizeFormatted = sizecache.FormatSize(info.SizeBytes)

	if info.Mode == backend.ModeDynfilefs && info.SizeMB > 0 {
		info.TotalBytes = info.SizeMB * 1024 * 1024
		info.TotalFormatted = sizecache.FormatSize(info.TotalBytes)
	}
	return info
}

// SetRunning records id as the session the OS booted from. Boot
// integration calls this during the initramfs hand-off.
func (m *Manager) SetRunning(id string) error {
	if err := m.requireSession(id); err != nil {
		return err
	}
	return m.store.Update(func(reg *registry.Registry) error {
		reg.Running = id
		return nil
	})
}

// ClearRunning removes the running mark, normally at shutdown.
func (m *Manager) ClearRunning() error {
	return m.store.Update(func(reg *registry.Registry) error {
		reg.Running = ""
		return nil
	})
}

// Reconcile removes scratch directories abandoned by a killed or
// crashed run. A FUSE or loop mount may still sit on an abandoned
// scratch dir, so it is unmounted first. Everything is best effort:
// reconciliation must never block the command that triggered it.
func (m *Manager) Reconcile(ctx context.Context) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}

	cutoff := m.now().Add(-scratchMaxAge)
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), backend.ScratchPrefix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}

		stale := filepath.Join(m.dir, entry.Name())
		_ = m.tools.ReleaseMount(ctx, stale)
		if err := os.RemoveAll(stale); err != nil {
			m.logger.Warn("failed to remove stale scratch directory", "path", stale, "error", err)
			continue
		}
		m.logger.Info("removed stale scratch directory", "path", stale)
	}
}

func (m *Manager) sessionPath(id string) string {
	return filepath.Join(m.dir, id)
}

// requireSession validates id and checks that its directory exists.
func (m *Manager) requireSession(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if fi, err := os.Stat(m.sessionPath(id)); err != nil || !fi.IsDir() {
		return errors.NewNotFoundError("session", id)
	}
	return nil
}

// validID rejects anything that is not a bare decimal number. Ids name
// directories, so this also keeps path separators and dot segments out
// of every operation.
func validID(id string) error {
	if !isNumericID(id) {
		return errors.NewValidationError("session id must be numeric").
			WithField("id").
			WithValue(id)
	}
	return nil
}

func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// nextID allocates one past the highest existing numeric id. Ids are
// never reused, so gaps left by deletion stay.
func (m *Manager) nextID() (string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return "", errors.NewStorageError("failed to read sessions directory", err).WithPath(m.dir)
	}

	highest := 0
	for _, entry := range entries {
		if !entry.IsDir() || !isNumericID(entry.Name()) {
			continue
		}
		if n, err := strconv.Atoi(entry.Name()); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1), nil
}

// modeOf returns the recorded mode for id, ModeUnknown when the
// registry has no entry.
func modeOf(reg *registry.Registry, id string) backend.Mode {
	if entry := reg.Sessions[id]; entry != nil && entry.Mode != "" {
		return entry.Mode
	}
	return backend.ModeUnknown
}

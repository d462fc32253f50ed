package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/fsinfo"
	"github.com/minios-linux/sessionctl/internal/registry"
)

// minFreeSpaceMB is the space floor for operations without a concrete
// allocation, such as creating a native session.
const minFreeSpaceMB = 1000

// CreateResult reports a newly created session.
type CreateResult struct {
	ID     string       `json:"id"`
	Mode   backend.Mode `json:"mode"`
	SizeMB int64        `json:"size_mb,omitempty"`
}

// Create makes a new session. modeName and sizeMB default from the
// configuration when zero; native sessions take no size.
func (m *Manager) Create(ctx context.Context, modeName string, sizeMB int64) (*CreateResult, error) {
	if modeName == "" {
		modeName = m.cfg.Create.DefaultMode
	}
	mode, err := backend.ParseMode(modeName)
	if err != nil {
		return nil, err
	}
	if sizeMB < 0 {
		return nil, errors.NewValidationError("session size must be positive").
			WithField("size").
			WithValue(sizeMB)
	}
	if mode == backend.ModeNative {
		sizeMB = 0
	} else if sizeMB == 0 {
		sizeMB = m.cfg.Create.DefaultSizeMB
	}

	status := m.Status()
	if !status.Found {
		return nil, errors.Wrapf(errors.ErrDirNotFound, "sessions directory %s", m.dir)
	}
	if !status.Writable {
		return nil, errors.Wrap(errors.ErrNotWritable, status.Error)
	}

	fs, err := m.detector.Detect(m.dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to detect the sessions filesystem")
	}
	if err := checkModeCompat(fs, mode); err != nil {
		return nil, err
	}
	if mode == backend.ModeRaw {
		limits := fsinfo.LimitationsFor(fs)
		if limits.MaxFileSizeMB > 0 && sizeMB > limits.MaxFileSizeMB {
			return nil, errors.NewValidationError(
				fmt.Sprintf("%s limits files to %d MB; use dynfilefs for larger sessions", fs.Type, limits.MaxFileSizeMB)).
				WithField("size").
				WithValue(sizeMB)
		}
	}
	if mode == backend.ModeDynfilefs {
		if err := m.tools.CheckDynfilefs(); err != nil {
			return nil, err
		}
	}

	required := sizeMB
	if required == 0 {
		required = minFreeSpaceMB
	}
	if err := m.checkFreeSpace(m.dir, required); err != nil {
		return nil, err
	}

	id, err := m.nextID()
	if err != nil {
		return nil, err
	}
	path := m.sessionPath(id)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, errors.NewStorageError("failed to create session directory", err).WithPath(path)
	}

	driver, err := backend.ForMode(mode, m.tools)
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	if err := driver.Create(ctx, path, sizeMB); err != nil {
		os.RemoveAll(path)
		return nil, err
	}

	rel := m.release.Current()
	err = m.store.Update(func(reg *registry.Registry) error {
		reg.Sessions[id] = &registry.Entry{
			Mode:    mode,
			Version: rel.Version,
			Edition: rel.Edition,
			Union:   rel.Union,
			SizeMB:  sizeMB,
		}
		return nil
	})
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}

	m.logger.Info("session created", "session_id", id, "mode", string(mode), "size_mb", sizeMB)
	return &CreateResult{ID: id, Mode: mode, SizeMB: sizeMB}, nil
}

// checkModeCompat rejects modes the sessions filesystem cannot host.
func checkModeCompat(fs *fsinfo.Filesystem, mode backend.Mode) error {
	for _, name := range fsinfo.CompatibleModes(fs) {
		if name == string(mode) {
			return nil
		}
	}
	msg := fmt.Sprintf("%s sessions are not supported on %s", mode, fs.Type)
	if mode == backend.ModeNative {
		msg = fmt.Sprintf("%s is not POSIX-compatible; native sessions need POSIX permissions and symlinks", fs.Type)
	}
	return errors.Wrap(errors.ErrIncompatibleFilesystem, msg)
}

// ActivateResult reports a default-session change.
type ActivateResult struct {
	ID       string `json:"id"`
	Previous string `json:"previous,omitempty"`
}

// Activate marks id as the default session for the next boot.
func (m *Manager) Activate(id string) (*ActivateResult, error) {
	if err := m.requireSession(id); err != nil {
		return nil, err
	}

	result := &ActivateResult{ID: id}
	err := m.store.Update(func(reg *registry.Registry) error {
		if reg.Default != id {
			result.Previous = reg.Default
		}
		reg.Default = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("session activated", "session_id", id, "previous", result.Previous)
	return result, nil
}

// Delete removes a session's storage and registry entry. The default
// session is protected because the next boot needs it; the running
// session is protected because the OS holds its storage open.
func (m *Manager) Delete(id string) error {
	if err := m.requireSession(id); err != nil {
		return err
	}
	reg, err := m.store.Load()
	if err != nil {
		return err
	}
	if reg.Default == id {
		return errors.NewInvariantError("cannot delete the default session; activate another session first").
			WithOperation("delete").
			WithSessionID(id)
	}
	if reg.Running == id {
		return errors.NewInvariantError("cannot delete the session the system is running from").
			WithOperation("delete").
			WithSessionID(id)
	}

	path := m.sessionPath(id)
	if err := os.RemoveAll(path); err != nil {
		return errors.NewStorageError("failed to remove session storage", err).WithPath(path)
	}
	if err := m.store.Update(func(reg *registry.Registry) error {
		delete(reg.Sessions, id)
		return nil
	}); err != nil {
		return err
	}

	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// CleanupResult reports what a cleanup sweep removed.
type CleanupResult struct {
	DeletedCount int      `json:"deleted_count"`
	Errors       []string `json:"errors"`
}

// Cleanup deletes sessions whose directories have not been modified in
// days. The default and running sessions are never candidates. A
// session that fails to delete does not stop the sweep; failures are
// collected in the result.
func (m *Manager) Cleanup(days int) (*CleanupResult, error) {
	if days < 0 {
		return nil, errors.NewValidationError("cleanup age must be non-negative").
			WithField("days").
			WithValue(days)
	}

	infos, err := m.List()
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	result := &CleanupResult{}
	for _, info := range infos {
		if info.IsDefault || info.IsRunning {
			continue
		}
		if !info.Modified.Before(cutoff) {
			continue
		}
		if err := m.Delete(info.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("session %s: %v", info.ID, err))
			continue
		}
		result.DeletedCount++
	}

	m.logger.Info("cleanup finished", "deleted", result.DeletedCount, "failed", len(result.Errors))
	return result, nil
}

// Resize grows a container session to newSizeMB. Native sessions have
// no allocation to change, and the running session's container is held
// open by the OS.
func (m *Manager) Resize(ctx context.Context, id string, newSizeMB int64) error {
	if err := m.requireSession(id); err != nil {
		return err
	}
	reg, err := m.store.Load()
	if err != nil {
		return err
	}

	mode := modeOf(reg, id)
	if mode != backend.ModeDynfilefs && mode != backend.ModeRaw {
		return errors.NewValidationError("only dynfilefs and raw sessions can be resized").
			WithField("mode").
			WithValue(string(mode))
	}
	if reg.Running == id {
		return errors.NewInvariantError("cannot resize the session the system is running from").
			WithOperation("resize").
			WithSessionID(id)
	}

	driver, err := backend.ForMode(mode, m.tools)
	if err != nil {
		return err
	}
	var currentMB int64
	if entry := reg.Sessions[id]; entry != nil {
		currentMB = entry.SizeMB
	}
	if err := driver.Resize(ctx, m.sessionPath(id), newSizeMB, currentMB); err != nil {
		return err
	}

	if err := m.store.Update(func(reg *registry.Registry) error {
		entry := reg.Sessions[id]
		if entry == nil {
			entry = &registry.Entry{Mode: mode}
			reg.Sessions[id] = entry
		}
		entry.SizeMB = newSizeMB
		return nil
	}); err != nil {
		return err
	}

	m.logger.Info("session resized", "session_id", id, "size_mb", newSizeMB)
	return nil
}

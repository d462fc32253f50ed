package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minios-linux/sessionctl/internal/archive"
	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/fsinfo"
	"github.com/minios-linux/sessionctl/internal/registry"
	"github.com/minios-linux/sessionctl/internal/release"
)

// fallbackSizeMB is assumed when neither the archive nor the registry
// records a container allocation.
const fallbackSizeMB = 4000

// ExportResult reports a written archive.
type ExportResult struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size"`
}

// Export packs a session into a portable archive at destPath. A
// directory destination gets a generated filename; any other
// destination has the archive suffix appended when missing. The
// payload always travels as a plain file tree, so any mode on any
// filesystem can restore it.
func (m *Manager) Export(ctx context.Context, id, destPath string, verify bool) (*ExportResult, error) {
	if err := m.requireSession(id); err != nil {
		return nil, err
	}
	reg, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if reg.Running == id {
		return nil, errors.NewInvariantError("cannot export the session the system is running from").
			WithOperation("export").
			WithSessionID(id)
	}

	outPath := destPath
	if fi, err := os.Stat(destPath); err == nil && fi.IsDir() {
		outPath = filepath.Join(destPath, archive.FileName(id, m.now()))
	} else {
		outPath = archive.EnsureExtension(outPath)
	}

	path := m.sessionPath(id)
	usedBytes := m.cache.Size(path)
	// The archive compresses, but the scratch tree exists alongside it
	// while packing.
	if err := m.checkFreeSpace(filepath.Dir(outPath), usedBytes/(1024*1024)*3/2); err != nil {
		return nil, err
	}

	driver, err := backend.ForMode(modeOf(reg, id), m.tools)
	if err != nil {
		return nil, err
	}

	scratch, err := backend.MakeScratchDir(m.dir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	if err := driver.ExtractTo(ctx, path, scratch); err != nil {
		return nil, err
	}

	manifest := &archive.Manifest{
		Version: archive.ManifestVersion,
		Date:    m.now(),
		Session: exportMeta(reg, id, usedBytes),
	}
	if err := archive.Write(ctx, outPath, manifest, scratch); err != nil {
		return nil, err
	}

	if verify {
		if _, err := archive.Verify(ctx, outPath); err != nil {
			os.Remove(outPath)
			return nil, err
		}
	}

	fi, err := os.Stat(outPath)
	if err != nil {
		return nil, errors.NewStorageError("archive missing after writing", err).WithPath(outPath)
	}

	m.logger.Info("session exported", "session_id", id, "path", outPath, "size", fi.Size())
	return &ExportResult{Path: outPath, SizeBytes: fi.Size()}, nil
}

// exportMeta assembles the manifest identity from the registry entry,
// with unknowns for unregistered attributes.
func exportMeta(reg *registry.Registry, id string, usedBytes int64) archive.SessionMeta {
	meta := archive.SessionMeta{
		Mode:      modeOf(reg, id),
		Version:   release.Unknown,
		Edition:   release.Unknown,
		Union:     release.Unknown,
		SizeBytes: usedBytes,
	}
	if entry := reg.Sessions[id]; entry != nil {
		meta.Version = orUnknown(entry.Version)
		meta.Edition = orUnknown(entry.Edition)
		meta.Union = orUnknown(entry.Union)
		meta.SizeMB = entry.SizeMB
	}
	return meta
}

// ImportOptions adjust import behavior.
type ImportOptions struct {
	// AutoConvert falls back to a mode the sessions filesystem supports
	// when the archive's mode is not available on it.
	AutoConvert bool

	// ForceMode overrides the target mode entirely.
	ForceMode string

	// Verify checks the imported session after populating it.
	Verify bool

	// SkipCompatibility suppresses the identity comparison against the
	// running release.
	SkipCompatibility bool

	// Strict turns compatibility warnings into errors.
	Strict bool
}

// ImportResult reports an imported session.
type ImportResult struct {
	ID       string       `json:"session_id"`
	Mode     backend.Mode `json:"mode"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Import restores an archive as a new session. The archive's identity
// is compared against the running release; mismatches are warnings
// unless opts.Strict, because a session from another release usually
// still works.
func (m *Manager) Import(ctx context.Context, archivePath string, opts ImportOptions) (*ImportResult, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return nil, errors.NewNotFoundError("archive", archivePath).WithCause(err)
	}
	if !archive.HasExtension(archivePath) {
		return nil, errors.NewValidationError("only " + archive.Extension + " archives are supported").
			WithField("archive").
			WithValue(archivePath)
	}

	manifest, err := archive.ReadManifest(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if !opts.SkipCompatibility {
		warnings = compatWarnings(manifest, m.release.Current())
	}
	if opts.Strict && len(warnings) > 0 {
		return nil, errors.NewValidationError("archive does not match the running system: " + strings.Join(warnings, "; "))
	}

	mode, err := m.importMode(manifest, opts)
	if err != nil {
		return nil, err
	}
	driver, err := backend.ForMode(mode, m.tools)
	if err != nil {
		return nil, err
	}

	requiredMB := manifest.AllocationMB()
	if requiredMB == 0 {
		requiredMB = fallbackSizeMB
	}
	if err := m.checkFreeSpace(m.dir, requiredMB); err != nil {
		return nil, err
	}

	id, err := m.nextID()
	if err != nil {
		return nil, err
	}

	scratch, err := backend.MakeScratchDir(m.dir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	if err := archive.Extract(ctx, archivePath, scratch); err != nil {
		return nil, err
	}
	payload, err := os.ReadDir(scratch)
	if err != nil {
		return nil, errors.NewStorageError("failed to read extracted payload", err).WithPath(scratch)
	}

	sizeMB := int64(0)
	if mode != backend.ModeNative {
		sizeMB = requiredMB
		if len(payload) == 0 {
			sizeMB = m.cfg.Create.DefaultSizeMB
		}
	}

	path := m.sessionPath(id)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, errors.NewStorageError("failed to create session directory", err).WithPath(path)
	}
	switch {
	case len(payload) == 0 && mode == backend.ModeNative:
		// An exported fresh session has no payload; the bare directory
		// is the session.
	case len(payload) == 0:
		err = driver.Create(ctx, path, sizeMB)
	default:
		err = driver.Populate(ctx, path, scratch, sizeMB)
	}
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}

	if opts.Verify {
		if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
			os.RemoveAll(path)
			return nil, errors.Wrap(errors.ErrVerificationFailed, "imported session did not survive on disk")
		}
	}

	err = m.store.Update(func(reg *registry.Registry) error {
		reg.Sessions[id] = &registry.Entry{
			Mode:    mode,
			Version: orUnknown(manifest.Session.Version),
			Edition: orUnknown(manifest.Session.Edition),
			Union:   orUnknown(manifest.Session.Union),
			SizeMB:  sizeMB,
		}
		return nil
	})
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}

	m.logger.Info("session imported", "session_id", id, "mode", string(mode), "warnings", len(warnings))
	return &ImportResult{ID: id, Mode: mode, Warnings: warnings}, nil
}

// importMode resolves the target mode: an explicit force wins, then
// auto-conversion, then the archive's own mode.
func (m *Manager) importMode(manifest *archive.Manifest, opts ImportOptions) (backend.Mode, error) {
	if opts.ForceMode != "" {
		return backend.ParseMode(opts.ForceMode)
	}
	if opts.AutoConvert {
		return m.selectCompatibleMode(manifest.Session.Mode), nil
	}
	return manifest.Session.Mode, nil
}

// selectCompatibleMode keeps preferred when the sessions filesystem
// supports it and otherwise picks the filesystem's first compatible
// mode. Native is the answer when detection fails: it works anywhere a
// session directory can exist at all.
func (m *Manager) selectCompatibleMode(preferred backend.Mode) backend.Mode {
	fs, err := m.detector.Detect(m.dir)
	if err != nil {
		return backend.ModeNative
	}
	compatible := fsinfo.CompatibleModes(fs)
	for _, name := range compatible {
		if name == string(preferred) {
			return preferred
		}
	}
	if len(compatible) > 0 {
		return backend.Mode(compatible[0])
	}
	return backend.ModeNative
}

// compatWarnings compares the archive's identity with the running
// release, field by field.
func compatWarnings(manifest *archive.Manifest, current release.Info) []string {
	var warnings []string
	check := func(field, archiveValue, systemValue string) {
		archiveValue = orUnknown(archiveValue)
		systemValue = orUnknown(systemValue)
		if archiveValue != systemValue {
			warnings = append(warnings,
				fmt.Sprintf("%s mismatch: archive has %s, system has %s", field, archiveValue, systemValue))
		}
	}
	check("version", manifest.Session.Version, current.Version)
	check("edition", manifest.Session.Edition, current.Edition)
	check("union filesystem", manifest.Session.Union, current.Union)
	return warnings
}

// CopyOptions adjust session duplication.
type CopyOptions struct {
	// ToMode converts the copy to another storage mode. Empty keeps
	// the source's mode.
	ToMode string

	// SizeMB overrides the copy's container allocation.
	SizeMB int64
}

// CopyResult reports a duplicated session.
type CopyResult struct {
	ID   string       `json:"id"`
	Mode backend.Mode `json:"mode"`
}

// Copy duplicates a session under a fresh id, optionally converting it
// to another mode. A same-mode copy clones the storage files directly;
// a cross-mode copy extracts the payload and rebuilds it.
func (m *Manager) Copy(ctx context.Context, id string, opts CopyOptions) (*CopyResult, error) {
	if err := m.requireSession(id); err != nil {
		return nil, err
	}
	reg, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if reg.Running == id {
		return nil, errors.NewInvariantError("cannot copy the session the system is running from").
			WithOperation("copy").
			WithSessionID(id)
	}
	if opts.SizeMB < 0 {
		return nil, errors.NewValidationError("session size must be positive").
			WithField("size").
			WithValue(opts.SizeMB)
	}

	srcMode := modeOf(reg, id)
	targetMode := srcMode
	if opts.ToMode != "" {
		if targetMode, err = backend.ParseMode(opts.ToMode); err != nil {
			return nil, err
		}
	}

	srcPath := m.sessionPath(id)
	srcEntry := reg.Sessions[id]

	sizeMB := opts.SizeMB
	if sizeMB == 0 && srcEntry != nil {
		sizeMB = srcEntry.SizeMB
	}
	if sizeMB == 0 && targetMode != backend.ModeNative && targetMode != srcMode {
		sizeMB = fallbackSizeMB
	}
	if targetMode == backend.ModeNative {
		sizeMB = 0
	}

	requiredMB := sizeMB
	if requiredMB == 0 {
		requiredMB = m.cache.Size(srcPath) / (1024 * 1024)
	}
	if err := m.checkFreeSpace(m.dir, requiredMB); err != nil {
		return nil, err
	}

	newID, err := m.nextID()
	if err != nil {
		return nil, err
	}
	dstPath := m.sessionPath(newID)
	if err := os.Mkdir(dstPath, 0o755); err != nil {
		return nil, errors.NewStorageError("failed to create session directory", err).WithPath(dstPath)
	}

	if err := m.copyStorage(ctx, srcMode, targetMode, srcPath, dstPath, sizeMB); err != nil {
		os.RemoveAll(dstPath)
		return nil, err
	}

	err = m.store.Update(func(reg *registry.Registry) error {
		entry := &registry.Entry{
			Mode:    targetMode,
			Version: release.Unknown,
			Edition: release.Unknown,
			Union:   release.Unknown,
			SizeMB:  sizeMB,
		}
		if srcEntry != nil {
			entry.Version = orUnknown(srcEntry.Version)
			entry.Edition = orUnknown(srcEntry.Edition)
			entry.Union = orUnknown(srcEntry.Union)
		}
		reg.Sessions[newID] = entry
		return nil
	})
	if err != nil {
		os.RemoveAll(dstPath)
		return nil, err
	}

	m.logger.Info("session copied", "session_id", id, "new_id", newID, "mode", string(targetMode))
	return &CopyResult{ID: newID, Mode: targetMode}, nil
}

// copyStorage moves session data between directories, directly for
// same-mode copies and through a plain extracted tree otherwise.
func (m *Manager) copyStorage(ctx context.Context, srcMode, dstMode backend.Mode, srcPath, dstPath string, sizeMB int64) error {
	srcDriver, err := backend.ForMode(srcMode, m.tools)
	if err != nil {
		return err
	}
	if srcMode == dstMode {
		return srcDriver.Clone(ctx, srcPath, dstPath)
	}

	dstDriver, err := backend.ForMode(dstMode, m.tools)
	if err != nil {
		return err
	}

	scratch, err := backend.MakeScratchDir(m.dir)
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := srcDriver.ExtractTo(ctx, srcPath, scratch); err != nil {
		return err
	}
	return dstDriver.Populate(ctx, dstPath, scratch, sizeMB)
}

// ConvertOptions adjust mode conversion.
type ConvertOptions struct {
	// SizeMB sets the converted container's allocation.
	SizeMB int64

	// NewSession builds the converted session under a fresh id and
	// leaves the source untouched.
	NewSession bool
}

// ConvertResult reports a mode conversion.
type ConvertResult struct {
	ID         string       `json:"id"`
	From       backend.Mode `json:"from"`
	To         backend.Mode `json:"to"`
	NewSession bool         `json:"new_session,omitempty"`
}

// Convert rebuilds a session's storage in another mode. By default the
// session keeps its id: the converted storage is built in a scratch
// directory and swapped in. With opts.NewSession the converted copy
// gets a fresh id instead and the source stays untouched.
func (m *Manager) Convert(ctx context.Context, id, targetName string, opts ConvertOptions) (*ConvertResult, error) {
	if err := m.requireSession(id); err != nil {
		return nil, err
	}
	targetMode, err := backend.ParseMode(targetName)
	if err != nil {
		return nil, err
	}
	reg, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	srcMode := modeOf(reg, id)
	if srcMode == targetMode {
		return nil, errors.NewValidationError(fmt.Sprintf("session is already in %s mode", targetMode)).
			WithField("mode").
			WithValue(string(targetMode))
	}
	if reg.Running == id {
		return nil, errors.NewInvariantError("cannot convert the session the system is running from").
			WithOperation("convert").
			WithSessionID(id)
	}
	if reg.Default == id {
		return nil, errors.NewInvariantError("cannot convert the default session; activate another session first").
			WithOperation("convert").
			WithSessionID(id)
	}

	if fs, err := m.detector.Detect(m.dir); err == nil {
		if err := checkModeCompat(fs, targetMode); err != nil {
			return nil, err
		}
	}

	srcEntry := reg.Sessions[id]
	srcPath := m.sessionPath(id)

	sizeMB := opts.SizeMB
	if targetMode == backend.ModeNative {
		sizeMB = 0
	} else if sizeMB == 0 {
		switch {
		case srcEntry != nil && srcEntry.SizeMB > 0:
			sizeMB = srcEntry.SizeMB
		case srcMode == backend.ModeNative:
			sizeMB = m.cache.Size(srcPath)/(1024*1024) + 100
		default:
			sizeMB = m.cfg.Create.DefaultSizeMB
		}
	}

	srcDriver, err := backend.ForMode(srcMode, m.tools)
	if err != nil {
		return nil, err
	}
	dstDriver, err := backend.ForMode(targetMode, m.tools)
	if err != nil {
		return nil, err
	}

	extractDir, err := backend.MakeScratchDir(m.dir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(extractDir)

	if err := srcDriver.ExtractTo(ctx, srcPath, extractDir); err != nil {
		return nil, err
	}

	if opts.NewSession {
		newID, err := m.nextID()
		if err != nil {
			return nil, err
		}
		newPath := m.sessionPath(newID)
		if err := os.Mkdir(newPath, 0o755); err != nil {
			return nil, errors.NewStorageError("failed to create session directory", err).WithPath(newPath)
		}
		if err := dstDriver.Populate(ctx, newPath, extractDir, sizeMB); err != nil {
			os.RemoveAll(newPath)
			return nil, err
		}

		err = m.store.Update(func(reg *registry.Registry) error {
			entry := &registry.Entry{
				Mode:    targetMode,
				Version: release.Unknown,
				Edition: release.Unknown,
				Union:   release.Unknown,
				SizeMB:  sizeMB,
			}
			if srcEntry != nil {
				entry.Version = orUnknown(srcEntry.Version)
				entry.Edition = orUnknown(srcEntry.Edition)
				entry.Union = orUnknown(srcEntry.Union)
			}
			reg.Sessions[newID] = entry
			return nil
		})
		if err != nil {
			os.RemoveAll(newPath)
			return nil, err
		}

		m.logger.Info("session converted", "session_id", id, "new_id", newID,
			"from", string(srcMode), "to", string(targetMode))
		return &ConvertResult{ID: newID, From: srcMode, To: targetMode, NewSession: true}, nil
	}

	buildDir, err := backend.MakeScratchDir(m.dir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(buildDir)

	if err := dstDriver.Populate(ctx, buildDir, extractDir, sizeMB); err != nil {
		return nil, err
	}
	if err := m.swapSessionDir(srcPath, buildDir); err != nil {
		return nil, err
	}

	err = m.store.Update(func(reg *registry.Registry) error {
		entry := reg.Sessions[id]
		if entry == nil {
			entry = &registry.Entry{
				Version: release.Unknown,
				Edition: release.Unknown,
				Union:   release.Unknown,
			}
			reg.Sessions[id] = entry
		}
		entry.Mode = targetMode
		entry.SizeMB = sizeMB
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("session converted", "session_id", id, "from", string(srcMode), "to", string(targetMode))
	return &ConvertResult{ID: id, From: srcMode, To: targetMode}, nil
}

// swapSessionDir replaces the session directory with the freshly built
// one. The old directory is moved aside rather than deleted, so a
// failed swap restores it.
func (m *Manager) swapSessionDir(path, buildDir string) error {
	backup := path + ".converting"
	os.RemoveAll(backup)
	if err := os.Rename(path, backup); err != nil {
		return errors.NewStorageError("failed to move the old session aside", err).WithPath(path)
	}
	if err := os.Rename(buildDir, path); err != nil {
		if restoreErr := os.Rename(backup, path); restoreErr != nil {
			return errors.NewStorageError("failed to install the converted session and could not restore the original", restoreErr).WithPath(path)
		}
		return errors.NewStorageError("failed to install the converted session", err).WithPath(path)
	}
	if err := os.RemoveAll(backup); err != nil {
		m.logger.Warn("failed to remove conversion backup", "path", backup, "error", err)
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return release.Unknown
	}
	return s
}

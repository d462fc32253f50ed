package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/logging"
)

// LockFileName is the name of the advisory lock file within a sessions
// directory. The leading dot keeps it out of session listings.
const LockFileName = ".session.lock"

const (
	// lockAcquireWait bounds how long AcquireLock retries against a
	// live holder. CLI invocations hold the lock for milliseconds, so a
	// short wait absorbs overlap without stalling a stuck caller.
	lockAcquireWait = 2 * time.Second

	lockRetryEvery = 100 * time.Millisecond
)

// Lock represents an acquired registry lock.
type Lock struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`

	// Internal fields (not serialized)
	lockFile string
	logger   *logging.Logger
}

// Lock acquires the registry lock for the store's sessions directory.
// The caller must Release it.
func (s *Store) Lock() (*Lock, error) {
	return AcquireLock(s.dir, s.logger)
}

// AcquireLock attempts to acquire an exclusive lock on the sessions
// directory's registry, retrying briefly while another live process
// holds it. Locks left behind by dead processes are taken over.
// The logger parameter is optional and can be nil.
func AcquireLock(sessionsDir string, logger *logging.Logger) (*Lock, error) {
	return acquireLockWait(sessionsDir, logger, lockAcquireWait, lockRetryEvery)
}

func acquireLockWait(sessionsDir string, logger *logging.Logger, wait, retry time.Duration) (*Lock, error) {
	lockPath := filepath.Join(sessionsDir, LockFileName)

	deadline := time.Now().Add(wait)
	for {
		lock, err := tryAcquire(lockPath, logger)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errors.ErrRegistryLocked) || !time.Now().Before(deadline) {
			return nil, err
		}
		time.Sleep(retry)
	}
}

// tryAcquire makes a single attempt at the lock file.
func tryAcquire(lockPath string, logger *logging.Logger) (*Lock, error) {
	// Check for an existing lock first.
	if existing, err := ReadLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, errors.Wrapf(errors.ErrRegistryLocked,
				"held by PID %d on %s", existing.PID, existing.Hostname)
		}
		// Stale lock - the holder is gone, remove it.
		oldPID := existing.PID
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to remove stale registry lock")
		}
		if logger != nil {
			logger.Warn("stale registry lock cleaned", "old_pid", oldPID)
		}
	} else if !os.IsNotExist(err) {
		// An unreadable lock file cannot name a live holder. Treating
		// it as held would block the registry until someone deletes it
		// by hand, so clear it and contend for the replacement.
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to remove unreadable registry lock")
		}
		if logger != nil {
			logger.Warn("unreadable registry lock cleaned", "path", lockPath)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	lock := &Lock{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
		lockFile:   lockPath,
		logger:     logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal lock")
	}

	// O_EXCL fails if the file appeared since the check above, so two
	// racing processes cannot both win.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(lockPath); readErr == nil {
				return nil, errors.Wrapf(errors.ErrRegistryLocked,
					"held by PID %d on %s", existing.PID, existing.Hostname)
			}
			return nil, errors.ErrRegistryLocked
		}
		return nil, errors.Wrap(err, "failed to create lock file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, errors.Wrap(err, "failed to write lock file")
	}

	if logger != nil {
		logger.Debug("registry lock acquired", "pid", lock.PID)
	}

	return lock, nil
}

// Release releases the registry lock by removing the lock file.
// Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}

	// Only remove the file if this process still owns it.
	existing, err := ReadLock(l.lockFile)
	if err != nil {
		return nil
	}
	if existing.PID != l.PID {
		return nil
	}

	if err := os.Remove(l.lockFile); err != nil {
		return err
	}

	if l.logger != nil {
		l.logger.Debug("registry lock released", "pid", l.PID)
	}

	return nil
}

// ReadLock reads a lock file and returns the lock info.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}

	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.lockFile = lockPath

	return &lock, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	// Signal 0 checks for existence without affecting the process.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Package systools wraps the storage tooling a live system provides:
// the dynfilefs FUSE helper, ext4 formatting and resizing, and loop
// mounts. All shelling out happens behind the Tools interface so the
// storage backends stay testable without root or installed tools.
package systools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/minios-linux/sessionctl/internal/errors"
)

// VirtualFileName is the virtual block file dynfilefs exposes inside
// its mount point.
const VirtualFileName = "virtual.dat"

// ShardSplitMB is the shard size passed to dynfilefs so containers stay
// usable on FAT media with its 4 GB file limit.
const ShardSplitMB = 4000

const (
	defaultMountWait = 10 * time.Second
	mountPollEvery   = 50 * time.Millisecond
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// Start launches a long-running command in the background.
	Start(dir string, name string, args ...string) (Process, error)
}

// Process is a started background command.
type Process interface {
	// Done is closed when the process exits.
	Done() <-chan struct{}

	// Err returns the exit error. Only valid after Done is closed.
	Err() error

	// Output returns the combined output captured so far.
	Output() string

	// Terminate sends SIGTERM.
	Terminate() error

	// Wait blocks until the process exits.
	Wait() error
}

// Unmounter tears down a mount established by Tools.
type Unmounter interface {
	Unmount(ctx context.Context) error
}

// Tools is the capability surface the storage backends need from the
// host system.
type Tools interface {
	// Check reports whether tool is installed.
	Check(tool string) error

	// CheckDynfilefs reports whether the dynfilefs helper is installed.
	CheckDynfilefs() error

	// MountDynfilefs mounts the shard container at mountPoint and waits
	// for the virtual file to appear. sizeMB > 0 sets (or grows) the
	// virtual size; 0 keeps the size recorded in the container.
	// splitMB > 0 sets the shard split size for new containers.
	MountDynfilefs(ctx context.Context, shardFile, mountPoint string, sizeMB, splitMB int64) (Unmounter, error)

	// LoopMount loop-mounts an image file at mountPoint.
	LoopMount(ctx context.Context, image, mountPoint string, readOnly bool) (Unmounter, error)

	// FormatExt4 creates an ext4 filesystem on the file or device.
	FormatExt4(ctx context.Context, device string) error

	// ResizeExt4 grows the ext4 filesystem to fill the file or device.
	ResizeExt4(ctx context.Context, device string) error

	// ReleaseMount detaches whatever is mounted at mountPoint. Used for
	// crash recovery, where the mount's origin is unknown.
	ReleaseMount(ctx context.Context, mountPoint string) error
}

// -----------------------------------------------------------------------------
// SystemTools
// -----------------------------------------------------------------------------

// SystemTools implements Tools by shelling out. It is the only place in
// the codebase that invokes external storage commands.
type SystemTools struct {
	executor  CommandExecutor
	lookPath  func(string) (string, error)
	mountWait time.Duration
}

// NewSystemTools creates a SystemTools using the real executor.
func NewSystemTools() *SystemTools {
	return &SystemTools{
		executor:  NewSystemExecutor(),
		lookPath:  exec.LookPath,
		mountWait: defaultMountWait,
	}
}

// NewSystemToolsWithExecutor creates a SystemTools with a custom
// executor. This is primarily useful for testing.
func NewSystemToolsWithExecutor(executor CommandExecutor) *SystemTools {
	return &SystemTools{
		executor:  executor,
		lookPath:  exec.LookPath,
		mountWait: defaultMountWait,
	}
}

// Check reports whether tool is installed.
func (t *SystemTools) Check(tool string) error {
	if _, err := t.lookPath(tool); err != nil {
		return errors.NewToolError("required tool is not installed", errors.ErrToolUnavailable).
			WithTool(tool)
	}
	return nil
}

// CheckDynfilefs reports whether the dynfilefs helper is installed.
// Some builds ship it as mount.dynfilefs.
func (t *SystemTools) CheckDynfilefs() error {
	if _, err := t.lookPath("dynfilefs"); err == nil {
		return nil
	}
	if _, err := t.lookPath("mount.dynfilefs"); err == nil {
		return nil
	}
	return errors.NewToolError("dynfilefs is not installed", errors.ErrToolUnavailable).
		WithTool("dynfilefs")
}

// MountDynfilefs mounts the shard container and waits for the virtual
// file to appear. The helper stays running for the lifetime of the
// mount; the returned Unmounter stops it.
func (t *SystemTools) MountDynfilefs(ctx context.Context, shardFile, mountPoint string, sizeMB, splitMB int64) (Unmounter, error) {
	args := []string{"-f", shardFile, "-m", mountPoint}
	if sizeMB > 0 {
		args = append(args, "-s", strconv.FormatInt(sizeMB, 10))
	}
	if splitMB > 0 {
		args = append(args, "-p", strconv.FormatInt(splitMB, 10))
	}
	// -d keeps the helper in the foreground. Without it dynfilefs
	// daemonizes and the process handle would outlive the real worker.
	args = append(args, "-d")

	proc, err := t.executor.Start("", "dynfilefs", args...)
	if err != nil {
		return nil, errors.NewToolError("failed to start dynfilefs", err).
			WithTool("dynfilefs")
	}

	if err := t.waitForFile(ctx, filepath.Join(mountPoint, VirtualFileName), proc); err != nil {
		_ = proc.Terminate()
		// Reap the helper, but never hang on one that ignores SIGTERM.
		select {
		case <-proc.Done():
		case <-time.After(t.mountWait):
		}
		return nil, err
	}

	return &fuseMount{tools: t, proc: proc, mountPoint: mountPoint}, nil
}

// waitForFile polls until path exists, the helper exits, the context is
// canceled, or the mount wait elapses.
func (t *SystemTools) waitForFile(ctx context.Context, path string, proc Process) error {
	deadline := time.NewTimer(t.mountWait)
	defer deadline.Stop()
	tick := time.NewTicker(mountPollEvery)
	defer tick.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		select {
		case <-proc.Done():
			return errors.NewToolError("dynfilefs exited before the mount appeared", proc.Err()).
				WithTool("dynfilefs").
				WithOutput(proc.Output())
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for dynfilefs mount")
		case <-deadline.C:
			return errors.NewTimeoutError("dynfilefs mount", t.mountWait)
		case <-tick.C:
		}
	}
}

// LoopMount loop-mounts an image file at mountPoint.
func (t *SystemTools) LoopMount(ctx context.Context, image, mountPoint string, readOnly bool) (Unmounter, error) {
	opts := "loop"
	if readOnly {
		opts = "loop,ro"
	}

	output, err := t.executor.Run(ctx, "", "mount", "-o", opts, image, mountPoint)
	if err != nil {
		return nil, errors.NewToolError("failed to loop-mount image", err).
			WithTool("mount").
			WithOutput(string(output))
	}

	return &loopMount{tools: t, mountPoint: mountPoint}, nil
}

// FormatExt4 creates an ext4 filesystem on the file or device. It
// syncs afterwards so the new filesystem is durable on FAT media.
func (t *SystemTools) FormatExt4(ctx context.Context, device string) error {
	name := "mke2fs"
	args := []string{"-F", "-t", "ext4", device}
	if _, err := t.lookPath(name); err != nil {
		name = "mkfs.ext4"
		args = []string{"-F", device}
	}

	output, err := t.executor.Run(ctx, "", name, args...)
	if err != nil {
		return errors.NewToolError("failed to format ext4 filesystem", err).
			WithTool(name).
			WithOutput(string(output))
	}

	_, _ = t.executor.Run(ctx, "", "sync")
	return nil
}

// ResizeExt4 grows the ext4 filesystem to fill the file or device.
// resize2fs runs its own consistency checks under -f.
func (t *SystemTools) ResizeExt4(ctx context.Context, device string) error {
	output, err := t.executor.Run(ctx, "", "resize2fs", "-f", device)
	if err != nil {
		return errors.NewToolError("failed to resize ext4 filesystem", err).
			WithTool("resize2fs").
			WithOutput(string(output))
	}
	return nil
}

// ReleaseMount detaches whatever is mounted at mountPoint. A crashed
// helper can leave either a FUSE or a loop mount behind, so both
// unmount tools are tried.
func (t *SystemTools) ReleaseMount(ctx context.Context, mountPoint string) error {
	if _, err := t.executor.Run(ctx, "", "fusermount", "-u", mountPoint); err == nil {
		return nil
	}
	output, err := t.executor.Run(ctx, "", "umount", mountPoint)
	if err != nil {
		return errors.NewToolError("failed to release mount", err).
			WithTool("umount").
			WithOutput(string(output))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mount Handles
// -----------------------------------------------------------------------------

// fuseMount is an active dynfilefs mount backed by a running helper
// process.
type fuseMount struct {
	tools      *SystemTools
	proc       Process
	mountPoint string
}

// Unmount flushes and detaches the mount, then stops the helper.
func (m *fuseMount) Unmount(ctx context.Context) error {
	// fusermount flushes pending shard writes; only then stop the helper.
	_, umountErr := m.tools.executor.Run(ctx, "", "fusermount", "-u", m.mountPoint)
	_ = m.proc.Terminate()

	// The helper exiting takes the mount with it, so a fusermount error
	// only matters when the helper is still around.
	select {
	case <-m.proc.Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for dynfilefs to exit")
	case <-time.After(m.tools.mountWait):
	}

	if umountErr != nil {
		return errors.NewToolError("failed to unmount dynfilefs", umountErr).
			WithTool("fusermount")
	}
	return errors.NewToolError("dynfilefs did not exit after unmount", nil).
		WithTool("dynfilefs").
		WithOutput(m.proc.Output())
}

// loopMount is an active loop mount.
type loopMount struct {
	tools      *SystemTools
	mountPoint string
}

// Unmount detaches the loop mount.
func (m *loopMount) Unmount(ctx context.Context) error {
	output, err := m.tools.executor.Run(ctx, "", "umount", m.mountPoint)
	if err != nil {
		return errors.NewToolError("failed to unmount image", err).
			WithTool("umount").
			WithOutput(string(output))
	}
	return nil
}

// -----------------------------------------------------------------------------
// File Allocation
// -----------------------------------------------------------------------------

// AllocateFile creates or extends path to sizeBytes. Space is
// preallocated where the filesystem supports it; elsewhere the file is
// extended sparsely and fills as the ext4 image is written.
func AllocateFile(path string, sizeBytes int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if err := unix.Fallocate(int(f.Fd()), 0, 0, sizeBytes); err != nil {
		if err := f.Truncate(sizeBytes); err != nil {
			return errors.Wrapf(err, "failed to allocate %s", path)
		}
	}
	return nil
}

// Ensure implementations satisfy their interfaces at compile time.
var (
	_ Tools     = (*SystemTools)(nil)
	_ Unmounter = (*fuseMount)(nil)
	_ Unmounter = (*loopMount)(nil)
)

// Package testutil provides shared test doubles for sessionctl tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/systools"
)

// FakeTools simulates the host storage tooling. Containers are backed
// by real directories; mounting swaps the scratch mount point for a
// symlink to the backing directory, so storage code runs against a real
// tree without loop devices or FUSE.
//
// Tests inject failures through the error fields and inspect Calls for
// the recorded tool invocations.
type FakeTools struct {
	t     *testing.T
	Calls []string

	// Containers maps a container identity (shard or image path) to
	// its simulated filesystem root.
	Containers map[string]string
	// Virtuals maps a mounted virtual file back to its shard while the
	// fuse mount is up.
	Virtuals map[string]string

	DynfilefsMissing bool
	MountErr         error
	LoopErr          error
	FormatErr        error
	ResizeErr        error
	FuseUnmountErr   error
	LoopUnmountErr   error
	ReleaseErr       error
}

func NewFakeTools(t *testing.T) *FakeTools {
	return &FakeTools{
		t:          t,
		Containers: make(map[string]string),
		Virtuals:   make(map[string]string),
	}
}

func (f *FakeTools) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// containerKey resolves a device path to its container identity: a
// mounted virtual file belongs to its shard, anything else is its own
// container.
func (f *FakeTools) containerKey(device string) string {
	if shard, ok := f.Virtuals[device]; ok {
		return shard
	}
	return device
}

// SeedContainer registers a formatted container with the given files.
func (f *FakeTools) SeedContainer(key string, files map[string]string) string {
	root := f.t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			f.t.Fatalf("seeding container: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			f.t.Fatalf("seeding container: %v", err)
		}
	}
	f.Containers[key] = root
	return root
}

func (f *FakeTools) Check(tool string) error { return nil }

func (f *FakeTools) CheckDynfilefs() error {
	f.record("check-dynfilefs")
	if f.DynfilefsMissing {
		return errors.NewToolError("dynfilefs is not installed", errors.ErrToolUnavailable).
			WithTool("dynfilefs")
	}
	return nil
}

func (f *FakeTools) MountDynfilefs(_ context.Context, shardFile, mountPoint string, sizeMB, splitMB int64) (systools.Unmounter, error) {
	f.record("mount-dynfilefs %s size=%d split=%d", filepath.Base(shardFile), sizeMB, splitMB)
	if f.MountErr != nil {
		return nil, f.MountErr
	}

	virtual := filepath.Join(mountPoint, systools.VirtualFileName)
	if err := os.WriteFile(virtual, nil, 0o644); err != nil {
		f.t.Fatalf("creating virtual file: %v", err)
	}
	f.Virtuals[virtual] = shardFile

	return unmountFunc(func() error {
		f.record("unmount-fuse")
		delete(f.Virtuals, virtual)
		return f.FuseUnmountErr
	}), nil
}

func (f *FakeTools) LoopMount(_ context.Context, image, mountPoint string, readOnly bool) (systools.Unmounter, error) {
	f.record("loop-mount %s ro=%t", filepath.Base(image), readOnly)
	if f.LoopErr != nil {
		return nil, f.LoopErr
	}

	root, ok := f.Containers[f.containerKey(image)]
	if !ok {
		f.t.Fatalf("loop mount of unformatted container %s", image)
	}

	// Present the container filesystem at the mount point.
	if err := os.Remove(mountPoint); err != nil {
		f.t.Fatalf("swapping mount point: %v", err)
	}
	if err := os.Symlink(root, mountPoint); err != nil {
		f.t.Fatalf("swapping mount point: %v", err)
	}

	return unmountFunc(func() error {
		f.record("unmount-loop")
		if err := os.Remove(mountPoint); err != nil {
			return err
		}
		if err := os.Mkdir(mountPoint, 0o700); err != nil {
			return err
		}
		return f.LoopUnmountErr
	}), nil
}

func (f *FakeTools) FormatExt4(_ context.Context, device string) error {
	f.record("format-ext4 %s", filepath.Base(device))
	if f.FormatErr != nil {
		return f.FormatErr
	}

	root := f.t.TempDir()
	// mkfs leaves lost+found behind.
	if err := os.Mkdir(filepath.Join(root, "lost+found"), 0o755); err != nil {
		f.t.Fatalf("creating lost+found: %v", err)
	}
	f.Containers[f.containerKey(device)] = root
	return nil
}

func (f *FakeTools) ResizeExt4(_ context.Context, device string) error {
	f.record("resize-ext4 %s", filepath.Base(device))
	return f.ResizeErr
}

func (f *FakeTools) ReleaseMount(_ context.Context, mountPoint string) error {
	f.record("release-mount %s", filepath.Base(mountPoint))
	return f.ReleaseErr
}

type unmountFunc func() error

func (u unmountFunc) Unmount(context.Context) error { return u() }

var _ systools.Tools = (*FakeTools)(nil)

// WriteFileTree materializes files under dir, creating parents as
// needed. Map keys are slash paths relative to dir.
func WriteFileTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
}

// ReadFileTree collects every regular file under dir keyed by its
// relative path.
func ReadFileTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files[rel] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reading tree %s: %v", dir, err)
	}
	return files
}

package backend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/testutil"
)

func newDynfilefsDriver(t *testing.T) (*dynfilefsDriver, *testutil.FakeTools) {
	t.Helper()
	tools := testutil.NewFakeTools(t)
	return &dynfilefsDriver{tools: tools}, tools
}

// writeShards drops shard files of the given sizes into the session
// directory.
func writeShards(t *testing.T, dir string, sizes ...int) {
	t.Helper()
	names := []string{"changes.dat", "changes.dat.1", "changes.dat.2"}
	for i, size := range sizes {
		if err := os.WriteFile(filepath.Join(dir, names[i]), bytes.Repeat([]byte{0}, size), 0o644); err != nil {
			t.Fatalf("writing shard: %v", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Dynfilefs Create Tests
// -----------------------------------------------------------------------------

func TestDynfilefsCreate(t *testing.T) {
	sessionsDir, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)

	if err := driver.Create(context.Background(), sessionDir, 2000); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	assertCalls(t, tools.Calls, []string{
		"check-dynfilefs",
		"mount-dynfilefs changes.dat size=2000 split=4000",
		"format-ext4 virtual.dat",
		"unmount-fuse",
	})
	assertNoScratchDirs(t, sessionsDir)
}

func TestDynfilefsCreateRejectsZeroSize(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)

	err := driver.Create(context.Background(), sessionDir, 0)
	if err == nil {
		t.Fatal("Create succeeded with zero size")
	}
	var validationErr *errors.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("error type = %T, want *errors.ValidationError", err)
	}
	if len(tools.Calls) != 0 {
		t.Errorf("tools were invoked for invalid size: %v", tools.Calls)
	}
}

func TestDynfilefsCreateToolMissing(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	tools.DynfilefsMissing = true

	err := driver.Create(context.Background(), sessionDir, 1000)
	if !errors.Is(err, errors.ErrToolUnavailable) {
		t.Errorf("error = %v, want ErrToolUnavailable", err)
	}
}

func TestDynfilefsCreateFormatFailureUnmounts(t *testing.T) {
	sessionsDir, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	tools.FormatErr = errors.New("mke2fs: no space left on device")

	err := driver.Create(context.Background(), sessionDir, 1000)
	if err == nil {
		t.Fatal("Create succeeded despite format failure")
	}

	// The container must be detached even though formatting failed.
	assertCalls(t, tools.Calls, []string{
		"check-dynfilefs",
		"mount-dynfilefs changes.dat size=1000 split=4000",
		"format-ext4 virtual.dat",
		"unmount-fuse",
	})
	assertNoScratchDirs(t, sessionsDir)
}

func TestDynfilefsCreateUnmountFailureReported(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	tools.FuseUnmountErr = errors.New("fusermount: device busy")

	err := driver.Create(context.Background(), sessionDir, 1000)
	if err == nil {
		t.Fatal("Create ignored unmount failure")
	}
}

// -----------------------------------------------------------------------------
// Dynfilefs Resize Tests
// -----------------------------------------------------------------------------

func TestDynfilefsResize(t *testing.T) {
	sessionsDir, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	writeShards(t, sessionDir, 1024*1024)

	if err := driver.Resize(context.Background(), sessionDir, 1500, 1000); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	// No split flag when remounting an existing container.
	assertCalls(t, tools.Calls, []string{
		"check-dynfilefs",
		"mount-dynfilefs changes.dat size=1500 split=0",
		"resize-ext4 virtual.dat",
		"unmount-fuse",
	})
	assertNoScratchDirs(t, sessionsDir)
}

func TestDynfilefsResizeRejectsShrink(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, _ := newDynfilefsDriver(t)
	writeShards(t, sessionDir, 1024)

	err := driver.Resize(context.Background(), sessionDir, 500, 1000)
	if err == nil {
		t.Fatal("Resize allowed shrinking below current size")
	}
	var validationErr *errors.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("error type = %T, want *errors.ValidationError", err)
	}
}

func TestDynfilefsResizeRejectsBelowUsed(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, _ := newDynfilefsDriver(t)
	// 5 MiB of shard data, current allocation recorded as 1 MB.
	writeShards(t, sessionDir, 3*1024*1024, 2*1024*1024)

	err := driver.Resize(context.Background(), sessionDir, 3, 1)
	if err == nil {
		t.Fatal("Resize allowed shrinking below used size")
	}
	var validationErr *errors.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("error type = %T, want *errors.ValidationError", err)
	}
}

func TestDynfilefsResizeMissingContainer(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, _ := newDynfilefsDriver(t)

	err := driver.Resize(context.Background(), sessionDir, 2000, 1000)
	if err == nil {
		t.Fatal("Resize succeeded without a container")
	}
	var storageErr *errors.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("error type = %T, want *errors.StorageError", err)
	}
}

// -----------------------------------------------------------------------------
// Dynfilefs Extract / Populate Tests
// -----------------------------------------------------------------------------

func TestDynfilefsExtractTo(t *testing.T) {
	sessionsDir, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	writeShards(t, sessionDir, 1024)

	tools.SeedContainer(filepath.Join(sessionDir, ChangesFileName), map[string]string{
		"etc/hostname":      "minios\n",
		"home/user/.bashrc": "export PS1\n",
	})

	dest := t.TempDir()
	if err := driver.ExtractTo(context.Background(), sessionDir, dest); err != nil {
		t.Fatalf("ExtractTo failed: %v", err)
	}

	assertCalls(t, tools.Calls, []string{
		"check-dynfilefs",
		"mount-dynfilefs changes.dat size=0 split=0",
		"loop-mount virtual.dat ro=true",
		"unmount-loop",
		"unmount-fuse",
	})

	want := map[string]string{
		"etc/hostname":      "minios\n",
		"home/user/.bashrc": "export PS1\n",
	}
	if got := testutil.ReadFileTree(t, dest); !reflect.DeepEqual(got, want) {
		t.Errorf("extracted tree = %v, want %v", got, want)
	}
	assertNoScratchDirs(t, sessionsDir)
}

func TestDynfilefsPopulate(t *testing.T) {
	sessionsDir, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)

	src := t.TempDir()
	testutil.WriteFileTree(t, src, map[string]string{
		"etc/fstab":     "none /tmp tmpfs\n",
		"metadata.json": `{"version":"1.1"}`,
		"session.info":  "archive info",
	})

	if err := driver.Populate(context.Background(), sessionDir, src, 800); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	assertCalls(t, tools.Calls, []string{
		"check-dynfilefs",
		"mount-dynfilefs changes.dat size=800 split=4000",
		"format-ext4 virtual.dat",
		"loop-mount virtual.dat ro=false",
		"unmount-loop",
		"unmount-fuse",
	})

	root := tools.Containers[filepath.Join(sessionDir, ChangesFileName)]
	got := testutil.ReadFileTree(t, root)
	want := map[string]string{"etc/fstab": "none /tmp tmpfs\n"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("container tree = %v, want %v", got, want)
	}

	// The mkfs artifact stays untouched.
	if _, err := os.Stat(filepath.Join(root, "lost+found")); err != nil {
		t.Errorf("lost+found missing after populate: %v", err)
	}
	assertNoScratchDirs(t, sessionsDir)
}

func TestDynfilefsPopulateLoopFailureUnmountsFuse(t *testing.T) {
	sessionsDir, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	tools.LoopErr = errors.New("mount: bad superblock")

	err := driver.Populate(context.Background(), sessionDir, t.TempDir(), 800)
	if err == nil {
		t.Fatal("Populate succeeded despite loop mount failure")
	}

	assertCalls(t, tools.Calls, []string{
		"check-dynfilefs",
		"mount-dynfilefs changes.dat size=800 split=4000",
		"format-ext4 virtual.dat",
		"loop-mount virtual.dat ro=false",
		"unmount-fuse",
	})
	assertNoScratchDirs(t, sessionsDir)
}

// -----------------------------------------------------------------------------
// Dynfilefs Clone Tests
// -----------------------------------------------------------------------------

func TestDynfilefsCloneCopiesShards(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, tools := newDynfilefsDriver(t)
	writeShards(t, sessionDir, 1024, 2048, 512)

	// A stray file in the session dir is not part of the container.
	if err := os.WriteFile(filepath.Join(sessionDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	dest := t.TempDir()
	if err := driver.Clone(context.Background(), sessionDir, dest); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	if len(tools.Calls) != 0 {
		t.Errorf("Clone invoked tools: %v", tools.Calls)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("reading dest: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	want := []string{"changes.dat", "changes.dat.1", "changes.dat.2"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("cloned files = %v, want %v", names, want)
	}
}

func TestDynfilefsCloneMissingContainer(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, _ := newDynfilefsDriver(t)

	err := driver.Clone(context.Background(), sessionDir, t.TempDir())
	if err == nil {
		t.Fatal("Clone succeeded without a container")
	}
	var storageErr *errors.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("error type = %T, want *errors.StorageError", err)
	}
}

// -----------------------------------------------------------------------------
// Dynfilefs UsedSize Tests
// -----------------------------------------------------------------------------

func TestDynfilefsUsedSizeSumsShards(t *testing.T) {
	_, sessionDir := newSessionDir(t, "1")
	driver, _ := newDynfilefsDriver(t)
	writeShards(t, sessionDir, 1024, 2048)

	if got := driver.UsedSize(sessionDir); got != 3072 {
		t.Errorf("UsedSize = %d, want 3072", got)
	}
}

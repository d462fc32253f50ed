package sizecache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestCache returns a cache for sessionsDir stored inside the test's
// temporary directory.
func newTestCache(t *testing.T, sessionsDir string) *Cache {
	t.Helper()
	return NewAt(filepath.Join(t.TempDir(), "session_sizes.json"), sessionsDir)
}

// writeSession creates a session directory with the given files.
func writeSession(t *testing.T, sessionsDir, id string, files map[string][]byte) string {
	t.Helper()

	dir := filepath.Join(sessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating session dir: %v", err)
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating parent dir: %v", err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	return dir
}

// -----------------------------------------------------------------------------
// Size Tests
// -----------------------------------------------------------------------------

func TestSizeWalksTree(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "1", map[string][]byte{
		"etc/hostname":       []byte("minios\n"),
		"home/user/note.txt": []byte("0123456789"),
		"empty":              nil,
	})

	c := newTestCache(t, sessionsDir)
	want := int64(len("minios\n") + 10)
	if got := c.Size(dir); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestSizeSumsShards(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "2", map[string][]byte{
		"changes.dat":   make([]byte, 100),
		"changes.dat.0": make([]byte, 50),
		"changes.dat.1": make([]byte, 25),
		"session.json":  []byte(`{"mode":"dynfilefs"}`),
	})

	c := newTestCache(t, sessionsDir)
	// Only the shard files count; metadata files are bookkeeping.
	if got := c.Size(dir); got != 175 {
		t.Errorf("Size() = %d, want 175", got)
	}
}

func TestSizeSkipsBrokenSymlink(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "3", map[string][]byte{
		"real.txt": []byte("abcd"),
	})
	if err := os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "dangling")); err != nil {
		t.Fatalf("creating symlink: %v", err)
	}

	c := newTestCache(t, sessionsDir)
	if got := c.Size(dir); got != 4 {
		t.Errorf("Size() = %d, want 4", got)
	}
}

func TestSizeMissingDirectory(t *testing.T) {
	sessionsDir := t.TempDir()
	c := newTestCache(t, sessionsDir)

	if got := c.Size(filepath.Join(sessionsDir, "9")); got != 0 {
		t.Errorf("Size() = %d, want 0 for missing directory", got)
	}
}

// -----------------------------------------------------------------------------
// Caching Tests
// -----------------------------------------------------------------------------

func TestSizeCachedWhileMtimeUnchanged(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "1", map[string][]byte{
		"file": []byte("content"),
	})

	c := newTestCache(t, sessionsDir)

	first := c.Size(dir)
	if got := c.Recomputes(); got != 1 {
		t.Fatalf("Recomputes() after first call = %d, want 1", got)
	}

	second := c.Size(dir)
	if got := c.Recomputes(); got != 1 {
		t.Errorf("Recomputes() after cached call = %d, want 1", got)
	}
	if second != first {
		t.Errorf("cached Size() = %d, want %d", second, first)
	}
}

func TestSizeRecomputesOnMtimeChange(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "1", map[string][]byte{
		"file": []byte("content"),
	})

	c := newTestCache(t, sessionsDir)
	if got := c.Size(dir); got != 7 {
		t.Fatalf("Size() = %d, want 7", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "more"), []byte("xy"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	// Directory mtime granularity can hide a fast rewrite.
	bumped := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(dir, bumped, bumped); err != nil {
		t.Fatalf("bumping mtime: %v", err)
	}

	if got := c.Size(dir); got != 9 {
		t.Errorf("Size() after change = %d, want 9", got)
	}
	if got := c.Recomputes(); got != 2 {
		t.Errorf("Recomputes() = %d, want 2", got)
	}
}

func TestCacheSurvivesNewHandle(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "1", map[string][]byte{
		"file": []byte("content"),
	})
	cachePath := filepath.Join(t.TempDir(), "session_sizes.json")

	first := NewAt(cachePath, sessionsDir)
	if got := first.Size(dir); got != 7 {
		t.Fatalf("Size() = %d, want 7", got)
	}

	// A later invocation reuses the measurement.
	second := NewAt(cachePath, sessionsDir)
	if got := second.Size(dir); got != 7 {
		t.Errorf("Size() = %d, want 7", got)
	}
	if got := second.Recomputes(); got != 0 {
		t.Errorf("Recomputes() = %d, want 0 (served from file)", got)
	}
}

func TestCacheDiscardedForForeignSessionsDir(t *testing.T) {
	sessionsDirA := t.TempDir()
	sessionsDirB := t.TempDir()
	dirA := writeSession(t, sessionsDirA, "1", map[string][]byte{"f": []byte("aaaa")})
	dirB := writeSession(t, sessionsDirB, "1", map[string][]byte{"f": []byte("bb")})
	cachePath := filepath.Join(t.TempDir(), "session_sizes.json")

	a := NewAt(cachePath, sessionsDirA)
	if got := a.Size(dirA); got != 4 {
		t.Fatalf("Size() = %d, want 4", got)
	}

	// Same id, same cache file, different sessions directory: the stale
	// measurement for "1" must not leak through.
	b := NewAt(cachePath, sessionsDirB)
	if got := b.Size(dirB); got != 2 {
		t.Errorf("Size() = %d, want 2", got)
	}
	if got := b.Recomputes(); got != 1 {
		t.Errorf("Recomputes() = %d, want 1", got)
	}
}

func TestCacheWriteFailureIsNonFatal(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "1", map[string][]byte{"f": []byte("abc")})

	c := NewAt(filepath.Join(t.TempDir(), "no-such-dir", "cache.json"), sessionsDir)
	if got := c.Size(dir); got != 3 {
		t.Errorf("Size() = %d, want 3", got)
	}
	if got := c.Size(dir); got != 3 {
		t.Errorf("Size() on second call = %d, want 3", got)
	}
}

func TestCacheFileLayout(t *testing.T) {
	sessionsDir := t.TempDir()
	dir := writeSession(t, sessionsDir, "7", map[string][]byte{"f": []byte("abcde")})
	cachePath := filepath.Join(t.TempDir(), "session_sizes.json")

	c := NewAt(cachePath, sessionsDir)
	c.Size(dir)

	data, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("reading cache file: %v", err)
	}

	var f struct {
		Version     string           `json:"version"`
		SessionsDir string           `json:"sessions_dir"`
		UpdatedAt   float64          `json:"updated_at"`
		Cache       map[string]Entry `json:"cache"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("parsing cache file: %v", err)
	}

	if f.Version != "1.0" {
		t.Errorf("version = %q, want %q", f.Version, "1.0")
	}
	if f.SessionsDir != sessionsDir {
		t.Errorf("sessions_dir = %q, want %q", f.SessionsDir, sessionsDir)
	}
	if f.UpdatedAt == 0 {
		t.Error("updated_at not set")
	}

	e, ok := f.Cache["7"]
	if !ok {
		t.Fatalf("cache missing entry for session 7: %v", f.Cache)
	}
	if e.Size != 5 {
		t.Errorf("entry size = %d, want 5", e.Size)
	}
	if e.SizeFormatted == "" {
		t.Error("entry size_formatted not set")
	}
	if e.Mtime == 0 || e.CachedAt == 0 {
		t.Errorf("entry timestamps not set: %+v", e)
	}
}

// -----------------------------------------------------------------------------
// Formatting Tests
// -----------------------------------------------------------------------------

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{500, "500 B"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
		{-1, "0 B"},
	}

	for _, tt := range tests {
		if got := FormatSize(tt.bytes); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

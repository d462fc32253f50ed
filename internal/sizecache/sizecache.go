// Package sizecache caches session size accounting between CLI
// invocations. Walking a large session tree is the slowest part of
// listing, so measurements are keyed by the session directory's mtime
// and persisted in a per-user temporary file that resets on reboot.
//
// The cache is strictly best-effort: read and write failures fall back
// to measuring from disk and never fail the caller.
package sizecache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const cacheVersion = "1.0"

// shardPrefix marks dynfilefs shard files inside a session directory.
// Sessions carrying shards are sized by summing them instead of walking
// the tree.
const shardPrefix = "changes.dat"

// Entry is one cached size measurement.
type Entry struct {
	Size          int64   `json:"size"`
	SizeFormatted string  `json:"size_formatted"`
	Mtime         float64 `json:"mtime"`
	CachedAt      float64 `json:"cached_at"`
}

// cacheFile is the on-disk layout.
type cacheFile struct {
	Version     string           `json:"version"`
	SessionsDir string           `json:"sessions_dir"`
	UpdatedAt   float64          `json:"updated_at"`
	Cache       map[string]Entry `json:"cache"`
}

// Cache accounts session sizes for one sessions directory. Entries
// recorded for a different sessions directory are discarded wholesale
// on load.
type Cache struct {
	path        string
	sessionsDir string

	mu         sync.Mutex
	recomputes int64
}

// New creates a cache for sessionsDir stored in the per-user temporary
// directory.
func New(sessionsDir string) *Cache {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("minios-session-manager-%d", os.Getuid()))
	path := filepath.Join(dir, "session_sizes.json")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Shared temp still works when the per-user directory cannot be
		// created.
		path = filepath.Join(os.TempDir(), fmt.Sprintf("minios-session-cache-%d.json", os.Getuid()))
	}
	return &Cache{path: path, sessionsDir: sessionsDir}
}

// NewAt creates a cache stored at an explicit file path.
func NewAt(path, sessionsDir string) *Cache {
	return &Cache{path: path, sessionsDir: sessionsDir}
}

// Size returns the bytes used by the session directory, serving from
// cache while the directory's mtime is unchanged.
func (c *Cache) Size(sessionPath string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	fi, err := os.Stat(sessionPath)
	if err != nil {
		// No mtime to key by; measure without caching.
		return c.measure(sessionPath)
	}
	mtime := epochSeconds(fi.ModTime())

	id := filepath.Base(sessionPath)
	entries := c.load()
	if e, ok := entries[id]; ok && e.Mtime == mtime {
		return e.Size
	}

	size := c.measure(sessionPath)
	entries[id] = Entry{
		Size:          size,
		SizeFormatted: FormatSize(size),
		Mtime:         mtime,
		CachedAt:      epochSeconds(time.Now()),
	}
	c.save(entries)
	return size
}

// Recomputes returns how many times a size was measured from disk
// rather than served from cache.
func (c *Cache) Recomputes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputes
}

func (c *Cache) measure(path string) int64 {
	c.recomputes++
	return Measure(path)
}

// Measure returns the session's used bytes without touching the cache.
// Sessions carrying dynfilefs shards are sized by summing the shards.
func Measure(dir string) int64 {
	if size, ok := shardTotal(dir); ok {
		return size
	}
	return treeTotal(dir)
}

// shardTotal sums dynfilefs shard files. ok is false when the session
// carries no shards.
func shardTotal(dir string) (int64, bool) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}

	var total int64
	found := false
	for _, e := range dirEntries {
		if !strings.HasPrefix(e.Name(), shardPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		found = true
		total += info.Size()
	}
	return total, found
}

// treeTotal walks the session subtree summing regular file sizes.
// Symlinks and unreadable entries contribute nothing.
func treeTotal(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

func (c *Cache) load() map[string]Entry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]Entry{}
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return map[string]Entry{}
	}
	if f.SessionsDir != c.sessionsDir || f.Cache == nil {
		// Cache built for another sessions directory.
		return map[string]Entry{}
	}
	return f.Cache
}

func (c *Cache) save(entries map[string]Entry) {
	f := cacheFile{
		Version:     cacheVersion,
		SessionsDir: c.sessionsDir,
		UpdatedAt:   epochSeconds(time.Now()),
		Cache:       entries,
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, data, 0o644)
}

// FormatSize renders a byte count for human output.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

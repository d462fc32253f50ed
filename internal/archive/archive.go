// Package archive reads and writes portable session archives.
//
// An archive is a zstd-compressed tar stream carrying two manifest entries,
// metadata.json and session.info, plus the session payload under data/.
// This package writes the manifests at the archive root. Earlier exporters
// ran the payload and the manifests through the same data/ rename, so the
// readers accept the manifest pair at either location and select the
// payload by excluding the manifest names wherever they appear.
package archive

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/sizecache"
)

const (
	// MetadataName is the machine-readable manifest entry.
	MetadataName = "metadata.json"

	// InfoName is the human-readable companion entry.
	InfoName = "session.info"

	// DataPrefix is the directory entry the payload lives under.
	DataPrefix = "data/"

	// Extension is the only archive suffix the importer accepts.
	Extension = ".tar.zst"

	// ManifestVersion is written into new manifests. Version 1.1 added the
	// explicit size_mb allocation field; 1.0 manifests carry only size.
	ManifestVersion = "1.1"
)

// legacySizeThreshold separates byte counts from megabyte counts in
// manifests that predate size_mb. No session is plausibly larger than
// 100000 MB, so bigger numbers must be bytes.
const legacySizeThreshold = 100000

// maxManifestLen bounds how much of a metadata.json member the readers
// will buffer. A real manifest is a few hundred bytes.
const maxManifestLen = 1 << 20

// SessionMeta carries the identity and size of the exported session.
type SessionMeta struct {
	Mode    backend.Mode
	Version string
	Edition string
	Union   string

	// SizeBytes is the payload size on disk at export time.
	SizeBytes int64

	// SizeMB is the container allocation in megabytes. Zero for native
	// sessions and for manifests written before version 1.1.
	SizeMB int64
}

// Manifest is the content of an archive's metadata.json entry.
type Manifest struct {
	Version string
	Date    time.Time
	Session SessionMeta
}

// AllocationMB returns the container allocation recorded in the manifest.
// Manifests without size_mb stored the allocation in the size field, a few
// of them already in megabytes, so the legacy threshold applies.
func (m *Manifest) AllocationMB() int64 {
	if m.Session.SizeMB > 0 {
		return m.Session.SizeMB
	}
	size := m.Session.SizeBytes
	if size > legacySizeThreshold {
		return size / (1024 * 1024)
	}
	return size
}

type manifestWire struct {
	Version string `json:"version"`
	Date    string `json:"date"`
	Session struct {
		Mode    string      `json:"mode"`
		Version string      `json:"version"`
		Edition string      `json:"edition"`
		Union   string      `json:"union"`
		Size    json.Number `json:"size"`
		SizeMB  json.Number `json:"size_mb,omitempty"`
	} `json:"session"`
}

func encodeManifest(m *Manifest) ([]byte, error) {
	var w manifestWire
	w.Version = m.Version
	if w.Version == "" {
		w.Version = ManifestVersion
	}
	w.Date = m.Date.UTC().Format(time.RFC3339)
	w.Session.Mode = string(m.Session.Mode)
	w.Session.Version = m.Session.Version
	w.Session.Edition = m.Session.Edition
	w.Session.Union = m.Session.Union
	w.Session.Size = json.Number(fmt.Sprintf("%d", m.Session.SizeBytes))
	if m.Session.SizeMB > 0 {
		w.Session.SizeMB = json.Number(fmt.Sprintf("%d", m.Session.SizeMB))
	}
	data, err := json.MarshalIndent(&w, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	return append(data, '\n'), nil
}

// decodeManifest tolerates the field quirks of foreign exporters: a date
// without fractional seconds, missing session fields, sizes written as
// floats. A manifest that is not JSON at all is corrupt.
func decodeManifest(data []byte) (*Manifest, error) {
	var w manifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(errors.ErrCorruptMetadata, "manifest is not valid JSON")
	}

	m := &Manifest{Version: w.Version}
	if t, err := time.Parse(time.RFC3339, w.Date); err == nil {
		m.Date = t
	}
	mode := strings.ToLower(strings.TrimSpace(w.Session.Mode))
	if mode == "" {
		mode = string(backend.ModeUnknown)
	}
	m.Session.Mode = backend.Mode(mode)
	m.Session.Version = w.Session.Version
	m.Session.Edition = w.Session.Edition
	m.Session.Union = w.Session.Union
	m.Session.SizeBytes = numberToInt64(w.Session.Size)
	m.Session.SizeMB = numberToInt64(w.Session.SizeMB)
	return m, nil
}

func numberToInt64(n json.Number) int64 {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	if f, err := n.Float64(); err == nil {
		return int64(f)
	}
	return 0
}

// infoText renders the session.info entry.
func infoText(m *Manifest) []byte {
	var b strings.Builder
	b.WriteString("MiniOS Session Archive\n")
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Version: %s\n", orUnknown(m.Session.Version))
	fmt.Fprintf(&b, "Edition: %s\n", orUnknown(m.Session.Edition))
	fmt.Fprintf(&b, "Union FS: %s\n", orUnknown(m.Session.Union))
	fmt.Fprintf(&b, "Size: %s\n\n", sizecache.FormatSize(m.Session.SizeBytes))
	fmt.Fprintf(&b, "Exported: %s\n", m.Date.UTC().Format("2006-01-02 15:04:05"))
	return []byte(b.String())
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// FileName returns the default archive name for a session export.
func FileName(id string, now time.Time) string {
	return fmt.Sprintf("session-%s-%s%s", id, now.Format("20060102-150405"), Extension)
}

// EnsureExtension appends the archive suffix when path lacks it.
func EnsureExtension(p string) string {
	if HasExtension(p) {
		return p
	}
	return p + Extension
}

// HasExtension reports whether path names a session archive.
func HasExtension(p string) bool {
	return strings.HasSuffix(p, Extension)
}

// isManifestMember reports whether a tar member name refers to the given
// manifest entry, at the archive root or under the legacy data/ rename.
func isManifestMember(name, manifest string) bool {
	n := path.Clean(strings.TrimPrefix(name, "./"))
	return n == manifest || n == DataPrefix+manifest
}

// payloadName maps a tar member name to its path relative to the payload
// root, stripping the data/ prefix when present. ok is false for the
// manifest entries and for the payload root itself.
func payloadName(name string) (rel string, ok bool) {
	n := path.Clean(strings.TrimPrefix(name, "./"))
	if n == "." || n == "data" {
		return "", false
	}
	n = strings.TrimPrefix(n, DataPrefix)
	if n == MetadataName || n == InfoName {
		return "", false
	}
	return n, true
}

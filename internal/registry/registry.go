// Package registry persists session metadata for a sessions directory.
//
// Two encodings exist in the wild: session.json (preferred) and the
// flat session.conf key=value format written by early releases. The
// store reads both, writes back in whichever format the directory
// already uses, and creates session.json when neither exists.
//
// # Schema Versions
//
// schema_version 2 records sizes in megabytes. Registries without a
// schema version may carry byte values from older tools; those are
// normalized to megabytes on load and upgraded to version 2 on the
// next write.
//
// All writes go through an atomic temp-file rename while holding the
// directory's advisory lock, so concurrent invocations never interleave
// read-modify-write cycles or expose partially written files.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/logging"
)

const (
	// JSONFileName is the preferred registry encoding.
	JSONFileName = "session.json"

	// ConfFileName is the legacy flat encoding.
	ConfFileName = "session.conf"

	// SchemaVersion is written by this tool. Version 2 records sizes in
	// megabytes.
	SchemaVersion = 2
)

// legacyByteThreshold separates megabyte values from byte values in
// registries predating schema version 2. No session is plausibly larger
// than 100000 MB, so bigger numbers must be bytes.
const legacyByteThreshold = 100000

// Entry is one session's metadata record.
type Entry struct {
	Mode    backend.Mode `json:"mode"`
	Version string       `json:"version"`
	Edition string       `json:"edition"`
	Union   string       `json:"union"`

	// SizeMB is the allocated container size. Zero for native sessions,
	// which have no fixed allocation.
	SizeMB int64 `json:"size,omitempty"`
}

// Registry is the full metadata state of one sessions directory.
// Default and Running hold session ids, empty when unset.
type Registry struct {
	Default  string
	Running  string
	Sessions map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Sessions: make(map[string]*Entry)}
}

// Format identifies a registry encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatConf Format = "conf"
)

// Store reads and writes the registry of one sessions directory.
type Store struct {
	dir    string
	logger *logging.Logger
}

// NewStore creates a store for sessionsDir. The logger may be nil.
func NewStore(sessionsDir string, logger *logging.Logger) *Store {
	return &Store{dir: sessionsDir, logger: logger}
}

// Dir returns the sessions directory the store operates on.
func (s *Store) Dir() string {
	return s.dir
}

// DetectFormat returns the encoding the directory uses and the registry
// file path. Directories without a registry default to JSON.
func (s *Store) DetectFormat() (Format, string) {
	jsonPath := filepath.Join(s.dir, JSONFileName)
	if _, err := os.Stat(jsonPath); err == nil {
		return FormatJSON, jsonPath
	}
	confPath := filepath.Join(s.dir, ConfFileName)
	if _, err := os.Stat(confPath); err == nil {
		return FormatConf, confPath
	}
	return FormatJSON, jsonPath
}

// Load reads the registry. A missing registry file yields an empty
// registry; an unparsable one is an error rather than silently treated
// as empty, since a later save would wipe the real state.
func (s *Store) Load() (*Registry, error) {
	format, path := s.DetectFormat()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(), nil
		}
		return nil, errors.Wrapf(err, "failed to read registry %s", path)
	}

	switch format {
	case FormatConf:
		return decodeConf(data), nil
	default:
		return decodeJSON(data, path)
	}
}

// Save writes the registry in the directory's detected format.
func (s *Store) Save(reg *Registry) error {
	format, path := s.DetectFormat()

	var data []byte
	var err error
	switch format {
	case FormatConf:
		data = encodeConf(reg)
	default:
		data, err = encodeJSON(reg)
		if err != nil {
			return errors.Wrap(err, "failed to encode registry")
		}
	}

	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return errors.NewStorageError("failed to write registry", err).WithPath(path)
	}
	return nil
}

// Update locks the registry, applies fn to the freshly loaded state and
// writes the result back. fn returning an error abandons the write.
func (s *Store) Update(fn func(*Registry) error) error {
	lock, err := s.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	reg, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	return s.Save(reg)
}

// -----------------------------------------------------------------------------
// JSON Codec
// -----------------------------------------------------------------------------

// flexInt accepts numeric and quoted values, both of which occur in
// registries written by older tools.
type flexInt int64

func (v *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(f)
	}
	*v = flexInt(n)
	return nil
}

type jsonEntry struct {
	Mode    string  `json:"mode"`
	Version string  `json:"version"`
	Edition string  `json:"edition"`
	Union   string  `json:"union"`
	SizeMB  flexInt `json:"size,omitempty"`
}

type jsonRegistry struct {
	SchemaVersion int                  `json:"schema_version,omitempty"`
	Default       *string              `json:"default"`
	Running       string               `json:"running,omitempty"`
	Sessions      map[string]jsonEntry `json:"sessions"`
}

func decodeJSON(data []byte, path string) (*Registry, error) {
	var wire jsonRegistry
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.NewStorageError("registry is not valid JSON", errors.ErrCorruptMetadata).
			WithPath(path)
	}

	reg := NewRegistry()
	if wire.Default != nil {
		reg.Default = *wire.Default
	}
	reg.Running = wire.Running
	for id, we := range wire.Sessions {
		reg.Sessions[id] = &Entry{
			Mode:    normalizeMode(we.Mode),
			Version: we.Version,
			Edition: we.Edition,
			Union:   we.Union,
			SizeMB:  normalizeSize(int64(we.SizeMB), wire.SchemaVersion),
		}
	}
	return reg, nil
}

func encodeJSON(reg *Registry) ([]byte, error) {
	wire := jsonRegistry{
		SchemaVersion: SchemaVersion,
		Sessions:      make(map[string]jsonEntry, len(reg.Sessions)),
	}
	if reg.Default != "" {
		d := reg.Default
		wire.Default = &d
	}
	wire.Running = reg.Running
	for id, e := range reg.Sessions {
		wire.Sessions[id] = jsonEntry{
			Mode:    string(e.Mode),
			Version: e.Version,
			Edition: e.Edition,
			Union:   e.Union,
			SizeMB:  flexInt(e.SizeMB),
		}
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// -----------------------------------------------------------------------------
// Conf Codec
// -----------------------------------------------------------------------------

func decodeConf(data []byte) *Registry {
	reg := NewRegistry()
	schemaVersion := 0

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "schema_version="):
			if v, err := strconv.Atoi(strings.SplitN(line, "=", 2)[1]); err == nil {
				schemaVersion = v
			}
		case strings.HasPrefix(line, "default="):
			reg.Default = strings.SplitN(line, "=", 2)[1]
		case strings.HasPrefix(line, "running="):
			reg.Running = strings.SplitN(line, "=", 2)[1]
		case strings.HasPrefix(line, "session_"):
			parseConfSessionLine(reg, line)
		}
	}

	for _, e := range reg.Sessions {
		e.Mode = normalizeMode(string(e.Mode))
		e.SizeMB = normalizeSize(e.SizeMB, schemaVersion)
	}
	return reg
}

// parseConfSessionLine handles session_<field>[<id>]=<value> lines.
func parseConfSessionLine(reg *Registry, line string) {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return
	}
	key, value := parts[0], parts[1]

	open := strings.Index(key, "[")
	end := strings.Index(key, "]")
	if open < 0 || end < open {
		return
	}
	field := strings.TrimPrefix(key[:open], "session_")
	id := key[open+1 : end]
	if id == "" {
		return
	}

	e, ok := reg.Sessions[id]
	if !ok {
		e = &Entry{}
		reg.Sessions[id] = e
	}

	switch field {
	case "mode":
		e.Mode = backend.Mode(value)
	case "version":
		e.Version = value
	case "edition":
		e.Edition = value
	case "union":
		e.Union = value
	case "size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			e.SizeMB = n
		}
	}
}

func encodeConf(reg *Registry) []byte {
	var b strings.Builder
	b.WriteString("schema_version=" + strconv.Itoa(SchemaVersion) + "\n")
	b.WriteString("default=" + reg.Default + "\n")
	if reg.Running != "" {
		b.WriteString("running=" + reg.Running + "\n")
	}

	for _, id := range sortedIDs(reg.Sessions) {
		e := reg.Sessions[id]
		writeConfField(&b, "mode", id, string(e.Mode))
		writeConfField(&b, "version", id, e.Version)
		writeConfField(&b, "edition", id, e.Edition)
		writeConfField(&b, "union", id, e.Union)
		if e.SizeMB > 0 {
			writeConfField(&b, "size", id, strconv.FormatInt(e.SizeMB, 10))
		}
	}
	return []byte(b.String())
}

func writeConfField(b *strings.Builder, field, id, value string) {
	b.WriteString("session_" + field + "[" + id + "]=" + value + "\n")
}

// sortedIDs returns session ids ordered numerically, with any
// non-numeric ids last in lexical order.
func sortedIDs(sessions map[string]*Entry) []string {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		if aerr == nil {
			return true
		}
		if berr == nil {
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

// -----------------------------------------------------------------------------
// Normalization
// -----------------------------------------------------------------------------

func normalizeMode(s string) backend.Mode {
	if s == "" {
		return backend.ModeUnknown
	}
	return backend.Mode(s)
}

// normalizeSize converts legacy byte values to megabytes. Schema
// version 2 already stores megabytes.
func normalizeSize(size int64, schemaVersion int) int64 {
	if schemaVersion >= SchemaVersion {
		return size
	}
	if size > legacyByteThreshold {
		mb := size / (1024 * 1024)
		if mb < 100 {
			mb = 100
		}
		return mb
	}
	return size
}

// -----------------------------------------------------------------------------
// Atomic Write
// -----------------------------------------------------------------------------

// atomicWriteFile writes data to a file atomically by writing to a
// temporary file first, then renaming. The target file is never in a
// partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	// Temp file in the same directory so the rename stays atomic.
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrap(err, "failed to set permissions")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "failed to rename temp file")
	}

	success = true
	return nil
}

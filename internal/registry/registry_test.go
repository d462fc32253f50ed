package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), nil)
}

func writeRegistryFile(t *testing.T, store *Store, name, content string) string {
	t.Helper()
	path := filepath.Join(store.Dir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func sampleRegistry() *Registry {
	return &Registry{
		Default: "2",
		Running: "1",
		Sessions: map[string]*Entry{
			"1":  {Mode: backend.ModeNative, Version: "5.0", Edition: "standard", Union: "overlayfs"},
			"2":  {Mode: backend.ModeDynfilefs, Version: "5.0", Edition: "standard", Union: "overlayfs", SizeMB: 2000},
			"10": {Mode: backend.ModeRaw, Version: "4.1", Edition: "toolbox", Union: "aufs", SizeMB: 500},
		},
	}
}

// -----------------------------------------------------------------------------
// Format Detection Tests
// -----------------------------------------------------------------------------

func TestDetectFormatPrefersJSON(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, JSONFileName, "{}")
	writeRegistryFile(t, store, ConfFileName, "default=1\n")

	format, path := store.DetectFormat()
	if format != FormatJSON {
		t.Errorf("format = %q, want %q", format, FormatJSON)
	}
	if filepath.Base(path) != JSONFileName {
		t.Errorf("path = %q, want %s", path, JSONFileName)
	}
}

func TestDetectFormatConfOnly(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, ConfFileName, "default=1\n")

	format, _ := store.DetectFormat()
	if format != FormatConf {
		t.Errorf("format = %q, want %q", format, FormatConf)
	}
}

func TestDetectFormatEmptyDirDefaultsToJSON(t *testing.T) {
	store := newTestStore(t)

	format, path := store.DetectFormat()
	if format != FormatJSON {
		t.Errorf("format = %q, want %q", format, FormatJSON)
	}
	if filepath.Base(path) != JSONFileName {
		t.Errorf("path = %q, want %s", path, JSONFileName)
	}
}

// -----------------------------------------------------------------------------
// JSON Codec Tests
// -----------------------------------------------------------------------------

func TestJSONRoundTrip(t *testing.T) {
	store := newTestStore(t)
	want := sampleRegistry()

	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}

	// A second save of the loaded state must be byte-identical.
	first, err := os.ReadFile(filepath.Join(store.Dir(), JSONFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	if err := store.Save(got); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(store.Dir(), JSONFileName))
	if err != nil {
		t.Fatalf("re-reading registry: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("second save changed bytes:\nfirst  %s\nsecond %s", first, second)
	}
}

func TestJSONNullDefault(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, JSONFileName, `{
  "schema_version": 2,
  "default": null,
  "sessions": {
    "1": {"mode": "native", "version": "5.0", "edition": "standard", "union": "overlayfs"}
  }
}`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Default != "" {
		t.Errorf("Default = %q, want empty", reg.Default)
	}
	if reg.Running != "" {
		t.Errorf("Running = %q, want empty", reg.Running)
	}
}

func TestJSONWritesNullForEmptyDefault(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	reg.Sessions["1"] = &Entry{Mode: backend.ModeNative}

	if err := store.Save(reg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), JSONFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	if !strings.Contains(string(data), `"default": null`) {
		t.Errorf("registry JSON missing null default:\n%s", data)
	}
}

func TestJSONQuotedSize(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, JSONFileName, `{
  "schema_version": 2,
  "default": "1",
  "sessions": {
    "1": {"mode": "dynfilefs", "version": "5.0", "edition": "standard", "union": "overlayfs", "size": "4000"}
  }
}`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reg.Sessions["1"].SizeMB; got != 4000 {
		t.Errorf("SizeMB = %d, want 4000", got)
	}
}

func TestJSONCorruptReturnsError(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, JSONFileName, "{not json")

	_, err := store.Load()
	if err == nil {
		t.Fatal("Load succeeded on corrupt registry")
	}
	if !errors.Is(err, errors.ErrCorruptMetadata) {
		t.Errorf("error = %v, want ErrCorruptMetadata", err)
	}
}

func TestJSONMissingModeBecomesUnknown(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, JSONFileName, `{
  "default": null,
  "sessions": {
    "1": {"version": "5.0", "edition": "standard", "union": "overlayfs"}
  }
}`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reg.Sessions["1"].Mode; got != backend.ModeUnknown {
		t.Errorf("Mode = %q, want %q", got, backend.ModeUnknown)
	}
}

// -----------------------------------------------------------------------------
// Conf Codec Tests
// -----------------------------------------------------------------------------

func TestConfRoundTrip(t *testing.T) {
	store := newTestStore(t)
	// Seed the directory so saving picks the conf encoding.
	writeRegistryFile(t, store, ConfFileName, "default=\n")

	want := sampleRegistry()
	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}

	first, err := os.ReadFile(filepath.Join(store.Dir(), ConfFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	if err := store.Save(got); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(store.Dir(), ConfFileName))
	if err != nil {
		t.Fatalf("re-reading registry: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("second save changed bytes:\nfirst  %s\nsecond %s", first, second)
	}
}

func TestConfParsing(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, ConfFileName, `schema_version=2
default=3
session_mode[3]=dynfilefs
session_version[3]=5.0
session_edition[3]=standard
session_union[3]=overlayfs
session_size[3]=2000
session_mode[7]=native
session_version[7]=4.1
session_edition[7]=minimum
session_union[7]=aufs
`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Default != "3" {
		t.Errorf("Default = %q, want 3", reg.Default)
	}
	if reg.Running != "" {
		t.Errorf("Running = %q, want empty (absent line)", reg.Running)
	}
	if len(reg.Sessions) != 2 {
		t.Fatalf("len(Sessions) = %d, want 2", len(reg.Sessions))
	}
	want3 := &Entry{Mode: backend.ModeDynfilefs, Version: "5.0", Edition: "standard", Union: "overlayfs", SizeMB: 2000}
	if !reflect.DeepEqual(reg.Sessions["3"], want3) {
		t.Errorf("session 3 = %+v, want %+v", reg.Sessions["3"], want3)
	}
	if got := reg.Sessions["7"].SizeMB; got != 0 {
		t.Errorf("session 7 SizeMB = %d, want 0", got)
	}
}

func TestConfEmptyDefault(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, ConfFileName, "default=\nsession_mode[1]=native\n")

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Default != "" {
		t.Errorf("Default = %q, want empty", reg.Default)
	}
}

func TestConfIgnoresUnknownLines(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, ConfFileName, `# generated file
default=1

session_mode[1]=native
session_color[1]=blue
garbage line without equals
`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(reg.Sessions) != 1 {
		t.Fatalf("len(Sessions) = %d, want 1", len(reg.Sessions))
	}
	if got := reg.Sessions["1"].Mode; got != backend.ModeNative {
		t.Errorf("Mode = %q, want native", got)
	}
}

func TestConfWriteLayout(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, ConfFileName, "default=\n")

	reg := NewRegistry()
	reg.Running = "2"
	reg.Sessions["2"] = &Entry{Mode: backend.ModeRaw, Version: "5.0", Edition: "standard", Union: "overlayfs", SizeMB: 1000}
	reg.Sessions["10"] = &Entry{Mode: backend.ModeNative, Version: "5.0", Edition: "standard", Union: "overlayfs"}
	reg.Sessions["1"] = &Entry{Mode: backend.ModeNative, Version: "5.0", Edition: "standard", Union: "overlayfs"}

	if err := store.Save(reg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), ConfFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	text := string(data)

	if !strings.HasPrefix(text, "schema_version=2\ndefault=\nrunning=2\n") {
		t.Errorf("header lines wrong:\n%s", text)
	}

	// Sessions are emitted in numeric id order, not lexical.
	i1 := strings.Index(text, "session_mode[1]=")
	i2 := strings.Index(text, "session_mode[2]=")
	i10 := strings.Index(text, "session_mode[10]=")
	if i1 < 0 || i2 < 0 || i10 < 0 {
		t.Fatalf("missing session lines:\n%s", text)
	}
	if !(i1 < i2 && i2 < i10) {
		t.Errorf("session order wrong (1@%d 2@%d 10@%d):\n%s", i1, i2, i10, text)
	}

	// Native sessions carry no size line.
	if strings.Contains(text, "session_size[1]=") || strings.Contains(text, "session_size[10]=") {
		t.Errorf("native session has size line:\n%s", text)
	}
	if !strings.Contains(text, "session_size[2]=1000\n") {
		t.Errorf("raw session missing size line:\n%s", text)
	}
}

func TestConfOmitsRunningWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, ConfFileName, "default=\n")

	reg := NewRegistry()
	reg.Default = "1"
	reg.Sessions["1"] = &Entry{Mode: backend.ModeNative}

	if err := store.Save(reg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), ConfFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	if strings.Contains(string(data), "running=") {
		t.Errorf("empty running must not be written:\n%s", data)
	}
}

// -----------------------------------------------------------------------------
// Legacy Normalization Tests
// -----------------------------------------------------------------------------

func TestLegacySizeNormalization(t *testing.T) {
	tests := []struct {
		name          string
		schemaVersion int
		size          int64
		want          int64
	}{
		{"bytes convert to MB", 0, 2097152000, 2000},
		{"small value already MB", 0, 500, 500},
		{"tiny byte count clamps to 100", 0, 150000, 100},
		{"boundary stays MB", 0, 100000, 100000},
		{"schema 2 never normalized", 2, 2097152000, 2097152000},
		{"zero stays zero", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeSize(tt.size, tt.schemaVersion); got != tt.want {
				t.Errorf("normalizeSize(%d, schema %d) = %d, want %d",
					tt.size, tt.schemaVersion, got, tt.want)
			}
		})
	}
}

func TestLegacyConfUpgradesOnSave(t *testing.T) {
	store := newTestStore(t)
	// A registry from an old tool: no schema line, byte-valued size.
	writeRegistryFile(t, store, ConfFileName, `default=1
session_mode[1]=dynfilefs
session_version[1]=4.0
session_edition[1]=standard
session_union[1]=aufs
session_size[1]=2097152000
`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reg.Sessions["1"].SizeMB; got != 2000 {
		t.Fatalf("SizeMB after load = %d, want 2000", got)
	}

	if err := store.Save(reg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), ConfFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	if !strings.Contains(string(data), "schema_version=2\n") {
		t.Errorf("saved registry missing schema_version:\n%s", data)
	}
	if !strings.Contains(string(data), "session_size[1]=2000\n") {
		t.Errorf("saved registry kept byte size:\n%s", data)
	}

	// Loading the upgraded registry must not normalize again.
	again, err := store.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := again.Sessions["1"].SizeMB; got != 2000 {
		t.Errorf("SizeMB after reload = %d, want 2000", got)
	}
}

func TestLegacyJSONNormalization(t *testing.T) {
	store := newTestStore(t)
	writeRegistryFile(t, store, JSONFileName, `{
  "default": "1",
  "sessions": {
    "1": {"mode": "raw", "version": "4.0", "edition": "standard", "union": "aufs", "size": 1073741824}
  }
}`)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reg.Sessions["1"].SizeMB; got != 1024 {
		t.Errorf("SizeMB = %d, want 1024", got)
	}
}

// -----------------------------------------------------------------------------
// Store Tests
// -----------------------------------------------------------------------------

func TestLoadMissingRegistry(t *testing.T) {
	store := newTestStore(t)

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Default != "" || reg.Running != "" || len(reg.Sessions) != 0 {
		t.Errorf("empty directory yielded non-empty registry: %+v", reg)
	}
	if reg.Sessions == nil {
		t.Error("Sessions map is nil")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(sampleRegistry()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestUpdatePersistsChanges(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(sampleRegistry()); err != nil {
		t.Fatalf("seed Save failed: %v", err)
	}

	err := store.Update(func(reg *Registry) error {
		reg.Default = "10"
		reg.Sessions["11"] = &Entry{Mode: backend.ModeNative, Version: "5.0"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Default != "10" {
		t.Errorf("Default = %q, want 10", reg.Default)
	}
	if _, ok := reg.Sessions["11"]; !ok {
		t.Error("added session missing after Update")
	}
}

func TestUpdateErrorAbandonsWrite(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(sampleRegistry()); err != nil {
		t.Fatalf("seed Save failed: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(store.Dir(), JSONFileName))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}

	boom := errors.New("validation rejected")
	err = store.Update(func(reg *Registry) error {
		reg.Default = "999"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want %v", err, boom)
	}

	after, err := os.ReadFile(filepath.Join(store.Dir(), JSONFileName))
	if err != nil {
		t.Fatalf("re-reading registry: %v", err)
	}
	if string(before) != string(after) {
		t.Error("failed Update modified the registry file")
	}
}

func TestUpdateReleasesLock(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(reg *Registry) error {
		reg.Sessions["1"] = &Entry{Mode: backend.ModeNative}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(store.Dir(), LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Update (err=%v)", err)
	}
}

func TestFlexIntDecoding(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"number", `2000`, 2000},
		{"quoted", `"2000"`, 2000},
		{"null", `null`, 0},
		{"empty string", `""`, 0},
		{"float", `1536.7`, 1536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v flexInt
			if err := json.Unmarshal([]byte(tt.input), &v); err != nil {
				t.Fatalf("Unmarshal(%s) failed: %v", tt.input, err)
			}
			if int64(v) != tt.want {
				t.Errorf("flexInt(%s) = %d, want %d", tt.input, v, tt.want)
			}
		})
	}
}

package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LogEntry represents a parsed log entry with all structured fields.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	SessionID string         `json:"session_id,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter defines criteria for filtering log entries.
type LogFilter struct {
	// Level filters to entries at or above this level (DEBUG < INFO < WARN < ERROR)
	// Empty string means no level filtering.
	Level string

	// StartTime filters to entries at or after this time.
	// Zero value means no start time filtering.
	StartTime time.Time

	// EndTime filters to entries at or before this time.
	// Zero value means no end time filtering.
	EndTime time.Time

	// SessionID filters to entries about this specific session.
	// Empty string means no session filtering.
	SessionID string

	// Operation filters to entries from this operation (create, resize, ...).
	// Empty string means no operation filtering.
	Operation string

	// Mode filters to entries about this storage mode.
	// Empty string means no mode filtering.
	Mode string

	// MessageContains filters to entries whose message contains this substring.
	// Empty string means no message filtering.
	MessageContains string
}

// levelOrder defines the ordering of log levels for filtering.
var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// AggregateLogs reads and parses all log entries written to logPath,
// including rotated backups (logPath.1, logPath.2, ...) whether or not
// they have been zstd compressed. Entries are returned sorted by
// timestamp in ascending order, so the history reads as one stream
// across rotations.
func AggregateLogs(logPath string) ([]LogEntry, error) {
	paths := collectLogFiles(logPath)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no log file found at %s", logPath)
	}

	var entries []LogEntry
	for _, path := range paths {
		fileEntries, err := readEntries(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	return entries, nil
}

// collectLogFiles returns the live log file and every rotated backup
// that still exists. Backup numbering is dense, so the scan stops at
// the first missing number.
func collectLogFiles(logPath string) []string {
	var paths []string
	if _, err := os.Stat(logPath); err == nil {
		paths = append(paths, logPath)
	}
	for n := 1; ; n++ {
		base := fmt.Sprintf("%s.%d", logPath, n)
		if _, err := os.Stat(base); err == nil {
			paths = append(paths, base)
			continue
		}
		if _, err := os.Stat(base + compressSuffix); err == nil {
			paths = append(paths, base+compressSuffix)
			continue
		}
		break
	}
	return paths
}

// readEntries parses one log file, transparently decompressing rotated
// backups. Unparseable lines are skipped: a crash mid-write leaves a
// torn last line, which should not block reading the rest.
func readEntries(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if strings.HasSuffix(path, compressSuffix) {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read compressed log %s: %w", path, err)
		}
		defer dec.Close()
		reader = dec
	}

	var entries []LogEntry
	scanner := bufio.NewScanner(reader)

	// Increase buffer size for potentially long log lines
	const maxScanTokenSize = 1024 * 1024 // 1MB
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		entry, err := ParseLogLine(line)
		if err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file %s: %w", path, err)
	}

	return entries, nil
}

// ParseLogLine parses a single JSON log line into a LogEntry.
func ParseLogLine(line string) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := LogEntry{
		Attrs: make(map[string]any),
	}

	if timeStr, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, timeStr); err == nil {
			entry.Timestamp = t
		}
	}

	if level, ok := raw["level"].(string); ok {
		entry.Level = level
	}

	if msg, ok := raw["msg"].(string); ok {
		entry.Message = msg
	}

	if sessionID, ok := raw["session_id"].(string); ok {
		entry.SessionID = sessionID
	}

	if operation, ok := raw["operation"].(string); ok {
		entry.Operation = operation
	}

	if mode, ok := raw["mode"].(string); ok {
		entry.Mode = mode
	}

	// Collect remaining fields as attrs
	standardFields := map[string]bool{
		"time":       true,
		"level":      true,
		"msg":        true,
		"session_id": true,
		"operation":  true,
		"mode":       true,
	}

	for k, v := range raw {
		if !standardFields[k] {
			entry.Attrs[k] = v
		}
	}

	return entry, nil
}

// FilterLogs filters log entries based on the provided filter criteria.
// Multiple filter criteria are combined with AND logic.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	if filter.isEmpty() {
		return entries
	}

	var filtered []LogEntry
	for _, entry := range entries {
		if filter.Matches(entry) {
			filtered = append(filtered, entry)
		}
	}

	return filtered
}

// isEmpty checks if no filter criteria are set.
func (f LogFilter) isEmpty() bool {
	return f.Level == "" &&
		f.StartTime.IsZero() &&
		f.EndTime.IsZero() &&
		f.SessionID == "" &&
		f.Operation == "" &&
		f.Mode == "" &&
		f.MessageContains == ""
}

// Matches reports whether an entry satisfies every criterion of the filter.
func (f LogFilter) Matches(entry LogEntry) bool {
	// Level filter: entry level must be >= filter level
	if f.Level != "" {
		filterLevelOrder, filterOk := levelOrder[strings.ToUpper(f.Level)]
		entryLevelOrder, entryOk := levelOrder[entry.Level]
		if filterOk && entryOk && entryLevelOrder < filterLevelOrder {
			return false
		}
	}

	// Time range filters
	if !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime) {
		return false
	}

	if f.SessionID != "" && entry.SessionID != f.SessionID {
		return false
	}

	if f.Operation != "" && entry.Operation != f.Operation {
		return false
	}

	if f.Mode != "" && entry.Mode != f.Mode {
		return false
	}

	if f.MessageContains != "" && !strings.Contains(entry.Message, f.MessageContains) {
		return false
	}

	return true
}

// ExportLogEntries exports the given log entries to a file in the
// specified format. Supported formats: "json", "text", "csv".
func ExportLogEntries(entries []LogEntry, outputPath string, format string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = file.Close() }()

	switch strings.ToLower(format) {
	case "json":
		return exportJSON(file, entries)
	case "text":
		return exportText(file, entries)
	case "csv":
		return exportCSV(file, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: json, text, csv)", format)
	}
}

// exportJSON writes entries as a JSON array.
func exportJSON(file *os.File, entries []LogEntry) error {
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

// exportText writes entries in a human-readable text format.
func exportText(file *os.File, entries []LogEntry) error {
	for _, entry := range entries {
		// Format: [TIMESTAMP] LEVEL - MESSAGE (context) {attrs}
		var parts []string

		ts := entry.Timestamp.Format("2006-01-02 15:04:05.000")
		parts = append(parts, fmt.Sprintf("[%s]", ts))
		parts = append(parts, entry.Level)
		parts = append(parts, "-", entry.Message)

		var context []string
		if entry.SessionID != "" {
			context = append(context, fmt.Sprintf("session=%s", entry.SessionID))
		}
		if entry.Operation != "" {
			context = append(context, fmt.Sprintf("operation=%s", entry.Operation))
		}
		if entry.Mode != "" {
			context = append(context, fmt.Sprintf("mode=%s", entry.Mode))
		}
		if len(context) > 0 {
			parts = append(parts, fmt.Sprintf("(%s)", strings.Join(context, ", ")))
		}

		if len(entry.Attrs) > 0 {
			attrsJSON, _ := json.Marshal(entry.Attrs)
			parts = append(parts, string(attrsJSON))
		}

		line := strings.Join(parts, " ") + "\n"
		if _, err := file.WriteString(line); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}

	return nil
}

// exportCSV writes entries as CSV with headers.
func exportCSV(file *os.File, entries []LogEntry) error {
	writer := csv.NewWriter(file)
	defer writer.Flush()

	headers := []string{"timestamp", "level", "message", "session_id", "operation", "mode", "attrs"}
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		attrsJSON := ""
		if len(entry.Attrs) > 0 {
			if b, err := json.Marshal(entry.Attrs); err == nil {
				attrsJSON = string(b)
			}
		}

		record := []string{
			entry.Timestamp.Format(time.RFC3339Nano),
			entry.Level,
			entry.Message,
			entry.SessionID,
			entry.Operation,
			entry.Mode,
			attrsJSON,
		}

		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	return nil
}

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minios-linux/sessionctl/internal/config"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/logging"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View operation logs",
	Long: `View and filter the sessionctl operation log.

Reads the configured log file together with its rotated backups, so the
history spans rotations. Logging is off by default; enable it with
logging.enabled in the config file.

Examples:
  # Show the last 50 entries
  sessionctl logs

  # Show every entry for session 2
  sessionctl logs -s 2 -n 0

  # Follow new entries in real time
  sessionctl logs -f

  # Resize operations that went wrong
  sessionctl logs --operation resize --level warn

  # Entries from the last hour
  sessionctl logs --since 1h

  # Export the full history for a bug report
  sessionctl logs -n 0 --export history.csv --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsSession   string
	logsOperation string
	logsMode      string
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
	logsExport    string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSession, "session", "s", "", "only entries for this session ID")
	logsCmd.Flags().StringVar(&logsOperation, "operation", "", "only entries for this operation (create, resize, ...)")
	logsCmd.Flags().StringVar(&logsMode, "mode", "", "only entries for this storage mode")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow new entries (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug, info, warn, error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only entries newer than this (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsExport, "export", "", "write matching entries to this file instead of the terminal")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "export format: json, text or csv")
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// formatLogEntry renders one log entry for the terminal.
func formatLogEntry(entry logging.LogEntry) string {
	var sb strings.Builder

	sb.WriteString(colorGray)
	sb.WriteString("[")
	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05"))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(levelColor(entry.Level))
	sb.WriteString("[")
	sb.WriteString(strings.ToUpper(entry.Level))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(entry.Message)

	if entry.Operation != "" {
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString("operation=")
		sb.WriteString(entry.Operation)
		sb.WriteString(colorReset)
	}
	if entry.SessionID != "" {
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString("session=")
		sb.WriteString(entry.SessionID)
		sb.WriteString(colorReset)
	}
	if entry.Mode != "" {
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString("mode=")
		sb.WriteString(entry.Mode)
		sb.WriteString(colorReset)
	}

	for key, value := range entry.Attrs {
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(colorReset)
		sb.WriteString(fmt.Sprintf("%v", value))
	}

	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	if logsFollow && jsonOutput {
		return reportError(errors.New("--follow does not support JSON output"))
	}
	if logsFollow && logsExport != "" {
		return reportError(errors.New("--follow cannot be combined with --export"))
	}

	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = config.DefaultLogFile
	}

	filter, err := buildLogFilter()
	if err != nil {
		return reportError(err)
	}

	if _, err := os.Stat(logPath); err != nil {
		if os.IsNotExist(err) {
			if jsonOutput {
				return printJSON([]logging.LogEntry{})
			}
			fmt.Printf("No log file at %s\n", logPath)
			if !cfg.Logging.Enabled {
				fmt.Println("Logging is disabled; set logging.enabled to true in the config file to record operations.")
			}
			return nil
		}
		return reportError(errors.Wrap(err, "failed to read log file"))
	}

	if logsFollow {
		return followLogs(logPath, filter)
	}

	entries, err := logging.AggregateLogs(logPath)
	if err != nil {
		return reportError(err)
	}
	entries = logging.FilterLogs(entries, filter)

	if logsExport != "" {
		if err := logging.ExportLogEntries(entries, logsExport, logsFormat); err != nil {
			return opFailure(err)
		}
		return opSuccess(fmt.Sprintf("Exported %d log entries to %s", len(entries), logsExport))
	}

	if jsonOutput {
		if entries == nil {
			entries = []logging.LogEntry{}
		}
		return printJSON(entries)
	}

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	if len(entries) == 0 {
		fmt.Println("No matching log entries found.")
		return nil
	}
	for _, entry := range entries {
		fmt.Println(formatLogEntry(entry))
	}
	return nil
}

// buildLogFilter translates the logs flags into a filter.
func buildLogFilter() (logging.LogFilter, error) {
	filter := logging.LogFilter{
		SessionID:       logsSession,
		Operation:       logsOperation,
		Mode:            logsMode,
		MessageContains: logsGrep,
	}
	if logsLevel != "" {
		filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return logging.LogFilter{}, errors.NewValidationError("invalid duration for --since").
				WithField("since").WithValue(logsSince)
		}
		filter.StartTime = time.Now().Add(-d)
	}
	return filter, nil
}

// followLogs streams entries appended to the live log file. Rotation renames
// the file under the reader, so follow mode tracks only the current file.
func followLogs(logPath string, filter logging.LogFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return errors.Wrap(err, "failed to open log file")
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "failed to seek to end of log file")
	}

	fmt.Printf("Following %s (Ctrl+C to stop)\n\n", logPath)

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "error reading log file")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		entry, err := logging.ParseLogLine(line)
		if err != nil {
			// Not a JSON line; show it as-is.
			fmt.Println(line)
			continue
		}
		if !filter.Matches(entry) {
			continue
		}
		fmt.Println(formatLogEntry(entry))
	}
}

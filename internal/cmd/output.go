package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/manager"
)

// modifiedFormat renders session timestamps for human output.
const modifiedFormat = "2006-01-02 15:04:05"

// opOutput is the JSON shape of an operation outcome.
type opOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// errorOutput is the JSON shape of failures outside an operation
// result: startup problems and query commands that cannot answer. It
// goes to stderr so stdout stays parseable.
type errorOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// jsonEmitted records that a failure already produced its JSON shape,
// so Execute does not emit a second one for the same error.
var jsonEmitted bool

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func emitJSONError(err error) {
	data, _ := json.Marshal(errorOutput{Error: err.Error()})
	fmt.Fprintln(os.Stderr, string(data))
	jsonEmitted = true
}

// reportError mirrors err onto stderr as JSON when requested and
// passes it on for the exit code.
func reportError(err error) error {
	if jsonOutput {
		emitJSONError(err)
	}
	return err
}

// opSuccess reports a completed operation in the active output format.
func opSuccess(message string) error {
	if jsonOutput {
		return printJSON(opOutput{Success: true, Message: message})
	}
	fmt.Println(message)
	return nil
}

// opFailure emits the JSON failure object to stdout, where the GUI
// wrapper reads operation results, and passes the error on.
func opFailure(err error) error {
	if jsonOutput {
		_ = printJSON(opOutput{Success: false, Message: err.Error()})
		jsonEmitted = true
	}
	return err
}

func formatModified(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format(modifiedFormat)
}

// renderSessionList formats sessions as the block listing the GUI
// parses with line scraping; field labels are load-bearing.
func renderSessionList(infos []manager.SessionInfo) string {
	if len(infos) == 0 {
		return "No sessions found\n"
	}

	var b strings.Builder
	for _, info := range infos {
		var marks []string
		if info.IsDefault {
			marks = append(marks, "ACTIVE")
		}
		if info.IsRunning {
			marks = append(marks, "RUNNING")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " (" + strings.Join(marks, ", ") + ")"
		}

		fmt.Fprintf(&b, "Session #%s%s\n", info.ID, suffix)
		fmt.Fprintf(&b, "  Mode: %s\n", info.Mode)
		fmt.Fprintf(&b, "  Version: %s\n", info.Version)
		fmt.Fprintf(&b, "  Edition: %s\n", info.Edition)
		fmt.Fprintf(&b, "  Union FS: %s\n", info.Union)
		fmt.Fprintf(&b, "  Size: %s\n", info.SizeFormatted)
		if info.TotalBytes > 0 {
			fmt.Fprintf(&b, "  Total Size: %s\n", info.TotalFormatted)
		}
		fmt.Fprintf(&b, "  Last Modified: %s\n", formatModified(info.Modified))
		b.WriteString("\n")
	}
	return b.String()
}

// renderSessionDetail formats one session under a headline, for the
// active and running commands.
func renderSessionDetail(headline string, info *manager.SessionInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: #%s\n", headline, info.ID)
	fmt.Fprintf(&b, "Mode: %s\n", info.Mode)
	fmt.Fprintf(&b, "Version: %s\n", info.Version)
	fmt.Fprintf(&b, "Edition: %s\n", info.Edition)
	fmt.Fprintf(&b, "Union FS: %s\n", info.Union)
	fmt.Fprintf(&b, "Size: %s\n", info.SizeFormatted)
	fmt.Fprintf(&b, "Last Modified: %s\n", formatModified(info.Modified))
	if info.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", info.Status)
	}
	return b.String()
}

// renderStatus formats the storage probe result.
func renderStatus(st *manager.Status) string {
	dir := st.SessionsDir
	if dir == "" {
		dir = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sessions directory: %s\n", dir)
	if !st.Found {
		b.WriteString("Status: Not found\n")
		if st.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", st.Error)
		}
		return b.String()
	}

	b.WriteString("Status: Found\n")
	if st.Writable {
		b.WriteString("Access: Writable\n")
	} else {
		b.WriteString("Access: Read-only\n")
		if st.Error != "" {
			fmt.Fprintf(&b, "Reason: %s\n", st.Error)
		}
	}
	fsType := st.FilesystemType
	if fsType == "" {
		fsType = "unknown"
	}
	fmt.Fprintf(&b, "Filesystem type: %s\n", fsType)
	return b.String()
}

// renderFilesystemReport formats the media compatibility report.
func renderFilesystemReport(report *manager.FilesystemReport) string {
	var b strings.Builder
	b.WriteString("MiniOS Media Information:\n")
	b.WriteString(strings.Repeat("-", 40) + "\n")

	fs := report.Filesystem
	options := fs.MountOptions
	if options == "" {
		options = "none"
	}
	fmt.Fprintf(&b, "Filesystem Type: %s\n", fs.Type)
	fmt.Fprintf(&b, "Device: %s\n", fs.Device)
	fmt.Fprintf(&b, "Mount Options: %s\n", options)
	fmt.Fprintf(&b, "Read-only: %s\n", yesNo(fs.ReadOnly))
	fmt.Fprintf(&b, "POSIX Compatible: %s\n", yesNo(fs.POSIX))
	b.WriteString("\n")

	b.WriteString("Compatible Session Modes:\n")
	if len(report.CompatibleModes) == 0 {
		b.WriteString("  None (read-only media)\n")
	} else {
		for _, mode := range report.CompatibleModes {
			fmt.Fprintf(&b, "  ✓ %s\n", mode)
		}
	}
	b.WriteString("\n")

	lim := report.Limitations
	if lim.MaxFileSizeMB == 0 && !lim.NoPOSIX && !lim.CaseInsensitive {
		b.WriteString("No known limitations\n")
		return b.String()
	}
	b.WriteString("Filesystem Limitations:\n")
	if lim.MaxFileSizeMB > 0 {
		fmt.Fprintf(&b, "  • Maximum file size: %dMB (%.1fGB)\n", lim.MaxFileSizeMB, float64(lim.MaxFileSizeMB)/1024)
	}
	if lim.NoPOSIX {
		b.WriteString("  • No POSIX features (no native mode support)\n")
	}
	if lim.CaseInsensitive {
		b.WriteString("  • Case-insensitive filenames\n")
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

// createMessage names the outcome of session creation; container modes
// include the allocation.
func createMessage(result *manager.CreateResult) string {
	if result.Mode == backend.ModeNative {
		return fmt.Sprintf("Session %s created successfully (mode: %s)", result.ID, result.Mode)
	}
	return fmt.Sprintf("Session %s created successfully (mode: %s, size: %dMB)", result.ID, result.Mode, result.SizeMB)
}

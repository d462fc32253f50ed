package cmd

import (
	"fmt"
	"os"

	"github.com/minios-linux/sessionctl/internal/manager"
	"github.com/spf13/cobra"
)

// importOutput is the import command's JSON shape. It extends the
// operation outcome with the new id and any compatibility warnings.
type importOutput struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	Warnings  []string `json:"warnings"`
}

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Import a session archive",
	Long: `Import restores an exported archive as a new session. The archive's
release identity is compared against the running system; mismatches
are reported as warnings unless --strict makes them fatal. When the
archive's mode does not suit the sessions filesystem, --auto-convert
picks one that does and --force-mode overrides the choice entirely.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	importAutoConvert bool
	importForceMode   string
	importNoVerify    bool
	importSkipCompat  bool
	importStrict      bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&importAutoConvert, "auto-convert", false, "convert to a mode the sessions filesystem supports")
	importCmd.Flags().StringVar(&importForceMode, "force-mode", "", "import in this mode regardless of the archive's")
	importCmd.Flags().BoolVar(&importNoVerify, "no-verify", false, "skip verification of the imported session")
	importCmd.Flags().BoolVar(&importSkipCompat, "skip-compatibility-check", false, "skip the release identity comparison")
	importCmd.Flags().BoolVar(&importStrict, "strict", false, "treat compatibility warnings as errors")
}

func runImport(cmd *cobra.Command, args []string) error {
	result, err := mgr.Import(cmd.Context(), args[0], manager.ImportOptions{
		AutoConvert:       importAutoConvert,
		ForceMode:         importForceMode,
		Verify:            !importNoVerify,
		SkipCompatibility: importSkipCompat,
		Strict:            importStrict,
	})
	if err != nil {
		return opFailure(err)
	}

	message := fmt.Sprintf("Session imported successfully as #%s", result.ID)

	if jsonOutput {
		warnings := result.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		return printJSON(importOutput{
			Success:   true,
			Message:   message,
			SessionID: result.ID,
			Warnings:  warnings,
		})
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	fmt.Println(message)
	return nil
}

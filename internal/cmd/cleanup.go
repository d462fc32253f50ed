package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cleanupOutput is the cleanup command's JSON shape. It extends the
// operation outcome with the sweep details.
type cleanupOutput struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	DeletedCount int      `json:"deleted_count"`
	Errors       []string `json:"errors"`
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions not used for a number of days",
	Long: `Cleanup deletes sessions whose directories have not been modified
within the given number of days. The active and running sessions are
never touched. A session that fails to delete is reported and the
sweep continues.`,
	Args: cobra.NoArgs,
	RunE: runCleanupSweep,
}

var cleanupDays int

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "age threshold in days (default: the configured cleanup age)")
}

func runCleanupSweep(cmd *cobra.Command, args []string) error {
	days := cleanupDays
	if !cmd.Flags().Changed("days") {
		days = cfg.Cleanup.Days
	}

	result, err := mgr.Cleanup(days)
	if err != nil {
		return opFailure(err)
	}

	message := fmt.Sprintf("Cleanup completed: %d sessions deleted", result.DeletedCount)

	// Partial failures do not fail the command; the GUI reads them
	// from the result.
	if jsonOutput {
		errs := result.Errors
		if errs == nil {
			errs = []string{}
		}
		return printJSON(cleanupOutput{
			Success:      len(errs) == 0,
			Message:      message,
			DeletedCount: result.DeletedCount,
			Errors:       errs,
		})
	}

	fmt.Println(message)
	if len(result.Errors) > 0 {
		fmt.Println("Errors:")
		for _, e := range result.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	return nil
}

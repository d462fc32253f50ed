package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the state of the sessions directory",
	Long: `Status probes the sessions directory and reports whether it exists,
whether it is writable and what filesystem it lives on. Unlike every
other command it also works when no session storage is present.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st := mgr.Status()
	if jsonOutput {
		return printJSON(st)
	}
	fmt.Print(renderStatus(st))
	return nil
}

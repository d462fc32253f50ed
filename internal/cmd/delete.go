package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Long: `Delete removes a session's directory and registry entry. The active
and running sessions are protected; activate another session first.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := mgr.Delete(args[0]); err != nil {
		return opFailure(err)
	}
	return opSuccess(fmt.Sprintf("Session %s deleted successfully", args[0]))
}

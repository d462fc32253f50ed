package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var activateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Select the session for the next boot",
	Long: `Activate marks a session as the default: the one the system boots
from next time. The running session is not touched, so the change
takes effect on reboot.`,
	Args: cobra.ExactArgs(1),
	RunE: runActivate,
}

func init() {
	rootCmd.AddCommand(activateCmd)
}

func runActivate(cmd *cobra.Command, args []string) error {
	result, err := mgr.Activate(args[0])
	if err != nil {
		return opFailure(err)
	}

	if result.Previous != "" {
		return opSuccess(fmt.Sprintf("Session %s activated (was session %s)", result.ID, result.Previous))
	}
	return opSuccess(fmt.Sprintf("Session %s activated", result.ID))
}

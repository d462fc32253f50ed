package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the session activated for the next boot",
	Args:  cobra.NoArgs,
	RunE:  runActive,
}

var runningCmd = &cobra.Command{
	Use:   "running",
	Short: "Show the session the system booted from",
	Long: `Running shows the session backing the current boot. The running
session may differ from the active one after an activate that has not
been followed by a reboot yet.`,
	Args: cobra.NoArgs,
	RunE: runRunning,
}

func init() {
	rootCmd.AddCommand(activeCmd)
	rootCmd.AddCommand(runningCmd)
}

func runActive(cmd *cobra.Command, args []string) error {
	info, err := mgr.Active()
	if err != nil {
		return reportError(err)
	}

	if jsonOutput {
		// No active session marshals as null.
		return printJSON(info)
	}
	if info == nil {
		fmt.Println("No active session found")
		return nil
	}
	fmt.Print(renderSessionDetail("Active session", info))
	return nil
}

func runRunning(cmd *cobra.Command, args []string) error {
	info, err := mgr.Running()
	if err != nil {
		return reportError(err)
	}

	if jsonOutput {
		return printJSON(info)
	}
	if info == nil {
		fmt.Println("No running session detected")
		return nil
	}
	fmt.Print(renderSessionDetail("Running session", info))
	return nil
}

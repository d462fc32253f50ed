package cmd

import (
	"fmt"

	"github.com/minios-linux/sessionctl/internal/manager"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Long: `List shows every session in the sessions directory with its mode,
release identity, size and last modification time. Sessions missing
from the registry are listed with unknown attributes rather than
hidden.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	infos, err := mgr.List()
	if err != nil {
		return reportError(err)
	}

	if jsonOutput {
		// An empty listing is an empty array, not null.
		if infos == nil {
			infos = []manager.SessionInfo{}
		}
		return printJSON(infos)
	}
	fmt.Print(renderSessionList(infos))
	return nil
}

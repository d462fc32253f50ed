package cmd

import (
	"fmt"
	"strconv"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/spf13/cobra"
)

var resizeCmd = &cobra.Command{
	Use:   "resize <id> <size>",
	Short: "Grow a session's container",
	Long: `Resize grows a dynfilefs or raw session's container to the given
size in MB. Containers only grow; shrinking would truncate data.
Native sessions have no container to resize.`,
	Args: cobra.ExactArgs(2),
	RunE: runResize,
}

func init() {
	rootCmd.AddCommand(resizeCmd)
}

func runResize(cmd *cobra.Command, args []string) error {
	sizeMB, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return opFailure(errors.NewValidationError("session size must be a number of MB").
			WithField("size").
			WithValue(args[1]))
	}

	if err := mgr.Resize(cmd.Context(), args[0], sizeMB); err != nil {
		return opFailure(err)
	}
	return opSuccess(fmt.Sprintf("Session %s resized to %dMB successfully", args[0], sizeMB))
}

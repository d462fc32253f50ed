package cmd

import (
	"strconv"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create [mode] [size]",
	Short: "Create a new session",
	Long: `Create makes a new session under the next free id. Mode is native,
dynfilefs or raw; size is the container allocation in MB and ignored
for native sessions. Both default from the configuration.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	var modeName string
	var sizeMB int64
	if len(args) > 0 {
		modeName = args[0]
	}
	if len(args) > 1 {
		parsed, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return opFailure(errors.NewValidationError("session size must be a number of MB").
				WithField("size").
				WithValue(args[1]))
		}
		sizeMB = parsed
	}

	result, err := mgr.Create(cmd.Context(), modeName, sizeMB)
	if err != nil {
		return opFailure(err)
	}
	return opSuccess(createMessage(result))
}

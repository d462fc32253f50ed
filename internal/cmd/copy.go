package cmd

import (
	"fmt"

	"github.com/minios-linux/sessionctl/internal/manager"
	"github.com/spf13/cobra"
)

var copyCmd = &cobra.Command{
	Use:   "copy <id>",
	Short: "Duplicate a session",
	Long: `Copy duplicates a session under the next free id. With --to-mode
the duplicate is rebuilt in another storage mode; otherwise the
storage files are cloned as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runCopy,
}

var (
	copyToMode string
	copySize   int64
)

func init() {
	rootCmd.AddCommand(copyCmd)
	copyCmd.Flags().StringVar(&copyToMode, "to-mode", "", "storage mode for the copy (default: same as the source)")
	copyCmd.Flags().Int64Var(&copySize, "size", 0, "container allocation for the copy in MB")
}

func runCopy(cmd *cobra.Command, args []string) error {
	result, err := mgr.Copy(cmd.Context(), args[0], manager.CopyOptions{
		ToMode: copyToMode,
		SizeMB: copySize,
	})
	if err != nil {
		return opFailure(err)
	}
	return opSuccess(fmt.Sprintf("Session copied successfully to #%s", result.ID))
}

package cmd

import (
	"fmt"

	"github.com/minios-linux/sessionctl/internal/sizecache"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <id> <destination>",
	Short: "Export a session to a portable archive",
	Long: `Export packs a session into a compressed archive that can be moved
to another machine and imported there. The payload travels as a plain
file tree, so the archive restores into any session mode. A directory
destination gets a generated filename.`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

var exportNoVerify bool

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().BoolVar(&exportNoVerify, "no-verify", false, "skip archive verification after writing")
}

func runExport(cmd *cobra.Command, args []string) error {
	verify := cfg.Export.Verify && !exportNoVerify

	result, err := mgr.Export(cmd.Context(), args[0], args[1], verify)
	if err != nil {
		return opFailure(err)
	}
	return opSuccess(fmt.Sprintf("Session exported successfully to %s (%s)",
		result.Path, sizecache.FormatSize(result.SizeBytes)))
}

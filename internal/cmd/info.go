package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show filesystem and compatibility information",
	Long: `Info reports the filesystem the sessions directory lives on, which
session modes it supports and any limitations, such as the FAT32 file
size cap that rules out large raw images.`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	report, err := mgr.FilesystemInfo()
	if err != nil {
		return reportError(err)
	}

	if jsonOutput {
		return printJSON(report)
	}
	fmt.Print(renderFilesystemReport(report))
	return nil
}

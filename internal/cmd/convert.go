package cmd

import (
	"fmt"

	"github.com/minios-linux/sessionctl/internal/manager"
	"github.com/spf13/cobra"
)

var convertCmd = &cobra.Command{
	Use:   "convert <id> <mode>",
	Short: "Convert a session to another storage mode",
	Long: `Convert rebuilds a session's storage in another mode. By default the
session keeps its id and the converted storage is swapped in; with
--new-session the converted copy gets a fresh id and the source stays
untouched. The active and running sessions cannot be converted;
activate another session first.`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

var (
	convertSize       int64
	convertNewSession bool
)

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().Int64Var(&convertSize, "size", 0, "container allocation for the converted session in MB")
	convertCmd.Flags().BoolVar(&convertNewSession, "new-session", false, "convert into a new session instead of in place")
}

func runConvert(cmd *cobra.Command, args []string) error {
	result, err := mgr.Convert(cmd.Context(), args[0], args[1], manager.ConvertOptions{
		SizeMB:     convertSize,
		NewSession: convertNewSession,
	})
	if err != nil {
		return opFailure(err)
	}

	if result.NewSession {
		return opSuccess(fmt.Sprintf("Session converted successfully from %s to %s as #%s",
			result.From, result.To, result.ID))
	}
	return opSuccess(fmt.Sprintf("Session converted successfully from %s to %s", result.From, result.To))
}

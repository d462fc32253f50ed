package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/minios-linux/sessionctl/internal/config"
	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/manager"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "MiniOS persistent session manager",
	Long: `Sessionctl manages the persistent sessions of a MiniOS live system:
numbered directories on the boot medium that carry filesystem changes
across reboots. Sessions can be created in native, dynfilefs or raw
storage mode, activated for the next boot, resized, copied, converted
between modes and moved between machines as compressed archives.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

// Execute runs the root command and reports failures in the selected
// output format: one "Error:" line on stderr for humans, or a JSON
// error object on stderr unless the command already emitted one.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}
	if jsonOutput {
		if !jsonEmitted {
			emitJSONError(err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

var (
	jsonOutput bool

	// cfg and mgr are built by setup before any command runs.
	cfg *config.Config
	mgr *manager.Manager
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().String("sessions-dir", "", "session storage directory (default: probe the live-boot locations)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is "+config.ConfigFile()+")")
	_ = viper.BindPFlag("sessions_dir", rootCmd.PersistentFlags().Lookup("sessions-dir"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("/etc/sessionctl")
	}

	viper.SetEnvPrefix("SESSIONCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Missing config files are fine; defaults and flags carry the tool.
	_ = viper.ReadInConfig()
}

// setup builds the manager every command works through. Session storage
// lives on the boot medium and mounting containers needs the kernel, so
// root is required up front, as the GUI wrapper expects.
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	if os.Geteuid() != 0 {
		return reportError(errors.New("this tool requires root privileges; run it with sudo or through pkexec"))
	}

	cfg = config.Get()
	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		return reportError(errors.Wrap(err, "failed to set up logging"))
	}

	dir, err := cfg.ResolveSessionsDir()
	if err != nil {
		// status reports the absence instead of failing on it, and logs
		// only reads the log file.
		switch cmd.Name() {
		case "status", "logs":
			dir = ""
		default:
			return reportError(err)
		}
	}

	mgr = manager.New(dir, cfg, logger)
	mgr.Reconcile(cmd.Context())
	return nil
}

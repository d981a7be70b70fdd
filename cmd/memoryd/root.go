package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/memoryd/config"
	"github.com/vinayprograms/memoryd/logging"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const logo = `
                                              _
  _ __ ___   ___ _ __ ___   ___  _ __ _   _  __| |
 | '_ ' _ \ / _ \ '_ ' _ \ / _ \| '__| | | |/ _' |
 | | | | | |  __/ | | | | | (_) | |  | |_| | (_| |
 |_| |_| |_|\___|_| |_| |_|\___/|_|   \__, |\__,_|
                                      |___/
`

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "memoryd",
		Short:        "Long-term semantic memory for chat assistants",
		Long:         color.CyanString(logo) + "\nRemembers facts, preferences and decisions from conversations and recalls them by meaning.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "TOML config file (default $MEMORYD_CONFIG or memoryd.toml)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before the environment (default .env)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override MEMORY_LOG_LEVEL (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newServeCmd(flags),
		newConsolidateCmd(flags),
		newToolsCmd(flags),
		newVersionCmd(),
	)
	root.SetErrPrefix(color.RedString("error:"))
	return root
}

// load reads the configuration and builds the root logger.
func (f *globalFlags) load(stderr io.Writer) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWith(config.Options{
		ConfigFile: f.configFile,
		EnvFile:    f.envFile,
	})
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Memory.LogLevel
	if f.logLevel != "" {
		level = f.logLevel
	}
	return cfg, newLogger(level, stderr), nil
}

func newLogger(level string, w io.Writer) *logging.Logger {
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(strings.ToUpper(level)))
	if w != nil {
		logger.SetOutput(w)
	}
	return logger
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n",
				color.CyanString("memoryd"), version, commit, buildTime)
		},
	}
}

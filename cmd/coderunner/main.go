package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderunner/internal/config"
	"github.com/michaelbrown/coderunner/internal/logging"
)

var (
	configFlag string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "coderunner",
	Short: "coderunner - run untrusted code in gVisor sandboxes",
	Long: `coderunner runs Python and bash code in disposable gVisor (runsc) sandboxes.

The serve command starts the HTTP service. run and repl talk to a running
service, and history inspects the executions it has recorded.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./coderunner.yaml or ~/.coderunner/coderunner.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}

// loadConfig reads the configuration and sets up logging. The returned
// func closes the log file, if any.
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	path := configFlag
	if path == "" {
		path = os.Getenv("CODERUNNER_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if debugFlag {
		cfg.Log.Debug = true
	}

	opts := cfg.Logging()
	opts.Output = os.Stderr
	logger, closeLog, err := logging.New(opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setting up logging: %w", err)
	}
	return cfg, logger, closeLog, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

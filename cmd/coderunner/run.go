package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderunner/internal/client"
	"github.com/michaelbrown/coderunner/internal/config"
)

var (
	languageFlag     string
	requirementsFlag string
	apiURLFlag       string
	quietFlag        bool
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Run a file in the sandbox service",
	Long: `Send code to a running sandbox service and print its output.

The code is read from the file argument, or from stdin when it is "-" or
omitted. The language defaults to bash for .sh files and python otherwise.

Examples:
  coderunner run script.py
  coderunner run --requirements requirements.txt fetch.py
  echo 'uname -a' | coderunner run --language bash`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language: python or bash (default: from file extension)")
	runCmd.Flags().StringVarP(&requirementsFlag, "requirements", "r", "", "pip requirements file to install first (python only)")
	runCmd.Flags().StringVar(&apiURLFlag, "api-url", "", "Sandbox service URL (overrides config)")
	runCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Do not print progress")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	name := "-"
	if len(args) == 1 {
		name = args[0]
	}
	code, err := readSource(name, cmd.InOrStdin())
	if err != nil {
		return err
	}

	language := languageFlag
	if language == "" {
		language = inferLanguage(name)
	}

	var opts []client.RunOption
	if requirementsFlag != "" {
		data, err := os.ReadFile(requirementsFlag)
		if err != nil {
			return fmt.Errorf("reading requirements: %w", err)
		}
		opts = append(opts, client.WithRequirements(string(data)))
	}
	if !quietFlag {
		stderr := cmd.ErrOrStderr()
		opts = append(opts, client.WithProgress(func(s client.Status) {
			if !s.Failed {
				fmt.Fprintf(stderr, "\033[90m%s\033[0m\n", s.Description)
			}
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res := newClient(cfg, logger).Run(ctx, language, code, opts...)
	fmt.Fprint(cmd.OutOrStdout(), res.Output)
	if !strings.HasSuffix(res.Output, "\n") && res.Output != "" {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	if !res.OK() {
		return errors.New("execution failed")
	}
	return nil
}

func newClient(cfg *config.Config, logger *slog.Logger) *client.Client {
	url := cfg.Client.APIURL
	if apiURLFlag != "" {
		url = apiURLFlag
	}
	return client.New(client.Config{
		APIURL:  url,
		Timeout: cfg.Client.Timeout,
		Debug:   cfg.Log.Debug,
	}, logger)
}

func readSource(name string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(data), nil
}

func inferLanguage(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".sh", ".bash":
		return "bash"
	default:
		return "python"
	}
}

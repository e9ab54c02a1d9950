package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderunner/internal/executor"
	"github.com/michaelbrown/coderunner/internal/sandbox"
	"github.com/michaelbrown/coderunner/internal/server"
	"github.com/michaelbrown/coderunner/internal/storage"
	"github.com/michaelbrown/coderunner/internal/storage/sqlite"
)

var (
	portFlag          int
	maxConcurrentFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox execution service",
	Long: `Start the HTTP service that runs code in gVisor sandboxes.

POST /execute streams NDJSON progress followed by one result record.
GET /execute/ws does the same over a WebSocket.

Examples:
  coderunner serve
  coderunner serve --port 8080 --max-concurrent 8`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().IntVar(&maxConcurrentFlag, "max-concurrent", 0, "Simultaneous sandboxes (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	policy, err := cfg.Policy()
	if err != nil {
		return fmt.Errorf("loading sandbox policy: %w", err)
	}

	runtime := sandbox.NewRuntime(cfg.Runtime(), logger)
	if _, err := exec.LookPath(runtime.Binary()); err != nil {
		logger.Warn("sandbox runtime not found; executions will fail", "runtime", runtime.Binary(), "error", err)
	}

	maxConcurrent := cfg.Server.MaxConcurrent
	if maxConcurrentFlag > 0 {
		maxConcurrent = maxConcurrentFlag
	}
	runner := executor.New(executor.Config{
		Policy:        policy,
		WorkDir:       cfg.Sandbox.WorkDir,
		Timeout:       cfg.Sandbox.Timeout,
		MaxConcurrent: maxConcurrent,
	}, runtime, logger)

	// History is optional; an empty db_path disables it.
	var store storage.Store
	if cfg.Storage.DBPath != "" {
		db, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer db.Close()
		store = db
		logger.Info("execution history enabled", "db", cfg.Storage.DBPath)
	}

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(runner, store, server.Options{Runtime: runtime.Binary(), Logger: logger})

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.Timeout+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}

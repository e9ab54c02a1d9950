package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderunner/internal/storage"
	"github.com/michaelbrown/coderunner/internal/storage/sqlite"
)

var (
	statusFilter   string
	languageFilter string
	limitFlag      int
	exportFormat   string
	exportOutput   string
	olderThanFlag  time.Duration
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist"},
	Short:   "Inspect recorded executions",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show an execution as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old executions",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd)

	historyListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (succeeded, failed, error)")
	historyListCmd.Flags().StringVar(&languageFilter, "language", "", "Filter by language (python, bash)")
	historyListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max executions to show")

	historyShowCmd.Flags().StringVar(&exportFormat, "format", "md", "Output format: md or json")
	historyShowCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyPruneCmd.Flags().DurationVar(&olderThanFlag, "older-than", 30*24*time.Hour, "Delete executions older than this")
}

func openStore() (storage.Store, error) {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	closeLog()
	if cfg.Storage.DBPath == "" {
		return nil, errors.New("execution history is disabled (storage.db_path is empty)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.List(context.Background(), storage.ListOptions{
		Status:   storage.Status(statusFilter),
		Language: languageFilter,
		Limit:    limitFlag,
	})
	if err != nil {
		return err
	}

	if len(execs) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-7s %-5s %-40s %s\n", "ID", "STATUS", "LANG", "EXIT", "CODE", "CREATED")
	fmt.Println(strings.Repeat("─", 90))

	for _, e := range execs {
		code := firstLine(e.Code)
		if len(code) > 38 {
			code = code[:38] + ".."
		}
		exit := "-"
		if e.Status != storage.StatusError {
			exit = fmt.Sprint(e.ExitCode)
		}
		id := e.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("%-10s %-10s %-7s %-5s %-40s %s\n",
			id, e.Status, e.Language, exit, code, timeAgo(e.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(e)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	case "md", "markdown":
		output = storage.ExportMarkdown(e)
	default:
		return fmt.Errorf("unknown format %q (want md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if olderThanFlag <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", olderThanFlag)
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(context.Background(), time.Now().Add(-olderThanFlag))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d executions older than %s\n", n, olderThanFlag)
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderunner/internal/client"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactively run snippets in the sandbox service",
	Long: `Start an interactive session against a running sandbox service.
Each entry runs in a fresh sandbox. End a line with \ to continue it.

Examples:
  coderunner repl
  coderunner repl --api-url http://sandbox:5000/execute`,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().StringVar(&apiURLFlag, "api-url", "", "Sandbox service URL (overrides config)")
	rootCmd.AddCommand(replCmd)
}

type replState struct {
	language string
}

func (s *replState) prompt() string {
	return fmt.Sprintf("\033[36m%s>\033[0m ", s.language)
}

func runREPL(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	c := newClient(cfg, logger)
	state := &replState{language: "python"}

	fmt.Printf("coderunner - interactive sandbox\n")
	url := cfg.Client.APIURL
	if apiURLFlag != "" {
		url = apiURLFlag
	}
	fmt.Printf("Service: %s\n", url)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          state.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), "coderunner_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C while a snippet runs stops waiting for it; the sandbox itself
	// is bounded by the service's timeout.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		code, err := readEntry(rl, state)
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}
		if strings.TrimSpace(code) == "" {
			continue
		}

		if strings.HasPrefix(code, "/") {
			if quit := handleCommand(code, state); quit {
				fmt.Println("Goodbye!")
				return nil
			}
			rl.SetPrompt(state.prompt())
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		res := c.Run(reqCtx, state.language, code, client.WithProgress(func(s client.Status) {
			if !s.Failed && !s.Done {
				fmt.Printf("  \033[90m│ %s\033[0m\n", s.Description)
			}
		}))
		wasInterrupted := reqCtx.Err() != nil
		cancel()
		reqCancel = nil

		if wasInterrupted {
			fmt.Println("(interrupted)")
			continue
		}
		printResult(res)
	}
}

// readEntry reads one snippet. Lines ending in a backslash continue it.
func readEntry(rl *readline.Instance, state *replState) (string, error) {
	var lines []string
	rl.SetPrompt(state.prompt())
	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		if cont, ok := strings.CutSuffix(line, `\`); ok {
			lines = append(lines, cont)
			rl.SetPrompt("\033[36m...\033[0m ")
			continue
		}
		lines = append(lines, line)
		return strings.Join(lines, "\n"), nil
	}
}

func printResult(res client.Result) {
	out := strings.TrimRight(res.Output, "\n")
	if res.OK() {
		if out != "" {
			fmt.Println(out)
		}
		fmt.Println()
		return
	}
	fmt.Printf("\033[31m%s\033[0m\n", res.Status)
	if out != "" {
		fmt.Println(out)
	}
	fmt.Println()
}

// handleCommand runs a slash command and reports whether to quit.
func handleCommand(input string, state *replState) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		return true
	case "/python", "/py":
		state.language = "python"
	case "/bash", "/sh":
		state.language = "bash"
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /python   - Run entries as Python (default)")
		fmt.Println("  /bash     - Run entries as bash")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

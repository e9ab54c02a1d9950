package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/coderunner/internal/client"
	"github.com/michaelbrown/coderunner/internal/config"
	"github.com/michaelbrown/coderunner/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("CODERUNNER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol; logs go to stderr only.
	opts := cfg.Logging()
	opts.Output = os.Stderr
	logger, closeLog, err := logging.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	t := &toolServer{
		client: client.New(client.Config{
			APIURL:  cfg.Client.APIURL,
			Timeout: cfg.Client.Timeout,
			Debug:   cfg.Log.Debug,
		}, logger),
		logger: logger,
	}

	if err := server.ServeStdio(t.mcpServer()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

type toolServer struct {
	client *client.Client
	logger *slog.Logger
}

func (t *toolServer) mcpServer() *server.MCPServer {
	s := server.NewMCPServer("coderunner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name: "run_python_code",
		Description: "Run Python code safely in a gVisor sandbox. Returns a JSON object with " +
			"`python_code`, `status` and `output`. When `status` is \"OK\" the answer is in `output`; " +
			"otherwise report the status first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"python_code": map[string]any{
					"type":        "string",
					"description": "Python code to run",
				},
				"requirements": map[string]any{
					"type":        "string",
					"description": "pip requirements, one per line, installed before running (optional)",
				},
			},
			Required: []string{"python_code"},
		},
	}, t.handleRunPython)

	s.AddTool(mcp.Tool{
		Name: "run_bash_command",
		Description: "Run a bash command line or script safely in a gVisor sandbox. Returns a JSON object with " +
			"`bash_command`, `status` and `output`. When `status` is \"OK\" the answer is in `output`; " +
			"otherwise report the status first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"bash_command": map[string]any{
					"type":        "string",
					"description": "Bash command or script to run",
				},
			},
			Required: []string{"bash_command"},
		},
	}, t.handleRunBash)

	return s
}

func (t *toolServer) handleRunPython(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	code, _ := args["python_code"].(string)
	if code == "" {
		return errResult("error: 'python_code' is required"), nil
	}

	opts := []client.RunOption{client.WithProgress(t.progress(ctx, request))}
	if reqs, _ := args["requirements"].(string); reqs != "" {
		opts = append(opts, client.WithRequirements(reqs))
	}
	res := t.client.RunPython(ctx, code, opts...)
	return toolResult("python_code", code, res)
}

func (t *toolServer) handleRunBash(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	command, _ := args["bash_command"].(string)
	if command == "" {
		return errResult("error: 'bash_command' is required"), nil
	}

	res := t.client.RunBash(ctx, command, client.WithProgress(t.progress(ctx, request)))
	return toolResult("bash_command", command, res)
}

// progress forwards status updates as MCP progress notifications when the
// caller asked for them, and logs them otherwise.
func (t *toolServer) progress(ctx context.Context, request mcp.CallToolRequest) client.ProgressFunc {
	var token mcp.ProgressToken
	if request.Params.Meta != nil {
		token = request.Params.Meta.ProgressToken
	}
	srv := server.ServerFromContext(ctx)

	step := 0
	return func(s client.Status) {
		step++
		t.logger.Debug("progress", "description", s.Description, "done", s.Done, "failed", s.Failed)
		if token == nil || srv == nil {
			return
		}
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      step,
			"message":       s.Description,
		})
		if err != nil {
			t.logger.Debug("sending progress notification", "error", err)
		}
	}
}

func toolResult(field, code string, res client.Result) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]string{
		field:    code,
		"status": res.Status,
		"output": res.Output,
	})
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
		IsError: !res.OK(),
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

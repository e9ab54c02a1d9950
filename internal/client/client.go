// Package client calls the sandbox service and normalizes its stream into
// an OK/ERROR result.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/michaelbrown/coderunner/internal/stream"
)

// Progress messages the client adds around the service's own.
const (
	MsgConnecting = "Connecting to Sandbox API..."
	MsgComplete   = "Code execution complete."
	MsgNoResponse = "No response from sandbox API"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Result is the normalized outcome of a run.
type Result struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

// OK reports whether the code ran and exited 0.
func (r Result) OK() bool { return r.Status == StatusOK }

// Status is one progress notification.
type Status struct {
	Description string
	Done        bool
	Failed      bool
}

// ProgressFunc receives progress notifications. It is called on the
// goroutine running the request.
type ProgressFunc func(Status)

type Config struct {
	APIURL  string        // e.g. http://localhost:5000/execute
	Timeout time.Duration // whole request, including the stream; zero means none
	Debug   bool          // log every progress notification
}

// Client talks to one sandbox service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a client. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type runOptions struct {
	requirements *string
	progress     ProgressFunc
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithRequirements installs a newline-separated requirements manifest
// before running. Python only.
func WithRequirements(manifest string) RunOption {
	return func(o *runOptions) { o.requirements = &manifest }
}

// WithProgress sets the progress callback. nil is allowed.
func WithProgress(fn ProgressFunc) RunOption {
	return func(o *runOptions) { o.progress = fn }
}

// RunPython runs Python code.
func (c *Client) RunPython(ctx context.Context, code string, opts ...RunOption) Result {
	return c.Run(ctx, "python", code, opts...)
}

// RunBash runs a bash command line or script.
func (c *Client) RunBash(ctx context.Context, code string, opts ...RunOption) Result {
	return c.Run(ctx, "bash", code, opts...)
}

// Run sends code to the service and waits for the terminal record. Every
// failure is folded into an ERROR result.
func (c *Client) Run(ctx context.Context, language, code string, opts ...RunOption) Result {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	emit := func(s Status) {
		if c.cfg.Debug {
			c.logger.Debug("emitting status event", "description", s.Description, "done", s.Done, "failed", s.Failed)
		}
		if o.progress != nil {
			o.progress(s)
		}
	}
	fail := func(msg string) Result {
		emit(Status{Description: msg, Done: true, Failed: true})
		return Result{Status: StatusError, Output: msg}
	}

	emit(Status{Description: MsgConnecting})

	body, err := json.Marshal(map[string]any{
		"code":         code,
		"language":     language,
		"requirements": o.requirements,
	})
	if err != nil {
		return fail(fmt.Sprintf("Sandbox API connection error: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Sprintf("Sandbox API connection error: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Sprintf("Sandbox API connection error: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Sprintf("Sandbox API connection error: %s", statusError(resp)))
	}

	ev, err := stream.Collect(resp.Body, func(msg string) {
		emit(Status{Description: msg})
	})
	switch {
	case errors.Is(err, stream.ErrNoTerminal):
		return Result{Status: StatusError, Output: MsgNoResponse}
	case errors.Is(err, stream.ErrMalformed):
		return fail(fmt.Sprintf("Sandbox API response error: %v", err))
	case err != nil:
		return fail(fmt.Sprintf("Sandbox API connection error: %v", err))
	}

	emit(Status{Description: MsgComplete, Done: true})

	if ev.Kind == stream.KindError {
		return Result{Status: StatusError, Output: ev.Message}
	}
	status := StatusError
	if ev.Result.ExitCode == 0 {
		status = StatusOK
	}
	return Result{Status: status, Output: ev.Result.Output()}
}

// statusError describes a non-200 response, using the service's
// {"error": ...} body when present.
func statusError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%s: %s", resp.Status, body.Error)
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return fmt.Sprintf("%s: %s", resp.Status, text)
	}
	return resp.Status
}

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// RuntimeConfig describes how to invoke the OCI sandbox runtime.
type RuntimeConfig struct {
	Binary string   // runtime executable (e.g. "runsc")
	Root   string   // runtime state directory, passed as --root when set
	Flags  []string // extra global flags (e.g. "--rootless")

	// SetupErrorMarkers are stderr substrings the runtime prints when it
	// fails before the user's program runs.
	SetupErrorMarkers []string
}

// DefaultSetupErrorMarkers are the prefixes runsc uses for its own failures.
var DefaultSetupErrorMarkers = []string{
	"creating container:",
	"starting container:",
	"running container:",
	"loading container:",
}

// Runtime drives an external OCI runtime, one child process per call.
type Runtime struct {
	cfg    RuntimeConfig
	logger *slog.Logger
}

// NewRuntime creates a driver. logger may be nil.
func NewRuntime(cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	if cfg.Binary == "" {
		cfg.Binary = "runsc"
	}
	if cfg.SetupErrorMarkers == nil {
		cfg.SetupErrorMarkers = DefaultSetupErrorMarkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, logger: logger}
}

// Binary returns the configured runtime executable.
func (r *Runtime) Binary() string { return r.cfg.Binary }

func (r *Runtime) globalArgs() []string {
	var args []string
	if r.cfg.Root != "" {
		args = append(args, "--root", r.cfg.Root)
	}
	return append(args, r.cfg.Flags...)
}

// Run executes the bundle as instance id and blocks until it exits. The
// child's output is captured in full and its exit code passed through.
// A ctx deadline kills the runtime; a run killed that way has TimedOut set.
func (r *Runtime) Run(ctx context.Context, bundleDir, id string, network bool) (*RunResult, error) {
	bin, err := exec.LookPath(r.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeLaunch, err)
	}

	netMode := "--network=none"
	if network {
		netMode = "--network=host"
	}

	args := append(r.globalArgs(), netMode, "run", "--bundle", bundleDir, id)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("starting sandbox", "instance", id, "bundle", bundleDir, "args", args)
	start := time.Now()
	err = cmd.Run()

	result := &RunResult{Duration: time.Since(start)}
	killed := false
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: running %s: %w", ErrRuntimeLaunch, r.cfg.Binary, err)
		}
		result.ExitCode = exitErr.ExitCode()
		// ExitCode is -1 only when a signal ended the process.
		killed = result.ExitCode == -1
	}

	// A run that exits on its own right at the deadline keeps its exit code.
	if killed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		if stderr.Len() > 0 && !bytes.HasSuffix(stderr.Bytes(), []byte("\n")) {
			stderr.WriteByte('\n')
		}
		stderr.WriteString("sandbox: execution timed out\n")
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if result.ExitCode != 0 && !result.TimedOut {
		result.SetupFailure = r.isSetupFailure(result.Stderr)
	}

	r.logger.Debug("sandbox exited", "instance", id, "exit_code", result.ExitCode,
		"duration", result.Duration, "setup_failure", result.SetupFailure)
	return result, nil
}

func (r *Runtime) isSetupFailure(stderr string) bool {
	for _, m := range r.cfg.SetupErrorMarkers {
		if m != "" && strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

// Destroy releases the runtime's state for id. Deleting an instance that
// no longer exists is not an error for the runtime's --force mode.
func (r *Runtime) Destroy(ctx context.Context, id string) error {
	args := append(r.globalArgs(), "delete", "--force", id)
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.WaitDelay = 5 * time.Second

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s delete %s: %w: %s", r.cfg.Binary, id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/coderunner/internal/sandbox"
	"github.com/michaelbrown/coderunner/internal/stream"
)

// Progress messages, in the order a request sees them.
const (
	MsgWaiting   = "Waiting for a free sandbox slot..."
	MsgSettingUp = "Setting up sandbox..."
	MsgExecuting = "Executing code..."
)

// Sink receives the events of one execution.
type Sink interface {
	Emit(ev stream.Event) error
}

// Config holds the orchestrator's settings. Everything is passed in; the
// orchestrator reads no ambient state.
type Config struct {
	Policy        sandbox.Policy
	WorkDir       string        // temp files and bundles; os.TempDir when empty
	Timeout       time.Duration // per-run limit; zero means none
	MaxConcurrent int           // simultaneous sandboxes; <= 0 means 1
}

// Executor runs requests in sandboxes, one instance per request.
type Executor struct {
	builder *sandbox.Builder
	driver  sandbox.Driver
	timeout time.Duration
	slots   chan struct{}
	logger  *slog.Logger
}

// New creates an executor. logger may be nil.
func New(cfg Config, driver sandbox.Driver, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = 1
	}
	return &Executor{
		builder: sandbox.NewBuilder(cfg.Policy, cfg.WorkDir),
		driver:  driver,
		timeout: cfg.Timeout,
		slots:   make(chan struct{}, n),
		logger:  logger,
	}
}

// Validate checks a request without creating any resource.
func (e *Executor) Validate(req Request) error {
	_, err := validate(req)
	return err
}

// Execute runs req and reports it to sink: progress events, then exactly
// one terminal event, written after every resource has been released.
// A validation error is returned without emitting anything. Build and
// launch failures are emitted as the terminal error record and returned.
func (e *Executor) Execute(ctx context.Context, req Request, sink Sink) (*Outcome, error) {
	lang, err := validate(req)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := e.logger.With("execution", req.ID, "language", lang)

	outcome, err := e.run(ctx, logger, lang, req, sink)
	if err != nil {
		logger.Error("execution failed", "error", err)
		e.emit(logger, sink, stream.Failure(err.Error()))
		return nil, err
	}

	logger.Info("execution finished", "exit_code", outcome.ExitCode, "duration", outcome.Duration,
		"setup_failure", outcome.SetupFailure, "timed_out", outcome.TimedOut)
	e.emit(logger, sink, stream.Completed(stream.Result{
		Stdout:   outcome.Stdout,
		Stderr:   outcome.Stderr,
		ExitCode: outcome.ExitCode,
	}))
	return outcome, nil
}

// run does everything up to the terminal event. Cleanup is deferred here
// so it completes before Execute writes the terminal record.
func (e *Executor) run(ctx context.Context, logger *slog.Logger, lang sandbox.Language, req Request, sink Sink) (*Outcome, error) {
	if err := e.acquire(ctx, logger, sink); err != nil {
		return nil, err
	}
	defer func() { <-e.slots }()

	scope := sandbox.NewScope(logger)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		// Failures are logged by the scope and never change the outcome.
		scope.Close(cleanupCtx)
		logger.Debug("sandbox resources released", "files", len(scope.Files()), "dirs", len(scope.Dirs()))
	}()

	e.emit(logger, sink, stream.Progress(MsgSettingUp))
	bundle, err := e.builder.Build(scope, lang, req.Code, req.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	logger.Debug("bundle built", "bundle", bundle.Dir, "strategy", bundle.Strategy.Name(),
		"mounts", len(bundle.Spec.Mounts))

	id := "coderunner-" + req.ID
	scope.SetInstance(id, e.driver.Destroy)

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.emit(logger, sink, stream.Progress(executingMessage(len(req.Dependencies))))
	result, err := e.driver.Run(runCtx, bundle.Dir, id, bundle.Strategy.NeedsNetwork())
	if err != nil {
		return nil, err
	}
	if result.SetupFailure {
		logger.Warn("sandbox setup failed", "instance", id, "stderr", result.Stderr)
	}

	return &Outcome{
		ID:           req.ID,
		Language:     string(lang),
		Stdout:       result.Stdout,
		Stderr:       result.Stderr,
		ExitCode:     result.ExitCode,
		SetupFailure: result.SetupFailure,
		TimedOut:     result.TimedOut,
		Dependencies: len(req.Dependencies),
		Duration:     result.Duration,
	}, nil
}

func executingMessage(deps int) string {
	switch deps {
	case 0:
		return MsgExecuting
	case 1:
		return "Installing 1 dependency and executing code..."
	}
	return fmt.Sprintf("Installing %d dependencies and executing code...", deps)
}

// acquire takes a sandbox slot, announcing the wait if none is free.
func (e *Executor) acquire(ctx context.Context, logger *slog.Logger, sink Sink) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	default:
	}

	e.emit(logger, sink, stream.Progress(MsgWaiting))
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sandbox slot: %w", ctx.Err())
	}
}

// emit writes to the sink. A vanished client does not stop the run.
func (e *Executor) emit(logger *slog.Logger, sink Sink, ev stream.Event) {
	if err := sink.Emit(ev); err != nil {
		logger.Debug("dropping stream event", "kind", ev.Kind, "error", err)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/coderunner/internal/executor"
	"github.com/michaelbrown/coderunner/internal/storage"
)

// Runner executes requests. *executor.Executor implements it.
type Runner interface {
	Validate(req executor.Request) error
	Execute(ctx context.Context, req executor.Request, sink executor.Sink) (*executor.Outcome, error)
}

type Options struct {
	// Runtime is reported by /healthz.
	Runtime string
	Logger  *slog.Logger
}

// Server is the HTTP front end of the sandbox service.
type Server struct {
	runner  Runner
	store   storage.Store // nil when history is disabled
	tracker *Tracker
	runtime string
	logger  *slog.Logger
	router  chi.Router

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server. store may be nil.
func New(runner Runner, store storage.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runner:  runner,
		store:   store,
		tracker: NewTracker(),
		runtime: opts.Runtime,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// WebSocket (no JSON content-type)
	r.Get("/execute/ws", s.handleExecuteWS)

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/execute", s.handleExecute)

		// History
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/active", s.handleActiveExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)

		r.Get("/healthz", s.handleHealthz)
	})
}

// jsonContentType sets Content-Type to application/json.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Tracker returns the in-flight execution tracker.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = hs
	s.mu.Unlock()

	s.logger.Info("sandbox server starting", "addr", "http://localhost"+addr, "runtime", s.runtime)
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// defaultShutdownTimeout bounds Shutdown when ctx carries no deadline.
var defaultShutdownTimeout = 10 * time.Second

// Shutdown stops accepting requests and waits for running executions,
// including WebSocket ones, to finish. A deadline on ctx replaces the
// default bound, so callers can wait out the sandbox timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server", "active", s.tracker.Len())

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}

	s.mu.Lock()
	hs := s.http
	s.mu.Unlock()

	var err error
	if hs != nil {
		err = hs.Shutdown(shutdownCtx)
	}
	if werr := s.tracker.Wait(shutdownCtx); werr != nil {
		err = errors.Join(err, fmt.Errorf("waiting for executions: %w", werr))
	}
	return err
}

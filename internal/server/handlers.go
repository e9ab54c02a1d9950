package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/michaelbrown/coderunner/internal/executor"
	"github.com/michaelbrown/coderunner/internal/storage"
	"github.com/michaelbrown/coderunner/internal/stream"
)

const maxRequestBytes = 4 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// executeRequest is the body of POST /execute and the first WebSocket message.
type executeRequest struct {
	Code         string  `json:"code"`
	Language     string  `json:"language"`
	Requirements *string `json:"requirements"`
}

func (er executeRequest) toRequest() executor.Request {
	req := executor.Request{
		ID:       uuid.NewString(),
		Language: er.Language,
		Code:     er.Code,
	}
	if er.Requirements != nil {
		req.Dependencies = executor.ParseRequirements(*er.Requirements)
	}
	return req
}

// validationStatus maps a rejected request to its HTTP status.
func validationStatus(err error) int {
	var ve *executor.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// --- Execution handlers ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var body executeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req := body.toRequest()
	if err := s.runner.Validate(req); err != nil {
		writeError(w, validationStatus(err), err.Error())
		return
	}

	w.Header().Set("X-Execution-ID", req.ID)
	w.WriteHeader(http.StatusOK)
	sw := stream.NewHTTPWriter(w)
	defer sw.Close()

	s.execute(r, req, "http", sw)
}

// execute runs an accepted request to completion. The caller going away
// does not stop it; only the sandbox timeout does.
func (s *Server) execute(r *http.Request, req executor.Request, transport string, sink executor.Sink) {
	ctx := context.WithoutCancel(r.Context())
	logger := s.logger.With("execution", req.ID, "request_id", middleware.GetReqID(r.Context()))

	s.tracker.Add(ActiveExecution{
		ID:        req.ID,
		Language:  req.Language,
		Transport: transport,
		Remote:    r.RemoteAddr,
	})
	defer s.tracker.Remove(req.ID)

	start := time.Now()
	outcome, err := s.runner.Execute(ctx, req, trackedSink{Sink: sink, tracker: s.tracker, id: req.ID})
	s.record(ctx, logger, req, outcome, err, time.Since(start))
}

// record saves a finished execution to history. Failures are logged only.
func (s *Server) record(ctx context.Context, logger *slog.Logger, req executor.Request, outcome *executor.Outcome, runErr error, elapsed time.Duration) {
	if s.store == nil {
		return
	}

	e := &storage.Execution{
		ID:           req.ID,
		Language:     req.Language,
		Code:         req.Code,
		Dependencies: req.Dependencies,
		Duration:     elapsed,
	}
	switch {
	case runErr != nil:
		e.Status = storage.StatusError
		e.ExitCode = -1
		e.Error = runErr.Error()
	default:
		e.Status = storage.StatusSucceeded
		if !outcome.Succeeded() {
			e.Status = storage.StatusFailed
		}
		e.Language = outcome.Language
		e.ExitCode = outcome.ExitCode
		e.Output = outcome.Output()
		e.SetupFailure = outcome.SetupFailure
		e.TimedOut = outcome.TimedOut
		e.Duration = outcome.Duration
	}

	if err := s.store.Record(ctx, e); err != nil {
		logger.Warn("recording execution", "error", err)
	}
}

// --- History handlers ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	q := r.URL.Query()
	opts := storage.ListOptions{
		Status:   storage.Status(q.Get("status")),
		Language: q.Get("language"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	executions, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if executions == nil {
		executions = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleActiveExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.List())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"runtime": s.runtime,
		"active":  s.tracker.Len(),
		"history": s.store != nil,
	})
}

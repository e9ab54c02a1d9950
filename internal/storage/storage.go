package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no execution matches an id or prefix.
var ErrNotFound = errors.New("execution not found")

// Status is the final state of an execution.
type Status string

const (
	StatusSucceeded Status = "succeeded" // exit code 0
	StatusFailed    Status = "failed"    // script or sandbox setup exited non-zero
	StatusError     Status = "error"     // never produced an outcome
)

// MaxOutput bounds the stored output of one execution.
const MaxOutput = 64 << 10

// Execution is the history record of one request.
type Execution struct {
	ID           string        `json:"id"`
	Language     string        `json:"language"`
	Status       Status        `json:"status"`
	ExitCode     int           `json:"exit_code"`
	Code         string        `json:"code"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	SetupFailure bool          `json:"setup_failure,omitempty"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ListOptions controls filtering and pagination for List.
type ListOptions struct {
	Status   Status
	Language string
	Limit    int
	Offset   int
}

// Store is the persistence interface for execution history.
type Store interface {
	// Record inserts a finished execution. CreatedAt is set when zero.
	Record(ctx context.Context, e *Execution) error

	// Get returns an execution by ID or ID prefix.
	Get(ctx context.Context, id string) (*Execution, error)

	// List returns executions ordered by created_at descending.
	List(ctx context.Context, opts ListOptions) ([]Execution, error)

	// Prune deletes executions created before t and reports how many.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}

// Truncate cuts s to MaxOutput bytes, marking the cut.
func Truncate(s string) string {
	if len(s) <= MaxOutput {
		return s
	}
	return s[:MaxOutput] + "\n... [truncated]"
}

package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/coderunner/internal/sandbox"
	"github.com/michaelbrown/coderunner/internal/stream"
)

var (
	// ErrInvalidInput means the request is missing or has malformed fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupportedLanguage means the language is not python or bash.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrBuild means the bundle could not be constructed.
	ErrBuild = errors.New("building sandbox")
)

// ValidationError is a request rejection. Its message is safe to return
// to the caller verbatim.
type ValidationError struct {
	Kind error
	Msg  string
}

func (e *ValidationError) Error() string { return e.Msg }
func (e *ValidationError) Unwrap() error { return e.Kind }

func invalid(kind error, format string, args ...any) error {
	return &ValidationError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Request is one execution request. It is not modified once accepted.
type Request struct {
	ID           string // optional; generated when empty
	Language     string
	Code         string
	Dependencies []string
}

// ParseRequirements splits a newline-separated manifest into requirement
// strings, dropping blank lines and comments.
func ParseRequirements(s string) []string {
	var deps []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		deps = append(deps, line)
	}
	return deps
}

func validate(req Request) (sandbox.Language, error) {
	if req.Code == "" || req.Language == "" {
		return "", invalid(ErrInvalidInput, "Code or language not provided")
	}
	lang, ok := sandbox.ParseLanguage(req.Language)
	if !ok {
		return "", invalid(ErrUnsupportedLanguage, "Unsupported language: %s", req.Language)
	}
	if len(req.Dependencies) > 0 && lang != sandbox.Python {
		return "", invalid(ErrInvalidInput, "Requirements are only supported for python")
	}
	for _, dep := range req.Dependencies {
		// Options would let a manifest pull in other files or indexes.
		// ParseRequirements never yields line breaks, but Request values
		// built directly could smuggle a second manifest line.
		if strings.HasPrefix(dep, "-") || strings.ContainsAny(dep, "\r\n") {
			return "", invalid(ErrInvalidInput, "Invalid requirement: %q", dep)
		}
	}
	return lang, nil
}

// Outcome is the result of one execution.
type Outcome struct {
	ID       string
	Language string
	Stdout   string
	Stderr   string
	ExitCode int

	SetupFailure bool
	TimedOut     bool
	Dependencies int
	Duration     time.Duration
}

// Succeeded reports whether the script exited with status 0.
func (o *Outcome) Succeeded() bool { return o.ExitCode == 0 }

// Output combines stdout and stderr, keeping both.
func (o *Outcome) Output() string {
	return CombineOutput(o.Stdout, o.Stderr)
}

// CombineOutput joins stdout and stderr with a newline when both are set.
func CombineOutput(stdout, stderr string) string {
	return stream.Result{Stdout: stdout, Stderr: stderr}.Output()
}

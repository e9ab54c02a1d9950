package sandbox

import (
	"context"
	"errors"
	"time"
)

// Language is a script language the sandbox knows how to run.
type Language string

const (
	Python Language = "python"
	Bash   Language = "bash"
)

// ParseLanguage maps a wire value onto a supported Language.
func ParseLanguage(s string) (Language, bool) {
	switch Language(s) {
	case Python, Bash:
		return Language(s), true
	}
	return "", false
}

// Extension returns the script file extension for the language.
func (l Language) Extension() string {
	if l == Python {
		return ".py"
	}
	return ".sh"
}

// In-sandbox paths. These never come from caller input.
const (
	ScriptDir    = "/sandbox"
	ManifestPath = ScriptDir + "/requirements.txt"
	VenvDir      = "/tmp/venv"
)

// ScriptPath returns where the user's script is mounted inside the sandbox.
func ScriptPath(l Language) string {
	return ScriptDir + "/main" + l.Extension()
}

// ErrRuntimeLaunch means the sandbox runtime could not be invoked at all.
var ErrRuntimeLaunch = errors.New("sandbox runtime unavailable")

// RunResult is the output of one sandboxed process.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// SetupFailure is set when stderr carries a runtime setup error rather
	// than output of the user's program.
	SetupFailure bool
	TimedOut     bool
	Duration     time.Duration
}

// Driver runs bundles and releases the runtime state they leave behind.
type Driver interface {
	Run(ctx context.Context, bundleDir, id string, network bool) (*RunResult, error)
	Destroy(ctx context.Context, id string) error
}

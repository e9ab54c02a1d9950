// Package sandboxtest provides a host-executing stand-in for the sandbox
// runtime. It isolates nothing and exists only for tests.
package sandboxtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/michaelbrown/coderunner/internal/sandbox"
)

// LoadSpec reads config.json from a bundle directory.
func LoadSpec(bundleDir string) (*specs.Spec, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	if err != nil {
		return nil, err
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	return &spec, nil
}

// Exec runs the bundle's process on the host. Arguments naming a bind
// mount destination are rewritten to the mount's host source. It returns
// the process exit code.
func Exec(ctx context.Context, bundleDir string, stdout, stderr io.Writer) (int, error) {
	spec, err := LoadSpec(bundleDir)
	if err != nil {
		return 0, err
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return 0, errors.New("spec has no process args")
	}

	binds := make(map[string]string)
	for _, m := range spec.Mounts {
		if m.Type == "bind" {
			binds[m.Destination] = m.Source
		}
	}

	args := make([]string, len(spec.Process.Args))
	for i, a := range spec.Process.Args {
		if src, ok := binds[a]; ok && src != a {
			a = src
		}
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

// Driver implements sandbox.Driver by running bundles with Exec.
type Driver struct {
	// RunErr, when set, is returned by Run without executing anything.
	RunErr error
	// DestroyErr, when set, is returned by Destroy.
	DestroyErr error
	// OnRun is called with the bundle directory before it executes.
	OnRun func(bundleDir, id string)

	mu        sync.Mutex
	runs      []string
	destroyed []string
	networks  []bool
}

func (d *Driver) Run(ctx context.Context, bundleDir, id string, network bool) (*sandbox.RunResult, error) {
	d.mu.Lock()
	d.runs = append(d.runs, id)
	d.networks = append(d.networks, network)
	d.mu.Unlock()

	if d.OnRun != nil {
		d.OnRun(bundleDir, id)
	}
	if d.RunErr != nil {
		return nil, d.RunErr
	}

	var stdout, stderr bytes.Buffer
	code, err := Exec(ctx, bundleDir, &stdout, &stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sandbox.ErrRuntimeLaunch, err)
	}
	return &sandbox.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

func (d *Driver) Destroy(ctx context.Context, id string) error {
	d.mu.Lock()
	d.destroyed = append(d.destroyed, id)
	d.mu.Unlock()
	return d.DestroyErr
}

// Runs returns the instance ids Run was called with.
func (d *Driver) Runs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.runs...)
}

// Destroyed returns the instance ids Destroy was called with.
func (d *Driver) Destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

// Networks returns the network flag of each Run call.
func (d *Driver) Networks() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.networks...)
}

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Bundle is an OCI bundle for one sandbox instance.
type Bundle struct {
	Dir          string // bundle directory handed to the runtime
	ScriptPath   string // host path of the user's script
	ManifestPath string // host path of the dependency manifest, if any
	Strategy     Strategy
	Spec         *specs.Spec
}

// Builder turns source code into a bundle on disk.
type Builder struct {
	policy  Policy
	workDir string
	exists  func(path string) bool
}

// NewBuilder creates a builder that places temp files and bundles under
// workDir (os.TempDir when empty).
func NewBuilder(policy Policy, workDir string) *Builder {
	return &Builder{
		policy:  policy,
		workDir: workDir,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Build writes the script, the optional manifest and the bundle. Every
// file and directory is registered on scope as soon as it is created, so
// a failed build leaves nothing behind once the scope is closed.
func (b *Builder) Build(scope *Scope, lang Language, code string, deps []string) (*Bundle, error) {
	script, err := b.writeTemp(scope, "coderunner-*"+lang.Extension(), code)
	if err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}

	var manifest string
	if len(deps) > 0 {
		manifest, err = b.writeTemp(scope, "coderunner-*-requirements.txt", strings.Join(deps, "\n")+"\n")
		if err != nil {
			return nil, fmt.Errorf("writing manifest: %w", err)
		}
	}

	dir, err := os.MkdirTemp(b.workDir, "coderunner-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("creating bundle dir: %w", err)
	}
	scope.AddDir(dir)

	if err := os.Mkdir(filepath.Join(dir, "rootfs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating rootfs: %w", err)
	}

	strategy := StrategyFor(lang, inSandboxManifest(manifest))
	spec := b.Spec(strategy.Command(ScriptPath(lang)), b.Mounts(lang, script, manifest), strategy.NeedsNetwork())

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing spec: %w", err)
	}

	return &Bundle{
		Dir:          dir,
		ScriptPath:   script,
		ManifestPath: manifest,
		Strategy:     strategy,
		Spec:         spec,
	}, nil
}

func (b *Builder) writeTemp(scope *Scope, pattern, content string) (string, error) {
	f, err := os.CreateTemp(b.workDir, pattern)
	if err != nil {
		return "", err
	}
	scope.AddFile(f.Name())

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	// The sandboxed process may run under a different uid.
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func inSandboxManifest(hostManifest string) string {
	if hostManifest == "" {
		return ""
	}
	return ManifestPath
}

// Mounts returns the mount list for a script, in a fixed order:
// infrastructure, writable /tmp, system dirs, allow-listed host paths,
// then the script and manifest.
func (b *Builder) Mounts(lang Language, script, manifest string) []specs.Mount {
	mounts := []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		// The venv lives here, so no noexec.
		{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777", "size=" + b.policy.TmpSize}},
	}

	for _, dir := range b.policy.SystemDirs {
		if b.exists(dir) {
			mounts = append(mounts, roBind(dir, dir))
		}
	}

	for _, p := range b.policy.HostPaths {
		if b.covered(p) || !b.exists(p) {
			continue
		}
		mounts = append(mounts, roBind(p, p))
	}

	mounts = append(mounts, roBind(script, ScriptPath(lang)))
	if manifest != "" {
		mounts = append(mounts, roBind(manifest, ManifestPath))
	}
	return mounts
}

// covered reports whether p is already visible through a system dir bind.
func (b *Builder) covered(p string) bool {
	for _, dir := range b.policy.SystemDirs {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return b.exists(dir)
		}
	}
	return false
}

func roBind(source, dest string) specs.Mount {
	return specs.Mount{
		Destination: dest,
		Type:        "bind",
		Source:      source,
		Options:     []string{"rbind", "ro", "nosuid", "nodev"},
	}
}

// Spec builds the runtime config for argv. Without network the process
// gets its own network namespace.
func (b *Builder) Spec(argv []string, mounts []specs.Mount, network bool) *specs.Spec {
	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
	}
	if !network {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: 0, GID: 0},
			Args:     argv,
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"HOME=/tmp",
				"LANG=C.UTF-8",
				"PYTHONDONTWRITEBYTECODE=1",
			},
			Cwd:             "/tmp",
			NoNewPrivileges: true,
			Capabilities:    &specs.LinuxCapabilities{},
			Rlimits: []specs.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
		},
		Root: &specs.Root{
			Path:     "rootfs",
			Readonly: true,
		},
		Hostname: b.policy.Hostname,
		Mounts:   mounts,
		Linux: &specs.Linux{
			Namespaces: namespaces,
			MaskedPaths: []string{
				"/proc/kcore",
				"/proc/keys",
				"/proc/timer_list",
				"/sys/firmware",
			},
			ReadonlyPaths: []string{
				"/proc/bus",
				"/proc/fs",
				"/proc/irq",
				"/proc/sys",
				"/proc/sysrq-trigger",
			},
		},
	}
}

package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy describes what a sandbox instance can see.
type Policy struct {
	Hostname string
	TmpSize  string // tmpfs size for /tmp (e.g. "512m")

	// SystemDirs are bound read-only when present on the host.
	SystemDirs []string

	// HostPaths is the allow-list of host configuration files and
	// directories needed for TLS and name resolution.
	HostPaths []string
}

// DefaultHostPaths is the allow-list used when none is configured.
var DefaultHostPaths = []string{
	"/etc/ssl",
	"/etc/ca-certificates",
	"/etc/pki",
	"/etc/passwd",
	"/etc/group",
	"/etc/hosts",
	"/etc/localtime",
	"/usr/share/zoneinfo",
	"/etc/resolv.conf",
	"/etc/nsswitch.conf",
}

// DefaultPolicy returns the policy used for every request unless overridden.
func DefaultPolicy() Policy {
	return Policy{
		Hostname:   "sandbox",
		TmpSize:    "512m",
		SystemDirs: []string{"/bin", "/lib", "/usr", "/lib64"},
		HostPaths:  append([]string(nil), DefaultHostPaths...),
	}
}

// hostPathsFile is the on-disk format of an allow-list profile.
type hostPathsFile struct {
	HostPaths []string `yaml:"host_paths"`
}

// LoadHostPaths reads an allow-list profile from a YAML file.
func LoadHostPaths(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host paths %s: %w", path, err)
	}

	var f hostPathsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing host paths %s: %w", path, err)
	}

	for _, p := range f.HostPaths {
		if len(p) == 0 || p[0] != '/' {
			return nil, fmt.Errorf("host path %q in %s is not absolute", p, path)
		}
	}
	return f.HostPaths, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/coderunner/internal/logging"
	"github.com/michaelbrown/coderunner/internal/sandbox"
)

type ServerConfig struct {
	Port          int `mapstructure:"port"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type ClientConfig struct {
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SandboxConfig struct {
	Runtime           string        `mapstructure:"runtime"`
	RuntimeRoot       string        `mapstructure:"runtime_root"`
	RuntimeFlags      []string      `mapstructure:"runtime_flags"`
	WorkDir           string        `mapstructure:"work_dir"`
	Timeout           time.Duration `mapstructure:"timeout"`
	TmpSize           string        `mapstructure:"tmp_size"`
	Hostname          string        `mapstructure:"hostname"`
	HostPaths         []string      `mapstructure:"host_paths"`
	HostPathsFile     string        `mapstructure:"host_paths_file"`
	SetupErrorMarkers []string      `mapstructure:"setup_error_markers"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Debug  bool   `mapstructure:"debug"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// Load reads configuration from path, or from coderunner.yaml in the
// current directory or ~/.coderunner when path is empty. A missing search
// file is not an error. CODERUNNER_* environment variables override file
// values, e.g. CODERUNNER_CLIENT_API_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderunner")
	}

	v.SetEnvPrefix("CODERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	policy := sandbox.DefaultPolicy()

	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_concurrent", 4)
	v.SetDefault("client.api_url", "http://localhost:5000/execute")
	v.SetDefault("client.timeout", 5*time.Minute)
	v.SetDefault("sandbox.runtime", "runsc")
	v.SetDefault("sandbox.runtime_root", "")
	v.SetDefault("sandbox.runtime_flags", []string{})
	v.SetDefault("sandbox.work_dir", "")
	v.SetDefault("sandbox.timeout", 2*time.Minute)
	v.SetDefault("sandbox.tmp_size", policy.TmpSize)
	v.SetDefault("sandbox.hostname", policy.Hostname)
	v.SetDefault("sandbox.host_paths", policy.HostPaths)
	v.SetDefault("sandbox.host_paths_file", "")
	v.SetDefault("sandbox.setup_error_markers", sandbox.DefaultSetupErrorMarkers)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".coderunner", "history.db"))
	v.SetDefault("log.debug", false)
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.DBPath = expandHome(cfg.Storage.DBPath)
	cfg.Sandbox.HostPathsFile = expandHome(cfg.Sandbox.HostPathsFile)
	cfg.Log.File = expandHome(cfg.Log.File)

	if cfg.Server.MaxConcurrent < 1 {
		return nil, fmt.Errorf("server.max_concurrent must be at least 1, got %d", cfg.Server.MaxConcurrent)
	}
	if cfg.Sandbox.Timeout < 0 {
		return nil, fmt.Errorf("sandbox.timeout must not be negative, got %s", cfg.Sandbox.Timeout)
	}
	return &cfg, nil
}

// Policy returns the sandbox policy. A host_paths_file replaces the
// host_paths list.
func (c *Config) Policy() (sandbox.Policy, error) {
	p := sandbox.DefaultPolicy()
	if c.Sandbox.Hostname != "" {
		p.Hostname = c.Sandbox.Hostname
	}
	if c.Sandbox.TmpSize != "" {
		p.TmpSize = c.Sandbox.TmpSize
	}
	p.HostPaths = c.Sandbox.HostPaths
	if c.Sandbox.HostPathsFile != "" {
		paths, err := sandbox.LoadHostPaths(c.Sandbox.HostPathsFile)
		if err != nil {
			return sandbox.Policy{}, err
		}
		p.HostPaths = paths
	}
	return p, nil
}

// Runtime returns the runtime driver settings.
func (c *Config) Runtime() sandbox.RuntimeConfig {
	return sandbox.RuntimeConfig{
		Binary:            c.Sandbox.Runtime,
		Root:              c.Sandbox.RuntimeRoot,
		Flags:             c.Sandbox.RuntimeFlags,
		SetupErrorMarkers: c.Sandbox.SetupErrorMarkers,
	}
}

// Logging returns the logger options.
func (c *Config) Logging() logging.Options {
	return logging.Options{
		Debug:  c.Log.Debug,
		Format: c.Log.Format,
		File:   c.Log.File,
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		return filepath.Join(os.Getenv("HOME"), strings.TrimPrefix(p, "~"))
	}
	return p
}

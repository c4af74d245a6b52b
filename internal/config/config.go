// Package config loads the supervisor's service configuration: policy,
// worker catalog, supervisor tuning and observability, from one YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dull-quay940/mcp-supervisor/internal/backend/container"
	"github.com/dull-quay940/mcp-supervisor/internal/backend/process"
	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	"github.com/dull-quay940/mcp-supervisor/internal/observability"
	"github.com/dull-quay940/mcp-supervisor/internal/policy"
	"github.com/dull-quay940/mcp-supervisor/internal/reaper"
	"github.com/dull-quay940/mcp-supervisor/internal/supervisor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCPSUP_"

// File is the whole service configuration.
type File struct {
	Policy        policy.Policy        `yaml:"policy"`
	Workers       []catalog.WorkerSpec `yaml:"workers"`
	Supervisor    SupervisorConfig     `yaml:"supervisor"`
	Observability observability.Config `yaml:"observability"`
}

// SupervisorConfig tunes the orchestrator, the reaper and the backends.
type SupervisorConfig struct {
	ReapInterval      time.Duration `env:"MCPSUP_REAP_INTERVAL" yaml:"reap_interval" default:"5s"`
	Retention         time.Duration `env:"MCPSUP_RETENTION" yaml:"retention" default:"5m"`
	StopGrace         time.Duration `env:"MCPSUP_STOP_GRACE" yaml:"stop_grace" default:"5s"`
	StopTimeout       time.Duration `yaml:"stop_timeout" default:"30s"`
	DefaultRetryLimit int           `env:"MCPSUP_DEFAULT_RETRY_LIMIT" yaml:"default_retry_limit"`
	DefaultMaxRuntime time.Duration `env:"MCPSUP_DEFAULT_MAX_RUNTIME" yaml:"default_max_runtime" default:"10m"`

	// Container execution
	ContainerEnabled bool   `env:"MCPSUP_CONTAINER_ENABLED" yaml:"container_enabled"`
	DefaultImage     string `env:"MCPSUP_DEFAULT_IMAGE" yaml:"default_image" default:"alpine:3.20"`
	DockerBinary     string `env:"MCPSUP_DOCKER_BINARY" yaml:"docker_binary" default:"docker"`
	WorkerCodeMount  string `yaml:"worker_code_mount" default:"/worker"`

	ProcMount           string        `env:"MCPSUP_PROC_MOUNT" yaml:"proc_mount" default:"/proc"`
	RetryStormThreshold int           `yaml:"retry_storm_threshold" default:"5"`
	RetryStormWindow    time.Duration `yaml:"retry_storm_window" default:"1m"`
}

type loadOptions struct {
	envLookup func(string) (string, bool)
}

// Option customises Load.
type Option func(*loadOptions)

// WithEnvLookup replaces os.LookupEnv, mainly for tests.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// Default returns the configuration used when no file is given.
func Default() *File {
	f := &File{
		Policy:        policy.Default(),
		Observability: observability.DefaultConfig(),
	}
	applyDefaults(&f.Supervisor)
	return f
}

// Load builds the configuration with the priority:
// code defaults -> config file -> environment.
// An empty path skips the file.
func Load(path string, opts ...Option) (*File, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg.Supervisor, options.envLookup); err != nil {
		return nil, err
	}
	if err := applyPolicyEnv(&cfg.Policy, options.envLookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks settings that the constructors would otherwise reject
// later with a less useful message.
func (f *File) Validate() error {
	s := f.Supervisor
	switch {
	case s.ReapInterval <= 0:
		return fmt.Errorf("supervisor.reap_interval must be positive")
	case s.Retention < 0:
		return fmt.Errorf("supervisor.retention must not be negative")
	case s.StopGrace <= 0:
		return fmt.Errorf("supervisor.stop_grace must be positive")
	case s.DefaultRetryLimit < 0:
		return fmt.Errorf("supervisor.default_retry_limit must not be negative")
	case s.DefaultMaxRuntime < 0:
		return fmt.Errorf("supervisor.default_max_runtime must not be negative")
	case s.ContainerEnabled && strings.TrimSpace(s.DockerBinary) == "":
		return fmt.Errorf("supervisor.docker_binary is required when containers are enabled")
	case !filepath.IsAbs(s.WorkerCodeMount):
		return fmt.Errorf("supervisor.worker_code_mount must be absolute, got %q", s.WorkerCodeMount)
	}
	if f.Policy.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("policy.max_concurrent_sessions must be positive, got %d", f.Policy.MaxConcurrentSessions)
	}
	for _, w := range f.Workers {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
	}
	if err := f.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// PolicyStore freezes the policy section.
func (f *File) PolicyStore(opts ...policy.Option) (*policy.Store, error) {
	store, err := policy.NewStore(f.Policy, opts...)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return store, nil
}

// Catalog indexes the workers section.
func (f *File) Catalog() (*catalog.Catalog, error) {
	c, err := catalog.New(f.Workers)
	if err != nil {
		return nil, fmt.Errorf("workers: %w", err)
	}
	return c, nil
}

// SupervisorConfig maps the supervisor section onto the orchestrator's config.
func (s SupervisorConfig) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		ContainersEnabled:   s.ContainerEnabled,
		DefaultRetryLimit:   s.DefaultRetryLimit,
		DefaultMaxRuntime:   s.DefaultMaxRuntime,
		StopTimeout:         s.StopTimeout,
		RetryStormThreshold: s.RetryStormThreshold,
		RetryStormWindow:    s.RetryStormWindow,
	}
}

func (s SupervisorConfig) ReaperConfig() reaper.Config {
	return reaper.Config{Interval: s.ReapInterval, Retention: s.Retention}
}

func (s SupervisorConfig) ProcessConfig() process.Config {
	return process.Config{StopGrace: s.StopGrace}
}

func (s SupervisorConfig) ContainerConfig() container.Config {
	return container.Config{
		DefaultImage: s.DefaultImage,
		CodeMount:    s.WorkerCodeMount,
		StopGrace:    s.StopGrace,
	}
}

// Package config provides YAML configuration loading and validation for
// execmon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/execmon/execmon/internal/event"
	"github.com/execmon/execmon/internal/transport"
)

// Capture backend names accepted in capture.backend.
const (
	BackendEBPF      = "ebpf"
	BackendProcfs    = "procfs"
	BackendExecsnoop = "execsnoop"
)

// minRingSize is the smallest ring that can carry one exec record.
var minRingSize = transport.SizeFor(event.RecordSize)

// Config is the top-level configuration structure for execmon.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives the JSON log stream instead of stderr.
	// The dashboard owns the terminal, so interactive runs usually set it.
	LogFile string `yaml:"log_file"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// server. Defaults to "127.0.0.1:9000"; "-" disables the server.
	HealthAddr string `yaml:"health_addr"`

	Capture CaptureConfig `yaml:"capture"`
	UI      UIConfig      `yaml:"ui"`
	Enrich  EnrichConfig  `yaml:"enrich"`
}

// CaptureConfig selects and tunes the capture source.
type CaptureConfig struct {
	// Backend is one of "ebpf", "procfs" or "execsnoop". Defaults to "ebpf".
	Backend string `yaml:"backend"`

	// BPFObject is the compiled kernel probe loaded by the ebpf backend.
	BPFObject string `yaml:"bpf_object"`

	// RingSize is the transport ring capacity in bytes: the in-process ring
	// for procfs and the kernel ring buffer for ebpf, where it is rounded up
	// to a page multiple. Must be a power of two that holds one record
	// (2048 or more).
	RingSize int `yaml:"ring_size"`

	// PollInterval is how often the procfs backend rescans the process
	// table.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Command overrides the tracer argv used by the execsnoop backend.
	Command []string `yaml:"command"`

	// Buffer is the capacity of the channel between the source and the
	// dispatcher.
	Buffer int `yaml:"buffer"`
}

// UIConfig tunes the terminal front end.
type UIConfig struct {
	// TickRate is the redraw interval for captured events.
	TickRate time.Duration `yaml:"tick_rate"`

	// Headless prints one line per execution instead of the dashboard.
	Headless bool `yaml:"headless"`
}

// EnrichConfig tunes live process lookups.
type EnrichConfig struct {
	// UserCacheSize bounds the uid → name cache.
	UserCacheSize int `yaml:"user_cache_size"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends is the set of accepted capture backends.
var validBackends = map[string]bool{
	BackendEBPF:      true,
	BackendProcfs:    true,
	BackendExecsnoop: true,
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = BackendEBPF
	}
	if cfg.Capture.BPFObject == "" {
		cfg.Capture.BPFObject = "/usr/lib/execmon/execmon.bpf.o"
	}
	if cfg.Capture.RingSize == 0 {
		cfg.Capture.RingSize = 64 * 1024
	}
	if cfg.Capture.PollInterval == 0 {
		cfg.Capture.PollInterval = 500 * time.Millisecond
	}
	if cfg.Capture.Buffer == 0 {
		cfg.Capture.Buffer = 1024
	}
	if cfg.UI.TickRate == 0 {
		cfg.UI.TickRate = 250 * time.Millisecond
	}
	if cfg.Enrich.UserCacheSize == 0 {
		cfg.Enrich.UserCacheSize = 256
	}
}

// HealthEnabled reports whether the HTTP surface should be started.
func (c *Config) HealthEnabled() bool { return c.HealthAddr != "-" }

// Validate checks that enumerated fields contain only valid values and that
// sizes and intervals are usable. Flag overrides applied after LoadConfig
// should be checked again with Validate.
func (c *Config) Validate() error {
	var errs []error

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	if !validBackends[c.Capture.Backend] {
		errs = append(errs, fmt.Errorf("capture.backend %q must be one of: ebpf, procfs, execsnoop", c.Capture.Backend))
	}
	if n := c.Capture.RingSize; n < minRingSize || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("capture.ring_size %d must be a power of two >= %d", n, minRingSize))
	}
	if c.Capture.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.poll_interval %s must be positive", c.Capture.PollInterval))
	}
	if c.Capture.Buffer < 0 {
		errs = append(errs, fmt.Errorf("capture.buffer %d must not be negative", c.Capture.Buffer))
	}
	if c.UI.TickRate < 0 {
		errs = append(errs, fmt.Errorf("ui.tick_rate %s must be positive", c.UI.TickRate))
	}
	if c.Enrich.UserCacheSize < 0 {
		errs = append(errs, fmt.Errorf("enrich.user_cache_size %d must not be negative", c.Enrich.UserCacheSize))
	}

	return errors.Join(errs...)
}

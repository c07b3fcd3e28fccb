// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dbcflow/dbcflow/pkg/errors"
)

// Config holds all dbcflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Batch     BatchConfig     `yaml:"batch"`
}

// InputConfig selects the files to convert.
type InputConfig struct {
	Dir       string `yaml:"dir"`
	Extension string `yaml:"extension"` // case-sensitive suffix
}

// OutputConfig controls where CSV files land.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// DecoderConfig controls DBC decoding.
type DecoderConfig struct {
	Charset        string `yaml:"charset"`
	IncludeDeleted bool   `yaml:"include_deleted"`
}

// EngineConfig controls the write engine.
type EngineConfig struct {
	Default     string `yaml:"default"`      // duckdb | arrow
	MemoryLimit string `yaml:"memory_limit"` // e.g., "4GB"
	Threads     int    `yaml:"threads"`      // 0 = auto
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file"`   // optional copy of stdout logs
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	Insecure      bool    `yaml:"insecure"`
	ServiceName   string  `yaml:"service_name"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// BatchConfig controls batch-level behavior.
type BatchConfig struct {
	// FailOnError makes a batch with failed files exit non-zero.
	FailOnError bool `yaml:"fail_on_error"`
	Progress    bool `yaml:"progress"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Input: InputConfig{
			Dir:       "input",
			Extension: ".dbc",
		},
		Output: OutputConfig{
			Dir: "output",
		},
		Decoder: DecoderConfig{
			Charset: "iso-8859-1",
		},
		Engine: EngineConfig{
			Default: "duckdb",
			Threads: 0, // auto
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			Insecure:      true,
			ServiceName:   "dbcflow",
			SamplingRatio: 1.0,
		},
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Input.Dir) == "" {
		problems = append(problems, "input.dir is empty")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		problems = append(problems, "output.dir is empty")
	}
	if c.Input.Dir != "" && filepath.Clean(c.Input.Dir) == filepath.Clean(c.Output.Dir) {
		problems = append(problems, "input.dir and output.dir must differ")
	}
	if !strings.HasPrefix(c.Input.Extension, ".") {
		problems = append(problems, fmt.Sprintf("input.extension %q must start with '.'", c.Input.Extension))
	}

	switch strings.ToLower(c.Engine.Default) {
	case "duckdb", "arrow":
	default:
		problems = append(problems, fmt.Sprintf("engine.default %q is not one of duckdb, arrow", c.Engine.Default))
	}
	if c.Engine.Threads < 0 {
		problems = append(problems, "engine.threads must be >= 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not valid", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		problems = append(problems, "telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		problems = append(problems, "telemetry.sampling_ratio must be within [0, 1]")
	}

	if len(problems) > 0 {
		return errors.New(errors.CodeConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded

	searchPaths []string
	explicit    string
}

// Option configures a Manager.
type Option func(*Manager)

// WithSearchPaths replaces the system/user/project search list.
func WithSearchPaths(paths ...string) Option {
	return func(m *Manager) {
		m.searchPaths = paths
	}
}

// WithFile adds a file that is loaded last and must exist.
func WithFile(path string) Option {
	return func(m *Manager) {
		m.explicit = path
	}
}

// NewManager creates a new configuration manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		config:      Default(),
		searchPaths: defaultSearchPaths(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load loads configuration from all sources in priority order and validates
// the result.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	// Later files override earlier ones; missing files are skipped.
	for _, path := range m.searchPaths {
		if err := m.loadFile(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrap(err, errors.CodeConfigInvalid, "load config file").WithContext("path", path)
		}
		m.paths = append(m.paths, path)
	}

	if m.explicit != "" {
		if err := m.loadFile(m.explicit); err != nil {
			return errors.Wrap(err, errors.CodeConfigInvalid, "load config file").WithContext("path", m.explicit)
		}
		m.paths = append(m.paths, m.explicit)
	}

	if err := m.loadEnv(); err != nil {
		return err
	}

	return m.config.Validate()
}

// defaultSearchPaths returns config file paths in priority order.
func defaultSearchPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/dbcflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".dbcflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".dbcflow.yaml"))
	}

	return paths
}

// loadFile decodes path over the current configuration. Keys absent from the
// file keep their current values.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	next := *m.config
	if err := yaml.Unmarshal(data, &next); err != nil {
		return err
	}
	m.config = &next
	return nil
}

// loadEnv applies DBCFLOW_* environment variables.
func (m *Manager) loadEnv() error {
	c := m.config

	strs := map[string]*string{
		"DBCFLOW_INPUT_DIR":       &c.Input.Dir,
		"DBCFLOW_INPUT_EXTENSION": &c.Input.Extension,
		"DBCFLOW_OUTPUT_DIR":      &c.Output.Dir,
		"DBCFLOW_CHARSET":         &c.Decoder.Charset,
		"DBCFLOW_ENGINE":          &c.Engine.Default,
		"DBCFLOW_MEMORY_LIMIT":    &c.Engine.MemoryLimit,
		"DBCFLOW_LOG_LEVEL":       &c.Logging.Level,
		"DBCFLOW_LOG_FORMAT":      &c.Logging.Format,
		"DBCFLOW_LOG_FILE":        &c.Logging.File,
		"DBCFLOW_OTLP_ENDPOINT":   &c.Telemetry.Endpoint,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"DBCFLOW_INCLUDE_DELETED":   &c.Decoder.IncludeDeleted,
		"DBCFLOW_TELEMETRY_ENABLED": &c.Telemetry.Enabled,
		"DBCFLOW_FAIL_ON_ERROR":     &c.Batch.FailOnError,
		"DBCFLOW_PROGRESS":          &c.Batch.Progress,
	}
	for key, dst := range bools {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, errors.CodeConfigInvalid, "parse environment variable").WithContext("key", key)
		}
		*dst = b
	}

	if v := os.Getenv("DBCFLOW_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, errors.CodeConfigInvalid, "parse environment variable").WithContext("key", "DBCFLOW_THREADS")
		}
		c.Engine.Threads = n
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

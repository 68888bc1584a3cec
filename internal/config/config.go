// Package config holds the run configuration: built-in defaults, an
// optional YAML profile and validation of the paths a run depends on.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/me/cromrunner/internal/backend"
	"gopkg.in/yaml.v3"
)

// Config is the run context shared by every unit of a batch.
type Config struct {
	Runtime       string `yaml:"runtime"`        // JVM launcher, replaces the leading "java" token
	Engine        string `yaml:"engine"`         // engine jar
	EngineConfig  string `yaml:"engine_config"`  // optional engine configuration file
	Workflow      string `yaml:"workflow"`       // workflow definition
	InputTemplate string `yaml:"input_template"` // per-row input document template
	InputExt      string `yaml:"input_ext"`
	Manifest      string `yaml:"manifest"`
	Delimiter     string `yaml:"delimiter"`
	MaxRows       int    `yaml:"max_rows"`
	Select        string `yaml:"select"` // JavaScript row filter

	// Invocation overrides the engine command line template.
	Invocation string `yaml:"invocation"`

	WorkDirRoot   string `yaml:"workdir_root"`
	WorkDirPrefix string `yaml:"workdir_prefix"`

	Backend     string        `yaml:"backend"`
	Concurrency int           `yaml:"concurrency"`
	Ceiling     time.Duration `yaml:"ceiling"`

	Swarm  SwarmConfig  `yaml:"swarm"`
	Ledger LedgerConfig `yaml:"ledger"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// SwarmConfig holds batch scheduler settings.
type SwarmConfig struct {
	Command    string   `yaml:"command"`
	Verbosity  int      `yaml:"verbosity"`
	Time       string   `yaml:"time"`
	MemoryGB   int      `yaml:"memory_gb"`
	Threads    int      `yaml:"threads"`
	Modules    []string `yaml:"modules"`
	LogDir     string   `yaml:"logdir"`
	ExtraFlags []string `yaml:"extra_flags"`
}

// LedgerConfig controls the SQLite run ledger. An empty Path places the
// database in the working directory root, shared by every run under it.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LedgerFile is the ledger name used when LedgerConfig.Path is empty.
const LedgerFile = "cromrunner.db"

// LedgerPath returns the ledger database location.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.WorkDirRoot, LedgerFile)
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Runtime:       "java",
		Engine:        "cromwell.jar",
		InputExt:      ".json",
		Delimiter:     ",",
		MaxRows:       64000,
		WorkDirRoot:   ".",
		WorkDirPrefix: "cromrunner",
		Backend:       "local",
		Concurrency:   4,
		Ceiling:       24 * time.Hour,
		Swarm: SwarmConfig{
			Command:   "swarm",
			Verbosity: 3,
			Time:      "24:00:00",
			MemoryGB:  8,
			Threads:   2,
		},
		Ledger:    LedgerConfig{Enabled: true},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML profile on top of Default. Keys absent from the
// profile keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return cfg, nil
}

// PathNotFoundError reports a referenced file or directory that does not exist.
type PathNotFoundError struct {
	Role string
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Role, e.Path)
}

// ErrMissingSetting is returned when a required setting is empty.
var ErrMissingSetting = errors.New("missing required setting")

// Validate checks every setting a run needs and rewrites referenced paths
// as absolute paths. The engine jar is only checked when it runs on this
// machine; the other backends hand it to another host.
func (c *Config) Validate() error {
	kind, err := backend.ParseKind(c.Backend)
	if err != nil {
		return err
	}
	c.Backend = kind.String()

	required := []struct {
		role string
		path *string
		must bool
	}{
		{"input template", &c.InputTemplate, true},
		{"manifest", &c.Manifest, true},
		{"workflow", &c.Workflow, true},
		{"engine", &c.Engine, kind == backend.KindLocal},
		{"engine config", &c.EngineConfig, false},
		{"working directory root", &c.WorkDirRoot, true},
	}
	for _, r := range required {
		if *r.path == "" {
			if r.must {
				return fmt.Errorf("%w: %s", ErrMissingSetting, r.role)
			}
			continue
		}
		abs, err := filepath.Abs(*r.path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", r.role, err)
		}
		*r.path = abs
		if r.role == "engine" && !r.must {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return &PathNotFoundError{Role: r.role, Path: abs}
			}
			return fmt.Errorf("stat %s: %w", r.role, err)
		}
	}

	if c.Delimiter == "" {
		return fmt.Errorf("%w: delimiter", ErrMissingSetting)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.WorkDirPrefix == "" {
		return fmt.Errorf("%w: working directory prefix", ErrMissingSetting)
	}
	if c.Ledger.Path != "" {
		abs, err := filepath.Abs(c.Ledger.Path)
		if err != nil {
			return fmt.Errorf("resolve ledger path: %w", err)
		}
		c.Ledger.Path = abs
	}
	return nil
}

// Package lifecycle assembles the coordination core: entity repository,
// lock manager, spec resolver, transition engine, recovery manager, process
// tracker, and the session service, all rooted under one state directory.
package lifecycle

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LayerConfig names one spec layer; later layers override earlier ones and
// every layer overrides the builtins.
type LayerConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Config is the on-disk configuration file. All paths except Root default to
// locations under <root>/.drover.
type Config struct {
	Version int    `yaml:"version"`
	Root    string `yaml:"root"`

	Layers []LayerConfig `yaml:"layers,omitempty"`

	Locks struct {
		Dir            string `yaml:"dir,omitempty"`
		PollIntervalMS int    `yaml:"poll_interval_ms,omitempty"`
	} `yaml:"locks,omitempty"`

	Recovery struct {
		Dir string `yaml:"dir,omitempty"`
	} `yaml:"recovery,omitempty"`

	Track struct {
		EventLog string `yaml:"event_log,omitempty"`
	} `yaml:"track,omitempty"`

	Git struct {
		Repo             string `yaml:"repo,omitempty"`
		WorktreeRoot     string `yaml:"worktree_root,omitempty"`
		CommandTimeoutMS int    `yaml:"command_timeout_ms,omitempty"`
	} `yaml:"git,omitempty"`
}

// LoadConfig reads, decodes, defaults, and validates a config file. Unknown
// fields are rejected so typos fail loudly.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// Relative paths resolve against the config file's directory.
	cfg.resolveRelative(filepath.Dir(path))
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns a ready-to-use config rooted at root.
func DefaultConfig(root string) *Config {
	cfg := &Config{Version: 1, Root: root}
	applyConfigDefaults(cfg)
	return cfg
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func (cfg *Config) resolveRelative(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Root = abs(cfg.Root)
	for i := range cfg.Layers {
		cfg.Layers[i].Path = abs(cfg.Layers[i].Path)
	}
	cfg.Locks.Dir = abs(cfg.Locks.Dir)
	cfg.Recovery.Dir = abs(cfg.Recovery.Dir)
	cfg.Track.EventLog = abs(cfg.Track.EventLog)
	cfg.Git.Repo = abs(cfg.Git.Repo)
	cfg.Git.WorktreeRoot = abs(cfg.Git.WorktreeRoot)
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	internal := filepath.Join(cfg.Root, ".drover")
	if cfg.Locks.Dir == "" {
		cfg.Locks.Dir = filepath.Join(internal, "locks")
	}
	if cfg.Locks.PollIntervalMS == 0 {
		cfg.Locks.PollIntervalMS = 250
	}
	if cfg.Recovery.Dir == "" {
		cfg.Recovery.Dir = filepath.Join(internal, "recovery")
	}
	if cfg.Track.EventLog == "" {
		cfg.Track.EventLog = filepath.Join(internal, "process.ndjson")
	}
	if cfg.Git.WorktreeRoot == "" {
		cfg.Git.WorktreeRoot = filepath.Join(internal, "worktrees")
	}
	if cfg.Git.CommandTimeoutMS == 0 {
		cfg.Git.CommandTimeoutMS = 30000
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return fmt.Errorf("root is required")
	}
	for _, l := range cfg.Layers {
		if strings.TrimSpace(l.Name) == "" || strings.TrimSpace(l.Path) == "" {
			return fmt.Errorf("layers entries need both name and path")
		}
	}
	return nil
}

// LockPollInterval returns the configured lock poll interval.
func (cfg *Config) LockPollInterval() time.Duration {
	return time.Duration(cfg.Locks.PollIntervalMS) * time.Millisecond
}

// GitTimeout returns the configured git command timeout.
func (cfg *Config) GitTimeout() time.Duration {
	return time.Duration(cfg.Git.CommandTimeoutMS) * time.Millisecond
}

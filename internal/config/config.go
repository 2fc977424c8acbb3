// Package config loads the daemon's whitelisted configuration keys from
// a YAML file and persists runtime config.set changes to a small on-disk
// state file. Command-line flag overrides are applied by cmd/rusterd,
// not here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the whitelisted key set from the external interfaces
// section: everything the transport, registry, and inference loop need
// to run.
type Config struct {
	SocketPath            string   `yaml:"socket_path"`
	BaseDir               string   `yaml:"base_dir"`
	DefaultModel          string   `yaml:"default_model"`
	RAGModel              string   `yaml:"rag_model"`
	RAGTopN               int      `yaml:"rag_top_n"`
	RAGThreshold          float64  `yaml:"rag_threshold"`
	SkillsDirs            []string `yaml:"skills_dirs"`
	InitialSkills         []string `yaml:"initial_skills"`
	ProactiveIntervalSecs int      `yaml:"proactive_interval_secs"`
	LogLevel              string   `yaml:"log_level"`
	ToolRunDir            string   `yaml:"tool_run_dir"`
	ToolOutputLines       int      `yaml:"tool_output_lines"`
	ToolTimeoutSecs       int      `yaml:"tool_timeout_secs"`
	MaxToolRounds         int      `yaml:"max_tool_rounds"`
	ProxyURL              string   `yaml:"proxy_url"`
}

// Default returns the documented defaults for every key.
func Default() Config {
	return Config{
		SocketPath:            "/tmp/ruster.sock",
		BaseDir:               filepath.Join(os.TempDir(), "ruster"),
		DefaultModel:          "proxy/default",
		RAGModel:              "proxy/embed",
		RAGTopN:               3,
		RAGThreshold:          0.3,
		ProactiveIntervalSecs: 0,
		LogLevel:              "info",
		ToolOutputLines:       10,
		ToolTimeoutSecs:       30,
		MaxToolRounds:         8,
		ProxyURL:              "http://127.0.0.1:8000",
	}
}

// Load reads path (if it exists) as YAML over the documented defaults.
// A missing file is not an error — the daemon runs on defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// keys maps every whitelisted config.get/set key to a pair of
// reflection-free accessor functions, avoiding a runtime type-switch
// keyed on arbitrary strings.
type keyAccessor struct {
	get func(*Config) string
	set func(*Config, string) error
}

var keys = map[string]keyAccessor{
	"socket_path":    {func(c *Config) string { return c.SocketPath }, func(c *Config, v string) error { c.SocketPath = v; return nil }},
	"default_model":  {func(c *Config) string { return c.DefaultModel }, func(c *Config, v string) error { c.DefaultModel = v; return nil }},
	"rag_model":      {func(c *Config) string { return c.RAGModel }, func(c *Config, v string) error { c.RAGModel = v; return nil }},
	"rag_top_n":      {func(c *Config) string { return strconv.Itoa(c.RAGTopN) }, setInt(func(c *Config) *int { return &c.RAGTopN })},
	"rag_threshold":  {func(c *Config) string { return strconv.FormatFloat(c.RAGThreshold, 'f', -1, 64) }, setFloat(func(c *Config) *float64 { return &c.RAGThreshold })},
	"log_level":      {func(c *Config) string { return c.LogLevel }, func(c *Config, v string) error { c.LogLevel = v; return nil }},
	"tool_run_dir":   {func(c *Config) string { return c.ToolRunDir }, func(c *Config, v string) error { c.ToolRunDir = v; return nil }},
	"tool_output_lines": {func(c *Config) string { return strconv.Itoa(c.ToolOutputLines) }, setInt(func(c *Config) *int { return &c.ToolOutputLines })},
	"tool_timeout_secs": {func(c *Config) string { return strconv.Itoa(c.ToolTimeoutSecs) }, setInt(func(c *Config) *int { return &c.ToolTimeoutSecs })},
	"max_tool_rounds":   {func(c *Config) string { return strconv.Itoa(c.MaxToolRounds) }, setInt(func(c *Config) *int { return &c.MaxToolRounds })},
	"proxy_url":         {func(c *Config) string { return c.ProxyURL }, func(c *Config, v string) error { c.ProxyURL = v; return nil }},
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*field(c) = n
		return nil
	}
}

func setFloat(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid float %q", v)
		}
		*field(c) = f
		return nil
	}
}

// Store wraps a Config with the live config.get/set/list surface, and
// persists sets to <base>/state/config.json so they survive a restart.
type Store struct {
	statePath string
	cfg       Config
}

func NewStore(cfg Config) *Store {
	return &Store{
		statePath: filepath.Join(cfg.BaseDir, "state", "config.json"),
		cfg:       cfg,
	}
}

// LoadState merges any previously persisted config.set overrides on top
// of cfg. Called once at startup after Load.
func (s *Store) LoadState() error {
	b, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overrides map[string]string
	if err := json.Unmarshal(b, &overrides); err != nil {
		return err
	}
	for k, v := range overrides {
		if acc, ok := keys[k]; ok {
			if err := acc.set(&s.cfg, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Config returns a copy of the current effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Get implements config.get against the whitelist.
func (s *Store) Get(key string) (string, bool) {
	acc, ok := keys[key]
	if !ok {
		return "", false
	}
	return acc.get(&s.cfg), true
}

// Set implements config.set: validates the key is whitelisted, applies
// it in-memory, then persists the full override set.
func (s *Store) Set(key, value string) error {
	acc, ok := keys[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := acc.set(&s.cfg, value); err != nil {
		return err
	}
	return s.persist()
}

// List returns every whitelisted key's current value.
func (s *Store) List() map[string]string {
	out := make(map[string]string, len(keys))
	for k, acc := range keys {
		out[k] = acc.get(&s.cfg)
	}
	return out
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.List(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.statePath)
}

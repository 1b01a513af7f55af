// Package config loads profiler settings.
//
// Settings come from Default, overlaid by a YAML file named by the --config
// flag or the TTYPROF_CONFIG environment variable. Command-line flags are
// applied by the caller after loading. Durations are written as Go duration
// strings ("250ms", "2m").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config flag is
// given.
const EnvVar = "TTYPROF_CONFIG"

// Config is the complete profiler configuration.
type Config struct {
	// OutputRoot is the directory that holds one subdirectory per session.
	OutputRoot string `yaml:"output_root"`

	Markers MarkersConfig `yaml:"markers"`
	Sampler SamplerConfig `yaml:"sampler"`
	Relay   RelayConfig   `yaml:"relay"`
	Script  ScriptConfig  `yaml:"script"`

	// Mirror selects what target output is echoed to the console:
	// raw, stripped or off.
	Mirror string `yaml:"mirror"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// MarkersConfig describes how responses are delimited in the target's output.
type MarkersConfig struct {
	// StartPattern is a regular expression matching one run of the glyphs
	// printed while a response is generated.
	StartPattern string `yaml:"start_pattern"`
	// EndToken is the literal ready prompt.
	EndToken string `yaml:"end_token"`
	// ContinuationToken marks multi-line input echo; chunks containing it
	// are ignored.
	ContinuationToken string `yaml:"continuation_token"`
	// LineBreak replaces line breaks inside a logged response.
	LineBreak string `yaml:"line_break"`
}

// SamplerConfig configures resource sampling.
type SamplerConfig struct {
	Interval    string   `yaml:"interval"`
	Backoff     string   `yaml:"backoff"`
	RetryBudget int      `yaml:"retry_budget"`
	Helpers     []string `yaml:"helpers"`
}

// RelayConfig configures the input relay.
type RelayConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// ScriptConfig configures scripted prompt runs.
type ScriptConfig struct {
	// PromptDelay is waited after a ready prompt before typing the next prompt.
	PromptDelay string `yaml:"prompt_delay"`
	// PromptTimeout bounds the wait for each ready prompt.
	PromptTimeout string `yaml:"prompt_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OutputRoot: "profiles",
		Markers: MarkersConfig{
			StartPattern:      `[\x{2800}-\x{28FF}]+`,
			EndToken:          ">>>",
			ContinuationToken: "\n...",
			LineBreak:         "<br>",
		},
		Sampler: SamplerConfig{
			Interval:    "250ms",
			Backoff:     "1s",
			RetryBudget: 10,
		},
		Relay: RelayConfig{
			PollInterval: "100ms",
		},
		Script: ScriptConfig{
			PromptDelay:   "5s",
			PromptTimeout: "120s",
		},
		Mirror:   "raw",
		LogLevel: "info",
	}
}

// Load returns Default overlaid with the file at path, or with the file
// named by TTYPROF_CONFIG when path is empty. With neither set it returns
// the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile returns Default overlaid with the YAML file at path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.OutputRoot = expandHome(cfg.OutputRoot)
	return cfg, nil
}

func expandHome(path string) string {
	if path == "~" || len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Durations holds the parsed duration settings.
type Durations struct {
	SamplerInterval time.Duration
	SamplerBackoff  time.Duration
	RelayPoll       time.Duration
	PromptDelay     time.Duration
	PromptTimeout   time.Duration
}

// Durations parses every duration field. Call Validate first for a combined
// error report.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
		zero  bool
	}{
		{"sampler.interval", c.Sampler.Interval, &d.SamplerInterval, false},
		{"sampler.backoff", c.Sampler.Backoff, &d.SamplerBackoff, false},
		{"relay.poll_interval", c.Relay.PollInterval, &d.RelayPoll, false},
		{"script.prompt_delay", c.Script.PromptDelay, &d.PromptDelay, true},
		{"script.prompt_timeout", c.Script.PromptTimeout, &d.PromptTimeout, false},
	}
	var errs []error
	for _, f := range fields {
		v, err := time.ParseDuration(f.value)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		case v < 0 || v == 0 && !f.zero:
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", f.name, f.value))
		default:
			*f.dst = v
		}
	}
	return d, errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.OutputRoot == "" {
		errs = append(errs, errors.New("output_root is required"))
	}

	if c.Markers.StartPattern == "" {
		errs = append(errs, errors.New("markers.start_pattern is required"))
	} else if re, err := regexp.Compile(c.Markers.StartPattern); err != nil {
		errs = append(errs, fmt.Errorf("markers.start_pattern: %w", err))
	} else if re.MatchString("") {
		errs = append(errs, errors.New("markers.start_pattern must not match the empty string"))
	}
	if c.Markers.EndToken == "" {
		errs = append(errs, errors.New("markers.end_token is required"))
	}
	if c.Markers.ContinuationToken == "" {
		errs = append(errs, errors.New("markers.continuation_token is required"))
	}
	if c.Markers.LineBreak == "" {
		errs = append(errs, errors.New("markers.line_break is required"))
	}

	if c.Sampler.RetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("sampler.retry_budget must be positive, got %d", c.Sampler.RetryBudget))
	}
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}

	switch c.Mirror {
	case "raw", "stripped", "off":
	default:
		errs = append(errs, fmt.Errorf("mirror must be one of raw, stripped, off; got %q", c.Mirror))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

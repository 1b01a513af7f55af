package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	d, err := cfg.Durations()
	if err != nil {
		t.Fatalf("Durations returned error: %v", err)
	}
	if d.SamplerInterval != 250*time.Millisecond || d.SamplerBackoff != time.Second {
		t.Fatalf("unexpected sampler durations: %+v", d)
	}
	if d.PromptTimeout != 120*time.Second {
		t.Fatalf("unexpected prompt timeout: %s", d.PromptTimeout)
	}
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Markers.EndToken != ">>>" || cfg.Sampler.RetryBudget != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttyprof.yaml")
	content := `
output_root: /tmp/runs
markers:
  end_token: "$ "
sampler:
  interval: 1s
  helpers: [ollama serve, llama-server]
mirror: stripped
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.OutputRoot != "/tmp/runs" || cfg.Markers.EndToken != "$ " || cfg.Mirror != "stripped" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Markers.LineBreak != "<br>" || cfg.Sampler.Backoff != "1s" {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if len(cfg.Sampler.Helpers) != 2 || cfg.Sampler.Helpers[1] != "llama-server" {
		t.Fatalf("unexpected helpers: %v", cfg.Sampler.Helpers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestLoadFlagPathWins(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.yaml")
	flagPath := filepath.Join(dir, "flag.yaml")
	if err := os.WriteFile(envPath, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(flagPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvVar, envPath)

	cfg, err := Load(flagPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected flag file to win, got %q", cfg.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Markers.StartPattern = "a*"
	cfg.Markers.EndToken = ""
	cfg.Sampler.Interval = "0s"
	cfg.Relay.PollInterval = "soon"
	cfg.Mirror = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"start_pattern", "end_token", "sampler.interval", "relay.poll_interval", "mirror"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateRejectsZeroRetryBudget(t *testing.T) {
	cfg := Default()
	cfg.Sampler.RetryBudget = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sampler.retry_budget") {
		t.Fatalf("expected retry_budget error, got %v", err)
	}
}

func TestZeroPromptDelayAllowed(t *testing.T) {
	cfg := Default()
	cfg.Script.PromptDelay = "0s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero prompt delay rejected: %v", err)
	}
}

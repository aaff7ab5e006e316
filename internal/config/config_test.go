package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := validate(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Port != 8790 {
		t.Fatalf("expected default gateway port 8790, got %d", cfg.Gateway.Port)
	}
	if cfg.Dictation.MinChunkMS != 150 {
		t.Fatalf("expected default min chunk 150ms, got %d", cfg.Dictation.MinChunkMS)
	}
	if cfg.Inject.Mode != "commit-only" {
		t.Fatalf("expected default inject mode commit-only, got %q", cfg.Inject.Mode)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	body := `
runtime_name: opensttd-test
gateway:
  port: 9999
sidecar:
  command: "stt-sidecar --quiet"
dictation:
  min_chunk_ms: 200
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "opensttd-test" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Gateway.Port != 9999 {
		t.Fatalf("expected gateway port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Sidecar.Command != "stt-sidecar --quiet" {
		t.Fatalf("unexpected sidecar command: %q", cfg.Sidecar.Command)
	}
	if cfg.Dictation.MinChunkMS != 200 {
		t.Fatalf("expected min chunk 200, got %d", cfg.Dictation.MinChunkMS)
	}
	// Untouched sections keep their defaults.
	if cfg.Sidecar.Port != 8791 {
		t.Fatalf("expected default sidecar port 8791, got %d", cfg.Sidecar.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENSTT_GATEWAY_PORT", "7001")
	t.Setenv("OPENSTT_INJECT_MODE", "incremental")
	t.Setenv("OPENSTT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("OPENSTT_NATIVE_THREADS", "6")
	t.Setenv("OPENSTT_DICTATION_WARM_WINDOW_MIN", "15")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Port != 7001 {
		t.Fatalf("expected env gateway port 7001, got %d", cfg.Gateway.Port)
	}
	if cfg.Inject.Mode != "incremental" {
		t.Fatalf("expected inject mode incremental, got %q", cfg.Inject.Mode)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://two:4222" {
		t.Fatalf("unexpected bus servers: %v", cfg.Bus.Servers)
	}
	if cfg.Native.Threads != 6 {
		t.Fatalf("expected 6 native threads via env, got %d", cfg.Native.Threads)
	}
	if cfg.Dictation.WarmWindowMin != 15 {
		t.Fatalf("expected warm window 15, got %d", cfg.Dictation.WarmWindowMin)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad inject mode", func(c *Config) { c.Inject.Mode = "typewriter" }, "inject.mode"},
		{"zero min chunk", func(c *Config) { c.Dictation.MinChunkMS = 0 }, "min_chunk_ms"},
		{"zero restart budget", func(c *Config) { c.Sidecar.RestartsPerMinute = 0 }, "restarts_per_minute"},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "retention_mode"},
		{"bad gateway port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"no servers external bus", func(c *Config) { c.Bus.Embedded = false; c.Bus.Servers = nil }, "bus.servers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

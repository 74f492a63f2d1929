package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Tracking.WindowSec != 14 || cfg.Tracking.TargetAyahs != 12 {
		t.Fatalf("unexpected start defaults: %+v %+v", cfg.Capture, cfg.Tracking)
	}
	if cfg.Tracking.Reconnect.Enabled {
		t.Fatal("reconnect must be disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TILAWA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TILAWA_BUS_USERNAME", "alice")
	t.Setenv("TILAWA_BUS_PASSWORD", "secret")
	t.Setenv("TILAWA_BUS_TLS_INSECURE", "true")
	t.Setenv("TILAWA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("TILAWA_SERVICE_BASE_URL", "https://tracker.example:9000")
	t.Setenv("TILAWA_CAPTURE_MODE", "tone")
	t.Setenv("TILAWA_CAPTURE_TONE_HZ", "440")
	t.Setenv("TILAWA_TRACKING_WINDOW_SEC", "10")
	t.Setenv("TILAWA_TRACKING_RECONNECT_ENABLED", "true")
	t.Setenv("TILAWA_TRACKING_RECONNECT_MAX_TRIES", "3")
	t.Setenv("TILAWA_CACHE_MODE", "ephemeral")
	t.Setenv("TILAWA_CACHE_TTL_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Service.BaseURL != "https://tracker.example:9000" {
		t.Fatalf("expected service base url override, got %s", cfg.Service.BaseURL)
	}
	if cfg.Capture.Mode != "tone" || cfg.Capture.ToneHz != 440 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Tracking.WindowSec != 10 {
		t.Fatalf("expected window override")
	}
	if !cfg.Tracking.Reconnect.Enabled || cfg.Tracking.Reconnect.MaxTries != 3 {
		t.Fatalf("expected reconnect overrides, got %+v", cfg.Tracking.Reconnect)
	}
	if cfg.Cache.Mode != "ephemeral" || cfg.Cache.TTLDays != 7 {
		t.Fatalf("expected cache overrides, got %+v", cfg.Cache)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tilawa.yaml")
	body := `
runtime_name: reader-1
service:
  base_url: ws://10.0.0.5:8000
capture:
  mode: wav
  wav_path: ./fixtures/fatiha.wav
  loop: true
tracking:
  target_ayahs: 7
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "reader-1" {
		t.Fatalf("unexpected runtime name %q", cfg.RuntimeName)
	}
	if cfg.Capture.Mode != "wav" || !cfg.Capture.Loop {
		t.Fatalf("unexpected capture config %+v", cfg.Capture)
	}
	if cfg.Tracking.TargetAyahs != 7 || cfg.Tracking.WindowSec != 14 {
		t.Fatalf("expected file values merged over defaults, got %+v", cfg.Tracking)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad capture mode":    func(c *Config) { c.Capture.Mode = "alsa" },
		"wav without path":    func(c *Config) { c.Capture.Mode = "wav"; c.Capture.WAVPath = "" },
		"relative service":    func(c *Config) { c.Service.BaseURL = "localhost:8000" },
		"ftp service":         func(c *Config) { c.Service.BaseURL = "ftp://host" },
		"live path":           func(c *Config) { c.Service.LivePath = "ws/live" },
		"zero queue":          func(c *Config) { c.Capture.QueueSize = 0 },
		"zero window":         func(c *Config) { c.Tracking.WindowSec = 0 },
		"bad cache mode":      func(c *Config) { c.Cache.Mode = "session" },
		"reconnect intervals": func(c *Config) { c.Tracking.Reconnect.Enabled = true; c.Tracking.Reconnect.MaxIntervalMS = 1 },
		"sample ratio":        func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

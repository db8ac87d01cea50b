package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device.Mode != "mock" {
		t.Fatalf("expected default device mode mock, got %q", cfg.Device.Mode)
	}
	if cfg.Device.IdlePollAttempts != 20 {
		t.Fatalf("expected 20 idle poll attempts, got %d", cfg.Device.IdlePollAttempts)
	}
	if cfg.Segmenter.MaxChunkChars != 200 {
		t.Fatalf("expected 200 max chunk chars, got %d", cfg.Segmenter.MaxChunkChars)
	}
	if cfg.Playback.Rate != 1.0 || cfg.Playback.Pitch != 1.0 {
		t.Fatalf("expected neutral rate/pitch defaults, got %v/%v", cfg.Playback.Rate, cfg.Playback.Pitch)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "voxread.yaml")
	body := `
runtime_name: reader-test
device:
  mode: exec
  command: "say --json"
  idle_poll_attempts: 5
playback:
  rate: 1.5
progress:
  path: ./test.db
  retention_mode: persistent
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "reader-test" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Device.Mode != "exec" || cfg.Device.Command != "say --json" {
		t.Fatalf("expected exec device override, got %+v", cfg.Device)
	}
	if cfg.Device.IdlePollAttempts != 5 {
		t.Fatalf("expected 5 idle poll attempts, got %d", cfg.Device.IdlePollAttempts)
	}
	if cfg.Playback.Rate != 1.5 {
		t.Fatalf("expected rate 1.5, got %v", cfg.Playback.Rate)
	}
	if cfg.Progress.RetentionMode != "persistent" {
		t.Fatalf("expected persistent retention, got %q", cfg.Progress.RetentionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOX_DEVICE_MODE", "exec")
	t.Setenv("VOX_DEVICE_COMMAND", "piper-speak")
	t.Setenv("VOX_DEVICE_IDLE_POLL_ATTEMPTS", "7")
	t.Setenv("VOX_DEVICE_CORRUPTION_WINDOW_MS", "500")
	t.Setenv("VOX_SEGMENTER_MAX_CHUNK_CHARS", "150")
	t.Setenv("VOX_PLAYBACK_RATE", "0.8")
	t.Setenv("VOX_PLAYBACK_VOICE_LOCALE", "en-GB")
	t.Setenv("VOX_PROGRESS_PATH", "./tmp.db")
	t.Setenv("VOX_PROGRESS_RETENTION_MODE", "ephemeral")
	t.Setenv("VOX_BUS_ENABLED", "true")
	t.Setenv("VOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOX_BUS_EMBEDDED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device.Mode != "exec" || cfg.Device.Command != "piper-speak" {
		t.Fatalf("expected device overrides, got %+v", cfg.Device)
	}
	if cfg.Device.IdlePollAttempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", cfg.Device.IdlePollAttempts)
	}
	if cfg.Device.CorruptionWindowMS != 500 {
		t.Fatalf("expected 500ms corruption window, got %d", cfg.Device.CorruptionWindowMS)
	}
	if cfg.Segmenter.MaxChunkChars != 150 {
		t.Fatalf("expected 150 max chunk chars, got %d", cfg.Segmenter.MaxChunkChars)
	}
	if cfg.Playback.Rate != 0.8 {
		t.Fatalf("expected rate 0.8, got %v", cfg.Playback.Rate)
	}
	if cfg.Playback.VoiceLocale != "en-GB" {
		t.Fatalf("expected locale override, got %q", cfg.Playback.VoiceLocale)
	}
	if cfg.Progress.Path != "./tmp.db" || cfg.Progress.RetentionMode != "ephemeral" {
		t.Fatalf("expected progress overrides, got %+v", cfg.Progress)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"exec device without command", func(c *Config) { c.Device.Mode = "exec"; c.Device.Command = "" }},
		{"unknown device mode", func(c *Config) { c.Device.Mode = "cloud" }},
		{"zero poll attempts", func(c *Config) { c.Device.IdlePollAttempts = 0 }},
		{"rate out of range", func(c *Config) { c.Playback.Rate = 3.0 }},
		{"pitch out of range", func(c *Config) { c.Playback.Pitch = 0.1 }},
		{"min chunk above max", func(c *Config) { c.Segmenter.MinChunkChars = 300 }},
		{"bad retention mode", func(c *Config) { c.Progress.RetentionMode = "forever" }},
		{"empty progress path", func(c *Config) { c.Progress.Path = "" }},
		{"unknown extract mode", func(c *Config) { c.Extract.Mode = "ocr" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

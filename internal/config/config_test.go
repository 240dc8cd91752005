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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Decoding.Seed != 299792458 {
		t.Fatalf("expected default seed, got %d", cfg.Decoding.Seed)
	}
	if cfg.Decoding.MaxInitialTimestampIndex != nil {
		t.Fatalf("expected no initial timestamp bound by default")
	}
	if cfg.Streaming.WindowSeconds != 30 || cfg.Streaming.PollIntervalMS != 200 {
		t.Fatalf("unexpected streaming defaults: %+v", cfg.Streaming)
	}
	if cfg.Audio.QueueCapacity != 16 || cfg.Audio.ChunkDurationMS != 500 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-stt.yaml")
	body := `
runtime_name: dictation-box
model:
  directory: /opt/models/small
  quantized: true
decoding:
  task: translate
  language: de
  max_initial_timestamp_index: 50
streaming:
  stabilizer: local_agreement
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "dictation-box" || !cfg.Model.Quantized {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.Decoding.Task != "translate" || cfg.Decoding.Language != "de" {
		t.Fatalf("expected decoding overrides, got %+v", cfg.Decoding)
	}
	if idx := cfg.Decoding.MaxInitialTimestampIndex; idx == nil || *idx != 50 {
		t.Fatalf("expected max initial timestamp 50, got %v", idx)
	}
	if !cfg.Decoding.Timestamps {
		t.Fatal("expected timestamps default to survive a partial decoding section")
	}
	if cfg.Streaming.Stabilizer != "local_agreement" {
		t.Fatalf("expected stabilizer override, got %q", cfg.Streaming.Stabilizer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_AUDIO_DEVICE", "USB Mic")
	t.Setenv("LOQA_MODEL_QUANTIZED", "true")
	t.Setenv("LOQA_DECODING_SEED", "42")
	t.Setenv("LOQA_DECODING_MAX_INITIAL_TIMESTAMP_INDEX", "25")
	t.Setenv("LOQA_STREAMING_POLL_INTERVAL_MS", "100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded override false")
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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Audio.Device != "USB Mic" {
		t.Fatalf("expected audio device override, got %q", cfg.Audio.Device)
	}
	if !cfg.Model.Quantized {
		t.Fatal("expected quantized override")
	}
	if cfg.Decoding.Seed != 42 {
		t.Fatalf("expected seed 42, got %d", cfg.Decoding.Seed)
	}
	if idx := cfg.Decoding.MaxInitialTimestampIndex; idx == nil || *idx != 25 {
		t.Fatalf("expected max initial timestamp 25, got %v", idx)
	}
	if cfg.Streaming.PollIntervalMS != 100 {
		t.Fatalf("expected poll interval override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"task":        func(c *Config) { c.Decoding.Task = "summarize" },
		"stabilizer":  func(c *Config) { c.Streaming.Stabilizer = "vote" },
		"window":      func(c *Config) { c.Streaming.WindowSeconds = 45 },
		"min audio":   func(c *Config) { c.Streaming.MinAudioMS = 30000 },
		"retention":   func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"model paths": func(c *Config) { c.Model.Directory = "" },
		"queue":       func(c *Config) { c.Audio.QueueCapacity = 0 },
		"bus servers": func(c *Config) { c.Bus.Embedded = false; c.Bus.Servers = nil },
		"initial index": func(c *Config) {
			idx := -1
			c.Decoding.MaxInitialTimestampIndex = &idx
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.Bus.Enabled = false
	cfg.Bus.Embedded = false
	cfg.Bus.Servers = nil
	if err := validate(cfg); err != nil {
		t.Fatalf("disabled bus should not need servers: %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

var envKeys = []string{
	"TOOLHOST_TRANSPORT", "TOOLHOST_FRAMING", "TOOLHOST_LISTEN", "TOOLHOST_OPS_LISTEN",
	"TOOLHOST_LOG_LEVEL", "TOOLHOST_LOG_FORMAT", "OTEL_EXPORTER_OTLP_ENDPOINT", "NATS_URL", "KAFKA_BROKERS",
}

func TestLoadDefaults(t *testing.T) {
	unsetEnv(t, envKeys...)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != TransportStdio || cfg.Transport.Framing != "line" {
		t.Fatalf("unexpected transport defaults %+v", cfg.Transport)
	}
	if cfg.Ops.Listen != "" || cfg.Telemetry.Enabled {
		t.Fatalf("ops and telemetry must be off by default: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFileWithExpansion(t *testing.T) {
	unsetEnv(t, envKeys...)
	t.Setenv("AUDIT_NATS", "nats://bus:4222")
	path := filepath.Join(t.TempDir(), "toolhost.yaml")
	body := `
transport:
  kind: http
  listen: ":9000"
  read_timeout: 5s
ops:
  listen: ":9100"
audit:
  nats_url: ${AUDIT_NATS}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != TransportHTTP || cfg.Transport.Listen != ":9000" {
		t.Fatalf("unexpected transport %+v", cfg.Transport)
	}
	if cfg.Transport.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout = %v", cfg.Transport.ReadTimeout)
	}
	if cfg.Transport.Path != "/mcp" {
		t.Fatalf("default path lost: %q", cfg.Transport.Path)
	}
	if cfg.Audit.NatsURL != "nats://bus:4222" || cfg.Audit.NatsSubject != "toolhost.audit" {
		t.Fatalf("unexpected audit %+v", cfg.Audit)
	}
}

func TestEnvOverrides(t *testing.T) {
	unsetEnv(t, envKeys...)
	t.Setenv("TOOLHOST_TRANSPORT", "http")
	t.Setenv("TOOLHOST_LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != TransportHTTP || cfg.Log.Level != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "collector:4317" {
		t.Fatalf("telemetry not enabled from env: %+v", cfg.Telemetry)
	}
	if len(cfg.Audit.KafkaBrokers) != 2 || cfg.Audit.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Audit.KafkaBrokers)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "grpc" }},
		{"unknown framing", func(c *Config) { c.Transport.Framing = "xml" }},
		{"http without listen", func(c *Config) { c.Transport.Kind = TransportHTTP; c.Transport.Listen = "" }},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true }},
		{"kafka without topic", func(c *Config) { c.Audit.KafkaBrokers = []string{"k"}; c.Audit.KafkaTopic = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	unsetEnv(t, envKeys...)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("transport: [1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

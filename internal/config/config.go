// Package config loads the process-level settings of a tool host: transport, ops listener,
// logging, telemetry and audit sinks. Credentials for external systems are not part of it; they
// are read from the environment when a handle is first needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the host configuration loaded from YAML.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Ops       OpsConfig       `yaml:"ops"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
	Manifest  string          `yaml:"manifest"`
}

// TransportConfig selects how the host talks to its client.
type TransportConfig struct {
	Kind            string        `yaml:"kind"`
	Framing         string        `yaml:"framing"`
	Listen          string        `yaml:"listen"`
	Path            string        `yaml:"path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OpsConfig controls the health and metrics listener. An empty address disables it.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// AuditConfig configures the audit trail and its message-bus sinks.
type AuditConfig struct {
	Enabled      bool     `yaml:"enabled"`
	NatsURL      string   `yaml:"nats_url"`
	NatsSubject  string   `yaml:"nats_subject"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	QueueSize    int      `yaml:"queue_size"`
}

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Load reads configuration from the supplied path or returns defaults. Environment references
// in the file are expanded, then environment overrides are applied.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
				return Config{}, fmt.Errorf("unmarshal config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportStdio:
		switch strings.ToLower(c.Transport.Framing) {
		case "", "line", "content-length":
		default:
			return fmt.Errorf("transport.framing: unknown framing %q", c.Transport.Framing)
		}
	case TransportHTTP:
		if c.Transport.Listen == "" {
			return fmt.Errorf("transport.listen is required for the http transport")
		}
	default:
		return fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Audit.NatsURL != "" && c.Audit.NatsSubject == "" {
		return fmt.Errorf("audit.nats_subject is required with audit.nats_url")
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return fmt.Errorf("audit.kafka_topic is required with audit.kafka_brokers")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			Kind:            TransportStdio,
			Framing:         "line",
			Listen:          ":8090",
			Path:            "/mcp",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Audit: AuditConfig{
			Enabled:     true,
			NatsSubject: "toolhost.audit",
			KafkaTopic:  "toolhost-audit",
			QueueSize:   1024,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Transport.Kind = getenv("TOOLHOST_TRANSPORT", cfg.Transport.Kind)
	cfg.Transport.Framing = getenv("TOOLHOST_FRAMING", cfg.Transport.Framing)
	cfg.Transport.Listen = getenv("TOOLHOST_LISTEN", cfg.Transport.Listen)
	cfg.Ops.Listen = getenv("TOOLHOST_OPS_LISTEN", cfg.Ops.Listen)
	cfg.Log.Level = getenv("TOOLHOST_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("TOOLHOST_LOG_FORMAT", cfg.Log.Format)
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Endpoint = endpoint
		cfg.Telemetry.Enabled = true
	}
	cfg.Audit.NatsURL = getenv("NATS_URL", cfg.Audit.NatsURL)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Audit.KafkaBrokers = splitList(brokers)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config parses and validates the gateway's YAML configuration file,
// using the same load-then-validate convention used throughout this
// codebase's configuration types.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceKind enumerates the supported source types.
type SourceKind string

const (
	SourceKindKafka   SourceKind = "kafka"
	SourceKindCounter SourceKind = "counter"
)

// Config is the top-level gateway configuration.
type Config struct {
	Sources []SourceConfig `yaml:"sources"`
	Plugins PluginsConfig  `yaml:"plugins"`
	Server  ServerConfig   `yaml:"server"`
}

// SourceConfig is one entry of the `sources` list. Exactly one of Kafka or
// Counter is populated, selected by Type.
type SourceConfig struct {
	ID      string         `yaml:"id"`
	Type    SourceKind     `yaml:"type"`
	Lazy    bool           `yaml:"lazy"`
	Kafka   *KafkaSource   `yaml:"kafka,omitempty"`
	Counter *CounterSource `yaml:"counter,omitempty"`
}

// KafkaSource holds the kind-specific options for a Kafka-backed source.
type KafkaSource struct {
	BootstrapServers []string `yaml:"bootstrap_servers"`
	Topic            string   `yaml:"topic"`
	GroupID          string   `yaml:"group_id,omitempty"`
}

// CounterSource holds the kind-specific options for a synthetic counter
// source.
type CounterSource struct {
	IntervalMS int `yaml:"interval_ms"`
	Min        int `yaml:"min"`
}

// PluginsConfig configures the two plugin bindings the gateway loads.
type PluginsConfig struct {
	Authenticate *PluginBinding            `yaml:"authenticate,omitempty"`
	Intercept    InterceptPluginsConfig    `yaml:"intercept,omitempty"`
}

// InterceptPluginsConfig maps source ids to the intercept plugin bound to
// them.
type InterceptPluginsConfig struct {
	SourceBindings map[string]string `yaml:"source_bindings,omitempty"`
}

// PluginBinding names a compiled plugin module by file path.
type PluginBinding struct {
	Path string `yaml:"path"`
}

// TLSConfig carries optional transport-level TLS material. Terminating TLS
// is out of scope for the acceptor itself, but the schema still parses it
// so external termination can be configured consistently.
type TLSConfig struct {
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// ServerConfig holds the listener address and optional TLS material.
type ServerConfig struct {
	Address string     `yaml:"address"`
	TLS     *TLSConfig `yaml:"tls,omitempty"`
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks schema-level invariants: unique source ids, well-formed
// kind-specific parameters, and a non-empty server address.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate source id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}

		if err := src.validate(); err != nil {
			return fmt.Errorf("sources[%d] (%s): %w", i, src.ID, err)
		}
	}

	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Type {
	case SourceKindKafka:
		if s.Kafka == nil {
			return fmt.Errorf("type=kafka requires a kafka block")
		}
		if len(s.Kafka.BootstrapServers) == 0 {
			return fmt.Errorf("kafka.bootstrap_servers is required")
		}
		if s.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required")
		}
	case SourceKindCounter:
		if s.Counter == nil {
			return fmt.Errorf("type=counter requires a counter block")
		}
		if s.Counter.IntervalMS <= 0 {
			return fmt.Errorf("counter.interval_ms must be positive")
		}
	default:
		return fmt.Errorf("unrecognized source type %q", s.Type)
	}
	return nil
}

// CounterInterval returns the configured interval as a time.Duration.
func (c *CounterSource) CounterInterval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// InterceptBindingFor returns the intercept plugin path bound to sourceID,
// and whether one is bound at all.
func (c *PluginsConfig) InterceptBindingFor(sourceID string) (string, bool) {
	if c.Intercept.SourceBindings == nil {
		return "", false
	}
	path, ok := c.Intercept.SourceBindings[sourceID]
	return path, ok
}

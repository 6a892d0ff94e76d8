// Package config loads bus connection settings from YAML, in the same
// read-file-then-yaml.Unmarshal-then-apply-defaults shape used for the
// broker and pool configuration this module's transports are grounded on.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bus configuration document.
type Config struct {
	ClientName string `yaml:"client_name"`
	Prefix     string `yaml:"prefix"`
	Debug      bool   `yaml:"debug"`

	TCP  *TCPConfig  `yaml:"tcp,omitempty"`
	MQTT *MQTTConfig `yaml:"mqtt,omitempty"`
}

// TCPConfig configures a transport/tcp.Client.
type TCPConfig struct {
	Address            string `yaml:"address"`
	ConnectTimeoutMS   int    `yaml:"connect_timeout_ms"`
	SendTimeoutMS      int    `yaml:"send_timeout_ms"`
	PollTimeoutMS      int    `yaml:"poll_timeout_ms"`
}

// MQTTConfig configures a transport/mqtt.Client.
type MQTTConfig struct {
	BrokerURL        string `yaml:"broker_url"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	SendTimeoutMS    int    `yaml:"send_timeout_ms"`
}

// ConnectTimeout returns the configured connect timeout, defaulting to 1s.
func (c *TCPConfig) ConnectTimeout() time.Duration {
	return msOrDefault(c.ConnectTimeoutMS, time.Second)
}

// SendTimeout returns the configured send timeout, defaulting to 5s.
func (c *TCPConfig) SendTimeout() time.Duration {
	return msOrDefault(c.SendTimeoutMS, 5*time.Second)
}

// PollTimeout returns the configured mainloop poll timeout, defaulting to
// 200ms.
func (c *TCPConfig) PollTimeout() time.Duration {
	return msOrDefault(c.PollTimeoutMS, 200*time.Millisecond)
}

// ConnectTimeout returns the configured connect timeout, defaulting to 1s.
func (c *MQTTConfig) ConnectTimeout() time.Duration {
	return msOrDefault(c.ConnectTimeoutMS, time.Second)
}

// SendTimeout returns the configured send timeout, defaulting to 5s.
func (c *MQTTConfig) SendTimeout() time.Duration {
	return msOrDefault(c.SendTimeoutMS, 5*time.Second)
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads and parses a YAML bus configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "client"
	}
	if cfg.TCP == nil && cfg.MQTT == nil {
		return nil, fmt.Errorf("config: %s must configure either tcp or mqtt", filename)
	}

	return &cfg, nil
}

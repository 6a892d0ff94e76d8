package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTCPDefaults(t *testing.T) {
	path := writeConfig(t, `
client_name: agent-1
tcp:
  address: "localhost:9001"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCP == nil {
		t.Fatal("expected TCP config")
	}
	if cfg.TCP.ConnectTimeout() != time.Second {
		t.Fatalf("expected default 1s connect timeout, got %v", cfg.TCP.ConnectTimeout())
	}
	if cfg.TCP.SendTimeout() != 5*time.Second {
		t.Fatalf("expected default 5s send timeout, got %v", cfg.TCP.SendTimeout())
	}
	if cfg.TCP.PollTimeout() != 200*time.Millisecond {
		t.Fatalf("expected default 200ms poll timeout, got %v", cfg.TCP.PollTimeout())
	}
	if cfg.Prefix != "client" {
		t.Fatalf("expected default prefix, got %q", cfg.Prefix)
	}
}

func TestLoadOverridesTimeouts(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker_url: "tcp://localhost:1883"
  connect_timeout_ms: 2500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.MQTT.ConnectTimeout(); got != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s, got %v", got)
	}
}

func TestLoadRequiresATransport(t *testing.T) {
	path := writeConfig(t, `client_name: agent-1`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when neither tcp nor mqtt is configured")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/bus.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

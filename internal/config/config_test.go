package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", env(map[string]string{"DATABASE_URL": "postgres://localhost/telemetry"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ControlPlaneURL() != "http://localhost:3000" {
		t.Errorf("control plane: got %s", cfg.ControlPlaneURL())
	}
	if cfg.WebhookAddr() != ":3001" {
		t.Errorf("webhook addr: got %s", cfg.WebhookAddr())
	}
	if cfg.ReloadPollInterval != 5*time.Second {
		t.Errorf("reload poll: got %v, want 5s", cfg.ReloadPollInterval)
	}
	if cfg.BillInterval() != time.Hour {
		t.Errorf("bill interval: got %v, want 1h", cfg.BillInterval())
	}
	if cfg.AutoDiscovery {
		t.Error("auto discovery should be off by default")
	}
	if cfg.MQTT.URL != "tcp://localhost:1883" {
		t.Errorf("mqtt url: got %s", cfg.MQTT.URL)
	}
	if cfg.MQTT.DiscoveryTopic != "#" {
		t.Errorf("discovery topic: got %q, want #", cfg.MQTT.DiscoveryTopic)
	}
}

func TestDiscoveryTopicFromEnv(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"DATABASE_URL":         "postgres://localhost/telemetry",
		"AUTO_DISCOVERY":       "true",
		"MQTT_DISCOVERY_TOPIC": "site/#",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AutoDiscovery || cfg.MQTT.DiscoveryTopic != "site/#" {
		t.Errorf("got discovery=%v topic=%q", cfg.AutoDiscovery, cfg.MQTT.DiscoveryTopic)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	data := `
control_plane:
  host: dashboard
  port: 8080
mqtt:
  url: tcp://broker:1883
  username: core
database:
  url: postgres://yaml/db
reload_poll_interval: 10s
scheduler:
  bill_interval_minutes: 15
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(path, env(map[string]string{
		"MQTT_URL":       "tcp://override:1883",
		"AUTO_DISCOVERY": "true",
		"WEBHOOK_PORT":   "9000",
		"LOG_FORMAT":     "console",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ControlPlaneURL() != "http://dashboard:8080" {
		t.Errorf("control plane: got %s", cfg.ControlPlaneURL())
	}
	if cfg.MQTT.URL != "tcp://override:1883" {
		t.Errorf("env should override yaml, got %s", cfg.MQTT.URL)
	}
	if cfg.MQTT.Username != "core" {
		t.Errorf("username: got %q", cfg.MQTT.Username)
	}
	if cfg.MQTT.ClientID != "telemetry-core" {
		t.Errorf("client id default lost: %q", cfg.MQTT.ClientID)
	}
	if cfg.ReloadPollInterval != 10*time.Second {
		t.Errorf("reload poll: got %v", cfg.ReloadPollInterval)
	}
	if cfg.BillInterval() != 15*time.Minute {
		t.Errorf("bill interval: got %v", cfg.BillInterval())
	}
	if !cfg.AutoDiscovery {
		t.Error("expected auto discovery on")
	}
	if cfg.WebhookAddr() != ":9000" {
		t.Errorf("webhook: got %s", cfg.WebhookAddr())
	}
	if cfg.Log.Format != "console" {
		t.Errorf("log format: got %s", cfg.Log.Format)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"missing database", map[string]string{}, "database.url"},
		{"bad port", map[string]string{"DATABASE_URL": "postgres://x", "PORT": "abc"}, "PORT"},
		{"bad bool", map[string]string{"DATABASE_URL": "postgres://x", "AUTO_DISCOVERY": "maybe"}, "AUTO_DISCOVERY"},
		{"bad duration", map[string]string{"DATABASE_URL": "postgres://x", "RELOAD_POLL_INTERVAL": "5"}, "RELOAD_POLL_INTERVAL"},
		{"port range", map[string]string{"DATABASE_URL": "postgres://x", "WEBHOOK_PORT": "70000"}, "webhook.port"},
		{"log format", map[string]string{"DATABASE_URL": "postgres://x", "LOG_FORMAT": "xml"}, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load("", env(tt.vars))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), env(map[string]string{"DATABASE_URL": "postgres://x"}))
	if err == nil {
		t.Fatal("expected error for an explicit missing file")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Password = "secret"
	cfg.Database.URL = "postgres://core:hunter2@db:5432/telemetry"

	r := cfg.Redacted()
	if r.MQTT.Password == "secret" {
		t.Error("mqtt password not masked")
	}
	if strings.Contains(r.Database.URL, "hunter2") {
		t.Errorf("database password not masked: %s", r.Database.URL)
	}
	if cfg.MQTT.Password != "secret" {
		t.Error("Redacted must not modify the receiver")
	}

	out, err := r.YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "reload_poll_interval: 5s") {
		t.Errorf("unexpected yaml:\n%s", out)
	}
}

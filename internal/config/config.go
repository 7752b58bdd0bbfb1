// Package config resolves the startup configuration of the telemetry core:
// built-in defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved startup configuration.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Database     DatabaseConfig     `yaml:"database"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Log          LogConfig          `yaml:"log"`

	AutoDiscovery             bool          `yaml:"auto_discovery"`
	ReloadPollInterval        time.Duration `yaml:"reload_poll_interval"`
	ConnectivityCheckInterval time.Duration `yaml:"connectivity_check_interval"`
}

// ControlPlaneConfig locates the dashboard serving the logging endpoints.
type ControlPlaneConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	StatusTopic string `yaml:"status_topic"`

	// DiscoveryTopic is subscribed when auto discovery is on.
	DiscoveryTopic string `yaml:"discovery_topic"`
}

// DatabaseConfig locates the configuration store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// WebhookConfig is the port of the reload and status HTTP server.
type WebhookConfig struct {
	Port int `yaml:"port"`
}

// SchedulerConfig tunes the logging schedules.
type SchedulerConfig struct {
	// BillIntervalMinutes applies to billing configurations without their own interval.
	BillIntervalMinutes int `yaml:"bill_interval_minutes"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ControlPlane: ControlPlaneConfig{Host: "localhost", Port: 3000},
		MQTT: MQTTConfig{
			URL:            "tcp://localhost:1883",
			ClientID:       "telemetry-core",
			StatusTopic:    "telemetry-core/status",
			DiscoveryTopic: "#",
		},
		Webhook:                   WebhookConfig{Port: 3001},
		Scheduler:                 SchedulerConfig{BillIntervalMinutes: 60},
		Log:                       LogConfig{Level: "info", Format: "json"},
		ReloadPollInterval:        5 * time.Second,
		ConnectivityCheckInterval: 30 * time.Second,
	}
}

// Load resolves the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("HOST", &c.ControlPlane.Host)
	str("MQTT_URL", &c.MQTT.URL)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_STATUS_TOPIC", &c.MQTT.StatusTopic)
	str("MQTT_DISCOVERY_TOPIC", &c.MQTT.DiscoveryTopic)
	str("DATABASE_URL", &c.Database.URL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("AUTO_DISCOVERY"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AUTO_DISCOVERY: %w", err)
		}
		c.AutoDiscovery = b
	}

	return errors.Join(
		num("PORT", &c.ControlPlane.Port),
		num("WEBHOOK_PORT", &c.Webhook.Port),
		num("BILL_INTERVAL_MINUTES", &c.Scheduler.BillIntervalMinutes),
		dur("RELOAD_POLL_INTERVAL", &c.ReloadPollInterval),
		dur("CONNECTIVITY_CHECK_INTERVAL", &c.ConnectivityCheckInterval),
	)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.ControlPlane.Host == "" {
		c.ControlPlane.Host = d.ControlPlane.Host
	}
	if c.ControlPlane.Port == 0 {
		c.ControlPlane.Port = d.ControlPlane.Port
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = d.MQTT.ClientID
	}
	if c.MQTT.DiscoveryTopic == "" {
		c.MQTT.DiscoveryTopic = d.MQTT.DiscoveryTopic
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = d.Webhook.Port
	}
	if c.Scheduler.BillIntervalMinutes == 0 {
		c.Scheduler.BillIntervalMinutes = d.Scheduler.BillIntervalMinutes
	}
	if c.ReloadPollInterval == 0 {
		c.ReloadPollInterval = d.ReloadPollInterval
	}
	if c.ConnectivityCheckInterval == 0 {
		c.ConnectivityCheckInterval = d.ConnectivityCheckInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

func (c *Config) validate() error {
	if c.MQTT.URL == "" {
		return errors.New("mqtt.url is required")
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required (DATABASE_URL)")
	}
	if c.ControlPlane.Port <= 0 || c.ControlPlane.Port > 65535 {
		return fmt.Errorf("control_plane.port %d out of range", c.ControlPlane.Port)
	}
	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port %d out of range", c.Webhook.Port)
	}
	if c.Scheduler.BillIntervalMinutes < 0 {
		return errors.New("scheduler.bill_interval_minutes must be positive")
	}
	if c.ReloadPollInterval < 0 || c.ConnectivityCheckInterval < 0 {
		return errors.New("poll intervals must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be json or console", c.Log.Format)
	}
	return nil
}

// ControlPlaneURL returns the base URL of the logging endpoints.
func (c *Config) ControlPlaneURL() string {
	return fmt.Sprintf("http://%s:%d", c.ControlPlane.Host, c.ControlPlane.Port)
}

// WebhookAddr returns the listen address of the HTTP server.
func (c *Config) WebhookAddr() string {
	return ":" + strconv.Itoa(c.Webhook.Port)
}

// BillInterval returns the default billing schedule interval.
func (c *Config) BillInterval() time.Duration {
	return time.Duration(c.Scheduler.BillIntervalMinutes) * time.Minute
}

// Redacted returns a copy safe to print: passwords are masked.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "xxxxx"
	}
	if u, err := url.Parse(c.Database.URL); err == nil && u.User != nil {
		c.Database.URL = u.Redacted()
	}
	return c
}

// YAML renders the configuration as YAML.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

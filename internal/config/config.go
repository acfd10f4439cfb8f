// Package config handles Threadline configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/threadline-ai/threadline/internal/subject"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./threadline.yaml, ~/.config/threadline/threadline.yaml,
// /etc/threadline/threadline.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"threadline.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "threadline", "threadline.yaml"))
	}

	paths = append(paths, "/etc/threadline/threadline.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Threadline configuration.
type Config struct {
	Listen       ListenConfig   `yaml:"listen"`
	Engine       EngineConfig   `yaml:"engine"`
	Store        StoreConfig    `yaml:"store"`
	Resolver     ResolverConfig `yaml:"resolver"`
	Sweep        SweepConfig    `yaml:"sweep"`
	MQTT         MQTTConfig     `yaml:"mqtt"`
	Mail         MailConfig     `yaml:"mail"`
	DataDir      string         `yaml:"data_dir"`
	DefaultAgent string         `yaml:"default_agent"`
	LogLevel     string         `yaml:"log_level"`
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080
}

// EngineConfig defines the external execution-engine endpoint.
type EngineConfig struct {
	BaseURL string `yaml:"base_url"`
	// TimeoutSec bounds one engine invocation (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the engine invocation deadline.
func (c EngineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Backend is one of "file", "sqlite", "redis" (default "file").
	Backend string `yaml:"backend"`
	// Dir is the record directory for the file backend
	// (default <data_dir>/store).
	Dir string `yaml:"dir"`
	// SQLitePath is the database file for the sqlite backend
	// (default <data_dir>/threadline.db).
	SQLitePath string `yaml:"sqlite_path"`
	// RedisURL is the connection URL for the redis backend,
	// e.g. redis://localhost:6379/0.
	RedisURL string `yaml:"redis_url"`
	// ContextMaxAgeHours is the long-horizon retention (default 72).
	ContextMaxAgeHours int `yaml:"context_max_age_hours"`
	// RunStateMaxAgeHours is the short-horizon retention (default 2).
	RunStateMaxAgeHours int `yaml:"runstate_max_age_hours"`
}

// ContextMaxAge returns the context retention window.
func (c StoreConfig) ContextMaxAge() time.Duration {
	return time.Duration(c.ContextMaxAgeHours) * time.Hour
}

// RunStateMaxAge returns the paused-state retention window.
func (c StoreConfig) RunStateMaxAge() time.Duration {
	return time.Duration(c.RunStateMaxAgeHours) * time.Hour
}

// ResolverConfig selects the subject identity resolver.
type ResolverConfig struct {
	// Kind is "phone" (default) or "carddav".
	Kind    string                `yaml:"kind"`
	CardDAV subject.CardDAVConfig `yaml:"carddav"`
}

// SweepConfig tunes the periodic lifecycle sweep.
type SweepConfig struct {
	// IntervalMin is the sweep cadence in minutes (default 60).
	IntervalMin int `yaml:"interval_min"`
	// RetentionMin is how long an in-memory session may idle before a
	// sweep ends it, in minutes (default 30).
	RetentionMin int `yaml:"retention_min"`
}

// Interval returns the sweep cadence.
func (c SweepConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

// Retention returns the idle-session retention window.
func (c SweepConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMin) * time.Minute
}

// MQTTConfig defines the optional MQTT channel bridge.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"` // e.g. mqtt://broker:1883
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// TopicPrefix roots the in/out topics (default "threadline").
	TopicPrefix string `yaml:"topic_prefix"`
	// Agent overrides default_agent for this channel.
	Agent string `yaml:"agent"`
}

// MailConfig defines the optional IMAP mail bridge.
type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Server   string `yaml:"server"` // host:port, implicit TLS
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Mailbox to poll (default "INBOX").
	Mailbox string `yaml:"mailbox"`
	// PollIntervalSec between mailbox checks (default 60).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// Agent overrides default_agent for this channel.
	Agent string `yaml:"agent"`
}

// PollInterval returns the mailbox poll cadence.
func (c MailConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with production defaults. Safe
// to call more than once.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Engine.TimeoutSec == 0 {
		c.Engine.TimeoutSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "triage"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.DataDir, "store")
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "threadline.db")
	}
	if c.Store.ContextMaxAgeHours == 0 {
		c.Store.ContextMaxAgeHours = 72
	}
	if c.Store.RunStateMaxAgeHours == 0 {
		c.Store.RunStateMaxAgeHours = 2
	}
	if c.Resolver.Kind == "" {
		c.Resolver.Kind = "phone"
	}
	if c.Sweep.IntervalMin == 0 {
		c.Sweep.IntervalMin = 60
	}
	if c.Sweep.RetentionMin == 0 {
		c.Sweep.RetentionMin = 30
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "threadline"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "threadline"
	}
	if c.Mail.Mailbox == "" {
		c.Mail.Mailbox = "INBOX"
	}
	if c.Mail.PollIntervalSec == 0 {
		c.Mail.PollIntervalSec = 60
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (valid: file, sqlite, redis)", c.Store.Backend)
	}

	switch c.Resolver.Kind {
	case "phone":
	case "carddav":
		if c.Resolver.CardDAV.Endpoint == "" {
			return fmt.Errorf("resolver.carddav.endpoint required for the carddav resolver")
		}
	default:
		return fmt.Errorf("unknown resolver kind %q (valid: phone, carddav)", c.Resolver.Kind)
	}

	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url required")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url required when the MQTT bridge is enabled")
	}
	if c.Mail.Enabled && (c.Mail.Server == "" || c.Mail.Username == "") {
		return fmt.Errorf("mail.server and mail.username required when the mail bridge is enabled")
	}
	return nil
}

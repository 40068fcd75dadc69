package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for TasmoLink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig contains service identity settings.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BridgeConfig contains Tasmota bridge behaviour settings.
//
// PollIntervalMinutes and AnswerTimeoutSeconds are defaults for newly
// discovered devices; each device carries its own values in settings.
type BridgeConfig struct {
	// PollIntervalMinutes is the default per-device status poll cadence.
	PollIntervalMinutes int `yaml:"poll_interval_minutes"`

	// AnswerTimeoutSeconds is the default time a device has to answer a
	// request before the watchdog marks it unavailable.
	AnswerTimeoutSeconds int `yaml:"answer_timeout_seconds"`

	// WatchdogIntervalSeconds is the cadence of the shared watchdog tick
	// that evaluates answer deadlines and poll schedules for all devices.
	WatchdogIntervalSeconds int `yaml:"watchdog_interval_seconds"`

	// Discovery contains pairing session settings.
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig contains pairing session settings.
type DiscoveryConfig struct {
	// PollIntervalSeconds is the quiescence check cadence during pairing.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// SessionTimeoutSeconds bounds the total duration of a pairing session.
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings for telemetry history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TASMOLINK_SECTION_KEY
// For example: TASMOLINK_DATABASE_PATH, TASMOLINK_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "tasmolink-01",
			Name: "TasmoLink",
		},
		Database: DatabaseConfig{
			Path:        "./data/tasmolink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tasmolink",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Bridge: BridgeConfig{
			PollIntervalMinutes:     5,
			AnswerTimeoutSeconds:    40,
			WatchdogIntervalSeconds: 30,
			Discovery: DiscoveryConfig{
				PollIntervalSeconds:   2,
				SessionTimeoutSeconds: 120,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TASMOLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASMOLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("TASMOLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TASMOLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("TASMOLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TASMOLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("TASMOLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("TASMOLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Bridge.PollIntervalMinutes < 1 {
		errs = append(errs, "bridge.poll_interval_minutes must be at least 1")
	}
	if c.Bridge.AnswerTimeoutSeconds < 1 {
		errs = append(errs, "bridge.answer_timeout_seconds must be at least 1")
	}
	if c.Bridge.WatchdogIntervalSeconds < 1 {
		errs = append(errs, "bridge.watchdog_interval_seconds must be at least 1")
	}
	if c.Bridge.Discovery.PollIntervalSeconds < 1 {
		errs = append(errs, "bridge.discovery.poll_interval_seconds must be at least 1")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetPollInterval returns the default per-device poll cadence as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollIntervalMinutes) * time.Minute
}

// GetAnswerTimeout returns the default answer timeout as a Duration.
func (c *Config) GetAnswerTimeout() time.Duration {
	return time.Duration(c.Bridge.AnswerTimeoutSeconds) * time.Second
}

// GetWatchdogInterval returns the shared watchdog tick cadence as a Duration.
func (c *Config) GetWatchdogInterval() time.Duration {
	return time.Duration(c.Bridge.WatchdogIntervalSeconds) * time.Second
}

// GetDiscoveryPollInterval returns the quiescence check cadence as a Duration.
func (c *Config) GetDiscoveryPollInterval() time.Duration {
	return time.Duration(c.Bridge.Discovery.PollIntervalSeconds) * time.Second
}

// GetDiscoverySessionTimeout returns the pairing session bound as a Duration.
func (c *Config) GetDiscoverySessionTimeout() time.Duration {
	return time.Duration(c.Bridge.Discovery.SessionTimeoutSeconds) * time.Second
}

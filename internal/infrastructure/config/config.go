package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "TESTSTAND_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the test stand core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	RFGenerator RFGeneratorConfig `yaml:"rf_generator"`
	HVPS        HVPSConfig        `yaml:"hvps"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Database    DatabaseConfig    `yaml:"database"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SiteConfig identifies the test stand.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RFGeneratorConfig contains RF generator connection settings.
type RFGeneratorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Device is the generator type tag. Only "VRG" is supported.
	Device string `yaml:"device"`

	// Resource is the link address, e.g. "ASRL3::INSTR", "/dev/ttyUSB0"
	// or "TCPIP::10.0.0.5::4001::SOCKET".
	Resource string `yaml:"resource"`

	BaudRate  int `yaml:"baud_rate"`
	TimeoutMS int `yaml:"timeout_ms"`

	// SimulateOnFailure falls back to the built-in simulator when the
	// generator cannot be reached at startup.
	SimulateOnFailure bool `yaml:"simulate_on_failure"`
}

// HVPSConfig contains high-voltage power supply connection settings.
type HVPSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Device    string `yaml:"device"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TimeoutMS int    `yaml:"timeout_ms"`

	// Channels lists the occupied channels. Empty means all of them.
	Channels []string `yaml:"channels"`
}

// AcquisitionConfig contains telemetry poller settings.
type AcquisitionConfig struct {
	IntervalMS    int  `yaml:"interval_ms"`
	EnableOnStart bool `yaml:"enable_on_start"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// DatabaseConfig contains SQLite database settings for the command audit trail.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains rotating file output settings.
// An empty Path disables file output.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Path returns the configuration file path from TESTSTAND_CONFIG, or
// DefaultPath when it is unset.
func Path() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TESTSTAND_SECTION_KEY
// For example: TESTSTAND_RF_RESOURCE, TESTSTAND_HVPS_HOST
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
		Site: SiteConfig{
			ID:   "stand-001",
			Name: "Test Stand",
		},
		RFGenerator: RFGeneratorConfig{
			Enabled:           true,
			Device:            "VRG",
			Resource:          "ASRL1::INSTR",
			BaudRate:          9600,
			TimeoutMS:         2000,
			SimulateOnFailure: true,
		},
		HVPS: HVPSConfig{
			Enabled:   false,
			Device:    "HVPS",
			Port:      5000,
			TimeoutMS: 5000,
		},
		Acquisition: AcquisitionConfig{
			IntervalMS:    1000,
			EnableOnStart: true,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "teststand-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/teststand.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TESTSTAND_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// RF generator
	if v := os.Getenv("TESTSTAND_RF_RESOURCE"); v != "" {
		cfg.RFGenerator.Resource = v
	}
	if v := os.Getenv("TESTSTAND_RF_DEVICE"); v != "" {
		cfg.RFGenerator.Device = v
	}
	if v, ok := envBool("TESTSTAND_RF_SIMULATE_ON_FAILURE"); ok {
		cfg.RFGenerator.SimulateOnFailure = v
	}

	// HVPS
	if v := os.Getenv("TESTSTAND_HVPS_HOST"); v != "" {
		cfg.HVPS.Host = v
	}
	if v, ok := envInt("TESTSTAND_HVPS_PORT"); ok {
		cfg.HVPS.Port = v
	}

	// Database
	if v := os.Getenv("TESTSTAND_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TESTSTAND_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TESTSTAND_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TESTSTAND_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TESTSTAND_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("TESTSTAND_API_PORT"); ok {
		cfg.API.Port = v
	}

	// Logging
	if v := os.Getenv("TESTSTAND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt reads an integer variable. Unparseable values are ignored.
func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for errors.
//
// Every problem is collected so an operator sees them all in one pass.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.RFGenerator.Enabled {
		if c.RFGenerator.Device == "" {
			errs = append(errs, "rf_generator.device is required")
		}
		if c.RFGenerator.Resource == "" {
			errs = append(errs, "rf_generator.resource is required")
		}
		if c.RFGenerator.BaudRate < 0 {
			errs = append(errs, "rf_generator.baud_rate must not be negative")
		}
		if c.RFGenerator.TimeoutMS < 0 {
			errs = append(errs, "rf_generator.timeout_ms must not be negative")
		}
	}

	if c.HVPS.Enabled {
		if c.HVPS.Device == "" {
			errs = append(errs, "hvps.device is required")
		}
		if c.HVPS.Host == "" {
			errs = append(errs, "hvps.host is required")
		}
		if c.HVPS.Port < 1 || c.HVPS.Port > 65535 {
			errs = append(errs, "hvps.port must be between 1 and 65535")
		}
		if c.HVPS.TimeoutMS < 0 {
			errs = append(errs, "hvps.timeout_ms must not be negative")
		}
	}

	if c.Acquisition.IntervalMS <= 0 {
		errs = append(errs, "acquisition.interval_ms must be positive")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RFTimeout returns the RF generator reply timeout as a Duration.
func (c *Config) RFTimeout() time.Duration {
	return time.Duration(c.RFGenerator.TimeoutMS) * time.Millisecond
}

// HVPSTimeout returns the HVPS reply timeout as a Duration.
func (c *Config) HVPSTimeout() time.Duration {
	return time.Duration(c.HVPS.TimeoutMS) * time.Millisecond
}

// HVPSAddress returns the HVPS host:port dial address.
func (c *Config) HVPSAddress() string {
	return fmt.Sprintf("%s:%d", c.HVPS.Host, c.HVPS.Port)
}

// PollInterval returns the acquisition interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Acquisition.IntervalMS) * time.Millisecond
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

// Package config loads and validates the sumwire server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SUMWIRE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the complete sumwire server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server configures the listener, connection limits and timeouts.
	Server ServerConfig `mapstructure:"server"`

	// Metrics configures the optional Prometheus scrape endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is the output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is where logs are written: stdout or stderr.
	Output string `mapstructure:"output" validate:"required,oneof=stdout stderr"`
}

// ServerConfig configures the protocol listener.
type ServerConfig struct {
	// BindAddress is the local address to listen on.
	BindAddress string `mapstructure:"bind_address" validate:"required"`

	// Port is the TCP port to listen on. 0 lets the OS assign one, which
	// is mainly useful in tests.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxConnections caps concurrent sessions. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MaxFrameSize caps the declared payload length of a frame; larger
	// frames are rejected before any payload byte is read.
	MaxFrameSize uint32 `mapstructure:"max_frame_size" validate:"required,gt=0"`

	// OverflowPolicy decides what happens when MaxConnections is reached:
	// "wait" blocks the accept loop until a slot frees (backpressure);
	// "reject" closes the surplus connection immediately.
	OverflowPolicy string `mapstructure:"overflow_policy" validate:"required,oneof=wait reject"`

	// ReadTimeout bounds reading one complete frame. 0 disables.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds writing one response frame. 0 disables.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// IdleTimeout closes a connection with no complete frame within the
	// bound. 0 disables.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout bounds the graceful drain; sessions still open past
	// the deadline are force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// RateLimit throttles requests per connection.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig is a per-connection token-bucket throttle.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. 0 disables limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second"`

	// Burst is the bucket capacity; defaults to RequestsPerSecond.
	Burst uint `mapstructure:"burst"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts the /metrics HTTP endpoint when true.
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP port for the scrape endpoint.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// Load reads configuration from file and environment, applies defaults and
// validates the result. An empty configPath loads defaults plus environment
// overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable support and the config file
// location. Environment variables use the SUMWIRE_ prefix with underscores,
// e.g. SUMWIRE_SERVER_MAX_CONNECTIONS=512.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SUMWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

// readConfigFile reads the configuration file if one was specified. A
// missing file is only an error when the caller asked for one explicitly.
func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	return nil
}

package config

import (
	"strings"
	"time"
)

// Default values applied to unset fields.
const (
	DefaultPort            = 7450
	DefaultBindAddress     = "0.0.0.0"
	DefaultMaxFrameSize    = 1 << 20 // 1MB
	DefaultOverflowPolicy  = "wait"
	DefaultReadTimeout     = time.Minute
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsPort     = 9464
)

// ApplyDefaults fills in zero values with defaults. Explicit values are
// preserved; MaxConnections 0 stays 0 and means unlimited.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = DefaultBindAddress
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = DefaultOverflowPolicy
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerSecond
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

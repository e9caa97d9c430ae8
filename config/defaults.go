// =============================================================================
// Gateway default configuration
// =============================================================================
// Sane defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Database: DefaultDatabaseConfig(),
		Redis:    DefaultRedisConfig(),
		Log:      DefaultLogConfig(),
		Proxy:    DefaultProxyConfig(),
	}
}

// DefaultServerConfig returns the default HTTP/metrics server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default provider-configuration store
// settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "aiproxy",
		Password:        "",
		Name:            "aiproxy",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default distributed cache tier settings.
// The tier is disabled by default; the local LRU tier always runs.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		Enabled:      false,
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultProxyConfig returns the gateway's own domain defaults: request
// timeout, circuit-breaker tuning, cache sizing, and loop cadences.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		RequestTimeout: 90 * time.Second,
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			Timeout:            60 * time.Second,
			HalfOpenRetryDelay: 30 * time.Second,
			HalfOpenMaxCalls:   3,
		},
		HealthCheckInterval: 30 * time.Second,
		TemplateCache: CacheTierConfig{
			MaxSize: 500,
			TTL:     30 * time.Minute,
		},
		ExecutionCache: CacheTierConfig{
			MaxSize: 1000,
			TTL:     5 * time.Minute,
		},
		MusicPollTimeout: 300 * time.Second,
	}
}

package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the resolver service's runtime configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Environment     string        `mapstructure:"environment"`
}

// RedisConfig holds the catalog cache's Redis connection configuration.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NATSConfig holds the catalog-update subscription's NATS connection configuration.
type NATSConfig struct {
	URL             string        `mapstructure:"url"`
	CatalogSubject  string        `mapstructure:"catalog_subject"`
	MaxReconnect    int           `mapstructure:"max_reconnect"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	Timeout         time.Duration `mapstructure:"timeout"`
	JetStreamDomain string        `mapstructure:"jetstream_domain"`
}

// ClickHouseConfig holds the telemetry sink's ClickHouse connection configuration.
type ClickHouseConfig struct {
	Addr         string        `mapstructure:"addr"`
	Database     string        `mapstructure:"database"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	ResolveTable string        `mapstructure:"resolve_table"`
	AssignTable  string        `mapstructure:"assign_table"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Structured bool   `mapstructure:"structured"`
}

// ResolverConfig holds the flag-resolution engine's own tunables: the token
// sealing key, checkpoint cadence for the telemetry aggregators, and request
// shaping limits.
type ResolverConfig struct {
	// TokenEncryptionKeyHex is a 32-character hex-encoded AES-128 key used to
	// seal resolve tokens. Empty means the zero key, which token.NewCipher
	// only accepts when RequireNonZeroKey is false.
	TokenEncryptionKeyHex string        `mapstructure:"token_encryption_key_hex"`
	RequireNonZeroKey     bool          `mapstructure:"require_non_zero_key"`
	ResolveCheckpoint     time.Duration `mapstructure:"resolve_checkpoint_interval"`
	AssignCheckpoint      time.Duration `mapstructure:"assign_checkpoint_interval"`
	AssignBatchLimit      int           `mapstructure:"assign_batch_limit"`
	CatalogCacheTTL       time.Duration `mapstructure:"catalog_cache_ttl"`
	CatalogRefreshJitter  time.Duration `mapstructure:"catalog_refresh_jitter"`
	ControlPlaneBaseURL   string        `mapstructure:"control_plane_url"`
}

// ControlPlaneURL returns the base URL the catalog syncer polls for
// full-catalog refreshes.
func (c *ResolverConfig) ControlPlaneURL() string {
	if c.ControlPlaneBaseURL == "" {
		return "http://localhost:8081"
	}
	return c.ControlPlaneBaseURL
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/resolver")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Workaround: manually set config values Viper found but unmarshaling
	// didn't populate, the way the teacher's config loader does for its own
	// handful of stubborn keys.
	if config.Resolver.TokenEncryptionKeyHex == "" && v.GetString("resolver.token_encryption_key_hex") != "" {
		config.Resolver.TokenEncryptionKeyHex = v.GetString("resolver.token_encryption_key_hex")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.environment", "development")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.catalog_subject", "resolver.catalog.updates")
	v.SetDefault("nats.max_reconnect", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "resolver")
	v.SetDefault("clickhouse.resolve_table", "resolve_info")
	v.SetDefault("clickhouse.assign_table", "flag_assigned")
	v.SetDefault("clickhouse.dial_timeout", "5s")

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.metrics.port", 9090)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.sample_rate", 0.1)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output", "stdout")
	v.SetDefault("observability.logging.structured", true)

	v.SetDefault("resolver.require_non_zero_key", true)
	v.SetDefault("resolver.resolve_checkpoint_interval", "10s")
	v.SetDefault("resolver.assign_checkpoint_interval", "10s")
	v.SetDefault("resolver.assign_batch_limit", 1000)
	v.SetDefault("resolver.catalog_cache_ttl", "5m")
	v.SetDefault("resolver.catalog_refresh_jitter", "15s")
	v.SetDefault("resolver.control_plane_url", "http://localhost:8081")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.Resolver.RequireNonZeroKey {
		key, err := c.TokenEncryptionKey()
		if err != nil {
			return fmt.Errorf("token encryption key: %w", err)
		}
		zero := true
		for _, b := range key {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			return fmt.Errorf("token encryption key must be non-zero (or set resolver.require_non_zero_key=false for tests)")
		}
	}

	return nil
}

// TokenEncryptionKey decodes the configured hex key into the fixed-size array
// token.NewCipher expects. An empty key hex decodes to the zero key.
func (c *Config) TokenEncryptionKey() ([16]byte, error) {
	var key [16]byte
	if c.Resolver.TokenEncryptionKeyHex == "" {
		return key, nil
	}
	decoded, err := hex.DecodeString(c.Resolver.TokenEncryptionKeyHex)
	if err != nil {
		return key, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("expected %d bytes, got %d", len(key), len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// GetRedisAddr returns the Redis address.
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsDevelopment returns true if running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

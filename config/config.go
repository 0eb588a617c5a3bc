package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Rail        RailConfig        `mapstructure:"rail"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Evidence    EvidenceConfig    `mapstructure:"evidence"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	OpenAPIPath     string        `mapstructure:"openapi_path"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres
}

type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	DBName            string        `mapstructure:"dbname"`
	SSLMode           string        `mapstructure:"sslmode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	LockLease time.Duration `mapstructure:"lock_lease"`
	LockPoll  time.Duration `mapstructure:"lock_poll"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type RailConfig struct {
	HMACSecret string `mapstructure:"hmac_secret"`
}

type ObjectStoreConfig struct {
	BaseURL    string        `mapstructure:"base_url"` // empty = evidence metadata is trusted as submitted
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type EngineConfig struct {
	ConflictRetries   uint64        `mapstructure:"conflict_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	ReferenceCacheTTL time.Duration `mapstructure:"reference_cache_ttl"`
	AuditBuffer       int           `mapstructure:"audit_buffer"`
}

type RiskConfig struct {
	HighValueThresholdMinor int64         `mapstructure:"high_value_threshold_minor"`
	VelocityWindow          time.Duration `mapstructure:"velocity_window"`
	VelocityCountLimit      int64         `mapstructure:"velocity_count_limit"`
}

type EvidenceConfig struct {
	MaxSizeBytes int64 `mapstructure:"max_size_bytes"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0 = only via POST /scheduler/sweep
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: ESC_.
// Nested keys use underscore: ESC_STORAGE_DRIVER, ESC_JWT_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: ESC_DATABASE_HOST -> database.host
	v.SetEnvPrefix("ESC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.openapi_path", "docs/api/openapi.yaml")

	v.SetDefault("storage.driver", DriverMemory)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "escrow_engine")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_lease", "30s")
	v.SetDefault("redis.lock_poll", "10ms")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "8h")
	v.SetDefault("jwt.issuer", "escrow-engine")

	v.SetDefault("rail.hmac_secret", "")

	v.SetDefault("objectstore.base_url", "")
	v.SetDefault("objectstore.timeout", "5s")
	v.SetDefault("objectstore.max_retries", 3)
	v.SetDefault("objectstore.retry_delay", "100ms")

	v.SetDefault("engine.conflict_retries", 5)
	v.SetDefault("engine.retry_base_delay", "5ms")
	v.SetDefault("engine.lock_timeout", "5s")
	v.SetDefault("engine.reference_cache_ttl", "24h")
	v.SetDefault("engine.audit_buffer", 1024)

	v.SetDefault("risk.high_value_threshold_minor", 1000000)
	v.SetDefault("risk.velocity_window", "1h")
	v.SetDefault("risk.velocity_count_limit", 20)

	v.SetDefault("evidence.max_size_bytes", 25<<20)

	v.SetDefault("scheduler.sweep_interval", "0s")
	v.SetDefault("scheduler.sweep_batch", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects combinations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("engine.lock_timeout must be positive")
	}
	if c.Risk.HighValueThresholdMinor < 0 {
		return fmt.Errorf("risk.high_value_threshold_minor must not be negative")
	}
	return nil
}

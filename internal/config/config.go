package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Routing   RoutingConfig   `yaml:"routing"`
	Quota     QuotaConfig     `yaml:"quota"`
	Policy    PolicyConfig    `yaml:"policy"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// StorageConfig selects the backend for the token and health tables.
type StorageConfig struct {
	Backend         string         `yaml:"backend"` // file, redis or postgres
	TokensFile      string         `yaml:"tokens_file"`
	HealthFile      string         `yaml:"health_file"`
	WatchFiles      bool           `yaml:"watch_files"`
	RefreshInterval time.Duration  `yaml:"refresh_interval"`
	Redis           RedisConfig    `yaml:"redis"`
	Database        DatabaseConfig `yaml:"database"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

type RoutingConfig struct {
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	DirectFallback      bool          `yaml:"direct_fallback"`
	HealthTTL           time.Duration `yaml:"health_ttl"`
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
	ReportHealth        bool          `yaml:"report_health"`
}

// QuotaConfig holds the per-tier daily request ceilings.
type QuotaConfig struct {
	StandardDailyLimit int `yaml:"standard_daily_limit"`
	PremiumDailyLimit  int `yaml:"premium_daily_limit"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3000,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:         "file",
			TokensFile:      "data/api-keys.json",
			HealthFile:      "data/provider-status.json",
			WatchFiles:      true,
			RefreshInterval: time.Minute,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "relay:",
			},
			Database: DatabaseConfig{
				Host:            "localhost",
				Port:            5432,
				Name:            "relay",
				User:            "relay",
				MaxOpenConns:    10,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Routing: RoutingConfig{
			DefaultTimeout: 60 * time.Second,
			HealthTTL:      5 * time.Minute,
		},
		Quota: QuotaConfig{
			StandardDailyLimit: 10,
			PremiumDailyLimit:  15,
		},
		Policy: PolicyConfig{
			EvaluationTimeout: 100 * time.Millisecond,
		},
	}
}

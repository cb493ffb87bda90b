// Package config loads the gridd configuration: a YAML file overlaid with
// GRIDD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GRIDD_DB_TYPE.
const EnvPrefix = "GRIDD"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	DB           store.DBConfig     `yaml:"db" split_words:"true"`
	Daemon       DaemonConfig       `yaml:"daemon" split_words:"true"`
	Feeder       FeederConfig       `yaml:"feeder" split_words:"true"`
	Lease        LeaseConfig        `yaml:"lease" split_words:"true"`
	Transitioner TransitionerConfig `yaml:"transitioner" split_words:"true"`
	Validator    ValidatorConfig    `yaml:"validator" split_words:"true"`
	Assimilator  AssimilatorConfig  `yaml:"assimilator" split_words:"true"`
	Metrics      MetricsConfig      `yaml:"metrics" split_words:"true"`
}

// DaemonConfig is shared by every poll loop.
type DaemonConfig struct {
	SleepInterval time.Duration `yaml:"sleep_interval" split_words:"true"`
	StopFile      string        `yaml:"stop_file" split_words:"true"`
	RereadFile    string        `yaml:"reread_file" split_words:"true"`
	DebugLevel    int           `yaml:"debug_level" split_words:"true"`
	LogFormat     string        `yaml:"log_format" split_words:"true"`
}

type FeederConfig struct {
	CacheSize      int           `yaml:"cache_size" split_words:"true"`
	EnumLimit      int           `yaml:"enum_limit" split_words:"true"`
	PurgeStaleAge  time.Duration `yaml:"purge_stale_age" split_words:"true"`
	Interleave     bool          `yaml:"interleave" split_words:"true"`
	HRInfoFile     string        `yaml:"hr_info_file" split_words:"true"`
	CheckpointFile string        `yaml:"checkpoint_file" split_words:"true"`
	ListenAddr     string        `yaml:"listen_addr" split_words:"true"`
}

// LeaseConfig selects where dispatcher leases live.
type LeaseConfig struct {
	Backend       string        `yaml:"backend" split_words:"true"` // "memory" or "redis"
	TTL           time.Duration `yaml:"ttl" split_words:"true"`
	RedisURL      string        `yaml:"redis_url" split_words:"true"`
	RedisPassword string        `yaml:"redis_password" split_words:"true"`
	Prefix        string        `yaml:"prefix" split_words:"true"`
}

type TransitionerConfig struct {
	BatchSize int `yaml:"batch_size" split_words:"true"`
}

type ValidatorConfig struct {
	App           string  `yaml:"app" split_words:"true"`
	Comparator    string  `yaml:"comparator" split_words:"true"`
	BatchSize     int     `yaml:"batch_size" split_words:"true"`
	MaxJobsPerDay int     `yaml:"max_jobs_per_day" split_words:"true"`
	CreditCeiling float64 `yaml:"credit_ceiling" split_words:"true"`
}

type AssimilatorConfig struct {
	App       string `yaml:"app" split_words:"true"`
	Handler   string `yaml:"handler" split_words:"true"`
	BatchSize int    `yaml:"batch_size" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
	Port    int  `yaml:"port" split_words:"true"`
}

// Default returns a configuration that runs everything against a local
// sqlite file.
func Default() Config {
	return Config{
		DB: store.DBConfig{Type: "sqlite", Name: "gridwork.db"},
		Daemon: DaemonConfig{
			SleepInterval: 5 * time.Second,
			StopFile:      "stop_daemons",
			RereadFile:    "reread_db",
			DebugLevel:    2,
			LogFormat:     "text",
		},
		Feeder: FeederConfig{
			CacheSize:  100,
			EnumLimit:  200,
			ListenAddr: "127.0.0.1:50051",
		},
		Lease: LeaseConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		Transitioner: TransitionerConfig{BatchSize: 500},
		Validator: ValidatorConfig{
			Comparator:    "hash",
			BatchSize:     500,
			MaxJobsPerDay: 100,
		},
		Assimilator: AssimilatorConfig{Handler: "log", BatchSize: 500},
		Metrics:     MetricsConfig{Port: 9090},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is only an error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.DB.Type {
	case "sqlite":
		if c.DB.Name == "" {
			return fmt.Errorf("%w: db.name is required for sqlite", ErrInvalid)
		}
	case "pgsql":
		if c.DB.Hostname == "" {
			return fmt.Errorf("%w: db.hostname is required for pgsql", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: db.type %q (want sqlite or pgsql)", ErrInvalid, c.DB.Type)
	}
	if c.Daemon.SleepInterval <= 0 {
		return fmt.Errorf("%w: daemon.sleep_interval must be positive", ErrInvalid)
	}
	if c.Daemon.DebugLevel < 1 || c.Daemon.DebugLevel > 4 {
		return fmt.Errorf("%w: daemon.debug_level %d (want 1-4)", ErrInvalid, c.Daemon.DebugLevel)
	}
	if c.Feeder.CacheSize <= 0 {
		return fmt.Errorf("%w: feeder.cache_size must be positive", ErrInvalid)
	}
	if c.Feeder.EnumLimit <= 0 {
		return fmt.Errorf("%w: feeder.enum_limit must be positive", ErrInvalid)
	}
	switch c.Lease.Backend {
	case "memory":
	case "redis":
		if c.Lease.RedisURL == "" {
			return fmt.Errorf("%w: lease.redis_url is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: lease.backend %q (want memory or redis)", ErrInvalid, c.Lease.Backend)
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("%w: lease.ttl must be positive", ErrInvalid)
	}
	if c.Validator.MaxJobsPerDay < 1 {
		return fmt.Errorf("%w: validator.max_jobs_per_day must be at least 1", ErrInvalid)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port %d", ErrInvalid, c.Metrics.Port)
	}
	return nil
}

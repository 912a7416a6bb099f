package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	FanoutLocal = "local"
	FanoutRedis = "redis"
)

// Config for the code block coordinator. Values come from defaults, then an
// optional YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port            string        `yaml:"port"`
	StoreBackend    string        `yaml:"store_backend"`
	RedisAddr       string        `yaml:"redis_addr"`
	MongoURI        string        `yaml:"mongo_uri"`
	MongoDB         string        `yaml:"mongo_db"`
	DatabaseDSN     string        `yaml:"database_dsn"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	Fanout          string        `yaml:"fanout"`
	ResetOnStart    bool          `yaml:"reset_on_start"`
	JanitorSchedule string        `yaml:"janitor_schedule"`
	LogLevel        string        `yaml:"log_level"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

func Default() *Config {
	return &Config{
		Port:           "8080",
		StoreBackend:   BackendRedis,
		RedisAddr:      "redis:6379",
		MongoDB:        "code_blocks_db",
		DatabaseDSN:    "codeblocks.db",
		StoreTimeout:   3 * time.Second,
		Fanout:         FanoutLocal,
		ResetOnStart:   true,
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
	}
}

// LoadConfig reads the configuration and validates it.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.StoreBackend = strings.ToLower(getEnvOrDefault("STORE_BACKEND", c.StoreBackend))
	c.RedisAddr = getEnvOrDefault("REDIS_ADDR", c.RedisAddr)
	c.MongoURI = getEnvOrDefault("MONGO_URI", c.MongoURI)
	c.MongoDB = getEnvOrDefault("MONGO_DB", c.MongoDB)
	c.DatabaseDSN = getEnvOrDefault("DATABASE_DSN", c.DatabaseDSN)
	c.Fanout = strings.ToLower(getEnvOrDefault("FANOUT", c.Fanout))
	c.JanitorSchedule = getEnvOrDefault("JANITOR_SCHEDULE", c.JanitorSchedule)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("STORE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STORE_TIMEOUT %q: %w", v, err)
		}
		c.StoreTimeout = d
	}
	if v := os.Getenv("RESET_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RESET_ON_START %q: %w", v, err)
		}
		c.ResetOnStart = b
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	return nil
}

func validateConfig(c *Config) error {
	var errs []error
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo backend"))
		}
	case BackendPostgres, BackendSQLite:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for the "+c.StoreBackend+" backend"))
		}
	default:
		errs = append(errs, errors.New("unsupported store backend: "+c.StoreBackend+". Currently supported: redis, mongo, postgres, sqlite"))
	}

	switch c.Fanout {
	case FanoutLocal:
	case FanoutRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for redis fanout"))
		}
	default:
		errs = append(errs, errors.New("unsupported fanout: "+c.Fanout))
	}

	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.JanitorSchedule != "" {
		if c.Fanout != FanoutLocal {
			// liveness is only known for local connections
			errs = append(errs, errors.New("JANITOR_SCHEDULE requires FANOUT=local"))
		}
		if _, err := cron.ParseStandard(c.JanitorSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid JANITOR_SCHEDULE: %w", err))
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

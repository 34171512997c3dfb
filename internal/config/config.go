package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Backend struct {
		Driver string `yaml:"driver"`
	} `yaml:"backend"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Catalog struct {
		// Source is "bundle" or "postgres"; postgres falls back to the bundle.
		Source string `yaml:"source"`
		TTL    string `yaml:"ttl"`
	} `yaml:"catalog"`
	Game struct {
		DebounceWindow        string `yaml:"debounce_window"`
		NavigationDelay       string `yaml:"navigation_delay"`
		RoundBudget           string `yaml:"round_budget"`
		ScoreCheckInterval    string `yaml:"score_check_interval"`
		DurationCheckInterval string `yaml:"duration_check_interval"`
	} `yaml:"game"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads YAML config from path. ${VAR} references are expanded from the
// environment, which LoadDotEnv may have populated.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = DriverMemory
	}
	switch cfg.Backend.Driver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		return cfg, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}
	if cfg.Backend.Driver == DriverRedis && cfg.Redis.Addr == "" {
		return cfg, fmt.Errorf("backend driver redis needs redis.addr")
	}
	if cfg.Backend.Driver == DriverPostgres && cfg.Postgres.URL == "" {
		return cfg, fmt.Errorf("backend driver postgres needs postgres.url")
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

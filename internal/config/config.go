package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// EvaluationConfig bounds the evaluate-session pipeline. Zero values take
// the defaults applied in Load.
type EvaluationConfig struct {
	RateLimitAttempts      int    `yaml:"rate_limit_attempts"`
	RateLimitWindowSeconds int    `yaml:"rate_limit_window_seconds"`
	LLMTimeoutMS           int    `yaml:"llm_timeout_ms"`
	LLMModel               string `yaml:"llm_model"`
}

// TailscaleConfig controls the optional tsnet listener. When disabled the
// server binds a plain TCP listener.
type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
}

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// Load reads config from a YAML file, then applies environment variable overrides.
// Env vars use the prefix SQUATCOACH_ and underscore-separated paths:
//
//	SQUATCOACH_SERVER_HOST, SQUATCOACH_SERVER_PORT,
//	SQUATCOACH_DB_HOST, SQUATCOACH_DB_PORT, SQUATCOACH_DB_NAME,
//	SQUATCOACH_DB_USER, SQUATCOACH_DB_PASSWORD, SQUATCOACH_DB_SSLMODE,
//	SQUATCOACH_AUTH_API_KEY, SQUATCOACH_EVAL_RATE_LIMIT_ATTEMPTS,
//	SQUATCOACH_EVAL_RATE_LIMIT_WINDOW_SECONDS, SQUATCOACH_EVAL_LLM_TIMEOUT_MS,
//	SQUATCOACH_EVAL_LLM_MODEL, SQUATCOACH_TS_HOSTNAME, SQUATCOACH_TS_STATE_DIR
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQUATCOACH_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SQUATCOACH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SQUATCOACH_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("SQUATCOACH_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("SQUATCOACH_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("SQUATCOACH_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("SQUATCOACH_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SQUATCOACH_DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("SQUATCOACH_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("SQUATCOACH_EVAL_RATE_LIMIT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Evaluation.RateLimitAttempts = n
		}
	}
	if v := os.Getenv("SQUATCOACH_EVAL_RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Evaluation.RateLimitWindowSeconds = n
		}
	}
	if v := os.Getenv("SQUATCOACH_EVAL_LLM_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Evaluation.LLMTimeoutMS = n
		}
	}
	if v := os.Getenv("SQUATCOACH_EVAL_LLM_MODEL"); v != "" {
		cfg.Evaluation.LLMModel = v
	}
	if v := os.Getenv("SQUATCOACH_TS_HOSTNAME"); v != "" {
		cfg.Tailscale.Hostname = v
	}
	if v := os.Getenv("SQUATCOACH_TS_STATE_DIR"); v != "" {
		cfg.Tailscale.StateDir = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Evaluation.RateLimitAttempts == 0 {
		cfg.Evaluation.RateLimitAttempts = 3
	}
	if cfg.Evaluation.RateLimitWindowSeconds == 0 {
		cfg.Evaluation.RateLimitWindowSeconds = 60
	}
	if cfg.Evaluation.LLMTimeoutMS == 0 {
		cfg.Evaluation.LLMTimeoutMS = 5000
	}
	if cfg.Evaluation.LLMModel == "" {
		cfg.Evaluation.LLMModel = "gpt-4o-mini"
	}
	if cfg.Tailscale.Hostname == "" {
		cfg.Tailscale.Hostname = "squatcoach"
	}
}

func (c *Config) validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if c.Evaluation.RateLimitAttempts < 1 {
		return fmt.Errorf("evaluation.rate_limit_attempts must be positive")
	}
	if c.Evaluation.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("evaluation.rate_limit_window_seconds must be positive")
	}
	return nil
}

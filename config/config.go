package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the stranger-chat server.
type Config struct {
	// Service settings
	AppName         string        `env:"APP_NAME" envDefault:"stranger-chat"`
	Port            int           `env:"PORT" envDefault:"3001"`
	CORSOrigin      string        `env:"CORS_ORIGIN" envDefault:"*"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// Block list persistence; empty keeps blocks in memory only
	DataPath string `env:"DATA_PATH"`

	// Portal relays to register with; empty serves locally only
	Relays []string `env:"RELAY" envSeparator:","`

	// Matchmaking
	MatchMinScore        int           `env:"MATCH_MIN_SCORE" envDefault:"5"`
	MatchStarvationAfter time.Duration `env:"MATCH_STARVATION_AFTER" envDefault:"10s"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.Relays = cleanList(cfg.Relays)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. Load calls it; callers that override fields
// afterwards should call it again.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.MatchMinScore < 1 {
		errs = append(errs, fmt.Errorf("MATCH_MIN_SCORE must be at least 1, got %d", c.MatchMinScore))
	}
	if c.MatchStarvationAfter <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_STARVATION_AFTER must be positive, got %s", c.MatchStarvationAfter))
	}
	if strings.TrimSpace(c.AppName) == "" {
		errs = append(errs, errors.New("APP_NAME is required"))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP server address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoadEnvFiles loads each existing path into the process environment,
// overriding variables already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// SplitList splits a comma separated flag value the same way RELAY is parsed.
func SplitList(s string) []string {
	return cleanList(strings.Split(s, ","))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

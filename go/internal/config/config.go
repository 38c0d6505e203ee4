// Package config loads the client's settings: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/symbolduel/go/internal/dbconfig"
	"github.com/mcdev12/symbolduel/go/internal/directory/natsrelay"
	"github.com/mcdev12/symbolduel/go/internal/gateway"
	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/session"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RelayKind selects the directory service implementation.
type RelayKind string

const (
	RelayNATS   RelayKind = "nats"
	RelayMemory RelayKind = "memory"
)

var ErrUnknownRelay = errors.New("unknown relay kind")

type Config struct {
	LogLevel string    `yaml:"log_level" env:"LOG_LEVEL"`
	Addr     string    `yaml:"addr" env:"GATEWAY_ADDR"`
	Relay    RelayKind `yaml:"relay" env:"RELAY"`

	NATS     natsrelay.Config     `yaml:"nats"`
	Session  session.Config       `yaml:"session"`
	Gateway  gateway.Config       `yaml:"gateway"`
	Database dbconfig.Config      `yaml:"database"`
	Outbox   history.OutboxConfig `yaml:"outbox"`
}

// Default returns settings for a local development setup.
func Default() Config {
	return Config{
		LogLevel: "info",
		Addr:     ":8080",
		Relay:    RelayNATS,
		NATS:     natsrelay.DefaultConfig(),
		Session:  session.DefaultConfig(),
		Gateway:  gateway.DefaultConfig(),
		Database: dbconfig.Default(),
		Outbox:   history.DefaultOutboxConfig(),
	}
}

// Load reads path (skipped when empty) over the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	c.Relay = RelayKind(strings.ToLower(string(c.Relay)))
	switch c.Relay {
	case RelayNATS, RelayMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRelay, c.Relay)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Session.RoundLength <= 0 {
		return errors.New("session.round_length must be positive")
	}
	if c.Session.ResolveGrace < 0 || c.Session.ResolveGrace >= c.Session.RoundLength {
		return errors.New("session.resolve_grace must be between zero and the round length")
	}
	if c.Outbox.Enabled && !c.Database.Enabled {
		return errors.New("outbox requires database.enabled")
	}
	if c.Session.Matchmaking.MaxPlayers < 2 {
		return errors.New("session.matchmaking.max_players must be at least 2")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

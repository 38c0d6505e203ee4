package main

import (
	"github.com/mcdev12/symbolduel/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loadConfig reads the config and applies its log level.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)

	log.Info().
		Str("config", path).
		Str("relay", string(cfg.Relay)).
		Str("addr", cfg.Addr).
		Bool("history_db", cfg.Database.Enabled).
		Msg("configuration loaded")
	return cfg, nil
}

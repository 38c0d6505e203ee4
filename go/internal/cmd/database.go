package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/config"
	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// setupHistory returns the Postgres recorder when a database is configured
// and an in-process one otherwise. The outbox worker is nil unless enabled.
func setupHistory(ctx context.Context, cfg *config.Config) (history.Recorder, *history.OutboxWorker, func(), error) {
	if !cfg.Database.Enabled {
		log.Info().Msg("no database configured, keeping round history in memory")
		return history.NewMemoryRecorder(), nil, func() {}, nil
	}

	rec, err := history.NewPostgresRecorder(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up round history: %w", err)
	}
	log.Info().
		Str("user", cfg.Database.User).
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("database", cfg.Database.Database).
		Msg("connected to database")

	if !cfg.Outbox.Enabled {
		return rec, nil, func() {}, nil
	}

	var (
		pub     history.Publisher = history.LogPublisher{}
		cleanup                   = func() {}
	)
	if cfg.Relay == config.RelayNATS {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("symbolduel-outbox"), nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			rec.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect outbox to NATS: %w", err)
		}
		jsPub, err := history.NewJetStreamPublisher(ctx, nc, cfg.Outbox)
		if err != nil {
			nc.Close()
			rec.Close()
			return nil, nil, nil, err
		}
		pub = jsPub
		cleanup = nc.Close
	}

	worker := rec.Outbox(pub, cfg.Outbox, clockwork.NewRealClock())
	return rec, worker, cleanup, nil
}

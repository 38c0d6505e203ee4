package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/symbolduel/go/internal/config"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/directory/memrelay"
	"github.com/mcdev12/symbolduel/go/internal/directory/natsrelay"
	"github.com/mcdev12/symbolduel/go/internal/gateway"
	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/session"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Session  *session.App
	Gateway  *gateway.Service
	Recorder history.Recorder
	Outbox   *history.OutboxWorker

	// Opponent is the in-process practice opponent of the memory relay.
	Opponent *session.App

	closers []func() error
}

// setupServices wires relay → session → gateway.
func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	recorder, outbox, cleanup, err := setupHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Services{Recorder: recorder, Outbox: outbox}
	s.closers = append(s.closers,
		func() error { recorder.Close(); return nil },
		func() error { cleanup(); return nil },
	)

	var svc directory.Service
	switch cfg.Relay {
	case config.RelayMemory:
		relay := memrelay.NewRelay()
		local := memrelay.NewClient(relay)
		peer := memrelay.NewClient(relay)
		s.closers = append(s.closers,
			func() error { local.Close(); return nil },
			func() error { peer.Close(); return nil },
		)
		s.Opponent = session.New(cfg.Session, session.Deps{Service: peer})
		svc = local
	case config.RelayNATS:
		relay := natsrelay.New(cfg.NATS)
		s.closers = append(s.closers, relay.Close)
		svc = relay
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownRelay, cfg.Relay)
	}

	s.Gateway = gateway.NewService(cfg.Gateway)
	s.Session = session.New(cfg.Session, session.Deps{
		Service:  svc,
		Spawner:  s.Gateway.Presenter(),
		Recorder: recorder,
	})
	s.Gateway.Attach(s.Session)
	return s, nil
}

// Close releases the relay connections and the recorder.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Warn().Errs("errors", errs).Msg("shutdown finished with errors")
	}
	return errors.Join(errs...)
}

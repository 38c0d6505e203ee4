package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/config"
	"github.com/mcdev12/symbolduel/go/internal/gateway"
	"github.com/mcdev12/symbolduel/go/internal/matchmaking"
	"github.com/mcdev12/symbolduel/go/internal/session"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	shutdownTimeout     = 5 * time.Second
	practiceJoinTimeout = 5 * time.Second
)

func setupServer(addr string, gw *gateway.Service) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	gw.RegisterRoutes(mux)
	setupHealthCheck(mux)

	handler := c.Handler(mux)
	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// play runs the session, the gateway and the HTTP server until interrupted.
func play(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	go func() {
		if err := services.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway failed")
		}
	}()
	go func() {
		if err := services.Session.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session failed")
		}
	}()

	if outbox := services.Outbox; outbox != nil {
		go func() {
			if err := outbox.Run(ctx); err != nil {
				log.Error().Err(err).Msg("outbox worker failed")
			}
		}()
	}

	if opp := services.Opponent; opp != nil {
		go func() {
			if err := opp.Run(ctx); err != nil {
				log.Error().Err(err).Msg("practice opponent failed")
			}
		}()
		if err := opp.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect practice opponent: %w", err)
		}
		// the opponent hosts, so it must own a room before we look for one
		if err := waitInRoom(ctx, opp, practiceJoinTimeout); err != nil {
			return err
		}
	}

	if err := services.Session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	server := setupServer(cfg.Addr, services.Gateway)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := services.Session.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to leave directory service")
	}
	if opp := services.Opponent; opp != nil {
		if err := opp.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to stop practice opponent")
		}
	}
	return server.Shutdown(shutdownCtx)
}

func waitInRoom(ctx context.Context, app *session.App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for app.Coordinator().State() != matchmaking.StateInRoom {
		select {
		case <-ctx.Done():
			return fmt.Errorf("practice opponent did not open a room: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

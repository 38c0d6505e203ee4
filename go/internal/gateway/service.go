// Package gateway exposes a running session to presentation clients: state
// and input travel over a websocket, and a small HTTP API serves snapshots.
package gateway

import (
	"context"
	"net/http"

	"github.com/mcdev12/symbolduel/go/internal/session"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the gateway.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
}

func DefaultConfig() Config {
	return Config{Connection: DefaultConnectionConfig()}
}

// Service bundles the connection manager, the presenter and the handlers.
type Service struct {
	connectionManager *ConnectionManager
	presenter         *Presenter
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
}

// NewService creates a gateway. Pass Presenter() as the session's Spawner,
// then call Attach once the session exists.
func NewService(config Config) *Service {
	cm := NewConnectionManager(config.Connection)
	presenter := NewPresenter(cm)
	return &Service{
		connectionManager: cm,
		presenter:         presenter,
		wsHandler:         NewWebSocketHandler(cm),
		stateHandler:      NewStateHandler(presenter),
	}
}

func (s *Service) Presenter() *Presenter { return s.presenter }

// Attach binds the gateway to app.
func (s *Service) Attach(app *session.App) {
	s.presenter.Attach(app)
}

// Start runs the broadcast loop until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the websocket and state routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// GetStats returns statistics about the gateway service.
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// CommandHandler executes commands received from presentation clients.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) error
}

// ConnectionManager fans session events out to every attached presentation
// client and forwards their commands to a CommandHandler.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan *Envelope

	handlerMu sync.RWMutex
	handler   CommandHandler
	ctx       context.Context
}

// Connection is one websocket client.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	pingMu   sync.Mutex
	lastPing time.Time
}

// ConnectionConfig holds websocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration              `yaml:"write_timeout" env:"GATEWAY_WRITE_TIMEOUT"`
	ReadTimeout     time.Duration              `yaml:"read_timeout" env:"GATEWAY_READ_TIMEOUT"`
	PingInterval    time.Duration              `yaml:"ping_interval" env:"GATEWAY_PING_INTERVAL"`
	MaxMessageSize  int64                      `yaml:"max_message_size" env:"GATEWAY_MAX_MESSAGE_SIZE"`
	ReadBufferSize  int                        `yaml:"read_buffer_size" env:"GATEWAY_READ_BUFFER_SIZE"`
	WriteBufferSize int                        `yaml:"write_buffer_size" env:"GATEWAY_WRITE_BUFFER_SIZE"`
	CheckOrigin     func(r *http.Request) bool `yaml:"-"`
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.CheckOrigin == nil {
		config.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan *Envelope, 1000),
		ctx:         context.Background(),
	}
}

// SetHandler installs the receiver of client commands.
func (cm *ConnectionManager) SetHandler(h CommandHandler) {
	cm.handlerMu.Lock()
	defer cm.handlerMu.Unlock()
	cm.handler = h
}

// Start processes broadcasts until ctx is done, then closes every connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.handlerMu.Lock()
	cm.ctx = ctx
	cm.handlerMu.Unlock()

	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case env := <-cm.broadcastCh:
			cm.handleBroadcast(env)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket client.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: now,
		lastPing:    now,
	}
	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote", r.RemoteAddr).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.connections[conn]; !ok {
		return
	}
	delete(cm.connections, conn)
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Dur("connected_for", time.Since(conn.ConnectedAt)).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		cm.unregisterConnection(c)
	}
}

// Broadcast queues env for every connection. A full queue drops the event.
func (cm *ConnectionManager) Broadcast(env *Envelope) {
	select {
	case cm.broadcastCh <- env:
	default:
		log.Warn().Str("event_type", string(env.Type)).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(env *Envelope) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		conn.enqueue(data)
	}

	log.Debug().
		Str("event_type", string(env.Type)).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// ConnectionStats summarizes attached clients.
type ConnectionStats struct {
	TotalConnections int      `json:"total_connections"`
	ConnectionIDs    []string `json:"connection_ids"`
	QueuedBroadcasts int      `json:"queued_broadcasts"`
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections: len(cm.connections),
		ConnectionIDs:    make([]string, 0, len(cm.connections)),
		QueuedBroadcasts: len(cm.broadcastCh),
	}
	for c := range cm.connections {
		stats.ConnectionIDs = append(stats.ConnectionIDs, c.ID)
	}
	return stats
}

func (cm *ConnectionManager) dispatch(cmd Command) error {
	cm.handlerMu.RLock()
	h, ctx := cm.handler, cm.ctx
	cm.handlerMu.RUnlock()
	if h == nil {
		return fmt.Errorf("no command handler for %s", cmd.Type)
	}
	return h.HandleCommand(ctx, cmd)
}

// enqueue hands data to the write pump. A slow client is disconnected.
func (c *Connection) enqueue(data []byte) {
	c.Manager.mu.RLock()
	_, live := c.Manager.connections[c]
	if live {
		select {
		case c.Send <- data:
			c.Manager.mu.RUnlock()
			return
		default:
		}
	}
	c.Manager.mu.RUnlock()
	if !live {
		return
	}

	log.Warn().
		Str("connection_id", c.ID).
		Msg("connection send buffer full, closing connection")
	c.Manager.unregisterConnection(c)
	c.Conn.Close()
}

// LastPing returns when the client last answered a ping.
func (c *Connection) LastPing() time.Time {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.lastPing
}

func (c *Connection) touch() {
	c.pingMu.Lock()
	c.lastPing = time.Now()
	c.pingMu.Unlock()
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage runs a client command and reports failures back to
// the same client only.
func (c *Connection) handleClientMessage(message []byte) {
	cmd, err := ParseClientMessage(message)
	if err == nil {
		err = c.Manager.dispatch(cmd)
	}
	if err == nil {
		return
	}

	log.Warn().
		Err(err).
		Str("connection_id", c.ID).
		RawJSON("message", safeJSON(message)).
		Msg("client command rejected")

	env, mErr := NewEnvelope(EventTypeError, ErrorPayload{Message: err.Error()})
	if mErr != nil {
		return
	}
	data, mErr := json.Marshal(env)
	if mErr != nil {
		return
	}
	c.enqueue(data)
}

func safeJSON(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

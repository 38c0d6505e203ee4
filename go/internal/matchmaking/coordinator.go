// Package matchmaking pairs two clients into a room through the directory
// service and elects which of them is Host.
//
// The coordinator never has more than one join or create request in flight.
// Every request carries the value of a monotonically increasing attempt
// counter; answers echoing any other value are stale and dropped.
package matchmaking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTransition = errors.New("invalid matchmaking transition")
	ErrNotInRoom         = errors.New("not in a room")
)

// Config tunes the coordinator.
type Config struct {
	MaxPlayers       int           `yaml:"max_players" env:"MATCH_MAX_PLAYERS"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial" env:"MATCH_RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" env:"MATCH_RECONNECT_MAX"`
	// ScoreKeys seeds the room properties of every created room with zero.
	ScoreKeys []string `yaml:"-"`
}

// DefaultConfig returns the settings used by the game.
func DefaultConfig() Config {
	return Config{
		MaxPlayers:       directory.MaxPlayersPerRoom,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		ScoreKeys:        []string{models.SlotHost.ScoreKey(), models.SlotGuest.ScoreKey()},
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the real clock used for reconnect delays.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithRoomIDs replaces the generator of fresh room identifiers.
func WithRoomIDs(next func() string) Option {
	return func(c *Coordinator) { c.newRoomID = next }
}

// Coordinator drives the connect, join and create state machine.
type Coordinator struct {
	svc       directory.Service
	cfg       Config
	clock     clockwork.Clock
	newRoomID func() string
	backoff   *backoff.ExponentialBackOff

	mu          sync.Mutex
	state       State
	role        models.SessionRole
	roomID      string
	visible     bool
	remembered  string // non-public room left on pause
	attempt     uint64
	outstanding bool
	wantOnline  bool
	resuming    bool
	cancelRetry context.CancelFunc
	subs        []func(Transition)

	dispatchMu sync.Mutex
}

// NewCoordinator returns a coordinator in StateDisconnected.
func NewCoordinator(svc directory.Service, cfg Config, opts ...Option) *Coordinator {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectInitial
	b.MaxInterval = cfg.ReconnectMax

	c := &Coordinator{
		svc:       svc,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		newRoomID: uuid.NewString,
		backoff:   b,
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for every future transition. Callbacks run in
// transition order on the goroutine that caused the change and must not call
// back into the coordinator synchronously.
func (c *Coordinator) Subscribe(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, Role: c.role, RoomID: c.roomID, Attempt: c.attempt, Outstanding: c.outstanding}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RememberedRoom returns the non-public room left by the last pause, if any.
func (c *Coordinator) RememberedRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remembered
}

// Connect starts matchmaking from StateDisconnected.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.wantOnline = true
	c.publishLocked(c.setLocked(StateConnecting))

	if err := c.svc.Connect(ctx); err != nil {
		c.connectionLost(err)
		return err
	}
	return nil
}

// Pause leaves the current room. A non-public room is remembered.
func (c *Coordinator) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInRoom {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	if !c.visible {
		c.remembered = c.roomID
	}
	roomID := c.roomID
	t := c.setLocked(StatePaused)
	c.roomID = ""
	c.publishLocked(t)

	log.Info().Str("room_id", roomID).Msg("pausing session, leaving room")
	if err := c.svc.LeaveRoom(ctx); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to leave room")
	}
	return nil
}

// Resume goes back to looking for a room. If the relay connection was lost
// while paused it reconnects first.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	state, resuming := c.state, c.resuming
	c.mu.Unlock()

	switch {
	case state == StatePaused:
		return c.joinRandom(ctx)
	case state == StateDisconnected && resuming:
		return c.Connect(ctx)
	}
	return ErrInvalidTransition
}

// Close cancels any scheduled reconnect and stops automatic reconnection.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantOnline = false
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
}

// HandleEvent applies one directory callback.
func (c *Coordinator) HandleEvent(ctx context.Context, ev directory.Event) {
	switch e := ev.(type) {
	case directory.ConnectedAck:
		c.onConnected(ctx, e)
	case directory.ConnectFailed:
		c.connectionLost(e.Err)
	case directory.Disconnected:
		c.connectionLost(e.Err)
	case directory.JoinSucceeded:
		c.onJoined(e)
	case directory.JoinFailed:
		c.onJoinFailed(ctx, e)
	case directory.RoomCreated:
		c.onCreated(e)
	case directory.CreateFailed:
		c.onCreateFailed(ctx, e)
	}
}

func (c *Coordinator) onConnected(ctx context.Context, e directory.ConnectedAck) {
	c.mu.Lock()
	if state := c.state; state != StateConnecting {
		c.mu.Unlock()
		log.Debug().Str("state", state.String()).Msg("ignoring connect ack")
		return
	}
	c.backoff.Reset()
	c.publishLocked(c.setLocked(StateInLobby))

	log.Info().Str("participant", string(e.Participant)).Msg("connected to directory")
	if err := c.svc.JoinLobby(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to join lobby")
	}
	if err := c.joinRandom(ctx); err != nil {
		log.Debug().Err(err).Msg("random join not issued")
	}
}

// joinRandom moves InLobby or Paused to JoiningRandom and issues the request.
func (c *Coordinator) joinRandom(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInLobby && c.state != StatePaused {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	attempt := c.beginLocked()
	c.publishLocked(c.setLocked(StateJoiningRandom))
	return c.requestJoin(ctx, attempt)
}

// retryJoin reissues a random join that could not be sent.
func (c *Coordinator) retryJoin(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateJoiningRandom || c.outstanding {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	attempt := c.beginLocked()
	c.mu.Unlock()
	return c.requestJoin(ctx, attempt)
}

func (c *Coordinator) requestJoin(ctx context.Context, attempt uint64) error {
	log.Debug().Uint64("attempt", attempt).Msg("joining random room")
	if err := c.svc.JoinRandomRoom(ctx, attempt); err != nil {
		c.requestFailed(StateJoiningRandom, attempt, err, c.retryJoin)
		return err
	}
	return nil
}

func (c *Coordinator) onJoined(e directory.JoinSucceeded) {
	c.mu.Lock()
	if !c.currentLocked(StateJoiningRandom, e.Attempt) {
		c.mu.Unlock()
		logStale("join succeeded", e.Attempt)
		return
	}
	c.outstanding = false
	c.backoff.Reset()
	c.role = models.RoleGuest
	c.roomID = e.RoomID
	c.visible = e.Visible
	c.remembered = ""
	c.resuming = false
	c.publishLocked(c.setLocked(StateInRoom))

	log.Info().Str("room_id", e.RoomID).Uint64("attempt", e.Attempt).Msg("joined room as guest")
}

func (c *Coordinator) onJoinFailed(ctx context.Context, e directory.JoinFailed) {
	c.mu.Lock()
	if !c.currentLocked(StateJoiningRandom, e.Attempt) {
		c.mu.Unlock()
		logStale("join failed", e.Attempt)
		return
	}
	c.outstanding = false
	c.publishLocked(c.setLocked(StateCreatingRoom))

	log.Debug().Err(e.Err).Uint64("attempt", e.Attempt).Msg("no room to join, creating one")
	_ = c.createRoom(ctx)
}

// createRoom issues a create request with a fresh room identifier. It is also
// the retry of a request that could not be sent.
func (c *Coordinator) createRoom(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreatingRoom || c.outstanding {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	attempt := c.beginLocked()
	opts := directory.RoomOptions{
		ID:          c.newRoomID(),
		Visible:     true,
		MaxPlayers:  c.cfg.MaxPlayers,
		CustomProps: make(map[string][]byte, len(c.cfg.ScoreKeys)),
	}
	for _, key := range c.cfg.ScoreKeys {
		opts.CustomProps[key] = []byte("0")
	}
	c.mu.Unlock()

	log.Debug().Str("room_id", opts.ID).Uint64("attempt", attempt).Msg("creating room")
	if err := c.svc.CreateRoom(ctx, attempt, opts); err != nil {
		c.requestFailed(StateCreatingRoom, attempt, err, c.createRoom)
		return err
	}
	return nil
}

func (c *Coordinator) onCreated(e directory.RoomCreated) {
	c.mu.Lock()
	if !c.currentLocked(StateCreatingRoom, e.Attempt) {
		c.mu.Unlock()
		logStale("room created", e.Attempt)
		return
	}
	c.outstanding = false
	c.backoff.Reset()
	c.role = models.RoleHost
	c.roomID = e.RoomID
	c.visible = e.Visible
	c.remembered = ""
	c.resuming = false
	c.publishLocked(c.setLocked(StateInRoom))

	log.Info().Str("room_id", e.RoomID).Uint64("attempt", e.Attempt).Msg("created room as host")
}

func (c *Coordinator) onCreateFailed(ctx context.Context, e directory.CreateFailed) {
	c.mu.Lock()
	if !c.currentLocked(StateCreatingRoom, e.Attempt) {
		c.mu.Unlock()
		logStale("create failed", e.Attempt)
		return
	}
	c.outstanding = false
	c.mu.Unlock()

	log.Debug().Err(e.Err).Str("room_id", e.RoomID).Uint64("attempt", e.Attempt).Msg("room creation failed, retrying with a new identifier")
	_ = c.createRoom(ctx)
}

// connectionLost returns to StateDisconnected and schedules a reconnect when
// the session still wants to be online.
func (c *Coordinator) connectionLost(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.state == StatePaused {
		c.resuming = true
	}
	c.outstanding = false
	c.attempt++ // invalidates any answer still in flight
	c.roomID = ""
	t := c.setLocked(StateDisconnected)
	retry := c.wantOnline && !c.resuming
	var delay time.Duration
	if retry {
		delay = c.backoff.NextBackOff()
		c.scheduleLocked(delay, c.Connect)
	}
	c.publishLocked(t)

	ev := log.Warn().Err(err)
	if retry {
		ev = ev.Dur("retry_in", delay)
	}
	ev.Msg("lost directory connection")
}

// requestFailed handles a join or create request the service refused to
// take. Unless an answer or a disconnect got there first, the request is
// reissued with a new attempt number after a backoff delay.
func (c *Coordinator) requestFailed(want State, attempt uint64, err error, retry func(context.Context) error) {
	c.mu.Lock()
	if !c.currentLocked(want, attempt) {
		c.mu.Unlock()
		return
	}
	c.outstanding = false
	if !c.wantOnline {
		c.mu.Unlock()
		log.Debug().Err(err).Uint64("attempt", attempt).Msg("matchmaking request not sent after close")
		return
	}
	delay := c.backoff.NextBackOff()
	c.scheduleLocked(delay, retry)
	c.mu.Unlock()

	log.Warn().
		Err(err).
		Str("state", want.String()).
		Uint64("attempt", attempt).
		Dur("retry_in", delay).
		Msg("matchmaking request not sent")
}

// scheduleLocked runs fn after delay unless another schedule or Close
// replaces it first.
func (c *Coordinator) scheduleLocked(delay time.Duration, fn func(context.Context) error) {
	if c.cancelRetry != nil {
		c.cancelRetry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRetry = cancel
	timer := c.clock.NewTimer(delay)
	go func() {
		select {
		case <-timer.Chan():
			if err := fn(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
				log.Debug().Err(err).Msg("scheduled matchmaking request failed")
			}
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

// beginLocked reserves the next attempt number for a new request.
func (c *Coordinator) beginLocked() uint64 {
	c.attempt++
	c.outstanding = true
	return c.attempt
}

func (c *Coordinator) currentLocked(want State, attempt uint64) bool {
	return c.state == want && c.outstanding && attempt == c.attempt
}

func (c *Coordinator) setLocked(to State) Transition {
	t := Transition{From: c.state, To: to, Attempt: c.attempt}
	c.state = to
	if to == StateInRoom {
		t.Role = c.role
		t.RoomID = c.roomID
	}
	return t
}

// publishLocked hands t to subscribers. It releases c.mu only after taking
// dispatchMu so subscribers see transitions in the order they happened.
func (c *Coordinator) publishLocked(t Transition) {
	subs := append([]func(Transition){}, c.subs...)
	c.dispatchMu.Lock()
	c.mu.Unlock()
	defer c.dispatchMu.Unlock()
	log.Debug().Str("from", t.From.String()).Str("state", t.To.String()).Msg("matchmaking transition")
	for _, fn := range subs {
		fn(t)
	}
}

func logStale(what string, attempt uint64) {
	log.Debug().Uint64("attempt", attempt).Msgf("discarding stale %s callback", what)
}

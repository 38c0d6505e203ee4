// Package session is the composition root of one client: it builds the
// matchmaking coordinator, presence broadcaster, round engine, score
// replication and the input station, and wires them to the directory service.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/matchmaking"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/mcdev12/symbolduel/go/internal/presence"
	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/mcdev12/symbolduel/go/internal/score"
	"github.com/mcdev12/symbolduel/go/internal/station"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotHost        = errors.New("only the host starts rounds")
	ErrPeerMissing    = errors.New("waiting for the other participant")
	ErrAlreadyRunning = errors.New("app is already running")
)

// startRound is the payload of EventStartRound.
type startRound struct {
	Seed  uint64 `json:"seed"`
	Round int    `json:"round"`
}

// Deps are the collaborators of an App. Only Service is required.
type Deps struct {
	Service  directory.Service
	Clock    clockwork.Clock
	Spawner  presence.Spawner
	Recorder history.Recorder
	// Seeds draws the seed of each round on the Host.
	Seeds func() (uint64, error)
	// RoomIDs overrides the generator of room identifiers.
	RoomIDs func() string
}

// App is one client's session.
type App struct {
	cfg      Config
	svc      directory.Service
	clock    clockwork.Clock
	recorder history.Recorder
	seeds    func() (uint64, error)

	coord      *matchmaking.Coordinator
	presence   *presence.Broadcaster
	engine     *round.Engine
	replicator *score.Replicator
	poller     *score.Poller
	station    *station.Controller

	mu          sync.Mutex
	running     bool
	ctx         context.Context
	role        models.SessionRole
	roomID      string
	inRoom      bool
	roundNo     int
	seed        uint64
	startedAt   time.Time
	headCount   int
	peerScore   int
	peerSeen    bool
	roundEndsAt time.Time
	cancelClock context.CancelFunc
	results     []func(history.Record)
	lastResult  *history.Record
}

// New wires a session. Nothing touches the network until Run and Connect.
func New(cfg Config, deps Deps) *App {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	spawner := deps.Spawner
	if spawner == nil {
		spawner = nopSpawner{}
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	seeds := deps.Seeds
	if seeds == nil {
		seeds = round.NewSeed
	}

	opts := []matchmaking.Option{matchmaking.WithClock(clock)}
	if deps.RoomIDs != nil {
		opts = append(opts, matchmaking.WithRoomIDs(deps.RoomIDs))
	}

	a := &App{
		cfg:        cfg,
		svc:        deps.Service,
		clock:      clock,
		recorder:   recorder,
		seeds:      seeds,
		coord:      matchmaking.NewCoordinator(deps.Service, cfg.Matchmaking, opts...),
		presence:   presence.NewBroadcaster(deps.Service, spawner),
		engine:     round.NewEngine(cfg.Round, clock),
		replicator: score.NewReplicator(deps.Service),
		poller:     score.NewPoller(deps.Service, clock, cfg.PollInterval),
		ctx:        context.Background(),
	}
	a.station = station.NewController(a.engine, clock, cfg.FeedbackPulse)

	a.coord.Subscribe(a.onMatchmaking)
	a.presence.OnBothPresent(a.onBothPresent)
	a.poller.OnChange(a.onPeerScore)
	a.engine.AddListener(a.replicator)
	a.engine.AddListener(a.station)
	a.engine.AddListener(roundClock{a: a})
	return a
}

func (a *App) Coordinator() *matchmaking.Coordinator { return a.coord }
func (a *App) Presence() *presence.Broadcaster       { return a.presence }
func (a *App) Engine() *round.Engine                 { return a.engine }
func (a *App) Station() *station.Controller          { return a.station }
func (a *App) Poller() *score.Poller                 { return a.poller }
func (a *App) Recorder() history.Recorder            { return a.recorder }

// LocalID is this client's identity on the directory service.
func (a *App) LocalID() models.ParticipantID { return a.svc.LocalID() }

// PeerScore returns the peer's score as kept for the current round and whether
// any value was read.
func (a *App) PeerScore() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerScore, a.peerSeen
}

// OnResult registers fn for every resolved round.
func (a *App) OnResult(fn func(history.Record)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, fn)
}

// LastResult returns the most recent round record, if any.
func (a *App) LastResult() (history.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastResult == nil {
		return history.Record{}, false
	}
	return *a.lastResult, true
}

// Run consumes directory events and drives the background workers until ctx
// is done.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	go a.replicator.Run(ctx)
	go a.poller.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			a.engine.Stop()
			a.coord.Close()
			return nil
		case ev := <-a.svc.Events():
			a.handle(ctx, ev)
		}
	}
}

func (a *App) handle(ctx context.Context, ev directory.Event) {
	a.coord.HandleEvent(ctx, ev)

	switch e := ev.(type) {
	case directory.EventReceived:
		switch e.Code {
		case directory.EventInstantiateAvatar:
			a.presence.HandleEvent(e)
		case directory.EventStartRound:
			a.onStartRound(e)
		default:
			log.Debug().Uint8("code", uint8(e.Code)).Msg("ignoring unknown room event")
		}
	case directory.ParticipantCountChanged:
		a.onCountChanged(e)
	}
}

// Connect starts matchmaking.
func (a *App) Connect(ctx context.Context) error {
	return a.coord.Connect(ctx)
}

// Pause stops the round immediately and leaves the room.
func (a *App) Pause(ctx context.Context) error {
	a.engine.Stop()
	return a.coord.Pause(ctx)
}

// Resume looks for a room again.
func (a *App) Resume(ctx context.Context) error {
	return a.coord.Resume(ctx)
}

// Close leaves the directory service.
func (a *App) Close(ctx context.Context) error {
	a.coord.Close()
	a.engine.Stop()
	if err := a.svc.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (a *App) onMatchmaking(t matchmaking.Transition) {
	switch {
	case t.To == matchmaking.StateInRoom:
		a.enterRoom(t.Role, t.RoomID)
	case t.From == matchmaking.StateInRoom:
		a.leaveRoom()
	}
}

func (a *App) enterRoom(role models.SessionRole, roomID string) {
	a.mu.Lock()
	a.role = role
	a.roomID = roomID
	a.inRoom = true
	a.headCount = 0
	ctx := a.ctx
	a.mu.Unlock()

	slot := role.Slot()
	a.replicator.Bind(slot)
	a.poller.Watch(slot.Other())
	a.station.Bind(slot)
	if err := a.presence.EnterRoom(ctx, role, roomID); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to announce presence")
	}
}

func (a *App) leaveRoom() {
	a.mu.Lock()
	roomID := a.roomID
	a.inRoom = false
	a.roomID = ""
	a.headCount = 0
	a.mu.Unlock()

	a.engine.Stop()
	a.presence.Reset()
	a.replicator.Unbind()
	a.poller.Stop()
	a.station.Unbind()
	log.Info().Str("room_id", roomID).Msg("left room")
}

func (a *App) onBothPresent(roomID string) {
	if err := a.StartRound(a.context()); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to start round")
	}
}

// StartRound broadcasts a fresh seed to both participants. Only the Host may
// call it, and only while both seats are filled.
func (a *App) StartRound(ctx context.Context) error {
	a.mu.Lock()
	role, inRoom := a.role, a.inRoom
	n := a.roundNo + 1
	a.mu.Unlock()

	if !inRoom || role != models.RoleHost {
		return ErrNotHost
	}
	if len(a.presence.Seats()) < models.SlotCount {
		return ErrPeerMissing
	}
	seed, err := a.seeds()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(startRound{Seed: seed, Round: n})
	if err != nil {
		return fmt.Errorf("encode start round: %w", err)
	}
	log.Info().Int("round", n).Uint64("seed", seed).Msg("starting round")
	return a.svc.RaiseEvent(ctx, directory.EventStartRound, payload)
}

func (a *App) onStartRound(e directory.EventReceived) {
	var msg startRound
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		log.Warn().Err(err).Str("participant", string(e.Sender)).Msg("dropping malformed start round event")
		return
	}
	a.mu.Lock()
	if !a.inRoom {
		a.mu.Unlock()
		return
	}
	a.seed = msg.Seed
	a.startedAt = a.clock.Now()
	a.roundNo = max(a.roundNo, msg.Round)
	a.mu.Unlock()

	if err := a.engine.Start(msg.Seed); err != nil {
		log.Debug().Err(err).Int("round", msg.Round).Msg("ignoring start round")
	}
}

// onCountChanged stops the round when the peer leaves and frees its seat for
// the next participant to join.
func (a *App) onCountChanged(e directory.ParticipantCountChanged) {
	a.mu.Lock()
	dropped := e.Count < a.headCount
	a.headCount = e.Count
	a.mu.Unlock()
	if e.Count >= models.SlotCount {
		return
	}
	if a.engine.State() != round.StateIdle {
		log.Info().Str("room_id", e.RoomID).Int("count", e.Count).Msg("peer left, stopping round")
		a.engine.Stop()
	}
	if dropped {
		a.presence.PeerLeft()
	}
}

// onPeerScore keeps the peer's score for the running round. The peer resets
// its score to zero when its own round clock fires, which can be polled just
// before ours does; such a drop near the end of the round is not taken.
func (a *App) onPeerScore(_ models.Slot, score int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ending := !a.roundEndsAt.IsZero() && !a.clock.Now().Before(a.roundEndsAt.Add(-a.cfg.ResolveGrace))
	if score == 0 && a.peerScore > 0 && ending {
		log.Debug().Int("peer_score", a.peerScore).Msg("keeping peer score over its end of round reset")
		return
	}
	a.peerScore = score
	a.peerSeen = true
}

// armRoundClock schedules Elapsed after RoundLength. It runs from an engine
// listener, so the engine is only called from the timer goroutine.
func (a *App) armRoundClock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelClock != nil {
		a.cancelClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelClock = cancel
	a.roundEndsAt = a.clock.Now().Add(a.cfg.RoundLength)
	a.peerScore, a.peerSeen = a.poller.Latest()
	timer := a.clock.NewTimer(a.cfg.RoundLength)
	go func() {
		select {
		case <-timer.Chan():
			if _, err := a.engine.Elapsed(); err != nil {
				log.Debug().Err(err).Msg("round clock fired outside an active round")
			}
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

func (a *App) disarmRoundClock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelClock != nil {
		a.cancelClock()
		a.cancelClock = nil
	}
}

func (a *App) resolve(t round.Transition) {
	a.mu.Lock()
	role := a.role
	rec := history.Record{
		RoomID:      a.roomID,
		Participant: a.svc.LocalID(),
		Role:        role,
		Aborted:     t.Aborted,
		Seed:        a.seed,
		StartedAt:   a.startedAt,
		EndedAt:     a.clock.Now(),
		PeerScore:   a.peerScore,
		PeerSeen:    a.peerSeen,
	}
	a.roundEndsAt = time.Time{}
	a.mu.Unlock()

	rec.LocalScore = t.Scores[role.Slot()]
	rec.Result = models.DecideResult(rec.LocalScore, rec.PeerScore)

	a.mu.Lock()
	a.lastResult = &rec
	fns := append([]func(history.Record){}, a.results...)
	ctx := a.ctx
	a.mu.Unlock()

	log.Info().
		Str("room_id", rec.RoomID).
		Str("result", string(rec.Result)).
		Int("local_score", rec.LocalScore).
		Int("peer_score", rec.PeerScore).
		Bool("aborted", rec.Aborted).
		Msg("round finished")

	for _, fn := range fns {
		fn(rec)
	}
	go func() {
		if err := a.recorder.Record(ctx, rec); err != nil {
			log.Warn().Err(err).Str("room_id", rec.RoomID).Msg("failed to record round result")
		}
	}()

	if a.cfg.AutoRestart && !t.Aborted && role == models.RoleHost {
		go func() {
			if err := a.StartRound(ctx); err != nil {
				log.Debug().Err(err).Msg("not restarting round")
			}
		}()
	}
}

func (a *App) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// roundClock owns the presentation-side round timer and the result.
type roundClock struct {
	round.NopListener
	a *App
}

func (r roundClock) OnTransition(t round.Transition) {
	switch t.To {
	case round.StateActive:
		r.a.armRoundClock()
	case round.StateResolving:
		r.a.disarmRoundClock()
		r.a.resolve(t)
	}
}

type nopSpawner struct{}

func (nopSpawner) Spawn(models.ParticipantSlot) presence.Representation { return nopRepresentation{} }

type nopRepresentation struct{}

func (nopRepresentation) Destroy() {}

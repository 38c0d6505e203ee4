package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/matchmaking"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/mcdev12/symbolduel/go/internal/presence"
	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/mcdev12/symbolduel/go/internal/session"
	"github.com/mcdev12/symbolduel/go/internal/station"
	"github.com/rs/zerolog/log"
)

var ErrNotAttached = errors.New("presenter is not attached to a session")

// Presenter turns session activity into envelopes and client commands into
// session calls. It is also the presence Spawner: a participant's
// representation is a pair of ParticipantEntered/ParticipantLeft events.
type Presenter struct {
	cm *ConnectionManager

	mu  sync.RWMutex
	app *session.App
}

// NewPresenter creates a presenter broadcasting through cm.
func NewPresenter(cm *ConnectionManager) *Presenter {
	p := &Presenter{cm: cm}
	cm.SetHandler(p)
	return p
}

// Attach subscribes to every observable part of app.
func (p *Presenter) Attach(app *session.App) {
	p.mu.Lock()
	p.app = app
	p.mu.Unlock()

	app.Coordinator().Subscribe(p.onMatchmaking)
	app.Engine().AddListener(p)
	app.Poller().OnChange(p.onPeerScore)
	app.Station().OnFeedback(p.onFeedback)
	app.OnResult(p.onResult)
}

func (p *Presenter) session() (*session.App, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.app == nil {
		return nil, ErrNotAttached
	}
	return p.app, nil
}

// HandleCommand runs a client command against the attached session.
func (p *Presenter) HandleCommand(ctx context.Context, cmd Command) error {
	app, err := p.session()
	if err != nil {
		return err
	}

	switch cmd.Type {
	case CommandChooseColor:
		app.Station().ChooseColor(cmd.Color)
	case CommandChooseSymbol:
		app.Station().ChooseSymbol(cmd.Symbol)
	case CommandSubmit:
		out, ok, err := app.Station().Submit()
		if err != nil {
			return err
		}
		if ok {
			log.Debug().
				Int("slot", int(out.Slot)).
				Bool("match", out.Match).
				Int("score", out.Score).
				Msg("submission adjudicated")
		}
	case CommandStartRound:
		return app.StartRound(ctx)
	case CommandPause:
		return app.Pause(ctx)
	case CommandResume:
		return app.Resume(ctx)
	default:
		return ErrUnknownCommand
	}
	return nil
}

func (p *Presenter) send(t EventType, payload any) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build envelope")
		return
	}
	p.cm.Broadcast(env)
}

func (p *Presenter) onMatchmaking(t matchmaking.Transition) {
	p.send(EventTypeMatchmaking, MatchmakingPayload{
		From:   t.From.String(),
		State:  t.To.String(),
		Role:   string(t.Role),
		RoomID: t.RoomID,
	})
}

// Spawn announces a participant. Destroy announces its departure.
func (p *Presenter) Spawn(ps models.ParticipantSlot) presence.Representation {
	payload := ParticipantPayload{
		Originator: string(ps.Originator),
		Slot:       int(ps.Slot),
		Role:       string(ps.Role),
		ViewID:     ps.ViewID,
		Local:      ps.Local,
	}
	p.send(EventTypeParticipantEntered, payload)
	return &participantView{p: p, payload: payload}
}

type participantView struct {
	p       *Presenter
	payload ParticipantPayload
	once    sync.Once
}

func (v *participantView) Destroy() {
	v.once.Do(func() {
		v.p.send(EventTypeParticipantLeft, v.payload)
	})
}

func (p *Presenter) OnTransition(t round.Transition) {
	p.send(EventTypeRoundState, RoundStatePayload{
		From:    t.From.String(),
		State:   t.To.String(),
		Scores:  t.Scores[:],
		Aborted: t.Aborted,
	})
}

func (p *Presenter) OnScoreChanged(slot models.Slot, score, streak int) {
	p.send(EventTypeLocalScore, ScorePayload{Slot: int(slot), Score: score, Streak: streak})
}

func (p *Presenter) OnTargetChanged(target models.Target) {
	p.send(EventTypeTarget, TargetPayload{Symbol: target.Symbol.String(), Color: target.Color.String()})
}

func (p *Presenter) OnCue(cue round.Cue) {
	p.send(EventTypeCountdown, CountdownPayload{Cue: cue.String()})
}

func (p *Presenter) onPeerScore(slot models.Slot, score int) {
	p.send(EventTypePeerScore, ScorePayload{Slot: int(slot), Score: score})
}

func (p *Presenter) onFeedback(fb station.Feedback) {
	p.send(EventTypeFeedback, FeedbackPayload{Slot: int(fb.Slot), Kind: fb.Kind.String(), On: fb.On})
}

func (p *Presenter) onResult(rec history.Record) {
	p.send(EventTypeRoundResult, ResultPayload(rec))
}

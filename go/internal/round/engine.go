// Package round runs the round lifecycle of one client: the countdown, the
// live target, adjudication of submissions and the per-seat scores.
//
// Each client runs its own engine. Both engines are started with the same seed
// so they walk the same target sequence without replicating the target.
package round

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotIdle       = errors.New("round already running")
	ErrNotActive     = errors.New("round is not active")
	ErrInvalidSlot   = errors.New("invalid participant slot")
	ErrUnknownPolicy = errors.New("unknown streak policy")
)

// Engine is the round state machine. It holds no round-length timer: the
// presentation layer calls Elapsed when the round is over.
type Engine struct {
	cfg   Config
	clock clockwork.Clock

	mu        sync.Mutex
	state     State
	gen       *Generator
	seed      uint64
	target    models.Target
	hasTarget bool
	scores    [models.SlotCount]int
	streaks   [models.SlotCount]int
	startedAt time.Time
	cancel    context.CancelFunc // token of the current state's timers
	listeners []Listener

	dispatchMu sync.Mutex
}

// NewEngine returns an idle engine. A nil clock means the real clock.
func NewEngine(cfg Config, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{cfg: cfg, clock: clock, state: StateIdle}
}

// AddListener registers l for all future notifications.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start moves Idle to Countdown and schedules the cue sequence.
func (e *Engine) Start(seed uint64) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrNotIdle
	}
	e.gen = NewGenerator(seed)
	e.seed = seed
	e.startedAt = e.clock.Now()
	notes := e.setStateLocked(StateCountdown, false)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	notes = append(notes, cueNote(CueReady))
	e.scheduleCueLocked(ctx, 1)
	log.Info().Uint64("seed", seed).Msg("round countdown started")
	e.dispatchLocked(notes)
	return nil
}

// scheduleCueLocked arms the timer for cueSequence[i]. The step is dropped if
// ctx was cancelled by a state exit in the meantime.
func (e *Engine) scheduleCueLocked(ctx context.Context, i int) {
	timer := e.clock.NewTimer(e.cfg.Beat)
	go func() {
		select {
		case <-timer.Chan():
			e.fireCue(ctx, i)
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

func (e *Engine) fireCue(ctx context.Context, i int) {
	e.mu.Lock()
	if ctx.Err() != nil || e.state != StateCountdown {
		e.mu.Unlock()
		return
	}
	cue := cueSequence[i]
	notes := []note{cueNote(cue)}
	if cue != CueGo {
		e.scheduleCueLocked(ctx, i+1)
		e.dispatchLocked(notes)
		return
	}

	e.cancelTimersLocked()
	notes = append(notes, e.setStateLocked(StateActive, false)...)
	e.target = e.gen.Next()
	e.hasTarget = true
	notes = append(notes, targetNote(e.target))
	log.Info().Str("target", e.target.String()).Msg("round active")
	e.dispatchLocked(notes)
}

// Adjudicate scores a submission against the live target. An incomplete
// submission is an ordinary mismatch.
func (e *Engine) Adjudicate(sub models.Submission) (Outcome, error) {
	if !sub.Participant.Valid() {
		return Outcome{}, ErrInvalidSlot
	}

	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return Outcome{}, ErrNotActive
	}

	slot := sub.Participant
	sc := e.cfg.Scoring
	out := Outcome{Slot: slot, Match: sub.Matches(e.target)}
	before := e.scores[slot]
	var notes []note

	if out.Match {
		e.streaks[slot]++
		e.scores[slot] += sc.MatchPoints
		if e.bonusDueLocked(slot) {
			out.Bonus = true
			e.scores[slot] += sc.StreakBonus
			if sc.StreakPolicy == StreakBonusReset {
				e.streaks[slot] = 0
			}
		}
		e.target = e.gen.Next()
		notes = append(notes, scoreNote(slot, e.scores[slot], e.streaks[slot]), targetNote(e.target))
	} else {
		e.streaks[slot] = 0
		e.scores[slot] = max(0, e.scores[slot]-sc.MismatchPenalty)
		notes = append(notes, scoreNote(slot, e.scores[slot], e.streaks[slot]))
	}

	out.Score = e.scores[slot]
	out.Streak = e.streaks[slot]
	out.Delta = out.Score - before

	log.Debug().
		Int("slot", int(slot)).
		Bool("match", out.Match).
		Bool("bonus", out.Bonus).
		Int("score", out.Score).
		Int("streak", out.Streak).
		Msg("submission adjudicated")
	e.dispatchLocked(notes)
	return out, nil
}

func (e *Engine) bonusDueLocked(slot models.Slot) bool {
	sc := e.cfg.Scoring
	if sc.StreakThreshold <= 0 {
		return false
	}
	streak := e.streaks[slot]
	if sc.StreakPolicy == StreakBonusRepeat {
		return streak%sc.StreakThreshold == 0
	}
	return streak == sc.StreakThreshold
}

// Elapsed ends an active round: Active to Resolving to Idle. It returns the
// final transition into Resolving.
func (e *Engine) Elapsed() (Transition, error) {
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return Transition{}, ErrNotActive
	}
	t, notes := e.resolveLocked(false)
	e.dispatchLocked(notes)
	return t, nil
}

// Stop forces the engine back to Idle. A running round is resolved as
// aborted; a countdown is abandoned. Stopping an idle engine does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	var notes []note
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return
	case StateCountdown:
		e.cancelTimersLocked()
		notes = e.setStateLocked(StateIdle, true)
		e.resetLocked()
	default:
		_, notes = e.resolveLocked(true)
	}
	log.Info().Msg("round stopped")
	e.dispatchLocked(notes)
}

func (e *Engine) resolveLocked(aborted bool) (Transition, []note) {
	e.cancelTimersLocked()
	notes := e.setStateLocked(StateResolving, aborted)
	resolving := *notes[0].transition
	for slot := range models.SlotCount {
		if e.scores[slot] != 0 || e.streaks[slot] != 0 {
			notes = append(notes, scoreNote(models.Slot(slot), 0, 0))
		}
	}
	e.resetLocked()
	notes = append(notes, e.setStateLocked(StateIdle, aborted)...)
	log.Info().
		Int("host_score", resolving.Scores[models.SlotHost]).
		Int("guest_score", resolving.Scores[models.SlotGuest]).
		Bool("aborted", aborted).
		Msg("round resolved")
	return resolving, notes
}

func (e *Engine) resetLocked() {
	e.hasTarget = false
	e.target = models.Target{}
	e.scores = [models.SlotCount]int{}
	e.streaks = [models.SlotCount]int{}
	e.gen = nil
	e.startedAt = time.Time{}
}

func (e *Engine) cancelTimersLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *Engine) setStateLocked(to State, aborted bool) []note {
	t := Transition{From: e.state, To: to, Scores: e.scores, Streaks: e.streaks, Aborted: aborted}
	e.state = to
	return []note{{transition: &t}}
}

// dispatchLocked hands notes to listeners in order. It releases e.mu only after
// taking dispatchMu so notifications keep the order of the mutations.
func (e *Engine) dispatchLocked(notes []note) {
	listeners := append([]Listener{}, e.listeners...)
	e.dispatchMu.Lock()
	e.mu.Unlock()
	defer e.dispatchMu.Unlock()

	for _, n := range notes {
		for _, l := range listeners {
			n.deliver(l)
		}
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Target returns the live target, if any.
func (e *Engine) Target() (models.Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target, e.hasTarget
}

func (e *Engine) Score(slot models.Slot) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slot.Valid() {
		return 0
	}
	return e.scores[slot]
}

func (e *Engine) Streak(slot models.Slot) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slot.Valid() {
		return 0
	}
	return e.streaks[slot]
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:     e.state,
		Target:    e.target,
		HasTarget: e.hasTarget,
		Scores:    e.scores,
		Streaks:   e.streaks,
		Seed:      e.seed,
		StartedAt: e.startedAt,
	}
}

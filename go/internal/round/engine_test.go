package round

import (
	"context"
	mrand "math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu          sync.Mutex
	transitions []Transition
	cues        []Cue
	targets     []models.Target
	scores      []scoreChange
}

func (r *recordingListener) OnTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordingListener) OnScoreChanged(slot models.Slot, score, streak int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, scoreChange{slot: slot, score: score, streak: streak})
}

func (r *recordingListener) OnTargetChanged(t models.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
}

func (r *recordingListener) OnCue(c Cue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cues = append(r.cues, c)
}

func (r *recordingListener) cueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cues)
}

func (r *recordingListener) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []State{}
	for i, t := range r.transitions {
		if i == 0 {
			out = append(out, t.From)
		}
		out = append(out, t.To)
	}
	return out
}

// runCountdown starts e and advances the fake clock through every cue.
func runCountdown(t *testing.T, e *Engine, clock *clockwork.FakeClock, rec *recordingListener, seed uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, e.Start(seed))
	require.Equal(t, StateCountdown, e.State())
	for i := 1; i < len(cueSequence); i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(e.cfg.Beat)
		want := i + 1
		require.Eventually(t, func() bool { return rec.cueCount() >= want }, 2*time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return e.State() == StateActive }, 2*time.Second, time.Millisecond)
}

func newActiveEngine(t *testing.T, cfg Config, seed uint64) (*Engine, *recordingListener) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	e := NewEngine(cfg, clock)
	rec := &recordingListener{}
	e.AddListener(rec)
	runCountdown(t, e, clock, rec, seed)
	return e, rec
}

func matching(t *testing.T, e *Engine, slot models.Slot) models.Submission {
	t.Helper()
	target, ok := e.Target()
	require.True(t, ok)
	return models.Submission{Participant: slot, Symbol: target.Symbol, Color: target.Color}
}

func wrong(t *testing.T, e *Engine, slot models.Slot) models.Submission {
	t.Helper()
	target, ok := e.Target()
	require.True(t, ok)
	color := target.Color%models.ColorCount + 1
	return models.Submission{Participant: slot, Symbol: target.Symbol, Color: color}
}

func TestCountdownSequence(t *testing.T) {
	e, rec := newActiveEngine(t, DefaultConfig(), 42)

	assert.Equal(t, []Cue{CueReady, CueThree, CueTwo, CueOne, CueGo}, rec.cues)
	assert.Equal(t, []State{StateIdle, StateCountdown, StateActive}, rec.path())
	target, ok := e.Target()
	require.True(t, ok)
	assert.True(t, target.Symbol.Valid())
	assert.True(t, target.Color.Valid())
	assert.Equal(t, []models.Target{target}, rec.targets)
}

func TestFiveMatchesScoreEightThousand(t *testing.T) {
	e, _ := newActiveEngine(t, DefaultConfig(), 7)

	var last Outcome
	for i := 0; i < 5; i++ {
		out, err := e.Adjudicate(matching(t, e, models.SlotHost))
		require.NoError(t, err)
		assert.True(t, out.Match)
		assert.Equal(t, i == 4, out.Bonus)
		last = out
	}
	assert.Equal(t, 8000, last.Score)
	assert.Equal(t, 3000+1000, last.Delta)
	assert.Equal(t, 8000, e.Score(models.SlotHost))
	assert.Equal(t, 5, e.Streak(models.SlotHost))
	assert.Equal(t, 0, e.Score(models.SlotGuest))
}

func TestStreakPolicies(t *testing.T) {
	cases := []struct {
		name       string
		policy     StreakPolicy
		wantScore  int
		wantStreak int
	}{
		{name: "once", policy: StreakBonusOnce, wantScore: 10*1000 + 3000, wantStreak: 10},
		{name: "repeat", policy: StreakBonusRepeat, wantScore: 10*1000 + 2*3000, wantStreak: 10},
		{name: "reset", policy: StreakBonusReset, wantScore: 10*1000 + 2*3000, wantStreak: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Scoring.StreakPolicy = tc.policy
			e, _ := newActiveEngine(t, cfg, 99)
			for i := 0; i < 10; i++ {
				_, err := e.Adjudicate(matching(t, e, models.SlotGuest))
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantScore, e.Score(models.SlotGuest))
			assert.Equal(t, tc.wantStreak, e.Streak(models.SlotGuest))
		})
	}
}

func TestMismatchPenaltyIsClamped(t *testing.T) {
	e, _ := newActiveEngine(t, DefaultConfig(), 3)

	_, err := e.Adjudicate(matching(t, e, models.SlotHost))
	require.NoError(t, err)
	_, err = e.Adjudicate(matching(t, e, models.SlotHost))
	require.NoError(t, err)
	_, err = e.Adjudicate(matching(t, e, models.SlotHost))
	require.NoError(t, err)
	require.Equal(t, 3000, e.Score(models.SlotHost))

	before, _ := e.Target()
	out, err := e.Adjudicate(wrong(t, e, models.SlotHost))
	require.NoError(t, err)
	assert.False(t, out.Match)
	assert.Equal(t, -2000, out.Delta)
	assert.Equal(t, 1000, out.Score)
	assert.Equal(t, 0, out.Streak)
	after, _ := e.Target()
	assert.Equal(t, before, after, "a mismatch keeps the target")

	out, err = e.Adjudicate(wrong(t, e, models.SlotHost))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, -1000, out.Delta)
}

func TestIncompleteSubmissionIsMismatch(t *testing.T) {
	e, _ := newActiveEngine(t, DefaultConfig(), 5)
	_, err := e.Adjudicate(matching(t, e, models.SlotHost))
	require.NoError(t, err)

	target, _ := e.Target()
	out, err := e.Adjudicate(models.Submission{Participant: models.SlotHost, Symbol: target.Symbol})
	require.NoError(t, err)
	assert.False(t, out.Match)
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, 0, e.Streak(models.SlotHost))

	out, err = e.Adjudicate(models.Submission{Participant: models.SlotHost})
	require.NoError(t, err)
	assert.False(t, out.Match)
}

func TestAdjudicateWhenNotActive(t *testing.T) {
	e := NewEngine(DefaultConfig(), clockwork.NewFakeClock())

	_, err := e.Adjudicate(models.Submission{Participant: models.SlotGuest, Symbol: models.SymbolUdu, Color: models.ColorRed})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, 0, e.Score(models.SlotGuest))

	_, err = e.Adjudicate(models.Submission{Participant: models.Slot(5)})
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestElapsedResolvesAndResets(t *testing.T) {
	e, rec := newActiveEngine(t, DefaultConfig(), 11)
	_, err := e.Adjudicate(matching(t, e, models.SlotHost))
	require.NoError(t, err)
	_, err = e.Adjudicate(matching(t, e, models.SlotGuest))
	require.NoError(t, err)
	_, err = e.Adjudicate(matching(t, e, models.SlotGuest))
	require.NoError(t, err)

	final, err := e.Elapsed()
	require.NoError(t, err)
	assert.Equal(t, StateResolving, final.To)
	assert.Equal(t, [2]int{1000, 2000}, final.Scores)
	assert.False(t, final.Aborted)

	assert.Equal(t, StateIdle, e.State())
	_, ok := e.Target()
	assert.False(t, ok)
	assert.Equal(t, 0, e.Score(models.SlotHost))
	assert.Equal(t, 0, e.Score(models.SlotGuest))
	assert.Equal(t, 0, e.Streak(models.SlotGuest))
	assert.Equal(t, []State{StateIdle, StateCountdown, StateActive, StateResolving, StateIdle}, rec.path())
	assert.Equal(t, rec.transitions[2], final)

	last := rec.scores[len(rec.scores)-2:]
	assert.Equal(t, []scoreChange{{slot: models.SlotHost}, {slot: models.SlotGuest}}, last)

	_, err = e.Elapsed()
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStopDuringCountdownCancelsCues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	e := NewEngine(DefaultConfig(), clock)
	rec := &recordingListener{}
	e.AddListener(rec)

	require.NoError(t, e.Start(1))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	e.Stop()
	clock.Advance(10 * time.Second)

	assert.Equal(t, StateIdle, e.State())
	assert.Never(t, func() bool { return rec.cueCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Len(t, rec.transitions, 2)
	assert.True(t, rec.transitions[1].Aborted)

	// the engine can be started again afterwards
	again := &recordingListener{}
	e.AddListener(again)
	runCountdown(t, e, clock, again, 2)
	assert.Equal(t, StateActive, e.State())
}

func TestStopWhileActivePassesThroughResolving(t *testing.T) {
	e, rec := newActiveEngine(t, DefaultConfig(), 8)
	_, err := e.Adjudicate(matching(t, e, models.SlotHost))
	require.NoError(t, err)

	e.Stop()
	e.Stop()
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, []State{StateIdle, StateCountdown, StateActive, StateResolving, StateIdle}, rec.path())
	assert.True(t, rec.transitions[2].Aborted)
	assert.Equal(t, 1000, rec.transitions[2].Scores[models.SlotHost])
}

func TestStartWhileRunning(t *testing.T) {
	e, _ := newActiveEngine(t, DefaultConfig(), 1)
	assert.ErrorIs(t, e.Start(2), ErrNotIdle)
}

func TestScoresNeverNegative(t *testing.T) {
	e, _ := newActiveEngine(t, DefaultConfig(), 1234)
	rng := mrand.New(mrand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		slot := models.Slot(rng.IntN(2))
		var sub models.Submission
		switch rng.IntN(3) {
		case 0:
			sub = matching(t, e, slot)
		case 1:
			sub = wrong(t, e, slot)
		default:
			sub = models.Submission{
				Participant: slot,
				Symbol:      models.SymbolType(rng.IntN(models.SymbolCount + 1)),
				Color:       models.Color(rng.IntN(models.ColorCount + 1)),
			}
		}
		before := e.Score(slot)
		out, err := e.Adjudicate(sub)
		require.NoError(t, err)
		require.GreaterOrEqual(t, out.Score, 0)
		if out.Match {
			want := before + 1000
			if out.Streak == 5 {
				want += 3000
			}
			require.Equal(t, want, out.Score)
		} else {
			require.Equal(t, max(0, before-2000), out.Score)
			require.Equal(t, 0, out.Streak)
		}
	}
}

func TestIdenticalSeedsWalkIdenticalTargets(t *testing.T) {
	host, hostRec := newActiveEngine(t, DefaultConfig(), 0xfeed)
	guest, guestRec := newActiveEngine(t, DefaultConfig(), 0xfeed)

	for i := 0; i < 50; i++ {
		// each side only adjudicates its own player's submissions
		_, err := host.Adjudicate(matching(t, host, models.SlotHost))
		require.NoError(t, err)
		_, err = guest.Adjudicate(matching(t, guest, models.SlotGuest))
		require.NoError(t, err)
	}
	assert.Equal(t, hostRec.targets, guestRec.targets)
	assert.Len(t, hostRec.targets, 51)
}

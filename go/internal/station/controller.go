// Package station holds one player's pending symbol and color selection and
// forwards submissions to the round engine.
package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/rs/zerolog/log"
)

// DefaultPulse is how long submission feedback stays lit.
const DefaultPulse = 500 * time.Millisecond

var ErrNotBound = errors.New("station is not bound to a seat")

// Adjudicator is the part of the round engine a station talks to.
type Adjudicator interface {
	Adjudicate(sub models.Submission) (round.Outcome, error)
}

// FeedbackKind tells the player how the last submission went.
type FeedbackKind int

const (
	FeedbackGood FeedbackKind = iota + 1
	FeedbackWrong
)

func (k FeedbackKind) String() string {
	switch k {
	case FeedbackGood:
		return "good"
	case FeedbackWrong:
		return "wrong"
	default:
		return "none"
	}
}

// Feedback switches a feedback light on or off.
type Feedback struct {
	Slot models.Slot
	Kind FeedbackKind
	On   bool
}

// Selection is the currently held, possibly partial, choice.
type Selection struct {
	Symbol models.SymbolType
	Color  models.Color
}

// Controller is one player's input station.
type Controller struct {
	round.NopListener

	engine Adjudicator
	clock  clockwork.Clock
	pulse  time.Duration

	mu          sync.Mutex
	slot        models.Slot
	bound       bool
	active      bool
	sel         Selection
	lit         *Feedback
	cancelPulse context.CancelFunc
	sinks       []func(Feedback)

	emitMu sync.Mutex
}

var _ round.Listener = (*Controller)(nil)

// NewController returns an unbound station. A nil clock means the real clock.
func NewController(engine Adjudicator, clock clockwork.Clock, pulse time.Duration) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	return &Controller{engine: engine, clock: clock, pulse: pulse}
}

// OnFeedback registers fn for feedback light changes.
func (c *Controller) OnFeedback(fn func(Feedback)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, fn)
}

// Bind assigns the seat submissions are made for.
func (c *Controller) Bind(slot models.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = slot
	c.bound = true
	c.sel = Selection{}
}

// Unbind detaches the station from its seat.
func (c *Controller) Unbind() {
	c.mu.Lock()
	off := c.clearLocked()
	c.bound = false
	c.mu.Unlock()
	c.emit(off)
}

// ChooseColor replaces the held color. ColorNone clears it.
func (c *Controller) ChooseColor(color models.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.sel.Color = color
}

// ChooseSymbol replaces the held symbol. SymbolNone clears it.
func (c *Controller) ChooseSymbol(symbol models.SymbolType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.sel.Symbol = symbol
}

// Selection returns the held choice.
func (c *Controller) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// Submit adjudicates the held selection and clears it. It does nothing and
// reports false while the round is not active.
func (c *Controller) Submit() (round.Outcome, bool, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return round.Outcome{}, false, nil
	}
	if !c.bound {
		c.mu.Unlock()
		return round.Outcome{}, false, ErrNotBound
	}
	sub := models.Submission{Participant: c.slot, Symbol: c.sel.Symbol, Color: c.sel.Color}
	c.sel = Selection{}
	c.mu.Unlock()

	out, err := c.engine.Adjudicate(sub)
	if errors.Is(err, round.ErrNotActive) {
		// the round ended between the check and the call
		return round.Outcome{}, false, nil
	}
	if err != nil {
		return round.Outcome{}, false, err
	}

	kind := FeedbackWrong
	if out.Match {
		kind = FeedbackGood
	}
	c.startPulse(kind)
	return out, true, nil
}

func (c *Controller) startPulse(kind FeedbackKind) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if c.cancelPulse != nil {
		c.cancelPulse()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelPulse = cancel
	on := Feedback{Slot: c.slot, Kind: kind, On: true}
	c.lit = &on
	timer := c.clock.NewTimer(c.pulse)
	c.mu.Unlock()

	c.emit([]Feedback{on})
	go func() {
		select {
		case <-timer.Chan():
			c.endPulse(ctx)
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

func (c *Controller) endPulse(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil || c.lit == nil {
		c.mu.Unlock()
		return
	}
	off := *c.lit
	off.On = false
	c.lit = nil
	c.cancelPulse = nil
	c.mu.Unlock()
	c.emit([]Feedback{off})
}

// OnTransition tracks whether the round accepts input. Leaving Active drops
// the held selection and any lit feedback.
func (c *Controller) OnTransition(t round.Transition) {
	c.mu.Lock()
	wasActive := c.active
	c.active = t.To == round.StateActive
	var off []Feedback
	if wasActive && !c.active {
		off = c.clearLocked()
	}
	c.mu.Unlock()
	c.emit(off)
}

func (c *Controller) clearLocked() []Feedback {
	c.sel = Selection{}
	if c.cancelPulse != nil {
		c.cancelPulse()
		c.cancelPulse = nil
	}
	if c.lit == nil {
		return nil
	}
	off := *c.lit
	off.On = false
	c.lit = nil
	return []Feedback{off}
}

func (c *Controller) emit(fbs []Feedback) {
	if len(fbs) == 0 {
		return
	}
	c.mu.Lock()
	sinks := append([]func(Feedback){}, c.sinks...)
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for _, fb := range fbs {
		log.Debug().Int("slot", int(fb.Slot)).Str("kind", fb.Kind.String()).Bool("on", fb.On).Msg("station feedback")
		for _, fn := range sinks {
			fn(fb)
		}
	}
}

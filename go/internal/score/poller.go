package score

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often the peer's score is read.
const DefaultPollInterval = 500 * time.Millisecond

// Poller reads the peer's score key on a fixed interval.
type Poller struct {
	store    directory.PropertyStore
	clock    clockwork.Clock
	interval time.Duration

	mu        sync.Mutex
	key       string
	latest    int
	seen      bool
	listeners []func(slot models.Slot, score int)
	slot      models.Slot
}

// NewPoller returns a poller. A nil clock means the real clock.
func NewPoller(store directory.PropertyStore, clock clockwork.Clock, interval time.Duration) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{store: store, clock: clock, interval: interval}
}

// OnChange registers fn for every observed change of the peer's score.
func (p *Poller) OnChange(fn func(slot models.Slot, score int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Watch starts polling the key of slot. The last observed value is forgotten.
func (p *Poller) Watch(slot models.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = slot.ScoreKey()
	p.slot = slot
	p.latest = 0
	p.seen = false
}

// Stop pauses polling until the next Watch.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = ""
	p.seen = false
	p.latest = 0
}

// Latest returns the last value read and whether any read succeeded.
func (p *Poller) Latest() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.seen
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.Poll(ctx)
		}
	}
}

// Poll performs one read.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	key, slot := p.key, p.slot
	p.mu.Unlock()
	if key == "" {
		return
	}

	raw, err := p.store.GetProperty(ctx, key)
	if err != nil {
		if !errors.Is(err, directory.ErrPropNotFound) && !errors.Is(err, directory.ErrNotInRoom) {
			log.Debug().Err(err).Str("key", key).Msg("failed to poll peer score")
		}
		return
	}
	value, err := strconv.Atoi(string(raw))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("peer score is not an integer")
		return
	}

	p.mu.Lock()
	if p.key != key {
		p.mu.Unlock()
		return
	}
	changed := !p.seen || p.latest != value
	p.latest = value
	p.seen = true
	listeners := append([]func(models.Slot, int){}, p.listeners...)
	p.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(slot, value)
		}
	}
}

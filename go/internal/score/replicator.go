// Package score publishes the local participant's score into the room's
// property store and polls the peer's.
//
// Each client writes only its own key, so the store never sees two writers for
// the same key.
package score

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/rs/zerolog/log"
)

const (
	writeBufferSize = 64
	writeTimeout    = 5 * time.Second
)

type write struct {
	key   string
	value int
}

// Replicator mirrors local score changes of a round engine into the store.
// Writes are fire-and-forget: a failure is logged and the next change
// overwrites it.
type Replicator struct {
	round.NopListener

	store  directory.PropertyStore
	writes chan write

	mu    sync.Mutex
	local models.Slot
	bound bool
}

var _ round.Listener = (*Replicator)(nil)

func NewReplicator(store directory.PropertyStore) *Replicator {
	return &Replicator{store: store, writes: make(chan write, writeBufferSize)}
}

// Bind selects the seat whose score this client owns.
func (r *Replicator) Bind(slot models.Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = slot
	r.bound = true
}

// Unbind stops replication until the next Bind.
func (r *Replicator) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = false
}

// OnScoreChanged queues a write when slot is the local seat.
func (r *Replicator) OnScoreChanged(slot models.Slot, score, _ int) {
	r.mu.Lock()
	owned := r.bound && slot == r.local
	r.mu.Unlock()
	if !owned {
		return
	}
	r.Publish(slot, score)
}

// Publish queues the full value of the slot's score.
func (r *Replicator) Publish(slot models.Slot, score int) {
	w := write{key: slot.ScoreKey(), value: score}
	select {
	case r.writes <- w:
	default:
		log.Warn().Str("key", w.key).Int("score", score).Msg("score write queue full, dropping write")
	}
}

// Run performs queued writes in order until ctx is done.
func (r *Replicator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-r.writes:
			r.write(ctx, w)
		}
	}
}

func (r *Replicator) write(ctx context.Context, w write) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.store.SetProperty(ctx, w.key, []byte(strconv.Itoa(w.value))); err != nil {
		log.Warn().Err(err).Str("key", w.key).Int("score", w.value).Msg("failed to replicate score")
		return
	}
	log.Debug().Str("key", w.key).Int("score", w.value).Msg("score replicated")
}

// Package history stores the outcome of every resolved round.
package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/symbolduel/go/internal/models"
)

// Record is one resolved round as seen by the local client.
type Record struct {
	ID          uuid.UUID            `json:"id"`
	RoomID      string               `json:"room_id"`
	Participant models.ParticipantID `json:"participant"`
	Role        models.SessionRole   `json:"role"`
	LocalScore  int                  `json:"local_score"`
	PeerScore   int                  `json:"peer_score"`
	PeerSeen    bool                 `json:"peer_seen"`
	Result      models.Result        `json:"result"`
	Aborted     bool                 `json:"aborted"`
	Seed        uint64               `json:"seed"`
	StartedAt   time.Time            `json:"started_at"`
	EndedAt     time.Time            `json:"ended_at"`
}

// Recorder persists round records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Record) error          { return nil }
func (NopRecorder) Recent(context.Context, int) ([]Record, error) { return nil, nil }
func (NopRecorder) Close()                                        {}

// MemoryRecorder keeps records in process, newest last.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.records = append(m.records, rec)
	return nil
}

// Recent returns up to limit records, newest first.
func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.records)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRecorder) Close() {}

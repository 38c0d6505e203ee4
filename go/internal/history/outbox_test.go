package history

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/dbconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []uuid.UUID
}

func (p *flakyPublisher) Publish(_ context.Context, entry OutboxEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, entry.ID)
	return nil
}

func fastOutbox() OutboxConfig {
	cfg := DefaultOutboxConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

func TestPublishRetriesUntilSuccess(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	w := NewOutboxWorker(nil, pub, fastOutbox(), clockwork.NewRealClock())

	entry := OutboxEntry{ID: uuid.New(), Payload: []byte(`{}`)}
	require.NoError(t, w.publishWithRetry(context.Background(), entry))
	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, []uuid.UUID{entry.ID}, pub.sent)
}

func TestPublishGivesUp(t *testing.T) {
	pub := &flakyPublisher{failures: 10}
	w := NewOutboxWorker(nil, pub, fastOutbox(), clockwork.NewRealClock())

	err := w.publishWithRetry(context.Background(), OutboxEntry{ID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, pub.calls)
}

func TestPublishStopsWithContext(t *testing.T) {
	pub := &flakyPublisher{failures: 10}
	cfg := fastOutbox()
	cfg.RetryDelay = time.Hour
	w := NewOutboxWorker(nil, pub, cfg, clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.publishWithRetry(ctx, OutboxEntry{ID: uuid.New()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, pub.calls)
}

func TestLogPublisher(t *testing.T) {
	require.NoError(t, LogPublisher{}.Publish(context.Background(), OutboxEntry{ID: uuid.New(), Payload: []byte(`{"result":"WIN"}`)}))
}

// Runs against a real database when HISTORY_TEST_DSN_HOST is set.
func TestOutboxRelaysRecordedRounds(t *testing.T) {
	host := os.Getenv("HISTORY_TEST_DSN_HOST")
	if host == "" {
		t.Skip("HISTORY_TEST_DSN_HOST not set")
	}
	cfg := dbconfig.Default()
	cfg.Host = host

	ctx := context.Background()
	r, err := NewPostgresRecorder(ctx, cfg)
	require.NoError(t, err)
	defer r.Close()

	pub := &flakyPublisher{}
	w := r.Outbox(pub, fastOutbox(), clockwork.NewRealClock())

	// drain whatever earlier runs left behind
	for {
		n, err := w.ProcessOutbox(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	pub.sent = nil

	rec := sample("outbox-"+uuid.NewString(), 1000, 0)
	rec.ID = uuid.New()
	require.NoError(t, r.Record(ctx, rec))

	n, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{rec.ID}, pub.sent)

	n, err = w.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "sent entries are not published twice")
}

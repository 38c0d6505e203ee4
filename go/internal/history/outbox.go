package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

var ErrWorkerRunning = errors.New("outbox worker already running")

// OutboxConfig tunes the relay of recorded rounds to a Publisher.
type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled" env:"OUTBOX_ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE"`
	MaxRetries   int           `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"OUTBOX_RETRY_DELAY"`
	Subject      string        `yaml:"subject" env:"OUTBOX_SUBJECT"`
	Stream       string        `yaml:"stream" env:"OUTBOX_STREAM"`
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		Subject:      "symbolduel.results",
		Stream:       "SYMBOLDUEL_RESULTS",
	}
}

// OutboxEntry is one recorded round waiting to be published.
type OutboxEntry struct {
	ID        uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

// Publisher delivers outbox entries downstream. Publish must be idempotent
// per entry ID: an entry whose commit fails is published again.
type Publisher interface {
	Publish(ctx context.Context, entry OutboxEntry) error
}

// OutboxWorker polls unsent entries and marks them sent once published.
type OutboxWorker struct {
	db        sqlutil.TxBeginner
	publisher Publisher
	config    OutboxConfig
	clock     clockwork.Clock

	mu      sync.Mutex
	running bool
}

func NewOutboxWorker(db sqlutil.TxBeginner, publisher Publisher, cfg OutboxConfig, clock clockwork.Clock) *OutboxWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OutboxWorker{db: db, publisher: publisher, config: cfg, clock: clock}
}

// Run processes the outbox every PollInterval until ctx is done.
func (w *OutboxWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.process(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox worker stopped")
			return nil
		case <-ticker.Chan():
			w.process(ctx)
		}
	}
}

func (w *OutboxWorker) process(ctx context.Context) {
	n, err := w.ProcessOutbox(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to process outbox")
		return
	}
	if n > 0 {
		log.Info().Int("published", n).Msg("processed outbox entries")
	}
}

// ProcessOutbox publishes one batch and returns how many entries were sent.
// Rows are locked for the duration, so concurrent workers skip each other.
func (w *OutboxWorker) ProcessOutbox(ctx context.Context) (int, error) {
	sent := 0
	err := sqlutil.Run(ctx, w.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, payload, created_at
			FROM round_results_outbox
			WHERE sent_at IS NULL
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, w.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch unsent entries: %w", err)
		}
		entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[OutboxEntry])
		if err != nil {
			return fmt.Errorf("failed to read unsent entries: %w", err)
		}

		var published []string
		for _, entry := range entries {
			if err := w.publishWithRetry(ctx, entry); err != nil {
				log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("failed to publish round result")
				continue
			}
			published = append(published, entry.ID.String())
		}
		if len(published) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE round_results_outbox SET sent_at = now() WHERE id = ANY($1::uuid[])`, published); err != nil {
			return fmt.Errorf("failed to mark entries sent: %w", err)
		}
		sent = len(published)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, nil
}

func (w *OutboxWorker) publishWithRetry(ctx context.Context, entry OutboxEntry) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := w.publisher.Publish(ctx, entry); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("entry_id", entry.ID.String()).
				Int("attempt", attempt+1).
				Msg("failed to publish round result, retrying")
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}

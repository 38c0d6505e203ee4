package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/dbconfig"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/mcdev12/symbolduel/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS round_results (
	id          UUID PRIMARY KEY,
	room_id     TEXT        NOT NULL,
	participant TEXT        NOT NULL,
	role        TEXT        NOT NULL,
	local_score INTEGER     NOT NULL CHECK (local_score >= 0),
	peer_score  INTEGER     NOT NULL,
	peer_seen   BOOLEAN     NOT NULL,
	result      TEXT        NOT NULL,
	aborted     BOOLEAN     NOT NULL,
	seed        BIGINT      NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS round_results_ended_at_idx ON round_results (ended_at DESC);
CREATE TABLE IF NOT EXISTS round_results_outbox (
	id         UUID PRIMARY KEY REFERENCES round_results (id) ON DELETE CASCADE,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS round_results_outbox_unsent_idx
	ON round_results_outbox (created_at) WHERE sent_at IS NULL;
`

// PostgresRecorder writes round records into Postgres.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder connects and makes sure the table exists.
func NewPostgresRecorder(ctx context.Context, cfg dbconfig.Config) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	r := &PostgresRecorder{pool: pool}
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to history database")
	return r, nil
}

// EnsureSchema creates the round_results table when missing.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schema); err != nil {
			return fmt.Errorf("failed to create round_results: %w", err)
		}
		return nil
	})
}

// Record inserts the round and its outbox entry in one transaction.
func (r *PostgresRecorder) Record(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode round result: %w", err)
	}
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO round_results (
				id, room_id, participant, role, local_score, peer_score, peer_seen,
				result, aborted, seed, started_at, ended_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.RoomID, string(rec.Participant), string(rec.Role), rec.LocalScore, rec.PeerScore, rec.PeerSeen,
			string(rec.Result), rec.Aborted, int64(rec.Seed), rec.StartedAt, rec.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert round result: %w", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO round_results_outbox (id, payload) VALUES ($1, $2)`, rec.ID, payload)
		if err != nil {
			return fmt.Errorf("failed to insert round result outbox entry: %w", err)
		}
		return nil
	})
}

// Outbox returns a worker relaying this recorder's outbox to pub.
func (r *PostgresRecorder) Outbox(pub Publisher, cfg OutboxConfig, clock clockwork.Clock) *OutboxWorker {
	return NewOutboxWorker(r.pool, pub, cfg, clock)
}

// Recent returns up to limit records, newest first.
func (r *PostgresRecorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, room_id, participant, role, local_score, peer_score, peer_seen,
		       result, aborted, seed, started_at, ended_at
		FROM round_results
		ORDER BY ended_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query round results: %w", err)
	}
	return pgx.CollectRows(rows, scanRecord)
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		rec                       Record
		participant, role, result string
		seed                      int64
		startedAt, endedAt        time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.RoomID, &participant, &role, &rec.LocalScore, &rec.PeerScore, &rec.PeerSeen,
		&result, &rec.Aborted, &seed, &startedAt, &endedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Seed = uint64(seed) // stored bit for bit in a signed column
	rec.Participant = models.ParticipantID(participant)
	rec.Role = models.SessionRole(role)
	rec.Result = models.Result(result)
	rec.StartedAt = startedAt
	rec.EndedAt = endedAt
	return rec, nil
}

func (r *PostgresRecorder) Close() {
	r.pool.Close()
}

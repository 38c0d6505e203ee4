package history

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// LogPublisher only logs entries. It is used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, entry OutboxEntry) error {
	log.Info().
		Str("entry_id", entry.ID.String()).
		RawJSON("result", entry.Payload).
		Msg("round result")
	return nil
}

// JetStreamPublisher publishes entries to a JetStream stream, deduplicated by
// entry ID.
type JetStreamPublisher struct {
	js      jetstream.JetStream
	subject string
}

// NewJetStreamPublisher makes sure the results stream exists.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg OutboxConfig) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}
	return &JetStreamPublisher{js: js, subject: cfg.Subject}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, entry OutboxEntry) error {
	ack, err := p.js.Publish(ctx, p.subject, entry.Payload, jetstream.WithMsgID(entry.ID.String()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	log.Debug().
		Str("entry_id", entry.ID.String()).
		Str("stream", ack.Stream).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("round result published")
	return nil
}

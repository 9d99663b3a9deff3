package ingestion

import (
	"StableLedger/internal/core"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "STABLE_LEDGER_EVENTS"
	OutboundSubjectPrefix = "stable.ledger.events."
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed commands for downstream consumers.
// Publishing is best effort: the event log is the source of truth and a
// failed publish is logged, not retried.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishedEvent is the outbound message body
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Asset          string          `json:"asset"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	Journals       int             `json:"journals"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one committed command to stable.ledger.events.<type>.
// The sequence is used as the JetStream message ID so a republish is
// deduplicated by the server.
func (op *OutboundPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	msg := PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.Batch != nil {
		msg.Journals = len(out.Batch.Journals)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := OutboundSubjectPrefix + env.EventType.Subject()
	if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10))); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

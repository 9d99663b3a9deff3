package ingestion

import (
	"StableLedger/internal/core"
	"StableLedger/internal/event"
	"StableLedger/internal/observability"
	"StableLedger/internal/state"
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CommandProcessor is satisfied by *core.Engine
type CommandProcessor interface {
	Process(ctx context.Context, evt event.Event) (core.Result, error)
}

// PriceSink is satisfied by *oracle.FeedStore
type PriceSink interface {
	Update(feed string, answer *big.Int, sequence int64, updatedAt time.Time) bool
}

// Router decodes raw messages and hands commands to the engine and price
// rounds to the feed store. Messages are handled one at a time in arrival
// order. Every message is acked once handled: a rejected or malformed
// command is final and redelivery would not change the outcome.
type Router struct {
	engine  CommandProcessor
	prices  PriceSink
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRouter(engine CommandProcessor, prices PriceSink, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		engine:  engine,
		prices:  prices,
		metrics: metrics,
		logger:  logger,
	}
}

// Run drains rawChan until it is closed or ctx is cancelled.
func (r *Router) Run(ctx context.Context, rawChan <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it.
func (r *Router) Handle(ctx context.Context, raw RawEvent) {
	switch {
	case strings.HasPrefix(raw.Subject, CommandSubjectPrefix):
		r.handleCommand(ctx, raw, strings.TrimPrefix(raw.Subject, CommandSubjectPrefix))
	case strings.HasPrefix(raw.Subject, PriceSubjectPrefix):
		r.handlePrice(raw)
	default:
		r.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		ack(raw)
	}
}

func (r *Router) handleCommand(ctx context.Context, raw RawEvent, commandType string) {
	evt, err := ParseCommand(commandType, raw.Data)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		if r.metrics != nil {
			reason, class := state.Reason(err)
			r.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason, class.String()).Inc()
		}
		ack(raw)
		return
	}

	if ctx.Err() != nil {
		nak(raw)
		return
	}

	res, err := r.engine.Process(ctx, evt)
	switch {
	case err != nil:
		// Already counted and logged by the engine
		r.logger.Debug().Err(err).Str("command", evt.EventType().String()).Str("key", evt.IdempotencyKey()).
			Msg("command rejected")
	case res.Duplicate:
		r.logger.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate command acked")
	}
	ack(raw)
}

func (r *Router) handlePrice(raw RawEvent) {
	upd, err := ParsePriceUpdate(raw.Data)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse price update failed")
		ack(raw)
		return
	}

	if r.prices.Update(upd.Feed, upd.Answer, upd.Sequence, upd.UpdatedAt) {
		if r.metrics != nil {
			r.metrics.PriceUpdates.WithLabelValues(upd.Feed).Inc()
		}
		r.logger.Debug().Str("feed", upd.Feed).Int64("sequence", upd.Sequence).Str("answer", upd.Answer.String()).
			Msg("price updated")
	} else {
		if r.metrics != nil {
			r.metrics.PriceUpdatesIgnored.WithLabelValues(upd.Feed).Inc()
		}
		r.logger.Debug().Str("feed", upd.Feed).Int64("sequence", upd.Sequence).Msg("stale price round ignored")
	}
	ack(raw)
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

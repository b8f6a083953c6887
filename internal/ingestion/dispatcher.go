package ingestion

import (
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// Dispatcher turns raw NATS messages into typed commands for the core.
//
// Messages are acked once the typed command is on the inbound channel, not after
// the core applies it. Slow core processing therefore never trips AckWait, and a
// full inbound channel blocks the consumers instead.
type Dispatcher struct {
	raw      <-chan RawEvent
	out      chan<- event.Event
	subjects []SubjectConfig
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewDispatcher(
	raw <-chan RawEvent,
	out chan<- event.Event,
	subjects []SubjectConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{raw: raw, out: out, subjects: subjects, metrics: metrics, log: log}
}

// Run dispatches until ctx is done or the raw channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.raw:
			if !ok {
				return nil
			}
			if !d.dispatch(ctx, raw) {
				return ctx.Err()
			}
		}
	}
}

// dispatch handles one message. It returns false only when ctx ended mid-send.
func (d *Dispatcher) dispatch(ctx context.Context, raw RawEvent) bool {
	eventType := ResolveEventType(raw.Subject, d.subjects)
	if eventType == "" {
		d.log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		ack(raw)
		return true
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		// Invalid commands are acked and dropped; redelivery would fail the same way.
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		ack(raw)
		return true
	}

	select {
	case d.out <- evt:
		ack(raw)
		if d.metrics != nil {
			d.metrics.IngestReceived.WithLabelValues("nats", eventType).Inc()
		}
		return true
	case <-ctx.Done():
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return false
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

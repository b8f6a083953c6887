package ingestion

import (
	"PerpVault/internal/core"
	"PerpVault/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes sequenced events to NATS for downstream consumers.
// Subjects follow the pattern: vault.events.{event_type}.{token}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	retry     failsafe.Executor[any]
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableEvent is a sequenced event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Token          *string   `json:"token,omitempty"`
	Rejection      string    `json:"rejection,omitempty"`
	Receipt        *Receipt  `json:"receipt,omitempty"`
	StateHash      []byte    `json:"state_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// Receipt is the outbound form of a vault receipt. Amounts are base-10 strings.
type Receipt struct {
	Op               string `json:"op"`
	AmountOut        string `json:"amount_out"`
	FeeAmount        string `json:"fee_amount"`
	LiquidationState string `json:"liquidation_state,omitempty"`
}

// NewPublishableEvent converts a core output for publishing.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Token:          env.Token,
		Rejection:      env.Rejection,
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}
	if r := out.Receipt; r != nil {
		pe.Receipt = &Receipt{
			Op:        r.Op,
			AmountOut: r.AmountOut.Dec(),
			FeeAmount: r.FeeAmount.Dec(),
		}
		if r.Op == "liquidate_position" {
			pe.Receipt.LiquidationState = r.LiquidationState.String()
		}
	}
	return pe
}

// Subject returns the outbound subject of an event.
func (pe PublishableEvent) Subject() string {
	subject := fmt.Sprintf("vault.events.%s", pe.EventType)
	if pe.Token != nil {
		subject = fmt.Sprintf("%s.%s", subject, *pe.Token)
	}
	return subject
}

func NewOutboundPublisher(
	js jetstream.JetStream,
	inputChan <-chan PublishableEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *OutboundPublisher {
	op := &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}

	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		WithBackoff(50*time.Millisecond, time.Second).
		WithMaxRetries(3).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			op.log.Debug().Int("attempt", e.Attempts()).Err(e.LastError()).Msg("retrying outbound publish")
		}).
		Build()
	op.retry = failsafe.With[any](policy)

	return op
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			err := op.retry.WithContext(ctx).Run(func() error {
				return op.publish(ctx, evt)
			})
			if err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg id lets JetStream drop republished sequences inside its dedup window.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_EVENTS",
		Subjects:  []string{"vault.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "VAULT_EVENTS").Msg("ensured outbound stream")
	return nil
}

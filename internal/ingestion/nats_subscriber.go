package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the dispatcher via the eventChan.
// JetStream is the primary ingestion surface. Each subject maps to an event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is the parsed-but-untyped command from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. The last subject token
// is free for producers, usually the token symbol.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.custody.deposit.>", EventType: "TokenDeposit", ConsumerName: "vault-deposits", StreamName: "VAULT_CUSTODY"},
		{Subject: "vault.custody.direct.>", EventType: "DirectPoolDeposit", ConsumerName: "vault-direct-deposits", StreamName: "VAULT_CUSTODY"},
		{Subject: "vault.custody.fees.>", EventType: "WithdrawFees", ConsumerName: "vault-fee-withdrawals", StreamName: "VAULT_CUSTODY"},
		{Subject: "vault.swaps.buy.>", EventType: "BuyUSDG", ConsumerName: "vault-buy-usdg", StreamName: "VAULT_SWAPS"},
		{Subject: "vault.swaps.sell.>", EventType: "SellUSDG", ConsumerName: "vault-sell-usdg", StreamName: "VAULT_SWAPS"},
		{Subject: "vault.swaps.swap.>", EventType: "Swap", ConsumerName: "vault-swaps", StreamName: "VAULT_SWAPS"},
		{Subject: "vault.positions.increase.>", EventType: "IncreasePosition", ConsumerName: "vault-pos-increase", StreamName: "VAULT_POSITIONS"},
		{Subject: "vault.positions.decrease.>", EventType: "DecreasePosition", ConsumerName: "vault-pos-decrease", StreamName: "VAULT_POSITIONS"},
		{Subject: "vault.positions.liquidate.>", EventType: "LiquidatePosition", ConsumerName: "vault-pos-liquidate", StreamName: "VAULT_POSITIONS"},
		{Subject: "vault.prices.>", EventType: "PriceUpdate", ConsumerName: "vault-prices", StreamName: "VAULT_PRICES"},
		{Subject: "vault.config.token.>", EventType: "TokenConfigUpdate", ConsumerName: "vault-token-config", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.fees.>", EventType: "FeeScheduleUpdate", ConsumerName: "vault-fee-schedule", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.settings.>", EventType: "VaultSettingsUpdate", ConsumerName: "vault-settings", StreamName: "VAULT_CONFIG"},
	}
}

// ResolveEventType finds the event type for a subject by its longest matching
// configured prefix. It returns "" for unknown subjects.
func ResolveEventType(subject string, subjects []SubjectConfig) string {
	best, bestType := "", ""
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best, bestType = prefix, cfg.EventType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := map[string]string{
		"VAULT_CUSTODY":   "vault.custody.>",
		"VAULT_SWAPS":     "vault.swaps.>",
		"VAULT_POSITIONS": "vault.positions.>",
		"VAULT_PRICES":    "vault.prices.>",
		"VAULT_CONFIG":    "vault.config.>",
	}

	for name, subject := range streams {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		log.Info().Str("stream", name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

package ingestion

import (
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the admin ingest limiter refuses a command.
var ErrRateLimited = errors.New("ingest rate limit exceeded")

// GRPCIngestService provides admin/manual command injection via gRPC.
// It is for operators and tests, not for throughput (use NATS for that).
// Callers supply source sequences; the core validates them like any upstream's.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	limiter   *rate.Limiter
	metrics   *observability.Metrics
}

// NewGRPCIngestService creates the service. A non-positive rps disables limiting.
func NewGRPCIngestService(eventChan chan<- event.Event, rps float64, burst int, metrics *observability.Metrics) *GRPCIngestService {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &GRPCIngestService{
		eventChan: eventChan,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   metrics,
	}
}

// Inject decodes a JSON command of the named type and queues it for the core.
// It returns the command's idempotency key.
func (s *GRPCIngestService) Inject(ctx context.Context, eventType string, payload []byte) (string, error) {
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc", Data: payload, Timestamp: time.Now()}, eventType)
	if err != nil {
		return "", err
	}
	if err := s.InjectEvent(ctx, evt); err != nil {
		return "", err
	}
	return evt.IdempotencyKey(), nil
}

// InjectPrice queues a price update stamped with the current time.
func (s *GRPCIngestService) InjectPrice(ctx context.Context, token string, price *uint256.Int, priceSequence int64) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("price must be positive")
	}
	return s.InjectEvent(ctx, &event.PriceUpdate{
		Token:          token,
		Price:          event.NewAmount(price),
		PriceSequence:  priceSequence,
		PriceTimestamp: time.Now().UnixMicro(),
	})
}

// InjectEvent queues a typed command, subject to the rate limit.
func (s *GRPCIngestService) InjectEvent(ctx context.Context, evt event.Event) error {
	if err := Validate(evt); err != nil {
		return err
	}
	if !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.IngestRateLimit.Inc()
		}
		return ErrRateLimited
	}

	select {
	case s.eventChan <- evt:
		if s.metrics != nil {
			s.metrics.IngestReceived.WithLabelValues("grpc", evt.EventType().String()).Inc()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

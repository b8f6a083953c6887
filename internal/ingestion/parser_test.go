package ingestion_test

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/vault"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// ============================================================================
// Parsing
// ============================================================================

func TestParseTokenDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"account":    "alice",
		"token":      "DAI",
		"amount":     "1000000000000000000000",
		"sequence":   int64(7),
		"timestamp":  int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TokenDeposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := evt.(*event.TokenDeposit)
	if !ok {
		t.Fatalf("expected *event.TokenDeposit, got %T", evt)
	}
	if d.Account != "alice" {
		t.Errorf("account: got %s, want alice", d.Account)
	}
	if d.Amount.Dec() != "1000000000000000000000" {
		t.Errorf("amount: got %s", d.Amount.Dec())
	}
	if d.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", d.Sequence)
	}
	if d.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", d.IdempotencyKey())
	}
}

func TestParseIncreasePosition(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":       uuid.NewString(),
		"account":          "bob",
		"collateral_token": "BTC",
		"index_token":      "BTC",
		"size_delta":       fpmath.USD("1000").Dec(),
		"is_long":          true,
		"sequence":         int64(3),
		"timestamp":        int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "IncreasePosition")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	p := evt.(*event.IncreasePosition)
	if !p.IsLong {
		t.Error("expected long")
	}
	if p.SizeDelta.Value().Cmp(fpmath.USD("1000")) != 0 {
		t.Errorf("size delta: got %s", p.SizeDelta.Dec())
	}
	if *p.TokenID() != "BTC" {
		t.Errorf("token id: got %s, want BTC", *p.TokenID())
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"token":           "BTC",
		"price":           fpmath.USD("40000").Dec(),
		"price_sequence":  int64(12),
		"price_timestamp": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.IdempotencyKey() != "BTC:price:12" {
		t.Errorf("idempotency key: got %s", evt.IdempotencyKey())
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]int{}), "TradeFill")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": uuid.NewString(),
		"token":      "DAI",
		"receiver":   "alice",
		"timestamp":  int64(1),
		"slippage":   5,
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "BuyUSDG"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		payload   map[string]interface{}
		wantErr   string
	}{
		{
			name:      "missing request id",
			eventType: "BuyUSDG",
			payload:   map[string]interface{}{"token": "DAI", "receiver": "alice", "timestamp": 1},
			wantErr:   "request_id",
		},
		{
			name:      "missing receiver",
			eventType: "SellUSDG",
			payload: map[string]interface{}{
				"request_id": uuid.NewString(), "account": "alice", "token": "DAI",
				"usdg_amount": "1", "timestamp": 1,
			},
			wantErr: "receiver",
		},
		{
			name:      "zero timestamp",
			eventType: "Swap",
			payload: map[string]interface{}{
				"request_id": uuid.NewString(), "token_in": "DAI", "token_out": "BTC", "receiver": "alice",
			},
			wantErr: "timestamp",
		},
		{
			name:      "zero price",
			eventType: "PriceUpdate",
			payload:   map[string]interface{}{"token": "BTC", "price": "0", "price_timestamp": 1},
			wantErr:   "price",
		},
		{
			name:      "keeper flag from upstream",
			eventType: "LiquidatePosition",
			payload: map[string]interface{}{
				"liquidation_id": uuid.NewString(), "account": "bob", "collateral_token": "DAI",
				"index_token": "BTC", "fee_receiver": "keeper", "keeper": true, "timestamp": 1,
			},
			wantErr: "keeper",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, tc.payload), tc.eventType)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

// ============================================================================
// Subjects and dispatch
// ============================================================================

func TestResolveEventType(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	cases := map[string]string{
		"vault.custody.deposit.DAI":    "TokenDeposit",
		"vault.custody.direct.DAI":     "DirectPoolDeposit",
		"vault.swaps.sell.DAI":         "SellUSDG",
		"vault.positions.liquidate.BT": "LiquidatePosition",
		"vault.prices.BTC":             "PriceUpdate",
		"vault.config.settings.global": "VaultSettingsUpdate",
		"perp.trades.BTC":              "",
	}
	for subject, want := range cases {
		if got := ingestion.ResolveEventType(subject, subjects); got != want {
			t.Errorf("%s: got %q, want %q", subject, got, want)
		}
	}
}

func TestDispatcher_AcksAfterForwarding(t *testing.T) {
	raw := make(chan ingestion.RawEvent, 3)
	out := make(chan event.Event, 3)

	acks := 0
	msg := func(subject string, v interface{}) ingestion.RawEvent {
		r := rawFromJSON(t, v)
		r.Subject = subject
		r.AckFunc = func() { acks++ }
		return r
	}

	raw <- msg("vault.swaps.buy.DAI", map[string]interface{}{
		"request_id": uuid.NewString(), "token": "DAI", "receiver": "alice", "timestamp": 1,
	})
	raw <- msg("vault.swaps.buy.DAI", map[string]interface{}{"token": "DAI"}) // invalid
	raw <- msg("vault.unknown.DAI", map[string]interface{}{})
	close(raw)

	d := ingestion.NewDispatcher(raw, out, ingestion.DefaultSubjects(), nil, zerolog.Nop())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(out) != 1 {
		t.Fatalf("forwarded %d commands, want 1", len(out))
	}
	if acks != 3 {
		t.Errorf("acks: got %d, want 3 (invalid and unknown are acked and dropped)", acks)
	}
}

// ============================================================================
// gRPC ingest
// ============================================================================

func TestGRPCIngest_RateLimited(t *testing.T) {
	out := make(chan event.Event, 4)
	svc := ingestion.NewGRPCIngestService(out, 0.001, 1, nil)

	ctx := context.Background()
	if err := svc.InjectPrice(ctx, "BTC", fpmath.USD("40000"), 1); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	err := svc.InjectPrice(ctx, "BTC", fpmath.USD("40001"), 2)
	if !errors.Is(err, ingestion.ErrRateLimited) {
		t.Fatalf("second inject: got %v, want ErrRateLimited", err)
	}
	if len(out) != 1 {
		t.Errorf("queued %d, want 1", len(out))
	}
}

func TestGRPCIngest_InjectDecodesPayload(t *testing.T) {
	out := make(chan event.Event, 1)
	svc := ingestion.NewGRPCIngestService(out, 0, 0, nil)

	id := uuid.New()
	payload, _ := json.Marshal(map[string]interface{}{
		"request_id": id.String(), "token": "DAI", "receiver": "treasury", "timestamp": 5,
	})
	key, err := svc.Inject(context.Background(), "WithdrawFees", payload)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if key != "withdraw_fees:"+id.String() {
		t.Errorf("key: got %s", key)
	}
	if _, ok := (<-out).(*event.WithdrawFees); !ok {
		t.Error("expected *event.WithdrawFees")
	}
}

// ============================================================================
// Outbound
// ============================================================================

func TestNewPublishableEvent(t *testing.T) {
	token := "DAI"
	env := &event.EventEnvelope{
		Sequence:       4,
		IdempotencyKey: "k",
		EventType:      event.EventTypeBuyUSDG,
		Token:          &token,
		StateHash:      [32]byte{1},
	}
	receipt := &vault.Receipt{Op: "buy_usdg"}
	receipt.AmountOut.SetUint64(997)

	pe := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: env, Receipt: receipt})
	if pe.Subject() != "vault.events.BuyUSDG.DAI" {
		t.Errorf("subject: got %s", pe.Subject())
	}
	if pe.Receipt == nil || pe.Receipt.AmountOut != "997" {
		t.Fatalf("receipt: got %+v", pe.Receipt)
	}
	if pe.Receipt.LiquidationState != "" {
		t.Errorf("liquidation state set on a mint: %s", pe.Receipt.LiquidationState)
	}

	global := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: &event.EventEnvelope{EventType: event.EventTypeFeeScheduleUpdate}})
	if global.Subject() != "vault.events.FeeScheduleUpdate" {
		t.Errorf("global subject: got %s", global.Subject())
	}
}

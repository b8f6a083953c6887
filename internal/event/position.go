package event

import (
	"fmt"

	"github.com/google/uuid"
)

// IncreasePosition opens or grows a leveraged position.
type IncreasePosition struct {
	RequestID       uuid.UUID `json:"request_id"`
	Account         string    `json:"account"`
	CollateralToken string    `json:"collateral_token"`
	IndexToken      string    `json:"index_token"`
	SizeDelta       Amount    `json:"size_delta"` // 1e30 USD
	IsLong          bool      `json:"is_long"`
	Sequence        int64     `json:"sequence"`
	Timestamp       int64     `json:"timestamp"`
}

func (p *IncreasePosition) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *IncreasePosition) EventType() EventType {
	return EventTypeIncreasePosition
}

func (p *IncreasePosition) TokenID() *string {
	t := p.IndexToken
	return &t
}

func (p *IncreasePosition) SourceSequence() int64 {
	return p.Sequence
}

func (p *IncreasePosition) EventTime() int64 {
	return p.Timestamp
}

// DecreasePosition shrinks a position and withdraws collateral to Receiver.
type DecreasePosition struct {
	RequestID       uuid.UUID `json:"request_id"`
	Account         string    `json:"account"`
	CollateralToken string    `json:"collateral_token"`
	IndexToken      string    `json:"index_token"`
	CollateralDelta Amount    `json:"collateral_delta"` // 1e30 USD
	SizeDelta       Amount    `json:"size_delta"`       // 1e30 USD
	IsLong          bool      `json:"is_long"`
	Receiver        string    `json:"receiver"`
	Sequence        int64     `json:"sequence"`
	Timestamp       int64     `json:"timestamp"`
}

func (p *DecreasePosition) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *DecreasePosition) EventType() EventType {
	return EventTypeDecreasePosition
}

func (p *DecreasePosition) TokenID() *string {
	t := p.IndexToken
	return &t
}

func (p *DecreasePosition) SourceSequence() int64 {
	return p.Sequence
}

func (p *DecreasePosition) EventTime() int64 {
	return p.Timestamp
}

// LiquidatePosition force-closes a flagged position. The core also emits these itself
// when auto-liquidation is on, keyed by the price update that flagged the position;
// those carry Keeper and have no source sequence.
type LiquidatePosition struct {
	LiquidationID   uuid.UUID `json:"liquidation_id"`
	Account         string    `json:"account"`
	CollateralToken string    `json:"collateral_token"`
	IndexToken      string    `json:"index_token"`
	IsLong          bool      `json:"is_long"`
	FeeReceiver     string    `json:"fee_receiver"`
	Keeper          bool      `json:"keeper,omitempty"`
	Sequence        int64     `json:"sequence"`
	Timestamp       int64     `json:"timestamp"`
}

func (l *LiquidatePosition) IdempotencyKey() string {
	return fmt.Sprintf("liquidate:%s", l.LiquidationID)
}

func (l *LiquidatePosition) EventType() EventType {
	return EventTypeLiquidatePosition
}

func (l *LiquidatePosition) TokenID() *string {
	t := l.IndexToken
	return &t
}

func (l *LiquidatePosition) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidatePosition) EventTime() int64 {
	return l.Timestamp
}

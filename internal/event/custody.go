package event

import (
	"fmt"

	"github.com/google/uuid"
)

// TokenDeposit credits tokens sent to the vault's custody by the transfer layer.
// Idempotency key: deposit_id.
type TokenDeposit struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Account   string    `json:"account"`
	Token     string    `json:"token"`
	Amount    Amount    `json:"amount"` // token units
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (d *TokenDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *TokenDeposit) EventType() EventType {
	return EventTypeTokenDeposit
}

func (d *TokenDeposit) TokenID() *string {
	t := d.Token
	return &t
}

func (d *TokenDeposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *TokenDeposit) EventTime() int64 {
	return d.Timestamp
}

// DirectPoolDeposit adds the pending deposit of a token to the pool without minting.
type DirectPoolDeposit struct {
	RequestID uuid.UUID `json:"request_id"`
	Token     string    `json:"token"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (d *DirectPoolDeposit) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DirectPoolDeposit) EventType() EventType {
	return EventTypeDirectPoolDeposit
}

func (d *DirectPoolDeposit) TokenID() *string {
	t := d.Token
	return &t
}

func (d *DirectPoolDeposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *DirectPoolDeposit) EventTime() int64 {
	return d.Timestamp
}

// WithdrawFees pays a token's whole fee reserve to the receiver.
type WithdrawFees struct {
	RequestID uuid.UUID `json:"request_id"`
	Token     string    `json:"token"`
	Receiver  string    `json:"receiver"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (w *WithdrawFees) IdempotencyKey() string {
	return fmt.Sprintf("withdraw_fees:%s", w.RequestID)
}

func (w *WithdrawFees) EventType() EventType {
	return EventTypeWithdrawFees
}

func (w *WithdrawFees) TokenID() *string {
	t := w.Token
	return &t
}

func (w *WithdrawFees) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawFees) EventTime() int64 {
	return w.Timestamp
}

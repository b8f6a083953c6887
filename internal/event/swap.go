package event

import "github.com/google/uuid"

// BuyUSDG mints USDG against the pending deposit of Token.
type BuyUSDG struct {
	RequestID uuid.UUID `json:"request_id"`
	Token     string    `json:"token"`
	Receiver  string    `json:"receiver"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (b *BuyUSDG) IdempotencyKey() string {
	return b.RequestID.String()
}

func (b *BuyUSDG) EventType() EventType {
	return EventTypeBuyUSDG
}

func (b *BuyUSDG) TokenID() *string {
	t := b.Token
	return &t
}

func (b *BuyUSDG) SourceSequence() int64 {
	return b.Sequence
}

func (b *BuyUSDG) EventTime() int64 {
	return b.Timestamp
}

// SellUSDG burns UsdgAmount from Account and redeems it for Token.
type SellUSDG struct {
	RequestID  uuid.UUID `json:"request_id"`
	Account    string    `json:"account"`
	Token      string    `json:"token"`
	UsdgAmount Amount    `json:"usdg_amount"` // 18 decimals
	Receiver   string    `json:"receiver"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (s *SellUSDG) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SellUSDG) EventType() EventType {
	return EventTypeSellUSDG
}

func (s *SellUSDG) TokenID() *string {
	t := s.Token
	return &t
}

func (s *SellUSDG) SourceSequence() int64 {
	return s.Sequence
}

func (s *SellUSDG) EventTime() int64 {
	return s.Timestamp
}

// Swap exchanges the pending deposit of TokenIn for TokenOut.
type Swap struct {
	RequestID uuid.UUID `json:"request_id"`
	TokenIn   string    `json:"token_in"`
	TokenOut  string    `json:"token_out"`
	Receiver  string    `json:"receiver"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (s *Swap) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *Swap) EventType() EventType {
	return EventTypeSwap
}

// TokenID is the outbound token, the one whose pool shrinks.
func (s *Swap) TokenID() *string {
	t := s.TokenOut
	return &t
}

func (s *Swap) SourceSequence() int64 {
	return s.Sequence
}

func (s *Swap) EventTime() int64 {
	return s.Timestamp
}

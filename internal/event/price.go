package event

import "fmt"

// PriceUpdate represents a reference price from the oracle feed
type PriceUpdate struct {
	Token          string `json:"token"`
	Price          Amount `json:"price"`          // 1e30 USD per whole token
	PriceSequence  int64  `json:"price_sequence"` // Monotonic per token
	PriceTimestamp int64  `json:"price_timestamp"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Token, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) TokenID() *string {
	t := p.Token
	return &t
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) EventTime() int64 {
	return p.PriceTimestamp
}

// Package oracle supplies min/max token prices to the vault.
package oracle

import (
	fpmath "PerpVault/internal/math"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStalePrice       = errors.New("stale price sequence")
	ErrInvalidSpread    = errors.New("spread must be below 10000 bps")
)

// PriceOracle returns spread-adjusted prices in 1e30 fixed point.
// MinPrice must never exceed MaxPrice for the same token.
type PriceOracle interface {
	MinPrice(token string) (*uint256.Int, error)
	MaxPrice(token string) (*uint256.Int, error)
}

// PriceState is the last accepted reference price for a token.
type PriceState struct {
	Token     string      `json:"token"`
	Price     uint256.Int `json:"price"`
	Sequence  int64       `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
}

// FeedOracle keeps one reference price per token and widens it by a per-token spread.
type FeedOracle struct {
	mu      sync.RWMutex
	prices  map[string]*PriceState
	spreads map[string]uint64
}

func NewFeedOracle() *FeedOracle {
	return &FeedOracle{
		prices:  make(map[string]*PriceState),
		spreads: make(map[string]uint64),
	}
}

// SetSpread configures the spread in basis points applied on both sides of the price.
func (o *FeedOracle) SetSpread(token string, bps uint64) error {
	if bps >= fpmath.BasisPoints {
		return fmt.Errorf("%s: %w", token, ErrInvalidSpread)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spreads[token] = bps
	return nil
}

// UpdatePrice accepts a new reference price. Sequences must strictly increase per token;
// gaps are allowed since only the latest price matters.
func (o *FeedOracle) UpdatePrice(token string, price *uint256.Int, sequence, timestamp int64) error {
	if price.IsZero() {
		return fmt.Errorf("%s: zero price: %w", token, ErrPriceUnavailable)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.prices[token]; ok && sequence <= prev.Sequence {
		return fmt.Errorf("%s: got sequence %d, last %d: %w", token, sequence, prev.Sequence, ErrStalePrice)
	}

	ps := &PriceState{Token: token, Sequence: sequence, Timestamp: timestamp}
	ps.Price.Set(price)
	o.prices[token] = ps
	return nil
}

// MinPrice returns price * (10000 - spread) / 10000.
func (o *FeedOracle) MinPrice(token string) (*uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ps, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token, ErrPriceUnavailable)
	}
	return fpmath.AfterBps(&ps.Price, o.spreads[token]), nil
}

// MaxPrice returns price * (10000 + spread) / 10000.
func (o *FeedOracle) MaxPrice(token string) (*uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ps, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token, ErrPriceUnavailable)
	}
	return fpmath.ApplyBps(&ps.Price, fpmath.BasisPoints+o.spreads[token]), nil
}

// GetPrice returns a copy of the stored reference state.
func (o *FeedOracle) GetPrice(token string) (PriceState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ps, ok := o.prices[token]
	if !ok {
		return PriceState{}, false
	}
	return *ps, true
}

// Snapshot returns all reference prices sorted by token.
func (o *FeedOracle) Snapshot() []PriceState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]PriceState, 0, len(o.prices))
	for _, ps := range o.prices {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Restore replaces a reference price without the sequence check. Used on snapshot restore.
func (o *FeedOracle) Restore(ps PriceState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cp := ps
	o.prices[ps.Token] = &cp
}

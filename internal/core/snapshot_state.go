package core

import (
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"fmt"

	"github.com/holiman/uint256"
)

// SnapshotState is the full serializable core state at a sequence boundary.
type SnapshotState struct {
	// Sequence is the last applied global sequence; -1 before any event.
	Sequence        int64             `json:"sequence"`
	StateHash       [32]byte          `json:"state_hash"`
	Vault           *vault.Snapshot   `json:"vault"`
	Prices          []PriceSnapshot   `json:"prices"`
	USDG            map[string]string `json:"usdg"`
	Balances        map[string]string `json:"balances"` // account path -> signed balance
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"` // oldest first
}

// PriceSnapshot is an oracle reference price with its amount as a decimal string.
type PriceSnapshot struct {
	Token     string `json:"token"`
	Price     string `json:"price"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// CreateSnapshotState captures the core at the current sequence boundary.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	prices := make([]PriceSnapshot, 0)
	for _, ps := range c.prices.Snapshot() {
		prices = append(prices, PriceSnapshot{
			Token:     ps.Token,
			Price:     ps.Price.Dec(),
			Sequence:  ps.Sequence,
			Timestamp: ps.Timestamp,
		})
	}

	usdg := make(map[string]string)
	for owner, bal := range c.usdg.Balances() {
		usdg[owner] = bal.Dec()
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Vault:           c.vault.Snapshot(),
		Prices:          prices,
		USDG:            usdg,
		Balances:        c.balanceTracker.Accounts(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the core state with a snapshot. Everything is decoded
// before anything is applied, so a malformed snapshot leaves the core untouched.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Vault == nil {
		return fmt.Errorf("snapshot %d has no vault state", snap.Sequence)
	}

	prices := make([]oracle.PriceState, 0, len(snap.Prices))
	for _, p := range snap.Prices {
		v, err := fpmath.FromDec(p.Price)
		if err != nil {
			return fmt.Errorf("price %s: %w", p.Token, err)
		}
		ps := oracle.PriceState{Token: p.Token, Sequence: p.Sequence, Timestamp: p.Timestamp}
		ps.Price.Set(v)
		prices = append(prices, ps)
	}

	usdg := make(map[string]*uint256.Int, len(snap.USDG))
	for owner, s := range snap.USDG {
		v, err := fpmath.FromDec(s)
		if err != nil {
			return fmt.Errorf("usdg balance %s: %w", owner, err)
		}
		usdg[owner] = v
	}

	type accountBalance struct {
		key ledger.AccountKey
		bal *uint256.Int
	}
	balances := make([]accountBalance, 0, len(snap.Balances))
	for path, s := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return err
		}
		bal, err := ledger.ParseBalance(s)
		if err != nil {
			return err
		}
		balances = append(balances, accountBalance{key: key, bal: bal})
	}

	if err := c.vault.Restore(snap.Vault); err != nil {
		return fmt.Errorf("restore vault: %w", err)
	}

	for _, ps := range prices {
		c.prices.Restore(ps)
	}
	for _, cfg := range c.vault.TokenConfigs() {
		if err := c.prices.SetSpread(cfg.Token, cfg.SpreadBps); err != nil {
			return fmt.Errorf("restore spread %s: %w", cfg.Token, err)
		}
	}
	c.usdg.Restore(usdg)

	c.balanceTracker.Reset()
	for _, b := range balances {
		c.balanceTracker.SetBalance(b.key, b.bal)
	}

	c.sequenceValidator = NewSequenceValidator()
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}

	c.idempotency.Warm(snap.IdempotencyKeys)
	c.hasher.SetPrevHash(snap.StateHash)
	c.keeper = state.NewLiquidationKeeper()
	c.sequence = snap.Sequence + 1

	c.log.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Vault.Positions)).
		Int("tokens", len(snap.Vault.TokenConfigs)).
		Msg("restored from snapshot")

	return nil
}

// WarmLRU preloads idempotency keys, e.g. recent keys read back from the event log.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

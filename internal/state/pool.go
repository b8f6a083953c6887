// internal/state/pool.go
package state

import "github.com/holiman/uint256"

// PoolEntry is the per-token pool ledger. Token amounts are in token units,
// GuaranteedUsd is 1e30 USD and UsdgAmount is 18-decimal USDG debt.
type PoolEntry struct {
	Token          string
	PoolAmount     uint256.Int
	ReservedAmount uint256.Int
	FeeReserve     uint256.Int
	GuaranteedUsd  uint256.Int
	UsdgAmount     uint256.Int
}

// Available returns pool minus reserved, floored at zero.
func (p *PoolEntry) Available() *uint256.Int {
	if p.ReservedAmount.Gt(&p.PoolAmount) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&p.PoolAmount, &p.ReservedAmount)
}

// IsSolvent reports reservedAmount <= poolAmount.
func (p *PoolEntry) IsSolvent() bool {
	return !p.ReservedAmount.Gt(&p.PoolAmount)
}

// CanonicalBytes for deterministic hashing
func (p *PoolEntry) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1+len(p.Token)+5*32)

	buf = append(buf, byte(len(p.Token)))
	buf = append(buf, []byte(p.Token)...)

	buf = appendUint256(buf, &p.PoolAmount)
	buf = appendUint256(buf, &p.ReservedAmount)
	buf = appendUint256(buf, &p.FeeReserve)
	buf = appendUint256(buf, &p.GuaranteedUsd)
	buf = appendUint256(buf, &p.UsdgAmount)

	return buf
}

// PoolLedger maps whitelisted tokens to their entries.
type PoolLedger struct {
	entries map[string]*PoolEntry
}

func NewPoolLedger() *PoolLedger {
	return &PoolLedger{entries: make(map[string]*PoolEntry)}
}

// GetOrCreate returns the live entry, creating a zero entry for the token if needed.
func (l *PoolLedger) GetOrCreate(token string) *PoolEntry {
	e := l.entries[token]
	if e == nil {
		e = &PoolEntry{Token: token}
		l.entries[token] = e
	}
	return e
}

// Put replaces the entry for its token.
func (l *PoolLedger) Put(e PoolEntry) {
	cp := e
	l.entries[e.Token] = &cp
}

// Delete removes a token's entry.
func (l *PoolLedger) Delete(token string) {
	delete(l.entries, token)
}

// Copy returns a value copy of a token's entry; a missing entry yields a zero entry.
func (l *PoolLedger) Copy(token string) PoolEntry {
	if e := l.entries[token]; e != nil {
		return *e
	}
	return PoolEntry{Token: token}
}

// All returns copies of every entry.
func (l *PoolLedger) All() []PoolEntry {
	out := make([]PoolEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

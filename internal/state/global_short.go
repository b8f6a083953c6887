package state

import (
	fpmath "PerpVault/internal/math"
	"sort"

	"github.com/holiman/uint256"
)

// GlobalShort is the aggregate short interest on one index token.
type GlobalShort struct {
	IndexToken   string
	Size         uint256.Int // USD
	AveragePrice uint256.Int
}

// CanonicalBytes for deterministic hashing
func (g *GlobalShort) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1+len(g.IndexToken)+64)
	buf = append(buf, byte(len(g.IndexToken)))
	buf = append(buf, []byte(g.IndexToken)...)
	buf = appendUint256(buf, &g.Size)
	buf = appendUint256(buf, &g.AveragePrice)
	return buf
}

// Increase folds sizeDelta opened at price into the aggregate using the
// same averaging rule as a single short position.
func (g *GlobalShort) Increase(price, sizeDelta *uint256.Int) {
	if g.Size.IsZero() {
		g.AveragePrice.Set(price)
	} else {
		g.AveragePrice.Set(fpmath.NextGlobalShortAveragePrice(&g.Size, &g.AveragePrice, price, sizeDelta))
	}
	g.Size.Add(&g.Size, sizeDelta)
}

// Decrease reduces aggregate size, floored at zero. The average price is kept so the
// next open after a full close resets it.
func (g *GlobalShort) Decrease(sizeDelta *uint256.Int) {
	g.Size.Set(fpmath.SubFloor(&g.Size, sizeDelta))
}

// Delta returns the aggregate PnL of open shorts at price, from the shorts' view.
func (g *GlobalShort) Delta(price *uint256.Int) (bool, *uint256.Int) {
	if g.Size.IsZero() {
		return false, new(uint256.Int)
	}
	return fpmath.Delta(&g.Size, &g.AveragePrice, price, false)
}

// GlobalShortTracker maps index tokens to their aggregate short entry.
type GlobalShortTracker struct {
	entries map[string]*GlobalShort
}

func NewGlobalShortTracker() *GlobalShortTracker {
	return &GlobalShortTracker{entries: make(map[string]*GlobalShort)}
}

// Copy returns a value copy; an untouched token yields a zero entry.
func (t *GlobalShortTracker) Copy(indexToken string) GlobalShort {
	if g := t.entries[indexToken]; g != nil {
		return *g
	}
	return GlobalShort{IndexToken: indexToken}
}

func (t *GlobalShortTracker) Put(g GlobalShort) {
	cp := g
	t.entries[g.IndexToken] = &cp
}

// All returns copies sorted by index token.
func (t *GlobalShortTracker) All() []GlobalShort {
	out := make([]GlobalShort, 0, len(t.entries))
	for _, g := range t.entries {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexToken < out[j].IndexToken })
	return out
}

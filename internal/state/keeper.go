package state

import (
	"sort"

	"github.com/holiman/uint256"
)

// LiquidationCandidate is a position the classifier would force-close at the current price.
type LiquidationCandidate struct {
	Key       PositionKey
	State     LiquidationState
	MarginFee uint256.Int
	// Newly is set on the first scan that flags the position.
	Newly bool
}

// PositionClassifier classifies a position against live prices.
type PositionClassifier func(Position) (LiquidationState, *uint256.Int, error)

// LiquidationKeeper scans positions after price moves and remembers which ones are
// currently flagged so transitions can be reported once.
type LiquidationKeeper struct {
	flagged map[PositionKey]LiquidationState
}

func NewLiquidationKeeper() *LiquidationKeeper {
	return &LiquidationKeeper{flagged: make(map[PositionKey]LiquidationState)}
}

// Scan classifies each position. Positions whose price is unavailable are skipped;
// positions that became safe again are unflagged.
func (k *LiquidationKeeper) Scan(positions []Position, classify PositionClassifier) []LiquidationCandidate {
	out := make([]LiquidationCandidate, 0)

	for _, pos := range positions {
		if pos.IsEmpty() {
			delete(k.flagged, pos.Key)
			continue
		}

		st, fee, err := classify(pos)
		if err != nil {
			continue
		}

		if st == LiquidationStateSafe {
			delete(k.flagged, pos.Key)
			continue
		}

		prev, seen := k.flagged[pos.Key]
		c := LiquidationCandidate{
			Key:   pos.Key,
			State: st,
			Newly: !seen || prev != st,
		}
		c.MarginFee.Set(fee)
		k.flagged[pos.Key] = st
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Forget drops a position from the flagged set once it has been closed.
func (k *LiquidationKeeper) Forget(key PositionKey) {
	delete(k.flagged, key)
}

// Flagged returns the number of positions currently flagged.
func (k *LiquidationKeeper) Flagged() int {
	return len(k.flagged)
}

package state

import (
	"sort"

	"github.com/holiman/uint256"
)

// PositionBook owns every open position. Callers get value copies; mutation goes
// through Put and Delete so nothing outside the book aliases a live record.
type PositionBook struct {
	positions map[PositionKey]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[PositionKey]*Position)}
}

// Get returns a copy of the position, or false when the slot is empty.
func (b *PositionBook) Get(key PositionKey) (Position, bool) {
	p, ok := b.positions[key]
	if !ok {
		return Position{Key: key}, false
	}
	return *p, true
}

// Put stores a position. An empty position deletes the slot.
func (b *PositionBook) Put(p Position) {
	if p.Size.IsZero() {
		delete(b.positions, p.Key)
		return
	}
	cp := p
	b.positions[p.Key] = &cp
}

func (b *PositionBook) Delete(key PositionKey) {
	delete(b.positions, key)
}

func (b *PositionBook) Len() int {
	return len(b.positions)
}

// All returns copies of every open position sorted by key string.
func (b *PositionBook) All() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ByIndexToken returns open positions marked against the index token.
func (b *PositionBook) ByIndexToken(indexToken string) []Position {
	out := make([]Position, 0)
	for _, p := range b.positions {
		if p.Key.IndexToken == indexToken {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ByAccount returns every open position of an account.
func (b *PositionBook) ByAccount(account string) []Position {
	out := make([]Position, 0)
	for _, p := range b.positions {
		if p.Key.Account == account {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// TotalReserve sums ReserveAmount across positions collateralised in token.
func (b *PositionBook) TotalReserve(collateralToken string) *uint256.Int {
	total := new(uint256.Int)
	for _, p := range b.positions {
		if p.Key.CollateralToken == collateralToken {
			total.Add(total, &p.ReserveAmount)
		}
	}
	return total
}

// internal/state/position.go
package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PositionKey identifies a position slot. One account may hold one position per
// (collateral, index, side) combination.
type PositionKey struct {
	Account         string
	CollateralToken string
	IndexToken      string
	IsLong          bool
}

func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Account, k.CollateralToken, k.IndexToken, side)
}

// Position is a leveraged position. Size, Collateral and AveragePrice are 1e30 USD,
// ReserveAmount is in collateral token units.
type Position struct {
	Key           PositionKey
	Size          uint256.Int
	Collateral    uint256.Int
	AveragePrice  uint256.Int
	ReserveAmount uint256.Int
	// EntryFundingRate is recorded on every increase but no fee formula reads it.
	EntryFundingRate  uint256.Int
	RealisedPnl       uint256.Int // signed, two's complement
	LastIncreasedTime int64       // unix seconds
}

// IsEmpty returns true if the slot holds no exposure
func (p *Position) IsEmpty() bool {
	return p == nil || p.Size.IsZero()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, byte(len(p.Key.Account)))
	buf = append(buf, []byte(p.Key.Account)...)
	buf = append(buf, byte(len(p.Key.CollateralToken)))
	buf = append(buf, []byte(p.Key.CollateralToken)...)
	buf = append(buf, byte(len(p.Key.IndexToken)))
	buf = append(buf, []byte(p.Key.IndexToken)...)
	if p.Key.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendUint256(buf, &p.Size)
	buf = appendUint256(buf, &p.Collateral)
	buf = appendUint256(buf, &p.AveragePrice)
	buf = appendUint256(buf, &p.ReserveAmount)
	buf = appendUint256(buf, &p.EntryFundingRate)
	buf = appendUint256(buf, &p.RealisedPnl)
	buf = appendInt64LE(buf, p.LastIncreasedTime)

	return buf
}

package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is a raw fixed-point integer. It encodes as a base-10 JSON string so no
// precision is lost in transit; bare JSON numbers are accepted on decode.
type Amount struct {
	uint256.Int
}

func NewAmount(v *uint256.Int) Amount {
	var a Amount
	a.Set(v)
	return a
}

// Value returns a pointer to the underlying integer.
func (a *Amount) Value() *uint256.Int {
	return &a.Int
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Int.Dec())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		a.Clear()
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("amount %s: %w", data, err)
	}
	a.Set(v)
	return nil
}

package vault

import (
	"sort"

	"github.com/holiman/uint256"
)

// CustodyEntry tracks the tokens the vault physically holds against what it has
// already accounted for. Balance - Recorded is the pending inbound amount that the
// next operation on the token will pick up.
type CustodyEntry struct {
	Token    string
	Balance  uint256.Int
	Recorded uint256.Int
}

// Pending returns the unrecorded inbound amount.
func (e *CustodyEntry) Pending() *uint256.Int {
	if e.Recorded.Gt(&e.Balance) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&e.Balance, &e.Recorded)
}

// Custody is the vault's token holdings.
type Custody struct {
	entries map[string]*CustodyEntry
}

func NewCustody() *Custody {
	return &Custody{entries: make(map[string]*CustodyEntry)}
}

// Copy returns a value copy; an untouched token yields a zero entry.
func (c *Custody) Copy(token string) CustodyEntry {
	if e := c.entries[token]; e != nil {
		return *e
	}
	return CustodyEntry{Token: token}
}

func (c *Custody) Put(e CustodyEntry) {
	cp := e
	c.entries[e.Token] = &cp
}

// All returns copies sorted by token.
func (c *Custody) All() []CustodyEntry {
	out := make([]CustodyEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

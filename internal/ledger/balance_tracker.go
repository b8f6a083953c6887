package ledger

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are signed
// (two's complement) because external boundary accounts run negative.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

func (bt *BalanceTracker) slot(key AccountKey) *uint256.Int {
	b := bt.balances[key]
	if b == nil {
		b = new(uint256.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.slot(j.DebitAccount)
	debit.Add(debit, &j.Amount)
	credit := bt.slot(j.CreditAccount)
	credit.Sub(credit, &j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if b := bt.balances[key]; b != nil {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// SetBalance overwrites an account balance. Used on snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *uint256.Int) {
	bt.slot(key).Set(balance)
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: -%s", key.AccountPath(), new(uint256.Int).Abs(balance).Dec())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*uint256.Int {
	totals := make(map[string]*uint256.Int)

	for key, balance := range bt.balances {
		t := totals[key.Asset]
		if t == nil {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(v)
	}
	return snapshot
}

// FormatBalance renders a signed balance as a base-10 string with a leading '-' when
// negative.
func FormatBalance(b *uint256.Int) string {
	if b.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(b).Dec()
	}
	return b.Dec()
}

// ParseBalance is the inverse of FormatBalance.
func ParseBalance(s string) (*uint256.Int, error) {
	neg := strings.HasPrefix(s, "-")
	v, err := uint256.FromDecimal(strings.TrimPrefix(s, "-"))
	if err != nil {
		return nil, fmt.Errorf("balance %q: %w", s, err)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// Accounts returns every tracked account path with its formatted balance.
func (bt *BalanceTracker) Accounts() map[string]string {
	out := make(map[string]string, len(bt.balances))
	for k, v := range bt.balances {
		out[k.AccountPath()] = FormatBalance(v)
	}
	return out
}

// Reset drops every balance, before a snapshot restore.
func (bt *BalanceTracker) Reset() {
	bt.balances = make(map[AccountKey]*uint256.Int)
}

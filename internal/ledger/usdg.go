package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// USDGLedger is the synthetic stable token's balance book. Supply is the negated
// balance of the external mint account, so the book stays zero-sum.
type USDGLedger struct {
	mu      sync.RWMutex
	symbol  string
	tracker *BalanceTracker
}

func NewUSDGLedger(symbol string) *USDGLedger {
	return &USDGLedger{symbol: symbol, tracker: NewBalanceTracker()}
}

func (l *USDGLedger) Symbol() string {
	return l.symbol
}

// Mint credits amount to the account.
func (l *USDGLedger) Mint(to string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracker.ApplyJournal(Journal{
		DebitAccount:  NewUserAccountKey(to, l.symbol),
		CreditAccount: NewExternalAccountKey(SubTypeExternalMint, l.symbol),
		Asset:         l.symbol,
		Amount:        *amount,
		JournalType:   JournalTypeMint,
	})
	return nil
}

// Burn debits amount from the account; the balance may not go negative.
func (l *USDGLedger) Burn(from string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := NewUserAccountKey(from, l.symbol)
	bal := l.tracker.GetBalance(key)
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s from %s (balance %s): %w", amount.Dec(), from, bal.Dec(), ErrInsufficientBalance)
	}

	l.tracker.ApplyJournal(Journal{
		DebitAccount:  NewExternalAccountKey(SubTypeExternalMint, l.symbol),
		CreditAccount: key,
		Asset:         l.symbol,
		Amount:        *amount,
		JournalType:   JournalTypeBurn,
	})
	return nil
}

// BalanceOf returns the account's USDG balance.
func (l *USDGLedger) BalanceOf(account string) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetBalance(NewUserAccountKey(account, l.symbol))
}

// TotalSupply returns minted minus burned.
func (l *USDGLedger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalMint, l.symbol))
	return new(uint256.Int).Neg(b)
}

// Balances returns every holder balance, for snapshots.
func (l *USDGLedger) Balances() map[string]*uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]*uint256.Int)
	for key, bal := range l.tracker.Snapshot() {
		if key.Scope == AccountScopeUser && !bal.IsZero() {
			out[key.Owner] = bal
		}
	}
	return out
}

// Restore rebuilds the book from holder balances.
func (l *USDGLedger) Restore(balances map[string]*uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracker = NewBalanceTracker()
	supply := new(uint256.Int)
	for owner, bal := range balances {
		l.tracker.SetBalance(NewUserAccountKey(owner, l.symbol), bal)
		supply.Add(supply, bal)
	}
	l.tracker.SetBalance(NewExternalAccountKey(SubTypeExternalMint, l.symbol), new(uint256.Int).Neg(supply))
}

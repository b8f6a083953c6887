package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit       JournalType = iota // external -> unallocated
	JournalTypePoolIn                           // unallocated -> pool
	JournalTypePoolOut                          // pool -> unallocated
	JournalTypeFeeAccrual                       // unallocated -> fees
	JournalTypeFeeWithdrawal                    // fees -> unallocated
	JournalTypePayout                           // unallocated -> user wallet
	JournalTypeMint                             // external mint -> user wallet (USDG)
	JournalTypeBurn                             // user wallet -> external mint (USDG)
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypePoolIn:
		return "pool_in"
	case JournalTypePoolOut:
		return "pool_out"
	case JournalTypeFeeAccrual:
		return "fee_accrual"
	case JournalTypeFeeWithdrawal:
		return "fee_withdrawal"
	case JournalTypePayout:
		return "payout"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Movement is one balanced transfer recorded by a vault operation before it is
// stamped with ids and a sequence.
type Movement struct {
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Asset         string
	Amount        uint256.Int
	JournalType   JournalType
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         string      // Token being moved
	Amount        uint256.Int // Token units, always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every entry is
// balanced by construction; multi-leg operations use several entries under one batch.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.Amount.Sign() < 0 {
			return fmt.Errorf("journal %s amount overflows signed range", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset)
		}
	}

	return nil
}

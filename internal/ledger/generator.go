package ledger

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds name-based UUIDs so replaying the same event yields the same ids.
var journalNamespace = uuid.MustParse("6f1c2a3e-9b7d-5e41-8c0a-2d4b6e8f1a35")

// GenerateBatch stamps the movements of one event into a journal batch. Every journal
// carries the event's sequence and a UUIDv5 derived from (sequence, index).
// Zero-amount movements are dropped.
func GenerateBatch(sequence int64, eventRef string, timestamp int64, movements []Movement) *Batch {
	batchID := deterministicID(sequence, -1)

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(movements)),
	}

	for i, m := range movements {
		if m.Amount.IsZero() {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     deterministicID(sequence, i),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  m.DebitAccount,
			CreditAccount: m.CreditAccount,
			Asset:         m.Asset,
			Amount:        m.Amount,
			JournalType:   m.JournalType,
			Timestamp:     timestamp,
		})
	}

	return batch
}

// NewMovement builds a movement of amount between two accounts of the same asset.
func NewMovement(t JournalType, debit, credit AccountKey, amount *uint256.Int) Movement {
	m := Movement{DebitAccount: debit, CreditAccount: credit, Asset: debit.Asset, JournalType: t}
	m.Amount.Set(amount)
	return m
}

func deterministicID(sequence int64, index int) uuid.UUID {
	var name [16]byte
	binary.LittleEndian.PutUint64(name[:8], uint64(sequence))
	binary.LittleEndian.PutUint64(name[8:], uint64(int64(index)))
	return uuid.NewSHA1(journalNamespace, name[:])
}

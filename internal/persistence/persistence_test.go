package persistence_test

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/persistence"
	"PerpVault/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope(t *testing.T, seq int64, rejection string) *event.EventEnvelope {
	t.Helper()

	evt := &event.BuyUSDG{
		RequestID: uuid.New(),
		Token:     "DAI",
		Receiver:  "alice",
		Sequence:  seq,
		Timestamp: 1_700_000_000_000_000,
	}
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	token := "DAI"
	return &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Token:          &token,
		Timestamp:      time.UnixMicro(evt.Timestamp).UTC(),
		SourceSequence: seq,
		Payload:        payload,
		Rejection:      rejection,
		StateHash:      [32]byte{byte(seq + 1)},
		PrevHash:       [32]byte{byte(seq)},
	}
}

func TestNewEventRow_CarriesEnvelope(t *testing.T) {
	env := sampleEnvelope(t, 4, "")
	row := persistence.NewEventRow(env, []byte("digest"))

	assert.Equal(t, int64(4), row.Sequence)
	assert.Equal(t, "BuyUSDG", row.EventType)
	assert.Equal(t, env.IdempotencyKey, row.IdempotencyKey)
	assert.Nil(t, row.Rejection)
	assert.Equal(t, env.StateHash[:], row.StateHash)

	rejected := persistence.NewEventRow(sampleEnvelope(t, 5, "price unavailable"), nil)
	require.NotNil(t, rejected.Rejection)
	assert.Equal(t, "price unavailable", *rejected.Rejection)
}

func TestDecodeEvent_RebuildsPayload(t *testing.T) {
	env := sampleEnvelope(t, 2, "")
	row := persistence.NewEventRow(env, nil)

	evt, err := persistence.DecodeEvent(row)
	require.NoError(t, err)
	assert.Equal(t, env.IdempotencyKey, evt.IdempotencyKey())

	hash, err := persistence.StateHashOf(row)
	require.NoError(t, err)
	assert.Equal(t, env.StateHash, hash)

	row.EventType = "Bogus"
	_, err = persistence.DecodeEvent(row)
	assert.Error(t, err)

	row.StateHash = []byte{1, 2}
	_, err = persistence.StateHashOf(row)
	assert.Error(t, err)
}

func TestNewJournalRows_UsesAccountPaths(t *testing.T) {
	amount := fpmath.MustParseUnits("12.5", 18)
	batch := ledger.GenerateBatch(9, "buy:1", 1_000, []ledger.Movement{
		ledger.NewMovement(ledger.JournalTypePoolIn,
			ledger.NewVaultAccountKey(ledger.SubTypePool, "DAI"),
			ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, "DAI"),
			amount),
	})

	rows := persistence.NewJournalRows(batch)
	require.Len(t, rows, 1)
	assert.Equal(t, "vault:pool:DAI", rows[0].DebitAccount)
	assert.Equal(t, "vault:unallocated:DAI", rows[0].CreditAccount)
	assert.Equal(t, amount.Dec(), rows[0].Amount)
	assert.Equal(t, int64(9), rows[0].Sequence)
	assert.Empty(t, persistence.NewJournalRows(nil))
}

func TestMigrations_Paired(t *testing.T) {
	ups, err := persistence.ListMigrationFiles(persistence.Migrations(), ".up.sql")
	require.NoError(t, err)
	downs, err := persistence.ListMigrationFiles(persistence.Migrations(), ".down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
	assert.Equal(t, "000001_event_log.up.sql", ups[0])
}

// ============================================================================
// Integration: Postgres
// ============================================================================

type replayRecorder struct {
	seqs []int64
}

func (r *replayRecorder) ReplayEvent(evt event.Event, sequence int64, _ [32]byte) error {
	r.seqs = append(r.seqs, sequence)
	return nil
}

func TestPersistenceWorker_WritesAndReplays(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan persistence.CoreOutput, 8)
	worker := persistence.NewPersistenceWorker(db, in, 2, 50*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for seq := int64(0); seq < 3; seq++ {
		in <- persistence.CoreOutput{EventRow: persistence.NewEventRow(sampleEnvelope(t, seq, ""), []byte("d"))}
	}
	close(in)
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	rec := &replayRecorder{}
	n, err := sm.ReplayFrom(ctx, rec, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, rec.seqs)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("BuyUSDG", sampleEnvelope(t, 0, "").IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, dup, "fresh request ids are not duplicates")
}

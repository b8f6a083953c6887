package main

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depositOutput(seq int64, account string) core.CoreOutput {
	journal := ledger.Journal{
		Sequence:      seq,
		DebitAccount:  ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, "DAI"),
		CreditAccount: ledger.NewUserAccountKey(account, "DAI"),
		Asset:         "DAI",
		Amount:        *uint256.NewInt(100),
	}
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: "dep-" + account,
			EventType:      event.EventTypeTokenDeposit,
			Timestamp:      time.Unix(1_700_000_000, 0),
		},
		Batch: &ledger.Batch{Sequence: seq, Journals: []ledger.Journal{journal}},
	}
}

// ============================================================================
// touchedAccounts
// ============================================================================

func TestTouchedAccounts_UsersFromJournalsAndPositions(t *testing.T) {
	out := depositOutput(3, "bob")
	out.Receipt = &vault.Receipt{Touched: vault.Touched{Positions: []state.PositionKey{
		{Account: "alice", CollateralToken: "BTC", IndexToken: "BTC", IsLong: true},
		{Account: "bob", CollateralToken: "DAI", IndexToken: "ETH"},
	}}}

	assert.Equal(t, []string{"alice", "bob"}, touchedAccounts(out))
}

func TestTouchedAccounts_VaultOnlyMovements(t *testing.T) {
	out := depositOutput(1, "bob")
	out.Batch.Journals[0].CreditAccount = ledger.NewVaultAccountKey(ledger.SubTypePool, "DAI")

	assert.Empty(t, touchedAccounts(out))
}

// ============================================================================
// outputBridge
// ============================================================================

type recordingCache struct{ accounts []string }

func (r *recordingCache) InvalidateAccount(_ context.Context, account string) error {
	r.accounts = append(r.accounts, account)
	return nil
}

func TestOutputBridge_FansOutAndClosesOnDrain(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persistIn := make(chan core.CoreOutput, 4)
	projectionIn := make(chan core.CoreOutput, 4)
	persistOut := make(chan persistence.CoreOutput, 4)
	projectionOut := make(chan projection.ProjectionOutput, 4)
	publishOut := make(chan ingestion.PublishableEvent, 1)
	invalidate := make(chan []string, 4)

	var broadcast []int64
	b := &outputBridge{
		persistOut:    persistOut,
		projectionOut: projectionOut,
		publishOut:    publishOut,
		invalidateOut: invalidate,
		broadcast:     func(pe ingestion.PublishableEvent) { broadcast = append(broadcast, pe.Sequence) },
		metrics:       metrics,
		log:           zerolog.Nop(),
	}

	for seq, acct := range []string{"alice", "bob"} {
		out := depositOutput(int64(seq), acct)
		persistIn <- out
		projectionIn <- out
	}
	close(persistIn)
	close(projectionIn)

	b.run(persistIn, projectionIn)

	var rows []persistence.CoreOutput
	for row := range persistOut {
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0), rows[0].EventRow.Sequence)
	assert.Equal(t, "user:alice:wallet:DAI", rows[0].JournalRows[0].CreditAccount)
	assert.Equal(t, int64(1), rows[1].EventRow.Sequence)

	var projected int
	for range projectionOut {
		projected++
	}
	assert.Equal(t, 2, projected)

	// publish buffer holds one; the second is dropped but still broadcast
	var published int
	for range publishOut {
		published++
	}
	assert.Equal(t, 1, published)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishDrops))
	assert.Equal(t, []int64{0, 1}, broadcast)

	cache := &recordingCache{}
	runInvalidations(invalidate, cache, zerolog.Nop())
	assert.Equal(t, []string{"alice", "bob"}, cache.accounts)
}

func TestOutputBridge_ProjectionDropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persistIn := make(chan core.CoreOutput)
	projectionIn := make(chan core.CoreOutput, 3)
	projectionOut := make(chan projection.ProjectionOutput, 1)

	b := &outputBridge{
		persistOut:    make(chan persistence.CoreOutput),
		projectionOut: projectionOut,
		publishOut:    make(chan ingestion.PublishableEvent),
		metrics:       metrics,
		log:           zerolog.Nop(),
	}
	for i := int64(0); i < 3; i++ {
		projectionIn <- depositOutput(i, "carol")
	}
	close(projectionIn)
	close(persistIn)

	b.run(persistIn, projectionIn)

	assert.Len(t, projectionOut, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ProjectionDrops.WithLabelValues("bridge")))
}

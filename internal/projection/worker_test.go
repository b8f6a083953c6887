package projection_test

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/projection"
	"PerpVault/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBuy drives a core through listing DAI and one mint, returning every output.
func runBuy(t *testing.T, priced bool) []core.CoreOutput {
	t.Helper()

	out := make(chan core.CoreOutput, 16)
	c, err := core.NewDeterministicCore(core.CoreConfig{}, oracle.NewFeedOracle(), out, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	ts := int64(1_700_000_000_000_000)
	events := []event.Event{
		&event.TokenConfigUpdate{Token: "DAI", Decimals: 18, Weight: 1, IsStable: true, Timestamp: ts},
		&event.TokenDeposit{DepositID: uuid.New(), Account: "alice", Token: "DAI",
			Amount: event.NewAmount(fpmath.MustParseUnits("100", 18)), Timestamp: ts},
	}
	if priced {
		events = append(events, &event.PriceUpdate{Token: "DAI", Price: event.NewAmount(fpmath.USD("1")), PriceTimestamp: ts})
	}
	events = append(events, &event.BuyUSDG{RequestID: uuid.New(), Token: "DAI", Receiver: "alice", Timestamp: ts})

	for _, evt := range events {
		require.NoError(t, c.ProcessEvent(evt))
	}
	close(out)

	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return outputs
}

func TestFromCoreOutput_CarriesTouchedState(t *testing.T) {
	outputs := runBuy(t, true)
	buy := projection.FromCoreOutput(outputs[len(outputs)-1])

	assert.Equal(t, "BuyUSDG", buy.EventType)
	require.Len(t, buy.Pools, 1)
	assert.Equal(t, "DAI", buy.Pools[0].Token)
	assert.False(t, buy.Pools[0].PoolAmount.IsZero())
	assert.NotEmpty(t, buy.Journals)
	assert.Nil(t, buy.Liquidation)

	cfg := projection.FromCoreOutput(outputs[0])
	assert.Empty(t, cfg.Pools, "config events carry no receipt")
	assert.Empty(t, cfg.Journals)
}

func TestFromCoreOutput_RejectedOnlyAdvancesWatermark(t *testing.T) {
	outputs := runBuy(t, false)
	last := outputs[len(outputs)-1]
	require.True(t, last.Envelope.Rejected())

	po := projection.FromCoreOutput(last)
	assert.Equal(t, last.Envelope.Sequence, po.Sequence)
	assert.Empty(t, po.Journals)
	assert.Empty(t, po.Pools)
}

func TestProjectionWorker_WritesPoolState(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan projection.ProjectionOutput, 8)
	for _, o := range runBuy(t, true) {
		in <- projection.FromCoreOutput(o)
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, projection.NewProjectionWorker(db, in, nil, zerolog.Nop()).Run(ctx))

	wm, err := projection.Watermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm)

	var pool string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT pool_amount::text FROM projections.pool_state WHERE token = 'DAI'`).Scan(&pool))
	assert.NotEqual(t, "0", pool)
}

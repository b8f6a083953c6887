package config_test

import (
	"PerpVault/internal/config"
	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalVault = `
fees:
  mint_burn_fee_bps: 30
  margin_fee_bps: 10
  liquidation_fee_usd: "5"
tokens:
  - token: DAI
    decimals: 18
    weight: 10000
    is_stable: true
    initial_price: 1
  - token: BTC
    decimals: 8
    weight: 10000
    buffer_amount: 0.5
    max_global_short_size: 1000000
    is_shortable: true
`

func TestLoadVaultFile_ShippedConfigIsValid(t *testing.T) {
	vf, err := config.LoadVaultFile("../../configs/vault.yaml")
	require.NoError(t, err)
	require.NoError(t, vf.Validate())

	assert.Len(t, vf.Tokens, 4)
	assert.Equal(t, "treasury", vf.FeeReceiver)

	fees, err := vf.FeeSchedule()
	require.NoError(t, err)
	assert.Equal(t, int64(3*60*60), fees.MinProfitTime)
	assert.Equal(t, fpmath.USD("5"), &fees.LiquidationFeeUsd)
}

func TestParseVaultFile_RejectsUnknownKeys(t *testing.T) {
	_, err := config.ParseVaultFile([]byte("tokens: []\nmax_leverage: 50\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no tokens", "fees: {}\n"},
		{"duplicate token", "tokens:\n  - {token: DAI, decimals: 18}\n  - {token: DAI, decimals: 18}\n"},
		{"decimals above 30", "tokens:\n  - {token: XYZ, decimals: 31}\n"},
		{"fee above cap", "fees: {swap_fee_bps: 501}\ntokens:\n  - {token: DAI, decimals: 18}\n"},
		{"stable and shortable", "tokens:\n  - {token: DAI, decimals: 18, is_stable: true, is_shortable: true}\n"},
		{"leverage at 1x", "max_leverage_bps: 10000\ntokens:\n  - {token: DAI, decimals: 18}\n"},
		{"usdg collision", "tokens:\n  - {token: USDG, decimals: 18}\n"},
		{"auto liquidate without receiver", "auto_liquidate: true\ntokens:\n  - {token: DAI, decimals: 18}\n"},
		{"buffer finer than decimals", "tokens:\n  - {token: USDC, decimals: 6, buffer_amount: 0.0000001}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vf, err := config.ParseVaultFile([]byte(tc.yaml))
			require.NoError(t, err)
			assert.Error(t, vf.Validate())
		})
	}

	vf, err := config.ParseVaultFile([]byte(minimalVault))
	require.NoError(t, err)
	assert.NoError(t, vf.Validate())
}

func TestBootstrapEvents_ConfigureEmptyCore(t *testing.T) {
	vf, err := config.ParseVaultFile([]byte(minimalVault))
	require.NoError(t, err)

	c, err := core.NewDeterministicCore(core.CoreConfig{}, oracle.NewFeedOracle(), nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	events, err := vf.BootstrapEvents(c.PartitionCursor(core.PartitionConfig), time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	// fees, settings, two tokens, one initial price
	require.Len(t, events, 5)

	for _, evt := range events {
		require.NoError(t, c.ProcessEvent(evt), evt.IdempotencyKey())
	}
	assert.Equal(t, int64(5), c.GetSequence())

	v := c.Vault()
	btc, err := v.TokenConfig("BTC")
	require.NoError(t, err)
	assert.True(t, btc.IsShortable)
	assert.Equal(t, fpmath.MustParseUnits("0.5", 8), &btc.BufferAmount)
	assert.Equal(t, fpmath.USD("1000000"), &btc.MaxGlobalShortSize)
	assert.Equal(t, uint64(500_000), v.MaxLeverage())
	assert.Equal(t, uint64(30), v.Fees().MintBurnFeeBps)

	price, err := c.Prices().MinPrice("DAI")
	require.NoError(t, err)
	assert.Equal(t, fpmath.USD("1"), price)
	_, err = c.Prices().MinPrice("BTC")
	assert.Error(t, err, "BTC waits for the feed")
}

func TestDefaultConfig_ReadsEnvironment(t *testing.T) {
	t.Setenv("PERP_GRPC_ADDR", ":7000")
	t.Setenv("PERP_SNAPSHOT_INTERVAL", "500")
	t.Setenv("PERP_INGEST_RATE", "2.5")
	t.Setenv("PERP_CACHE_TTL", "750ms")
	t.Setenv("PERP_PERSIST_BATCH_SIZE", "not-a-number")

	cfg := config.DefaultConfig()
	assert.Equal(t, ":7000", cfg.GRPCAddr)
	assert.Equal(t, int64(500), cfg.SnapshotInterval)
	assert.Equal(t, 2.5, cfg.IngestRate)
	assert.Equal(t, 750*time.Millisecond, cfg.CacheTTL)
	assert.Equal(t, 50, cfg.PersistBatchSize, "malformed values keep the default")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ValidatesVaultFile(t *testing.T) {
	t.Setenv("PERP_VAULT_CONFIG", "../../configs/vault.yaml")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Vault)

	t.Setenv("PERP_VAULT_CONFIG", "does-not-exist.yaml")
	_, err = config.Load()
	assert.Error(t, err)
}

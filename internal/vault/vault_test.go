package vault_test

import (
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNow = int64(1_700_000_000)

func testFees() state.FeeSchedule {
	s := state.FeeSchedule{
		TaxBps:           50,
		StableTaxBps:     10,
		MintBurnFeeBps:   4,
		SwapFeeBps:       30,
		StableSwapFeeBps: 4,
		MarginFeeBps:     10,
	}
	s.LiquidationFeeUsd.Set(fpmath.USD("5"))
	return s
}

type fixture struct {
	t        *testing.T
	v        *vault.Vault
	prices   *oracle.FeedOracle
	usdg     *ledger.USDGLedger
	seq      int64
	now      int64
	receipts []*vault.Receipt
}

// defaultPrices covers every token newFixture whitelists; AUM reads all of them.
var defaultPrices = [][2]string{{"DAI", "1"}, {"BTC", "40000"}, {"SOL", "150"}}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newUnpricedFixture(t)
	for _, p := range defaultPrices {
		f.setPrice(p[0], p[1])
	}
	return f
}

func newUnpricedFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		prices: oracle.NewFeedOracle(),
		usdg:   ledger.NewUSDGLedger("USDG"),
		now:    testNow,
	}
	v, err := vault.New(f.prices, f.usdg,
		vault.WithFeeSchedule(testFees()),
		vault.WithClock(func() int64 { return f.now }),
	)
	require.NoError(t, err)
	f.v = v

	for _, cfg := range []state.TokenConfig{
		{Token: "DAI", Decimals: 18, Weight: 10000, IsStable: true},
		{Token: "BTC", Decimals: 8, Weight: 10000, IsShortable: true},
		{Token: "SOL", Decimals: 18, Weight: 10000, IsShortable: true},
	} {
		require.NoError(t, v.SetTokenConfig(cfg))
	}
	return f
}

func (f *fixture) setPrice(token, usd string) {
	f.t.Helper()
	f.seq++
	require.NoError(f.t, f.prices.UpdatePrice(token, fpmath.USD(usd), f.seq, f.now))
}

func (f *fixture) units(token, amount string) *uint256.Int {
	f.t.Helper()
	cfg, err := f.v.TokenConfig(token)
	require.NoError(f.t, err)
	return fpmath.MustParseUnits(amount, cfg.Decimals)
}

func (f *fixture) deposit(account, token, amount string) {
	f.t.Helper()
	f.do(f.v.DepositToken(account, token, f.units(token, amount)))
}

func (f *fixture) do(r *vault.Receipt, err error) *vault.Receipt {
	f.t.Helper()
	require.NoError(f.t, err)
	f.receipts = append(f.receipts, r)
	return r
}

func (f *fixture) pool(token string) state.PoolEntry {
	f.t.Helper()
	p, err := f.v.Pool(token)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) assertUnits(token, expected string, actual *uint256.Int) {
	f.t.Helper()
	assert.Equal(f.t, f.units(token, expected).Dec(), actual.Dec())
}

func assertUSD(t *testing.T, expected string, actual *uint256.Int) {
	t.Helper()
	assert.Equal(t, fpmath.USD(expected).Dec(), actual.Dec())
}

func (f *fixture) aum(maximise bool) *uint256.Int {
	f.t.Helper()
	aum, err := f.v.GetAum(maximise)
	require.NoError(f.t, err)
	return aum
}

// assertLedgerMatchesPools replays every receipt into a journal and checks the
// journal agrees with the pools, fee reserves and custody.
func (f *fixture) assertLedgerMatchesPools() {
	f.t.Helper()

	bt := ledger.NewBalanceTracker()
	for i, r := range f.receipts {
		require.NoError(f.t, bt.ApplyBatch(ledger.GenerateBatch(int64(i+1), r.Op, f.now, r.Movements)))
	}
	validator := ledger.NewInvariantValidator(bt)
	require.NoError(f.t, validator.ValidateGlobalBalance())

	for _, p := range f.v.Pools() {
		require.NoError(f.t, validator.ValidateAllocationsNonNegative(p.Token))
		assert.Equal(f.t, p.PoolAmount.Dec(), bt.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypePool, p.Token)).Dec(), "pool %s", p.Token)
		assert.Equal(f.t, p.FeeReserve.Dec(), bt.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypeFees, p.Token)).Dec(), "fees %s", p.Token)
		assert.True(f.t, p.IsSolvent(), "reserved above pool for %s", p.Token)

		c := f.v.CustodyOf(p.Token)
		held := new(uint256.Int).Add(&p.PoolAmount, &p.FeeReserve)
		require.False(f.t, held.Gt(&c.Balance), "pool and fees of %s exceed custody", p.Token)
		unallocated := new(uint256.Int).Sub(&c.Balance, held)
		assert.Equal(f.t, unallocated.Dec(), bt.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, p.Token)).Dec(), "unallocated %s", p.Token)
	}
}

// ============================================================================
// Test: BuyUSDG / SellUSDG
// ============================================================================

func TestBuyUSDG_ChargesMintFee(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")

	f.deposit("alice", "DAI", "100")
	r := f.do(f.v.BuyUSDG("DAI", "alice"))

	pool := f.pool("DAI")
	f.assertUnits("DAI", "99.96", &pool.PoolAmount)
	f.assertUnits("DAI", "0.04", &pool.FeeReserve)
	f.assertUnits("DAI", "99.96", &pool.UsdgAmount)
	f.assertUnits("DAI", "99.96", &r.AmountOut)
	f.assertUnits("DAI", "99.96", f.usdg.BalanceOf("alice"))
	f.assertLedgerMatchesPools()
}

func TestBuyUSDG_Rejections(t *testing.T) {
	f := newUnpricedFixture(t)

	_, err := f.v.BuyUSDG("XYZ", "alice")
	assert.ErrorIs(t, err, vault.ErrUnknownToken)

	_, err = f.v.BuyUSDG("DAI", "alice")
	assert.ErrorIs(t, err, vault.ErrInvalidAmount)

	f.deposit("alice", "DAI", "100")
	_, err = f.v.BuyUSDG("DAI", "alice")
	assert.ErrorIs(t, err, vault.ErrPriceUnavailable)

	// The failed buy left the deposit pending.
	f.setPrice("DAI", "1")
	f.do(f.v.BuyUSDG("DAI", "alice"))
	pool := f.pool("DAI")
	f.assertUnits("DAI", "99.96", &pool.PoolAmount)
}

func TestBuyUSDG_MaxUsdgAmount(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")
	require.NoError(t, f.v.SetTokenConfig(state.TokenConfig{
		Token: "DAI", Decimals: 18, Weight: 10000, IsStable: true,
		MaxUsdgAmount: *fpmath.MustParseUnits("50", 18),
	}))

	f.deposit("alice", "DAI", "100")
	_, err := f.v.BuyUSDG("DAI", "alice")
	assert.ErrorIs(t, err, vault.ErrMaxUsdgExceeded)

	pool := f.pool("DAI")
	assert.True(t, pool.PoolAmount.IsZero())
	assert.True(t, pool.UsdgAmount.IsZero())
	assert.True(t, f.usdg.TotalSupply().IsZero())
}

func TestSellUSDG_RedeemsAtMaxPrice(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")
	f.deposit("alice", "DAI", "1000")
	f.do(f.v.BuyUSDG("DAI", "alice"))

	redemption, err := f.v.GetRedemptionAmount("DAI", f.units("DAI", "100"))
	require.NoError(t, err)
	f.assertUnits("DAI", "100", redemption)

	r := f.do(f.v.SellUSDG("alice", "DAI", f.units("DAI", "100"), "alice"))
	f.assertUnits("DAI", "99.96", &r.AmountOut)

	pool := f.pool("DAI")
	f.assertUnits("DAI", "899.6", &pool.PoolAmount)
	f.assertUnits("DAI", "899.6", &pool.UsdgAmount)
	f.assertUnits("DAI", "0.44", &pool.FeeReserve)
	f.assertUnits("DAI", "899.6", f.usdg.BalanceOf("alice"))
	f.assertLedgerMatchesPools()
}

func TestSellUSDG_BurnFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")
	f.deposit("alice", "DAI", "100")
	f.do(f.v.BuyUSDG("DAI", "alice"))
	before := f.v.Snapshot()

	_, err := f.v.SellUSDG("bob", "DAI", f.units("DAI", "10"), "bob")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	assert.Equal(t, before, f.v.Snapshot())
	f.assertLedgerMatchesPools()
}

// ============================================================================
// Test: Swap
// ============================================================================

func seedSwapPools(f *fixture) {
	f.setPrice("DAI", "1")
	f.setPrice("SOL", "150")
	f.deposit("lp", "DAI", "1000")
	f.do(f.v.BuyUSDG("DAI", "lp"))
	f.deposit("lp", "SOL", "10")
	f.do(f.v.BuyUSDG("SOL", "lp"))
}

func TestSwap_MovesPoolsAndDebt(t *testing.T) {
	f := newFixture(t)
	seedSwapPools(f)

	f.deposit("alice", "DAI", "150")
	r := f.do(f.v.Swap("DAI", "SOL", "alice"))
	f.assertUnits("SOL", "0.997", &r.AmountOut)

	dai, sol := f.pool("DAI"), f.pool("SOL")
	f.assertUnits("DAI", "1149.6", &dai.PoolAmount)
	f.assertUnits("SOL", "8.996", &sol.PoolAmount)
	f.assertUnits("DAI", "1149.6", &dai.UsdgAmount)
	f.assertUnits("DAI", "1349.4", &sol.UsdgAmount)
	f.assertUnits("SOL", "0.007", &sol.FeeReserve)
	f.assertLedgerMatchesPools()
}

func TestSwap_Rejections(t *testing.T) {
	f := newFixture(t)
	seedSwapPools(f)

	f.deposit("alice", "DAI", "150")
	_, err := f.v.Swap("DAI", "DAI", "alice")
	assert.ErrorIs(t, err, vault.ErrSameToken)

	require.NoError(t, f.v.SetBufferAmount("SOL", f.units("SOL", "9.5")))
	before := f.v.Snapshot()
	_, err = f.v.Swap("DAI", "SOL", "alice")
	assert.ErrorIs(t, err, vault.ErrPoolBelowBuffer)
	assert.Equal(t, before, f.v.Snapshot())

	f.v.SetIsSwapEnabled(false)
	_, err = f.v.Swap("DAI", "SOL", "alice")
	assert.ErrorIs(t, err, vault.ErrSwapsDisabled)
}

// ============================================================================
// Test: Fees, config and views
// ============================================================================

func TestWithdrawFees(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")
	f.deposit("alice", "DAI", "100")
	f.do(f.v.BuyUSDG("DAI", "alice"))

	r := f.do(f.v.WithdrawFees("DAI", "treasury"))
	f.assertUnits("DAI", "0.04", &r.AmountOut)
	pool := f.pool("DAI")
	assert.True(t, pool.FeeReserve.IsZero())

	_, err := f.v.WithdrawFees("DAI", "treasury")
	assert.ErrorIs(t, err, vault.ErrInsufficientFeeReserve)
	f.assertLedgerMatchesPools()
}

func TestClearTokenConfig_RefusesLiveToken(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")
	f.deposit("alice", "DAI", "100")
	f.do(f.v.BuyUSDG("DAI", "alice"))

	assert.ErrorIs(t, f.v.ClearTokenConfig("DAI"), vault.ErrTokenInUse)
	require.NoError(t, f.v.ClearTokenConfig("SOL"))
	_, err := f.v.Pool("SOL")
	assert.ErrorIs(t, err, vault.ErrUnknownToken)
	assert.ErrorIs(t, f.v.ClearTokenConfig("SOL"), vault.ErrUnknownToken)
}

func TestTargetUsdgAmount_SplitsByWeight(t *testing.T) {
	f := newFixture(t)
	seedSwapPools(f)

	// total debt 999.6 + 1499.4 = 2499 across three equal weights
	target, err := f.v.GetTargetUsdgAmount("BTC")
	require.NoError(t, err)
	f.assertUnits("DAI", "833", target)
}

func TestConfigValidation(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.v.SetMaxLeverage(fpmath.BasisPoints), vault.ErrInvalidConfig)
	require.NoError(t, f.v.SetMaxLeverage(20*fpmath.BasisPoints))
	assert.Equal(t, uint64(20*fpmath.BasisPoints), f.v.MaxLeverage())

	bad := testFees()
	bad.MarginFeeBps = 501
	assert.ErrorIs(t, f.v.SetFees(bad), vault.ErrInvalidConfig)

	assert.ErrorIs(t, f.v.SetTokenConfig(state.TokenConfig{Token: "USDC", IsStable: true, IsShortable: true}), vault.ErrInvalidConfig)
}

func TestAum_SpreadOrdersMinAndMax(t *testing.T) {
	f := newFixture(t)
	seedSwapPools(f)
	require.NoError(t, f.prices.SetSpread("SOL", 20))

	lo, hi := f.aum(false), f.aum(true)
	assert.True(t, hi.Gt(lo))

	inUsdg, err := f.v.GetAumInUsdg(true)
	require.NoError(t, err)
	assert.Equal(t, fpmath.MulDiv(hi, fpmath.Pow10(fpmath.USDGDecimals), fpmath.PricePrecision).Dec(), inUsdg.Dec())
	// 999.6 DAI at 1 plus 9.996 SOL at 150.3
	f.assertUnits("DAI", "2501.9988", inUsdg)
}

func TestAum_NeedsEveryWhitelistedPrice(t *testing.T) {
	f := newUnpricedFixture(t)
	f.setPrice("DAI", "1")
	f.deposit("alice", "DAI", "100")
	f.do(f.v.BuyUSDG("DAI", "alice"))

	_, err := f.v.GetAum(true)
	assert.ErrorIs(t, err, vault.ErrPriceUnavailable)

	f.setPrice("BTC", "40000")
	f.setPrice("SOL", "150")
	aum := f.aum(true)
	assertUSD(t, "99.96", aum)
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.setPrice("DAI", "1")
	f.setPrice("BTC", "40000")
	f.deposit("alice", "DAI", "100")
	f.do(f.v.BuyUSDG("DAI", "alice"))
	f.deposit("bob", "DAI", "10")
	f.do(f.v.IncreasePosition("bob", "DAI", "BTC", fpmath.USD("90"), false))

	raw, err := json.Marshal(f.v.Snapshot())
	require.NoError(t, err)

	var snap vault.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored, err := vault.New(f.prices, f.usdg)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(&snap))

	assert.Equal(t, f.v.Snapshot(), restored.Snapshot())
	aum, err := restored.GetAum(false)
	require.NoError(t, err)
	assert.Equal(t, f.aum(false).Dec(), aum.Dec())
}

func TestSnapshot_RestoreRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	snap := f.v.Snapshot()
	snap.Pools = append(snap.Pools, vault.PoolSnapshot{Token: "DAI", PoolAmount: "12x"})

	before := f.v.Snapshot()
	assert.Error(t, f.v.Restore(snap))
	assert.Equal(t, before, f.v.Snapshot())
}

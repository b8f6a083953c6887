// Package vault is the pool accounting engine: a multi-token pool that backs the USDG
// synthetic and is the counterparty to every leveraged position.
//
// Every mutating operation runs inside a txn. The txn stages copies of whatever it
// touches and writes them back only if the whole operation succeeds, so a rejected
// operation leaves pools, positions, global shorts, custody and the USDG book exactly
// as they were.
package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// SyntheticLedger is the USDG token the vault mints and burns. The vault never reads
// its balances.
type SyntheticLedger interface {
	Mint(to string, amount *uint256.Int) error
	Burn(from string, amount *uint256.Int) error
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock sets the time source in unix seconds. Replays pass the event timestamp.
func WithClock(now func() int64) Option {
	return func(v *Vault) { v.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithUSDGSymbol names the synthetic in ledger movements. Default "USDG".
func WithUSDGSymbol(symbol string) Option {
	return func(v *Vault) { v.usdgSymbol = symbol }
}

// WithFeeSchedule replaces the default fee schedule.
func WithFeeSchedule(s state.FeeSchedule) Option {
	return func(v *Vault) { v.initialFees = &s }
}

type Vault struct {
	mu sync.RWMutex

	registry *state.TokenRegistry
	pools    *state.PoolLedger
	book     *state.PositionBook
	shorts   *state.GlobalShortTracker
	custody  *Custody
	fees     *state.FeeEngine

	oracle oracle.PriceOracle
	usdg   SyntheticLedger

	maxLeverageBps    uint64
	isSwapEnabled     bool
	isLeverageEnabled bool

	usdgSymbol  string
	initialFees *state.FeeSchedule
	now         func() int64
	log         zerolog.Logger
}

// New creates an empty vault with swaps and leverage enabled and 50x max leverage.
func New(prices oracle.PriceOracle, usdg SyntheticLedger, opts ...Option) (*Vault, error) {
	v := &Vault{
		registry:          state.NewTokenRegistry(),
		pools:             state.NewPoolLedger(),
		book:              state.NewPositionBook(),
		shorts:            state.NewGlobalShortTracker(),
		custody:           NewCustody(),
		oracle:            prices,
		usdg:              usdg,
		maxLeverageBps:    state.DefaultMaxLeverageBps,
		isSwapEnabled:     true,
		isLeverageEnabled: true,
		usdgSymbol:        "USDG",
		now:               func() int64 { return time.Now().Unix() },
		log:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}

	schedule := state.DefaultFeeSchedule()
	if v.initialFees != nil {
		schedule = *v.initialFees
	}
	fees, err := state.NewFeeEngine(schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	v.fees = fees

	return v, nil
}

// USDGSymbol returns the asset name used for synthetic movements.
func (v *Vault) USDGSymbol() string {
	return v.usdgSymbol
}

// ============================================================================
// Configuration
// ============================================================================

// SetTokenConfig whitelists a token or replaces its config. Pool state is kept.
func (v *Vault) SetTokenConfig(cfg state.TokenConfig) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.registry.Set(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	v.pools.GetOrCreate(cfg.Token)

	v.log.Info().
		Str("token", cfg.Token).
		Uint8("decimals", cfg.Decimals).
		Uint64("weight", cfg.Weight).
		Bool("stable", cfg.IsStable).
		Bool("shortable", cfg.IsShortable).
		Msg("token config set")
	return nil
}

// ClearTokenConfig removes a token from the whitelist. A token that still holds pool
// tokens or USDG debt cannot be removed.
func (v *Vault) ClearTokenConfig(token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.registry.IsWhitelisted(token) {
		return fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	entry := v.pools.Copy(token)
	if !entry.PoolAmount.IsZero() || !entry.UsdgAmount.IsZero() || !entry.ReservedAmount.IsZero() {
		return fmt.Errorf("clear %s: %w", token, ErrTokenInUse)
	}
	if err := v.registry.Clear(token); err != nil {
		return err
	}
	if entry.FeeReserve.IsZero() {
		v.pools.Delete(token)
	}
	v.log.Info().Str("token", token).Msg("token config cleared")
	return nil
}

// SetFees replaces the fee schedule.
func (v *Vault) SetFees(s state.FeeSchedule) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fees.SetSchedule(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SetMaxLeverage sets the leverage cap in basis points (500000 = 50x). Must exceed 1x.
func (v *Vault) SetMaxLeverage(bps uint64) error {
	if bps <= fpmath.BasisPoints {
		return fmt.Errorf("%w: max leverage must exceed %d bps, got %d", ErrInvalidConfig, fpmath.BasisPoints, bps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxLeverageBps = bps
	return nil
}

func (v *Vault) SetIsSwapEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.isSwapEnabled = enabled
}

func (v *Vault) SetIsLeverageEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.isLeverageEnabled = enabled
}

// SetBufferAmount sets the swap floor for a token's pool.
func (v *Vault) SetBufferAmount(token string, amount *uint256.Int) error {
	return v.updateTokenConfig(token, func(cfg *state.TokenConfig) {
		cfg.BufferAmount.Set(amount)
	})
}

// SetMaxGlobalShortSize caps open short interest on an index token. Zero is uncapped.
func (v *Vault) SetMaxGlobalShortSize(token string, size *uint256.Int) error {
	return v.updateTokenConfig(token, func(cfg *state.TokenConfig) {
		cfg.MaxGlobalShortSize.Set(size)
	})
}

func (v *Vault) updateTokenConfig(token string, mutate func(*state.TokenConfig)) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cfg, err := v.registry.Get(token)
	if err != nil {
		return err
	}
	next := *cfg
	mutate(&next)
	return v.registry.Set(next)
}

// Fees returns the current fee schedule.
func (v *Vault) Fees() state.FeeSchedule {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fees.Schedule()
}

// MaxLeverage returns the leverage cap in basis points.
func (v *Vault) MaxLeverage() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maxLeverageBps
}

// TokenConfig returns a copy of a whitelisted token's config.
func (v *Vault) TokenConfig(token string) (state.TokenConfig, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cfg, err := v.registry.Get(token)
	if err != nil {
		return state.TokenConfig{}, err
	}
	return *cfg, nil
}

// TokenConfigs returns every whitelisted config sorted by token.
func (v *Vault) TokenConfigs() []state.TokenConfig {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.registry.All()
}

// ============================================================================
// Price and unit conversion
// ============================================================================

func (v *Vault) minPrice(token string) (*uint256.Int, error) {
	p, err := v.oracle.MinPrice(token)
	if err != nil {
		return nil, fmt.Errorf("min price %s: %w", token, err)
	}
	return p, nil
}

func (v *Vault) maxPrice(token string) (*uint256.Int, error) {
	p, err := v.oracle.MaxPrice(token)
	if err != nil {
		return nil, fmt.Errorf("max price %s: %w", token, err)
	}
	return p, nil
}

func (v *Vault) decimals(token string) (uint8, error) {
	cfg, err := v.registry.Get(token)
	if err != nil {
		return 0, err
	}
	return cfg.Decimals, nil
}

// tokenToUsd converts token units to 1e30 USD at price.
func (v *Vault) tokenToUsd(token string, amount, price *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return new(uint256.Int), nil
	}
	dec, err := v.decimals(token)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amount, price, fpmath.Pow10(dec)), nil
}

// usdToToken converts 1e30 USD to token units at price.
func (v *Vault) usdToToken(token string, usd, price *uint256.Int) (*uint256.Int, error) {
	if usd.IsZero() {
		return new(uint256.Int), nil
	}
	dec, err := v.decimals(token)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(usd, fpmath.Pow10(dec), price), nil
}

func (v *Vault) tokenToUsdMin(token string, amount *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return new(uint256.Int), nil
	}
	price, err := v.minPrice(token)
	if err != nil {
		return nil, err
	}
	return v.tokenToUsd(token, amount, price)
}

// usdToTokenMin converts at the max price, giving the smaller token amount.
func (v *Vault) usdToTokenMin(token string, usd *uint256.Int) (*uint256.Int, error) {
	if usd.IsZero() {
		return new(uint256.Int), nil
	}
	price, err := v.maxPrice(token)
	if err != nil {
		return nil, err
	}
	return v.usdToToken(token, usd, price)
}

// usdToTokenMax converts at the min price, giving the larger token amount.
func (v *Vault) usdToTokenMax(token string, usd *uint256.Int) (*uint256.Int, error) {
	if usd.IsZero() {
		return new(uint256.Int), nil
	}
	price, err := v.minPrice(token)
	if err != nil {
		return nil, err
	}
	return v.usdToToken(token, usd, price)
}

// adjustForDecimals rescales amount from tokenDiv's decimals to tokenMul's. The USDG
// symbol resolves to 18 decimals.
func (v *Vault) adjustForDecimals(amount *uint256.Int, tokenDiv, tokenMul string) (*uint256.Int, error) {
	decDiv, err := v.tokenDecimals(tokenDiv)
	if err != nil {
		return nil, err
	}
	decMul, err := v.tokenDecimals(tokenMul)
	if err != nil {
		return nil, err
	}
	return fpmath.AdjustDecimals(amount, decDiv, decMul), nil
}

func (v *Vault) tokenDecimals(token string) (uint8, error) {
	if token == v.usdgSymbol {
		return fpmath.USDGDecimals, nil
	}
	return v.decimals(token)
}

// ============================================================================
// PnL and liquidation classification
// ============================================================================

// positionDelta returns the position's PnL at the current price. Longs are marked at the
// min price and shorts at the max price. Profit inside the min-profit window that does
// not clear the token's MinProfitBps reads as zero.
func (v *Vault) positionDelta(indexToken string, size, avg *uint256.Int, isLong bool, lastIncreasedTime int64) (bool, *uint256.Int, error) {
	if avg.IsZero() {
		return false, nil, fmt.Errorf("%s: %w", indexToken, ErrEmptyPosition)
	}
	var price *uint256.Int
	var err error
	if isLong {
		price, err = v.minPrice(indexToken)
	} else {
		price, err = v.maxPrice(indexToken)
	}
	if err != nil {
		return false, nil, err
	}

	hasProfit, delta := fpmath.Delta(size, avg, price, isLong)

	cfg, err := v.registry.Get(indexToken)
	if err != nil {
		return false, nil, err
	}
	var minBps uint64
	if v.now() <= lastIncreasedTime+v.fees.Schedule().MinProfitTime {
		minBps = cfg.MinProfitBps
	}
	if hasProfit && minBps > 0 {
		lhs := new(uint256.Int).Mul(delta, fpmath.BasisPointsDivisor)
		rhs := new(uint256.Int).Mul(size, uint256.NewInt(minBps))
		if !lhs.Gt(rhs) {
			delta = new(uint256.Int)
		}
	}
	return hasProfit, delta, nil
}

func (v *Vault) liquidationParams() state.LiquidationParams {
	return state.LiquidationParams{
		MarginFeeBps:      v.fees.Schedule().MarginFeeBps,
		LiquidationFeeUsd: v.fees.LiquidationFeeUsd(),
		MaxLeverageBps:    v.maxLeverageBps,
	}
}

func (v *Vault) classify(p *state.Position) (state.LiquidationState, *uint256.Int, error) {
	hasProfit, delta, err := v.positionDelta(p.Key.IndexToken, &p.Size, &p.AveragePrice, p.Key.IsLong, p.LastIncreasedTime)
	if err != nil {
		return state.LiquidationStateSafe, nil, err
	}
	st, fee := state.ClassifyLiquidation(&p.Size, &p.Collateral, hasProfit, delta, v.liquidationParams())
	return st, fee, nil
}

// validateSafe rejects a position the classifier would force-close.
func (v *Vault) validateSafe(p *state.Position) error {
	st, _, err := v.classify(p)
	if err != nil {
		return err
	}
	switch st {
	case state.LiquidationStateInsolvent:
		return fmt.Errorf("%s: %w", p.Key, ErrInsufficientCollateral)
	case state.LiquidationStateOverleveraged:
		return fmt.Errorf("%s: %w", p.Key, ErrMaxLeverageExceeded)
	}
	return nil
}

func validatePositionSize(p *state.Position) error {
	if p.Size.IsZero() {
		if !p.Collateral.IsZero() {
			return fmt.Errorf("%s: %w", p.Key, ErrSizeBelowCollateral)
		}
		return nil
	}
	if p.Size.Lt(&p.Collateral) {
		return fmt.Errorf("%s: %w", p.Key, ErrSizeBelowCollateral)
	}
	return nil
}

package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// Snapshot is the serializable vault state. Amounts are decimal strings of the raw
// fixed-point integers.
type Snapshot struct {
	TokenConfigs      []TokenConfigSnapshot  `json:"token_configs"`
	Pools             []PoolSnapshot         `json:"pools"`
	Positions         []PositionSnapshot     `json:"positions"`
	GlobalShorts      []GlobalShortSnapshot  `json:"global_shorts"`
	Custody           []CustodySnapshot      `json:"custody"`
	Fees              FeeScheduleSnapshot    `json:"fees"`
	MaxLeverageBps    uint64                 `json:"max_leverage_bps"`
	IsSwapEnabled     bool                   `json:"is_swap_enabled"`
	IsLeverageEnabled bool                   `json:"is_leverage_enabled"`
}

type TokenConfigSnapshot struct {
	Token              string `json:"token"`
	Decimals           uint8  `json:"decimals"`
	Weight             uint64 `json:"weight"`
	MinProfitBps       uint64 `json:"min_profit_bps"`
	MaxUsdgAmount      string `json:"max_usdg_amount"`
	BufferAmount       string `json:"buffer_amount"`
	MaxGlobalShortSize string `json:"max_global_short_size"`
	SpreadBps          uint64 `json:"spread_bps"`
	IsStable           bool   `json:"is_stable"`
	IsShortable        bool   `json:"is_shortable"`
}

type PoolSnapshot struct {
	Token          string `json:"token"`
	PoolAmount     string `json:"pool_amount"`
	ReservedAmount string `json:"reserved_amount"`
	FeeReserve     string `json:"fee_reserve"`
	GuaranteedUsd  string `json:"guaranteed_usd"`
	UsdgAmount     string `json:"usdg_amount"`
}

type PositionSnapshot struct {
	Account           string `json:"account"`
	CollateralToken   string `json:"collateral_token"`
	IndexToken        string `json:"index_token"`
	IsLong            bool   `json:"is_long"`
	Size              string `json:"size"`
	Collateral        string `json:"collateral"`
	AveragePrice      string `json:"average_price"`
	ReserveAmount     string `json:"reserve_amount"`
	EntryFundingRate  string `json:"entry_funding_rate"`
	RealisedPnl       string `json:"realised_pnl"` // two's complement
	LastIncreasedTime int64  `json:"last_increased_time"`
}

type GlobalShortSnapshot struct {
	IndexToken   string `json:"index_token"`
	Size         string `json:"size"`
	AveragePrice string `json:"average_price"`
}

type CustodySnapshot struct {
	Token    string `json:"token"`
	Balance  string `json:"balance"`
	Recorded string `json:"recorded"`
}

type FeeScheduleSnapshot struct {
	TaxBps            uint64 `json:"tax_bps"`
	StableTaxBps      uint64 `json:"stable_tax_bps"`
	MintBurnFeeBps    uint64 `json:"mint_burn_fee_bps"`
	SwapFeeBps        uint64 `json:"swap_fee_bps"`
	StableSwapFeeBps  uint64 `json:"stable_swap_fee_bps"`
	MarginFeeBps      uint64 `json:"margin_fee_bps"`
	LiquidationFeeUsd string `json:"liquidation_fee_usd"`
	MinProfitTime     int64  `json:"min_profit_time"`
	HasDynamicFees    bool   `json:"has_dynamic_fees"`
}

func (v *Vault) sortedPools() []state.PoolEntry {
	pools := v.pools.All()
	sort.Slice(pools, func(i, j int) bool { return pools[i].Token < pools[j].Token })
	return pools
}

// Snapshot captures the full vault state.
func (v *Vault) Snapshot() *Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := &Snapshot{
		MaxLeverageBps:    v.maxLeverageBps,
		IsSwapEnabled:     v.isSwapEnabled,
		IsLeverageEnabled: v.isLeverageEnabled,
	}

	for _, c := range v.registry.All() {
		s.TokenConfigs = append(s.TokenConfigs, TokenConfigSnapshot{
			Token:              c.Token,
			Decimals:           c.Decimals,
			Weight:             c.Weight,
			MinProfitBps:       c.MinProfitBps,
			MaxUsdgAmount:      c.MaxUsdgAmount.Dec(),
			BufferAmount:       c.BufferAmount.Dec(),
			MaxGlobalShortSize: c.MaxGlobalShortSize.Dec(),
			SpreadBps:          c.SpreadBps,
			IsStable:           c.IsStable,
			IsShortable:        c.IsShortable,
		})
	}
	for _, p := range v.sortedPools() {
		s.Pools = append(s.Pools, PoolSnapshot{
			Token:          p.Token,
			PoolAmount:     p.PoolAmount.Dec(),
			ReservedAmount: p.ReservedAmount.Dec(),
			FeeReserve:     p.FeeReserve.Dec(),
			GuaranteedUsd:  p.GuaranteedUsd.Dec(),
			UsdgAmount:     p.UsdgAmount.Dec(),
		})
	}
	for _, p := range v.book.All() {
		s.Positions = append(s.Positions, PositionSnapshot{
			Account:           p.Key.Account,
			CollateralToken:   p.Key.CollateralToken,
			IndexToken:        p.Key.IndexToken,
			IsLong:            p.Key.IsLong,
			Size:              p.Size.Dec(),
			Collateral:        p.Collateral.Dec(),
			AveragePrice:      p.AveragePrice.Dec(),
			ReserveAmount:     p.ReserveAmount.Dec(),
			EntryFundingRate:  p.EntryFundingRate.Dec(),
			RealisedPnl:       p.RealisedPnl.Dec(),
			LastIncreasedTime: p.LastIncreasedTime,
		})
	}
	for _, g := range v.shorts.All() {
		s.GlobalShorts = append(s.GlobalShorts, GlobalShortSnapshot{
			IndexToken:   g.IndexToken,
			Size:         g.Size.Dec(),
			AveragePrice: g.AveragePrice.Dec(),
		})
	}
	for _, c := range v.custody.All() {
		s.Custody = append(s.Custody, CustodySnapshot{
			Token:    c.Token,
			Balance:  c.Balance.Dec(),
			Recorded: c.Recorded.Dec(),
		})
	}

	f := v.fees.Schedule()
	s.Fees = FeeScheduleSnapshot{
		TaxBps:            f.TaxBps,
		StableTaxBps:      f.StableTaxBps,
		MintBurnFeeBps:    f.MintBurnFeeBps,
		SwapFeeBps:        f.SwapFeeBps,
		StableSwapFeeBps:  f.StableSwapFeeBps,
		MarginFeeBps:      f.MarginFeeBps,
		LiquidationFeeUsd: f.LiquidationFeeUsd.Dec(),
		MinProfitTime:     f.MinProfitTime,
		HasDynamicFees:    f.HasDynamicFees,
	}
	return s
}

// decoder accumulates the first parse error so restore code stays linear.
type decoder struct {
	err error
}

func (d *decoder) into(dst *uint256.Int, field, s string) {
	if d.err != nil {
		return
	}
	if s == "" {
		dst.Clear()
		return
	}
	v, err := fpmath.FromDec(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	dst.Set(v)
}

// Restore replaces the vault state with a snapshot. On error the vault is unchanged.
func (v *Vault) Restore(s *Snapshot) error {
	d := &decoder{}

	registry := state.NewTokenRegistry()
	for _, c := range s.TokenConfigs {
		cfg := state.TokenConfig{
			Token:        c.Token,
			Decimals:     c.Decimals,
			Weight:       c.Weight,
			MinProfitBps: c.MinProfitBps,
			SpreadBps:    c.SpreadBps,
			IsStable:     c.IsStable,
			IsShortable:  c.IsShortable,
		}
		d.into(&cfg.MaxUsdgAmount, "max_usdg_amount", c.MaxUsdgAmount)
		d.into(&cfg.BufferAmount, "buffer_amount", c.BufferAmount)
		d.into(&cfg.MaxGlobalShortSize, "max_global_short_size", c.MaxGlobalShortSize)
		if d.err == nil {
			if err := registry.Set(cfg); err != nil {
				return fmt.Errorf("restore token config: %w", err)
			}
		}
	}

	pools := state.NewPoolLedger()
	for _, p := range s.Pools {
		e := state.PoolEntry{Token: p.Token}
		d.into(&e.PoolAmount, "pool_amount", p.PoolAmount)
		d.into(&e.ReservedAmount, "reserved_amount", p.ReservedAmount)
		d.into(&e.FeeReserve, "fee_reserve", p.FeeReserve)
		d.into(&e.GuaranteedUsd, "guaranteed_usd", p.GuaranteedUsd)
		d.into(&e.UsdgAmount, "usdg_amount", p.UsdgAmount)
		pools.Put(e)
	}

	book := state.NewPositionBook()
	for _, p := range s.Positions {
		pos := state.Position{
			Key: state.PositionKey{
				Account:         p.Account,
				CollateralToken: p.CollateralToken,
				IndexToken:      p.IndexToken,
				IsLong:          p.IsLong,
			},
			LastIncreasedTime: p.LastIncreasedTime,
		}
		d.into(&pos.Size, "size", p.Size)
		d.into(&pos.Collateral, "collateral", p.Collateral)
		d.into(&pos.AveragePrice, "average_price", p.AveragePrice)
		d.into(&pos.ReserveAmount, "reserve_amount", p.ReserveAmount)
		d.into(&pos.EntryFundingRate, "entry_funding_rate", p.EntryFundingRate)
		d.into(&pos.RealisedPnl, "realised_pnl", p.RealisedPnl)
		book.Put(pos)
	}

	shorts := state.NewGlobalShortTracker()
	for _, g := range s.GlobalShorts {
		gs := state.GlobalShort{IndexToken: g.IndexToken}
		d.into(&gs.Size, "global_short_size", g.Size)
		d.into(&gs.AveragePrice, "global_short_average_price", g.AveragePrice)
		shorts.Put(gs)
	}

	custody := NewCustody()
	for _, c := range s.Custody {
		e := CustodyEntry{Token: c.Token}
		d.into(&e.Balance, "custody_balance", c.Balance)
		d.into(&e.Recorded, "custody_recorded", c.Recorded)
		custody.Put(e)
	}

	schedule := state.FeeSchedule{
		TaxBps:           s.Fees.TaxBps,
		StableTaxBps:     s.Fees.StableTaxBps,
		MintBurnFeeBps:   s.Fees.MintBurnFeeBps,
		SwapFeeBps:       s.Fees.SwapFeeBps,
		StableSwapFeeBps: s.Fees.StableSwapFeeBps,
		MarginFeeBps:     s.Fees.MarginFeeBps,
		MinProfitTime:    s.Fees.MinProfitTime,
		HasDynamicFees:   s.Fees.HasDynamicFees,
	}
	d.into(&schedule.LiquidationFeeUsd, "liquidation_fee_usd", s.Fees.LiquidationFeeUsd)

	if d.err != nil {
		return fmt.Errorf("restore vault: %w", d.err)
	}
	fees, err := state.NewFeeEngine(schedule)
	if err != nil {
		return fmt.Errorf("restore fees: %w", err)
	}
	if s.MaxLeverageBps <= fpmath.BasisPoints {
		return fmt.Errorf("restore vault: %w: max leverage %d", ErrInvalidConfig, s.MaxLeverageBps)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.registry = registry
	v.pools = pools
	v.book = book
	v.shorts = shorts
	v.custody = custody
	v.fees = fees
	v.maxLeverageBps = s.MaxLeverageBps
	v.isSwapEnabled = s.IsSwapEnabled
	v.isLeverageEnabled = s.IsLeverageEnabled
	return nil
}

package config

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const defaultMaxLeverageBps = 500_000 // 50x

// VaultFile is the vault's initial configuration. Amounts are human-readable
// decimals: USD values in dollars, token amounts in whole tokens.
type VaultFile struct {
	USDGSymbol        string      `yaml:"usdg_symbol"`
	FeeReceiver       string      `yaml:"fee_receiver"`
	AutoLiquidate     bool        `yaml:"auto_liquidate"`
	MaxLeverageBps    uint64      `yaml:"max_leverage_bps"`
	IsSwapEnabled     *bool       `yaml:"is_swap_enabled"`
	IsLeverageEnabled *bool       `yaml:"is_leverage_enabled"`
	Fees              FeesFile    `yaml:"fees"`
	Tokens            []TokenFile `yaml:"tokens"`
}

type FeesFile struct {
	TaxBps            uint64          `yaml:"tax_bps"`
	StableTaxBps      uint64          `yaml:"stable_tax_bps"`
	MintBurnFeeBps    uint64          `yaml:"mint_burn_fee_bps"`
	SwapFeeBps        uint64          `yaml:"swap_fee_bps"`
	StableSwapFeeBps  uint64          `yaml:"stable_swap_fee_bps"`
	MarginFeeBps      uint64          `yaml:"margin_fee_bps"`
	LiquidationFeeUsd decimal.Decimal `yaml:"liquidation_fee_usd"`
	MinProfitTime     time.Duration   `yaml:"min_profit_time"`
	HasDynamicFees    bool            `yaml:"has_dynamic_fees"`
}

type TokenFile struct {
	Token              string          `yaml:"token"`
	Decimals           uint8           `yaml:"decimals"`
	Weight             uint64          `yaml:"weight"`
	MinProfitBps       uint64          `yaml:"min_profit_bps"`
	MaxUsdgAmount      decimal.Decimal `yaml:"max_usdg_amount"`       // USDG
	BufferAmount       decimal.Decimal `yaml:"buffer_amount"`         // tokens
	MaxGlobalShortSize decimal.Decimal `yaml:"max_global_short_size"` // USD
	SpreadBps          uint64          `yaml:"spread_bps"`
	IsStable           bool            `yaml:"is_stable"`
	IsShortable        bool            `yaml:"is_shortable"`
	InitialPrice       decimal.Decimal `yaml:"initial_price"` // USD; zero waits for the feed
}

// LoadVaultFile reads and decodes a vault file.
func LoadVaultFile(path string) (*VaultFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vault config: %w", err)
	}
	vf, err := ParseVaultFile(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return vf, nil
}

// ParseVaultFile decodes a vault file. Unknown keys are rejected.
func ParseVaultFile(data []byte) (*VaultFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var vf VaultFile
	if err := dec.Decode(&vf); err != nil {
		return nil, err
	}
	return &vf, nil
}

// Validate checks ranges: fee rates, decimals and a non-empty, duplicate-free
// token list.
func (vf *VaultFile) Validate() error {
	if len(vf.Tokens) == 0 {
		return errors.New("at least one token is required")
	}
	if vf.MaxLeverageBps != 0 && vf.MaxLeverageBps <= fpmath.BasisPoints {
		return fmt.Errorf("max_leverage_bps must exceed %d, got %d", fpmath.BasisPoints, vf.MaxLeverageBps)
	}
	if vf.AutoLiquidate && vf.FeeReceiver == "" {
		return errors.New("auto_liquidate needs a fee_receiver")
	}

	fees, err := vf.Fees.schedule()
	if err != nil {
		return err
	}
	if err := state.ValidateFeeSchedule(&fees); err != nil {
		return fmt.Errorf("fees: %w", err)
	}

	seen := make(map[string]bool, len(vf.Tokens))
	for i := range vf.Tokens {
		t := &vf.Tokens[i]
		if seen[t.Token] {
			return fmt.Errorf("token %s listed twice", t.Token)
		}
		seen[t.Token] = true
		if t.Token == vf.usdgSymbol() {
			return fmt.Errorf("token %s collides with the USDG symbol", t.Token)
		}
		cfg, err := t.update()
		if err != nil {
			return fmt.Errorf("token %s: %w", t.Token, err)
		}
		tc := state.TokenConfig{
			Token: cfg.Token, Decimals: cfg.Decimals, MinProfitBps: cfg.MinProfitBps,
			SpreadBps: cfg.SpreadBps, IsStable: cfg.IsStable, IsShortable: cfg.IsShortable,
		}
		if err := state.ValidateTokenConfig(&tc); err != nil {
			return fmt.Errorf("token %s: %w", t.Token, err)
		}
		if t.InitialPrice.IsNegative() {
			return fmt.Errorf("token %s: initial_price must not be negative", t.Token)
		}
	}
	return nil
}

func (vf *VaultFile) usdgSymbol() string {
	if vf.USDGSymbol == "" {
		return "USDG"
	}
	return vf.USDGSymbol
}

// FeeSchedule returns the file's fee schedule.
func (vf *VaultFile) FeeSchedule() (state.FeeSchedule, error) {
	return vf.Fees.schedule()
}

// BootstrapEvents turns the file into the configuration events that set up an
// empty vault: fees, settings, one TokenConfigUpdate per token, then the initial
// prices. Config events take source sequences from configSeq on.
func (vf *VaultFile) BootstrapEvents(configSeq int64, now time.Time) ([]event.Event, error) {
	ts := now.UnixMicro()
	next := func() int64 {
		seq := configSeq
		configSeq++
		return seq
	}

	fees, err := vf.Fees.schedule()
	if err != nil {
		return nil, err
	}
	seq := next()
	events := []event.Event{&event.FeeScheduleUpdate{
		TaxBps:            fees.TaxBps,
		StableTaxBps:      fees.StableTaxBps,
		MintBurnFeeBps:    fees.MintBurnFeeBps,
		SwapFeeBps:        fees.SwapFeeBps,
		StableSwapFeeBps:  fees.StableSwapFeeBps,
		MarginFeeBps:      fees.MarginFeeBps,
		LiquidationFeeUsd: event.NewAmount(&fees.LiquidationFeeUsd),
		MinProfitTime:     fees.MinProfitTime,
		HasDynamicFees:    fees.HasDynamicFees,
		EffectiveSeq:      seq,
		Sequence:          seq,
		Timestamp:         ts,
	}}

	maxLeverage := vf.MaxLeverageBps
	if maxLeverage == 0 {
		maxLeverage = defaultMaxLeverageBps
	}
	seq = next()
	events = append(events, &event.VaultSettingsUpdate{
		MaxLeverageBps:    maxLeverage,
		IsSwapEnabled:     boolOr(vf.IsSwapEnabled, true),
		IsLeverageEnabled: boolOr(vf.IsLeverageEnabled, true),
		EffectiveSeq:      seq,
		Sequence:          seq,
		Timestamp:         ts,
	})

	var prices []event.Event
	for i := range vf.Tokens {
		t := &vf.Tokens[i]
		upd, err := t.update()
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Token, err)
		}
		seq = next()
		upd.EffectiveSeq, upd.Sequence, upd.Timestamp = seq, seq, ts
		events = append(events, upd)

		if t.InitialPrice.IsPositive() {
			price, err := fpmath.ParseUnits(t.InitialPrice.String(), fpmath.PriceDecimals)
			if err != nil {
				return nil, fmt.Errorf("token %s: initial_price: %w", t.Token, err)
			}
			prices = append(prices, &event.PriceUpdate{
				Token:          t.Token,
				Price:          event.NewAmount(price),
				PriceTimestamp: ts,
			})
		}
	}
	return append(events, prices...), nil
}

func (f *FeesFile) schedule() (state.FeeSchedule, error) {
	s := state.FeeSchedule{
		TaxBps:           f.TaxBps,
		StableTaxBps:     f.StableTaxBps,
		MintBurnFeeBps:   f.MintBurnFeeBps,
		SwapFeeBps:       f.SwapFeeBps,
		StableSwapFeeBps: f.StableSwapFeeBps,
		MarginFeeBps:     f.MarginFeeBps,
		MinProfitTime:    int64(f.MinProfitTime / time.Second),
		HasDynamicFees:   f.HasDynamicFees,
	}
	liqFee, err := units(f.LiquidationFeeUsd, fpmath.PriceDecimals, "liquidation_fee_usd")
	if err != nil {
		return s, err
	}
	s.LiquidationFeeUsd.Set(liqFee)
	return s, nil
}

func (t *TokenFile) update() (*event.TokenConfigUpdate, error) {
	if t.Decimals > fpmath.PriceDecimals {
		return nil, fmt.Errorf("decimals must be <= %d, got %d", fpmath.PriceDecimals, t.Decimals)
	}
	maxUsdg, err := units(t.MaxUsdgAmount, fpmath.USDGDecimals, "max_usdg_amount")
	if err != nil {
		return nil, err
	}
	buffer, err := units(t.BufferAmount, t.Decimals, "buffer_amount")
	if err != nil {
		return nil, err
	}
	maxShort, err := units(t.MaxGlobalShortSize, fpmath.PriceDecimals, "max_global_short_size")
	if err != nil {
		return nil, err
	}
	return &event.TokenConfigUpdate{
		Token:              t.Token,
		Decimals:           t.Decimals,
		Weight:             t.Weight,
		MinProfitBps:       t.MinProfitBps,
		MaxUsdgAmount:      event.NewAmount(maxUsdg),
		BufferAmount:       event.NewAmount(buffer),
		MaxGlobalShortSize: event.NewAmount(maxShort),
		SpreadBps:          t.SpreadBps,
		IsStable:           t.IsStable,
		IsShortable:        t.IsShortable,
	}, nil
}

func units(d decimal.Decimal, decimals uint8, field string) (*uint256.Int, error) {
	v, err := fpmath.ParseUnits(d.String(), decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

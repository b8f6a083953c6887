package event

import (
	"fmt"
)

// TokenConfigUpdate whitelists, reconfigures or (with Remove) delists a token.
type TokenConfigUpdate struct {
	Token              string `json:"token"`
	Decimals           uint8  `json:"decimals"`
	Weight             uint64 `json:"weight"`
	MinProfitBps       uint64 `json:"min_profit_bps"`
	MaxUsdgAmount      Amount `json:"max_usdg_amount"`
	BufferAmount       Amount `json:"buffer_amount"`
	MaxGlobalShortSize Amount `json:"max_global_short_size"`
	SpreadBps          uint64 `json:"spread_bps"`
	IsStable           bool   `json:"is_stable"`
	IsShortable        bool   `json:"is_shortable"`
	Remove             bool   `json:"remove"`
	EffectiveSeq       int64  `json:"effective_seq"`
	Sequence           int64  `json:"sequence"`
	Timestamp          int64  `json:"timestamp"`
}

func (c *TokenConfigUpdate) IdempotencyKey() string {
	return fmt.Sprintf("token_config:%s:%d", c.Token, c.EffectiveSeq)
}

func (c *TokenConfigUpdate) EventType() EventType {
	return EventTypeTokenConfigUpdate
}

func (c *TokenConfigUpdate) TokenID() *string {
	t := c.Token
	return &t
}

func (c *TokenConfigUpdate) SourceSequence() int64 {
	return c.Sequence
}

func (c *TokenConfigUpdate) EventTime() int64 {
	return c.Timestamp
}

// FeeScheduleUpdate replaces the whole fee schedule.
type FeeScheduleUpdate struct {
	TaxBps            uint64 `json:"tax_bps"`
	StableTaxBps      uint64 `json:"stable_tax_bps"`
	MintBurnFeeBps    uint64 `json:"mint_burn_fee_bps"`
	SwapFeeBps        uint64 `json:"swap_fee_bps"`
	StableSwapFeeBps  uint64 `json:"stable_swap_fee_bps"`
	MarginFeeBps      uint64 `json:"margin_fee_bps"`
	LiquidationFeeUsd Amount `json:"liquidation_fee_usd"` // 1e30 USD
	MinProfitTime     int64  `json:"min_profit_time"`     // seconds
	HasDynamicFees    bool   `json:"has_dynamic_fees"`
	EffectiveSeq      int64  `json:"effective_seq"`
	Sequence          int64  `json:"sequence"`
	Timestamp         int64  `json:"timestamp"`
}

func (f *FeeScheduleUpdate) IdempotencyKey() string {
	return fmt.Sprintf("fee_schedule:%d", f.EffectiveSeq)
}

func (f *FeeScheduleUpdate) EventType() EventType {
	return EventTypeFeeScheduleUpdate
}

func (f *FeeScheduleUpdate) TokenID() *string {
	return nil // Global event
}

func (f *FeeScheduleUpdate) SourceSequence() int64 {
	return f.Sequence
}

func (f *FeeScheduleUpdate) EventTime() int64 {
	return f.Timestamp
}

// VaultSettingsUpdate sets the leverage cap and the swap and leverage switches.
type VaultSettingsUpdate struct {
	MaxLeverageBps    uint64 `json:"max_leverage_bps"`
	IsSwapEnabled     bool   `json:"is_swap_enabled"`
	IsLeverageEnabled bool   `json:"is_leverage_enabled"`
	EffectiveSeq      int64  `json:"effective_seq"`
	Sequence          int64  `json:"sequence"`
	Timestamp         int64  `json:"timestamp"`
}

func (s *VaultSettingsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("vault_settings:%d", s.EffectiveSeq)
}

func (s *VaultSettingsUpdate) EventType() EventType {
	return EventTypeVaultSettingsUpdate
}

func (s *VaultSettingsUpdate) TokenID() *string {
	return nil
}

func (s *VaultSettingsUpdate) SourceSequence() int64 {
	return s.Sequence
}

func (s *VaultSettingsUpdate) EventTime() int64 {
	return s.Timestamp
}

package query

// Amounts are base-10 integer strings in the vault's raw units: token amounts in the
// token's decimals, USD values at 1e30, USDG at 18 decimals.

// PoolResponse is one token's pool accounting.
type PoolResponse struct {
	Token          string `json:"token"`
	PoolAmount     string `json:"pool_amount"`
	ReservedAmount string `json:"reserved_amount"`
	FeeReserve     string `json:"fee_reserve"`
	GuaranteedUsd  string `json:"guaranteed_usd"`
	UsdgAmount     string `json:"usdg_amount"`
	Utilisation    string `json:"utilisation,omitempty"` // 1e6 = 100%
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	Account           string `json:"account"`
	CollateralToken   string `json:"collateral_token"`
	IndexToken        string `json:"index_token"`
	IsLong            bool   `json:"is_long"`
	Size              string `json:"size"`
	Collateral        string `json:"collateral"`
	AveragePrice      string `json:"average_price"`
	ReserveAmount     string `json:"reserve_amount"`
	RealisedPnl       string `json:"realised_pnl"` // signed
	LastIncreasedTime int64  `json:"last_increased_time"`

	// Derived at query time from live prices; empty when served from projections
	HasProfit        *bool  `json:"has_profit,omitempty"`
	Delta            string `json:"delta,omitempty"`
	Leverage         string `json:"leverage,omitempty"` // bps
	LiquidationState string `json:"liquidation_state,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// GlobalShortResponse is the aggregate short book of one index token.
type GlobalShortResponse struct {
	IndexToken   string `json:"index_token"`
	Size         string `json:"size"`
	AveragePrice string `json:"average_price"`
	HasProfit    *bool  `json:"has_profit,omitempty"` // from the shorts' point of view
	Delta        string `json:"delta,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AumResponse is the pool's assets under management.
type AumResponse struct {
	AumMax       string `json:"aum_max"`
	AumMin       string `json:"aum_min"`
	AumInUsdg    string `json:"aum_in_usdg"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LiquidationCheck is the classifier verdict for a live position.
type LiquidationCheck struct {
	State        string `json:"state"`
	MarginFee    string `json:"margin_fee"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LiquidationResponse is one executed liquidation.
type LiquidationResponse struct {
	Sequence        int64  `json:"sequence"`
	Account         string `json:"account"`
	CollateralToken string `json:"collateral_token"`
	IndexToken      string `json:"index_token"`
	IsLong          bool   `json:"is_long"`
	State           string `json:"state"`
	Keeper          bool   `json:"keeper"`
	Timestamp       int64  `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventsChecked    int64             `json:"events_checked"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}

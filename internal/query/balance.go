package query

// BalanceResponse represents an account's ledger balances for one asset.
type BalanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`

	// Wallet is the account's balance on the ledger (token units, or USDG units)
	Wallet string `json:"wallet"`

	// Pending is tokens deposited into custody but not yet used by a command
	Pending string `json:"pending,omitempty"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// VaultBalances is the vault's own ledger accounts for one token.
type VaultBalances struct {
	Token        string `json:"token"`
	Unallocated  string `json:"unallocated"`
	Pool         string `json:"pool"`
	Fees         string `json:"fees"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

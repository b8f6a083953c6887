package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateAllocationsNonNegative checks the vault pool and fee accounts for an asset.
func (v *InvariantValidator) ValidateAllocationsNonNegative(asset string) error {
	if err := v.tracker.ValidateNonNegative(NewVaultAccountKey(SubTypePool, asset)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewVaultAccountKey(SubTypeFees, asset))
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total.Dec())
		}
	}

	return nil
}

package core_test

import (
	"PerpVault/internal/core"
	"errors"
	"testing"
)

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(eventType, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.seen[eventType+":"+key], nil
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_TwoTierLookup(t *testing.T) {
	db := &stubDB{seen: map[string]bool{"BuyUSDG:old": true}}
	ic := core.NewIdempotencyChecker(2, db)

	if tier := ic.Lookup("BuyUSDG", "old"); tier != core.TierPostgres {
		t.Fatalf("expected postgres tier, got %q", tier)
	}
	// Postgres hits are promoted into the LRU.
	if tier := ic.LookupLocal("BuyUSDG", "old"); tier != core.TierLRU {
		t.Fatalf("expected lru tier after promotion, got %q", tier)
	}
	if ic.IsDuplicate("BuyUSDG", "new") {
		t.Fatal("unseen key reported as duplicate")
	}

	ic.MarkProcessed("BuyUSDG", "new")
	if tier := ic.Lookup("BuyUSDG", "new"); tier != core.TierLRU {
		t.Fatalf("expected lru tier, got %q", tier)
	}
}

func TestIdempotency_Tier2ErrorCountsAsUnseen(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, &stubDB{err: errors.New("connection refused")})

	if ic.IsDuplicate("Swap", "k") {
		t.Fatal("tier-2 error must not drop the event")
	}
	if ic.Tier2Errors() != 1 {
		t.Errorf("expected 1 tier-2 error, got %d", ic.Tier2Errors())
	}
}

func TestIdempotencyLRU_EvictsOldestAndWarmsInOrder(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Add("c")

	if lru.Contains("a") {
		t.Error("oldest key should be evicted")
	}
	if lru.Evictions() != 1 {
		t.Errorf("expected 1 eviction, got %d", lru.Evictions())
	}

	keys := lru.GetAllKeys()
	warm := core.NewIdempotencyLRU(2)
	warm.WarmFromKeys(keys)
	warm.Add("d")
	if warm.Contains(keys[0]) || !warm.Contains(keys[1]) {
		t.Errorf("warm order not preserved: %v", warm.GetAllKeys())
	}
}

// ============================================================================
// Test: Sequence validation
// ============================================================================

func TestSequenceValidator_Partitions(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.ValidateSequence(core.PartitionCommands, 0, false); err != nil {
		t.Fatalf("first sequence: %v", err)
	}
	if err := sv.ValidateSequence(core.PartitionDeposits, 0, false); err != nil {
		t.Fatalf("partitions must be independent: %v", err)
	}

	if err := sv.ValidateSequence(core.PartitionCommands, 2, false); !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected gap, got %v", err)
	}
	if err := sv.ValidateSequence(core.PartitionCommands, 0, false); !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("expected out-of-order, got %v", err)
	}
	if err := sv.ValidateSequence(core.PartitionCommands, 0, true); err != nil {
		t.Fatalf("duplicate behind cursor should pass: %v", err)
	}

	if sv.GetExpectedSequence(core.PartitionCommands) != 1 {
		t.Errorf("cursor moved on a rejected sequence")
	}
	m := sv.Metrics()
	if m.GetGaps(core.PartitionCommands) != 1 || m.GetOutOfOrder(core.PartitionCommands) != 1 {
		t.Errorf("unexpected metrics: gaps=%d ooo=%d",
			m.GetGaps(core.PartitionCommands), m.GetOutOfOrder(core.PartitionCommands))
	}
}

func TestSequenceValidator_PriceGapsTolerated(t *testing.T) {
	sv := core.NewSequenceValidator()

	if !sv.ValidatePriceSequence("BTC", 5) {
		t.Fatal("first price update must be accepted at any sequence")
	}
	if !sv.ValidatePriceSequence("BTC", 9) {
		t.Fatal("price gap must be accepted")
	}
	if sv.ValidatePriceSequence("BTC", 7) {
		t.Fatal("stale price must be rejected")
	}
	if sv.Metrics().GetPriceGaps("BTC") != 1 {
		t.Errorf("expected 1 price gap, got %d", sv.Metrics().GetPriceGaps("BTC"))
	}
	if got := sv.GetExpectedSequence(core.PricePartition("BTC")); got != 10 {
		t.Errorf("expected cursor 10, got %d", got)
	}
}

// ============================================================================
// Test: Hasher
// ============================================================================

func TestStateHasher_ComputeMatchesChainHash(t *testing.T) {
	h := core.NewStateHasher()
	genesis := h.GetPrevHash()
	if genesis != core.GenesisHash() {
		t.Fatal("hasher must start at genesis")
	}

	first := h.ComputeHash(0, []byte("digest"))
	if first != core.ChainHash(genesis, 0, []byte("digest")) {
		t.Fatal("ComputeHash differs from ChainHash")
	}
	if h.GetPrevHash() != first {
		t.Fatal("tip did not advance")
	}
	if core.ChainHash(genesis, 1, []byte("digest")) == first {
		t.Fatal("sequence must be part of the hash")
	}
}

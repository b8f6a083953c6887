package core_test

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const baseTime = int64(1_700_000_000_000_000) // epoch µs

func testFees() *state.FeeSchedule {
	s := state.FeeSchedule{
		TaxBps:           50,
		StableTaxBps:     10,
		MintBurnFeeBps:   4,
		SwapFeeBps:       30,
		StableSwapFeeBps: 4,
		MarginFeeBps:     10,
	}
	s.LiquidationFeeUsd.Set(fpmath.USD("5"))
	return &s
}

type harness struct {
	t         *testing.T
	core      *core.DeterministicCore
	persistCh chan core.CoreOutput

	configSeq  int64
	depositSeq int64
	commandSeq int64
	priceSeq   map[string]int64
	tick       int64
}

// newHarness creates a DeterministicCore with buffered channels and no DB checker.
func newHarness(t *testing.T, autoLiquidate bool) *harness {
	t.Helper()

	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(core.CoreConfig{
		Fees:          testFees(),
		AutoLiquidate: autoLiquidate,
		FeeReceiver:   "keeper",
	}, oracle.NewFeedOracle(), persistCh, projCh, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDeterministicCore: %v", err)
	}
	return &harness{t: t, core: c, persistCh: persistCh, priceSeq: map[string]int64{}}
}

func (h *harness) now() int64 {
	h.tick++
	return baseTime + h.tick*1_000_000
}

func (h *harness) mustProcess(evt event.Event) {
	h.t.Helper()
	if err := h.core.ProcessEvent(evt); err != nil {
		h.t.Fatalf("ProcessEvent(%s): %v", evt.IdempotencyKey(), err)
	}
}

func (h *harness) listToken(token string, decimals uint8, stable, shortable bool) {
	h.t.Helper()
	h.mustProcess(&event.TokenConfigUpdate{
		Token:        token,
		Decimals:     decimals,
		Weight:       10000,
		IsStable:     stable,
		IsShortable:  shortable,
		EffectiveSeq: h.configSeq,
		Sequence:     h.configSeq,
		Timestamp:    h.now(),
	})
	h.configSeq++
}

func (h *harness) priceUpdate(token, usd string) *event.PriceUpdate {
	seq := h.priceSeq[token]
	h.priceSeq[token] = seq + 1
	return &event.PriceUpdate{
		Token:          token,
		Price:          event.NewAmount(fpmath.USD(usd)),
		PriceSequence:  seq,
		PriceTimestamp: h.now(),
	}
}

func (h *harness) setPrice(token, usd string) {
	h.t.Helper()
	h.mustProcess(h.priceUpdate(token, usd))
}

func (h *harness) deposit(account, token string, amount string, decimals uint8) {
	h.t.Helper()
	h.mustProcess(&event.TokenDeposit{
		DepositID: uuid.New(),
		Account:   account,
		Token:     token,
		Amount:    event.NewAmount(fpmath.MustParseUnits(amount, decimals)),
		Sequence:  h.depositSeq,
		Timestamp: h.now(),
	})
	h.depositSeq++
}

func (h *harness) buyUSDG(token, receiver string) *event.BuyUSDG {
	evt := &event.BuyUSDG{
		RequestID: uuid.New(),
		Token:     token,
		Receiver:  receiver,
		Sequence:  h.commandSeq,
		Timestamp: h.now(),
	}
	h.commandSeq++
	return evt
}

func (h *harness) sellUSDG(account, token, usdg string) *event.SellUSDG {
	evt := &event.SellUSDG{
		RequestID:  uuid.New(),
		Account:    account,
		Token:      token,
		UsdgAmount: event.NewAmount(fpmath.MustParseUnits(usdg, fpmath.USDGDecimals)),
		Receiver:   account,
		Sequence:   h.commandSeq,
		Timestamp:  h.now(),
	}
	h.commandSeq++
	return evt
}

func (h *harness) openShort(account string, sizeUsd string) {
	h.t.Helper()
	h.mustProcess(&event.IncreasePosition{
		RequestID:       uuid.New(),
		Account:         account,
		CollateralToken: "DAI",
		IndexToken:      "BTC",
		SizeDelta:       event.NewAmount(fpmath.USD(sizeUsd)),
		IsLong:          false,
		Sequence:        h.commandSeq,
		Timestamp:       h.now(),
	})
	h.commandSeq++
}

// seedPool lists DAI and BTC, prices them and has alice mint USDG with 1001 DAI.
func (h *harness) seedPool() {
	h.t.Helper()
	h.listToken("DAI", 18, true, false)
	h.listToken("BTC", 8, false, true)
	h.setPrice("DAI", "1")
	h.setPrice("BTC", "40000")
	h.deposit("alice", "DAI", "1001", 18)
	h.mustProcess(h.buyUSDG("DAI", "alice"))
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func (h *harness) assertLedgerMatchesVault() {
	h.t.Helper()

	if err := h.core.ValidateLedger(); err != nil {
		h.t.Fatalf("ledger not zero-sum: %v", err)
	}
	for _, p := range h.core.Vault().Pools() {
		pool := h.core.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypePool, p.Token))
		if pool != p.PoolAmount.Dec() {
			h.t.Errorf("%s: ledger pool %s, vault pool %s", p.Token, pool, p.PoolAmount.Dec())
		}
		fees := h.core.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypeFees, p.Token))
		if fees != p.FeeReserve.Dec() {
			h.t.Errorf("%s: ledger fees %s, fee reserve %s", p.Token, fees, p.FeeReserve.Dec())
		}
	}
}

// ============================================================================
// Test: Mint and redeem
// ============================================================================

func TestBuyUSDG_SequencesAndJournals(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 6 {
		t.Fatalf("expected 6 outputs, got %d", len(outputs))
	}

	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
		if o.Envelope.Rejected() {
			t.Errorf("output %d rejected: %s", i, o.Envelope.Rejection)
		}
	}

	buy := outputs[5]
	if buy.Receipt == nil || buy.Receipt.Op != "buy_usdg" {
		t.Fatalf("expected buy_usdg receipt, got %+v", buy.Receipt)
	}
	if len(buy.Batch.Journals) == 0 {
		t.Fatal("expected journals for buy_usdg")
	}
	for _, j := range buy.Batch.Journals {
		if j.Sequence != buy.Envelope.Sequence {
			t.Errorf("journal sequence %d != envelope sequence %d", j.Sequence, buy.Envelope.Sequence)
		}
	}

	minted := h.core.USDG().BalanceOf("alice")
	if minted.Dec() != buy.Receipt.AmountOut.Dec() || minted.IsZero() {
		t.Errorf("expected alice to hold %s USDG, got %s", buy.Receipt.AmountOut.Dec(), minted.Dec())
	}

	h.assertLedgerMatchesVault()
}

func TestSellUSDG_RedeemsAgainstPool(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()

	h.mustProcess(h.sellUSDG("alice", "DAI", "500"))

	outputs := drainOutputs(h.persistCh)
	sell := outputs[len(outputs)-1]
	if sell.Envelope.Rejected() {
		t.Fatalf("sell rejected: %s", sell.Envelope.Rejection)
	}
	if sell.Receipt.AmountOut.IsZero() {
		t.Error("expected DAI paid out")
	}

	paid := h.core.GetBalance(ledger.NewUserAccountKey("alice", "DAI"))
	if paid != sell.Receipt.AmountOut.Dec() {
		t.Errorf("expected alice wallet %s, got %s", sell.Receipt.AmountOut.Dec(), paid)
	}
	h.assertLedgerMatchesVault()
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedCommand_SequencedWithStateUnchanged(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	drainOutputs(h.persistCh)

	before, _ := h.core.Vault().Pool("DAI")
	seqBefore := h.core.GetSequence()

	// bob holds no USDG
	h.mustProcess(h.sellUSDG("bob", "DAI", "10"))

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	o := outputs[0]
	if !o.Envelope.Rejected() {
		t.Fatal("expected rejection")
	}
	if o.Receipt != nil || len(o.Batch.Journals) != 0 {
		t.Error("rejected command must not move funds")
	}
	if o.Envelope.Sequence != seqBefore {
		t.Errorf("expected sequence %d, got %d", seqBefore, o.Envelope.Sequence)
	}

	after, _ := h.core.Vault().Pool("DAI")
	if after.PoolAmount.Dec() != before.PoolAmount.Dec() || after.UsdgAmount.Dec() != before.UsdgAmount.Dec() {
		t.Error("pool changed by rejected command")
	}
	h.assertLedgerMatchesVault()
}

func TestUnpricedCommand_Rejected(t *testing.T) {
	h := newHarness(t, false)
	h.listToken("DAI", 18, true, false)
	h.deposit("alice", "DAI", "100", 18)
	h.mustProcess(h.buyUSDG("DAI", "alice"))

	outputs := drainOutputs(h.persistCh)
	last := outputs[len(outputs)-1]
	if !last.Envelope.Rejected() {
		t.Fatal("expected buy without a price to be rejected")
	}
	if !h.core.USDG().TotalSupply().IsZero() {
		t.Error("no USDG should be minted")
	}
}

// ============================================================================
// Test: Ordering and dedup
// ============================================================================

func TestDuplicateEvent_Dropped(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	drainOutputs(h.persistCh)

	dup := h.buyUSDG("DAI", "alice")
	h.mustProcess(dup)
	h.mustProcess(dup)

	if n := len(drainOutputs(h.persistCh)); n != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d outputs", n)
	}
}

func TestSequenceGap_Rejected(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	drainOutputs(h.persistCh)
	seq := h.core.GetSequence()

	evt := h.buyUSDG("DAI", "alice")
	evt.Sequence += 5

	err := h.core.ProcessEvent(evt)
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
	if h.core.GetSequence() != seq {
		t.Error("gap must not consume a global sequence")
	}
	if n := len(drainOutputs(h.persistCh)); n != 0 {
		t.Errorf("expected no outputs, got %d", n)
	}
}

func TestStalePrice_DroppedSilently(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	drainOutputs(h.persistCh)

	h.setPrice("BTC", "41000")
	stale := &event.PriceUpdate{
		Token:          "BTC",
		Price:          event.NewAmount(fpmath.USD("1")),
		PriceSequence:  0,
		PriceTimestamp: h.now(),
	}
	h.mustProcess(stale)

	if n := len(drainOutputs(h.persistCh)); n != 1 {
		t.Fatalf("expected only the fresh price sequenced, got %d", n)
	}
	ps, _ := h.core.Prices().GetPrice("BTC")
	if ps.Price.Dec() != fpmath.USD("41000").Dec() {
		t.Errorf("stale price overwrote fresh one: %s", ps.Price.Dec())
	}
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestStateHash_ChainsFromGenesis(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	h.mustProcess(h.sellUSDG("bob", "DAI", "1")) // rejected, still chained

	outputs := drainOutputs(h.persistCh)
	prev := core.GenesisHash()
	for _, o := range outputs {
		if o.Envelope.PrevHash != prev {
			t.Fatalf("sequence %d: prev hash does not link", o.Envelope.Sequence)
		}
		want := core.ChainHash(prev, o.Envelope.Sequence, o.StateDelta)
		if o.Envelope.StateHash != want {
			t.Fatalf("sequence %d: state hash does not match digest", o.Envelope.Sequence)
		}
		prev = o.Envelope.StateHash
	}
	if h.core.GetStateHash() != prev {
		t.Error("core tip differs from last envelope")
	}
}

func TestStateHash_Deterministic(t *testing.T) {
	run := func() [32]byte {
		h := newHarness(t, false)
		h.seedPool()
		h.deposit("bob", "DAI", "100", 18)
		h.openShort("bob", "1000")
		return h.core.GetStateHash()
	}

	if run() != run() {
		t.Fatal("same inputs produced different state hashes")
	}
}

// ============================================================================
// Test: Keeper
// ============================================================================

func TestKeeper_AutoLiquidatesInsolventShort(t *testing.T) {
	h := newHarness(t, true)
	h.seedPool()
	h.deposit("bob", "DAI", "100", 18)
	h.openShort("bob", "1000")
	drainOutputs(h.persistCh)

	price := h.priceUpdate("BTC", "45000")
	h.mustProcess(price)

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected price and liquidation outputs, got %d", len(outputs))
	}
	if len(outputs[0].Candidates) != 1 || outputs[0].Candidates[0].State != state.LiquidationStateInsolvent {
		t.Fatalf("expected one insolvent candidate, got %+v", outputs[0].Candidates)
	}

	liq := outputs[1]
	if liq.Envelope.EventType != event.EventTypeLiquidatePosition || liq.Envelope.Rejected() {
		t.Fatalf("expected applied liquidation, got %s %q", liq.Envelope.EventType, liq.Envelope.Rejection)
	}
	key := state.PositionKey{Account: "bob", CollateralToken: "DAI", IndexToken: "BTC", IsLong: false}
	wantKey := (&event.LiquidatePosition{LiquidationID: core.KeeperLiquidationID(price.IdempotencyKey(), key)}).IdempotencyKey()
	if liq.Envelope.IdempotencyKey != wantKey {
		t.Errorf("expected keeper id %s, got %s", wantKey, liq.Envelope.IdempotencyKey)
	}
	if _, ok := h.core.Vault().GetPosition(key); ok {
		t.Error("position should be closed")
	}

	paid := h.core.GetBalance(ledger.NewUserAccountKey("keeper", "DAI"))
	if paid != fpmath.MustParseUnits("5", 18).Dec() {
		t.Errorf("expected keeper paid 5 DAI, got %s", paid)
	}
	h.assertLedgerMatchesVault()
}

func TestKeeper_FlagsWithoutAutoLiquidate(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	h.deposit("bob", "DAI", "100", 18)
	h.openShort("bob", "1000")
	drainOutputs(h.persistCh)

	h.setPrice("BTC", "45000")

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 1 || len(outputs[0].Candidates) != 1 {
		t.Fatalf("expected one flagged candidate and no liquidation, got %d outputs", len(outputs))
	}
	if !outputs[0].Candidates[0].Newly {
		t.Error("first scan should mark the candidate as new")
	}

	h.setPrice("BTC", "45100")
	outputs = drainOutputs(h.persistCh)
	if len(outputs[0].Candidates) != 1 || outputs[0].Candidates[0].Newly {
		t.Error("second scan should keep the flag without re-reporting it")
	}
}

// ============================================================================
// Test: Snapshot and replay
// ============================================================================

func TestSnapshot_RestoreReproducesState(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	h.deposit("bob", "DAI", "100", 18)
	h.openShort("bob", "1000")

	snap := h.core.CreateSnapshotState()

	restored := newHarness(t, false)
	if err := restored.core.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if restored.core.GetSequence() != h.core.GetSequence() {
		t.Errorf("sequence: expected %d, got %d", h.core.GetSequence(), restored.core.GetSequence())
	}
	if restored.core.GetStateHash() != h.core.GetStateHash() {
		t.Error("state hash differs after restore")
	}
	if restored.core.PartitionCursor(core.PartitionCommands) != h.core.PartitionCursor(core.PartitionCommands) {
		t.Error("command cursor differs after restore")
	}
	restored.assertLedgerMatchesVault()

	// Both cores must evolve identically from the boundary.
	h.priceSeq, restored.priceSeq = map[string]int64{"BTC": 1}, map[string]int64{"BTC": 1}
	h.tick, restored.tick = 100, 100
	h.setPrice("BTC", "42000")
	restored.setPrice("BTC", "42000")
	if restored.core.GetStateHash() != h.core.GetStateHash() {
		t.Error("cores diverged after restore")
	}
}

func TestSnapshot_RestoreRejectsMalformed(t *testing.T) {
	h := newHarness(t, false)
	h.seedPool()
	snap := h.core.CreateSnapshotState()
	snap.Balances["vault:pool:DAI"] = "not-a-number"

	restored := newHarness(t, false)
	before := restored.core.GetStateHash()
	if err := restored.core.RestoreFromSnapshot(snap); err == nil {
		t.Fatal("expected malformed snapshot to fail")
	}
	if restored.core.GetStateHash() != before || len(restored.core.Vault().Pools()) != 0 {
		t.Error("failed restore must leave the core untouched")
	}
}

func TestReplay_ReproducesLoggedHashes(t *testing.T) {
	h := newHarness(t, false)
	var events []event.Event
	record := func(evt event.Event) {
		events = append(events, evt)
		h.mustProcess(evt)
	}

	record(&event.TokenConfigUpdate{Token: "DAI", Decimals: 18, Weight: 10000, IsStable: true, Timestamp: h.now()})
	record(h.priceUpdate("DAI", "1"))
	record(&event.TokenDeposit{DepositID: uuid.New(), Account: "alice", Token: "DAI",
		Amount: event.NewAmount(fpmath.MustParseUnits("250", 18)), Timestamp: h.now()})
	record(h.buyUSDG("DAI", "alice"))
	outputs := drainOutputs(h.persistCh)

	replica := newHarness(t, false)
	for i, o := range outputs {
		if err := replica.core.ReplayEvent(events[i], o.Envelope.Sequence, o.Envelope.StateHash); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if n := len(drainOutputs(replica.persistCh)); n != 0 {
		t.Errorf("replay must not re-emit, got %d outputs", n)
	}
	if replica.core.GetStateHash() != h.core.GetStateHash() {
		t.Error("replica hash differs")
	}

	// Already applied sequences are skipped.
	if err := replica.core.ReplayEvent(events[0], 0, outputs[0].Envelope.StateHash); err != nil {
		t.Errorf("replaying an applied sequence should be a no-op: %v", err)
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	h := newHarness(t, false)
	evt := &event.TokenConfigUpdate{Token: "DAI", Decimals: 18, Weight: 10000, IsStable: true, Timestamp: h.now()}

	err := h.core.ReplayEvent(evt, 0, [32]byte{1})
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("expected ErrReplayDivergence, got %v", err)
	}

	err = h.core.ReplayEvent(h.priceUpdate("DAI", "1"), 7, [32]byte{})
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("expected divergence on sequence mismatch, got %v", err)
	}
}

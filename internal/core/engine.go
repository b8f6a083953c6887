package core

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrReplayDivergence = errors.New("replay diverged from event log")
)

// keeperNamespace seeds keeper liquidation ids so a replayed price update flags the
// same ids it did live.
var keeperNamespace = uuid.MustParse("3b8e6f0a-5c47-5d2e-9a61-7f04c2d9b813")

// CoreConfig holds the core's startup settings.
type CoreConfig struct {
	StartSequence int64
	LRUCapacity   int
	USDGSymbol    string
	Fees          *state.FeeSchedule // nil keeps the vault default
	// AutoLiquidate makes the core liquidate keeper candidates itself, paying
	// FeeReceiver.
	AutoLiquidate bool
	FeeReceiver   string
}

// DeterministicCore is the single-threaded event processor. It is the only writer of
// the vault, so every vault operation is serialised in sequence order.
type DeterministicCore struct {
	mu sync.Mutex

	sequence          int64
	clock             int64 // unix seconds of the event being applied
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	vault             *vault.Vault
	prices            *oracle.FeedOracle
	usdg              *ledger.USDGLedger
	keeper            *state.LiquidationKeeper
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	autoLiquidate bool
	feeReceiver   string
	replaying     bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one sequenced event with everything downstream workers need.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	// Receipt is nil for configuration, price and rejected events.
	Receipt    *vault.Receipt
	Candidates []state.LiquidationCandidate
	// View holds copies of the state the receipt touched, taken at sequencing time.
	View *StateView
}

// StateView is a point-in-time copy of vault state for projections.
type StateView struct {
	Pools     []state.PoolEntry
	Positions []PositionView
	Shorts    []state.GlobalShort
}

// PositionView is a position after an event; Closed marks one the event removed.
type PositionView struct {
	Key      state.PositionKey
	Position state.Position
	Closed   bool
}

func NewDeterministicCore(
	cfg CoreConfig,
	prices *oracle.FeedOracle,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*DeterministicCore, error) {
	if cfg.USDGSymbol == "" {
		cfg.USDGSymbol = "USDG"
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}

	balanceTracker := ledger.NewBalanceTracker()
	c := &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		prices:            prices,
		usdg:              ledger.NewUSDGLedger(cfg.USDGSymbol),
		keeper:            state.NewLiquidationKeeper(),
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		log:               log,
		autoLiquidate:     cfg.AutoLiquidate,
		feeReceiver:       cfg.FeeReceiver,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}

	opts := []vault.Option{
		vault.WithClock(func() int64 { return c.clock }),
		vault.WithLogger(log.With().Str("component", "vault").Logger()),
		vault.WithUSDGSymbol(cfg.USDGSymbol),
	}
	if cfg.Fees != nil {
		opts = append(opts, vault.WithFeeSchedule(*cfg.Fees))
	}
	v, err := vault.New(prices, c.usdg, opts...)
	if err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	c.vault = v

	return c, nil
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.process(evt)
	return err
}

// process runs one event and, for price updates, the keeper liquidations it causes.
// It returns every output it sequenced.
func (c *DeterministicCore) process(evt event.Event) ([]CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier; replay trusts the log and skips tier 2)
	var tier string
	if c.replaying {
		tier = c.idempotency.LookupLocal(eventType, idempotencyKey)
	} else {
		tier = c.idempotency.Lookup(eventType, idempotencyKey)
	}
	isDuplicate := tier != TierNone

	// Step 2: Sequence validation
	if err := c.admit(evt, isDuplicate); err != nil {
		if errors.Is(err, errStalePrice) {
			return nil, nil
		}
		return nil, err
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil, nil
	}

	// Step 3: Dispatch against the vault with the event's clock
	c.clock = evt.EventTime() / 1_000_000

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	receipt, digest, rejection := c.dispatchEvent(evt)
	if errors.Is(rejection, ErrUnknownEvent) {
		return nil, rejection
	}
	if rejection != nil {
		c.log.Warn().
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Err(rejection).
			Msg("command rejected")
	}

	// Steps 4-8: journals, digest, hash, envelope
	output := c.sequenceOutput(evt, payload, receipt, digest, rejection)

	var price *event.PriceUpdate
	if p, ok := evt.(*event.PriceUpdate); ok && rejection == nil {
		price = p
		output.Candidates = c.scanKeeper(p.Token)
	}

	// Step 9: Emit
	c.emit(output)

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		if rejection != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "vault").Inc()
		}
	}

	outputs := []CoreOutput{output}

	// Step 11: keeper liquidations run as their own sequenced events after the price.
	// During replay they come back from the log instead.
	if price != nil && c.autoLiquidate && !c.replaying {
		outputs = append(outputs, c.liquidateCandidates(price, output.Candidates)...)
	}

	return outputs, nil
}

var errStalePrice = errors.New("stale price")

// admit runs source sequence validation. Price feeds tolerate gaps and drop stale
// updates; keeper liquidations are internal and carry no source sequence.
func (c *DeterministicCore) admit(evt event.Event, isDuplicate bool) error {
	switch e := evt.(type) {
	case *event.PriceUpdate:
		if isDuplicate {
			return nil
		}
		if !c.sequenceValidator.ValidatePriceSequence(e.Token, e.PriceSequence) {
			if c.metrics != nil {
				c.metrics.StalePrices.WithLabelValues(e.Token).Inc()
			}
			return errStalePrice
		}
		return nil
	case *event.LiquidatePosition:
		if e.Keeper {
			return nil
		}
	}

	partition := partitionOf(evt)
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		if c.metrics != nil {
			reason := "gap"
			if errors.Is(err, ErrOutOfOrder) {
				reason = "out_of_order"
				c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
			} else {
				c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
			}
			c.metrics.CoreEventsRejected.WithLabelValues(evt.EventType().String(), reason).Inc()
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}
	return nil
}

// partitionOf maps an event to its upstream's sequence partition.
func partitionOf(evt event.Event) string {
	et := evt.EventType()
	switch {
	case et.IsConfig():
		return PartitionConfig
	case et == event.EventTypeTokenDeposit:
		return PartitionDeposits
	default:
		return PartitionCommands
	}
}

// sequenceOutput applies the receipt's journals, hashes the resulting state and
// assigns the next global sequence.
func (c *DeterministicCore) sequenceOutput(evt event.Event, payload []byte, receipt *vault.Receipt, digest []byte, rejection error) CoreOutput {
	var movements []ledger.Movement
	if receipt != nil {
		movements = receipt.Movements
	}
	batch := ledger.GenerateBatch(c.sequence, evt.IdempotencyKey(), evt.EventTime(), movements)
	var view *StateView

	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
		// The vault has already committed, so a ledger that cannot follow is corrupt.
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	if receipt != nil {
		if err := c.postCheckInvariants(receipt.Touched); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
		view = c.viewOf(receipt.Touched)
		c.forgetClosed(receipt.Touched)
		c.updateVaultGauges(receipt.Touched)
		digest = c.vault.Digest(receipt.Touched)
	}
	if rejection != nil {
		digest = []byte("rejected:" + rejection.Error())
	}

	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Token:          evt.TokenID(),
		Timestamp:      time.UnixMicro(evt.EventTime()).UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if rejection != nil {
		envelope.Rejection = rejection.Error()
	}

	c.sequence++

	return CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: digest,
		Receipt:    receipt,
		View:       view,
	}
}

func (c *DeterministicCore) viewOf(touched vault.Touched) *StateView {
	view := &StateView{}
	for _, token := range touched.Tokens {
		if p, err := c.vault.Pool(token); err == nil {
			view.Pools = append(view.Pools, p)
		}
	}
	for _, key := range touched.Positions {
		pos, ok := c.vault.GetPosition(key)
		view.Positions = append(view.Positions, PositionView{Key: key, Position: pos, Closed: !ok})
	}
	for _, token := range touched.IndexTokens {
		view.Shorts = append(view.Shorts, c.vault.GlobalShort(token))
	}
	return view
}

// FullView copies all vault state, with the last applied sequence, for rebuilding
// projections.
func (c *DeterministicCore) FullView() (int64, *StateView) {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := &StateView{
		Pools:  c.vault.Pools(),
		Shorts: c.vault.GlobalShorts(),
	}
	for _, pos := range c.vault.Positions() {
		view.Positions = append(view.Positions, PositionView{Key: pos.Key, Position: pos})
	}
	return c.sequence - 1, view
}

// emit sends one output downstream. Persistence uses a blocking send so no event is
// lost; projections use a non-blocking send and rebuild from the log when they drop.
// Replayed events are already persisted and are not re-emitted.
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.replaying {
		return
	}

	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// postCheckInvariants ties the ledger back to the vault for every touched token: the
// pool and fee accounts equal the vault's pool entry and reserves fit in the pool.
func (c *DeterministicCore) postCheckInvariants(touched vault.Touched) error {
	if len(touched.Tokens) == 0 {
		return nil
	}
	pools := make(map[string]state.PoolEntry)
	for _, p := range c.vault.Pools() {
		pools[p.Token] = p
	}

	for _, token := range touched.Tokens {
		p := pools[token]
		if !p.IsSolvent() {
			return fmt.Errorf("%s reserved %s exceeds pool %s", token, p.ReservedAmount.Dec(), p.PoolAmount.Dec())
		}
		poolBal := c.balanceTracker.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypePool, token))
		if !poolBal.Eq(&p.PoolAmount) {
			return fmt.Errorf("%s ledger pool %s != vault pool %s", token, ledger.FormatBalance(poolBal), p.PoolAmount.Dec())
		}
		feeBal := c.balanceTracker.GetBalance(ledger.NewVaultAccountKey(ledger.SubTypeFees, token))
		if !feeBal.Eq(&p.FeeReserve) {
			return fmt.Errorf("%s ledger fees %s != fee reserve %s", token, ledger.FormatBalance(feeBal), p.FeeReserve.Dec())
		}
		if err := c.validator.ValidateAllocationsNonNegative(token); err != nil {
			return err
		}
	}
	return nil
}

// forgetClosed drops keeper flags for positions the event closed.
func (c *DeterministicCore) forgetClosed(touched vault.Touched) {
	for _, key := range touched.Positions {
		if _, ok := c.vault.GetPosition(key); !ok {
			c.keeper.Forget(key)
		}
	}
}

func (c *DeterministicCore) updateVaultGauges(touched vault.Touched) {
	if c.metrics == nil {
		return
	}
	for _, token := range touched.Tokens {
		cfg, err := c.vault.TokenConfig(token)
		if err != nil {
			continue
		}
		p, err := c.vault.Pool(token)
		if err != nil {
			continue
		}
		c.metrics.PoolAmount.WithLabelValues(token).Set(fpmath.ToDecimal(&p.PoolAmount, cfg.Decimals).InexactFloat64())
		c.metrics.ReservedAmount.WithLabelValues(token).Set(fpmath.ToDecimal(&p.ReservedAmount, cfg.Decimals).InexactFloat64())
		c.metrics.FeeReserve.WithLabelValues(token).Set(fpmath.ToDecimal(&p.FeeReserve, cfg.Decimals).InexactFloat64())
		c.metrics.UsdgAmount.WithLabelValues(token).Set(fpmath.ToDecimal(&p.UsdgAmount, fpmath.USDGDecimals).InexactFloat64())
	}
	c.metrics.OpenPositions.Set(float64(len(c.vault.Positions())))
	c.updateAumGauge()
}

func (c *DeterministicCore) updateAumGauge() {
	if c.metrics == nil {
		return
	}
	for _, maximise := range []bool{true, false} {
		aum, err := c.vault.GetAum(maximise)
		if err != nil {
			return
		}
		side := "min"
		if maximise {
			side = "max"
		}
		c.metrics.AumUsd.WithLabelValues(side).Set(fpmath.ToDecimal(aum, fpmath.PriceDecimals).InexactFloat64())
	}
}

// scanKeeper classifies every open position on the repriced index token.
func (c *DeterministicCore) scanKeeper(indexToken string) []state.LiquidationCandidate {
	candidates := c.keeper.Scan(c.vault.PositionsByIndexToken(indexToken), c.vault.Classify)

	for _, cand := range candidates {
		if !cand.Newly {
			continue
		}
		if c.metrics != nil {
			c.metrics.LiquidationCandidates.WithLabelValues(cand.State.String()).Inc()
		}
		c.log.Info().
			Str("position", cand.Key.String()).
			Str("state", cand.State.String()).
			Msg("position flagged for liquidation")
	}
	if c.metrics != nil {
		c.metrics.KeeperFlagged.Set(float64(c.keeper.Flagged()))
	}
	c.updateAumGauge()
	return candidates
}

// KeeperLiquidationID derives the id of the liquidation a price update triggers for a
// position.
func KeeperLiquidationID(priceKey string, key state.PositionKey) uuid.UUID {
	return uuid.NewSHA1(keeperNamespace, []byte(priceKey+"|"+key.String()))
}

// liquidateCandidates runs a keeper liquidation for each candidate, stamped with the
// price update's time.
func (c *DeterministicCore) liquidateCandidates(price *event.PriceUpdate, candidates []state.LiquidationCandidate) []CoreOutput {
	var outputs []CoreOutput
	for _, cand := range candidates {
		liq := &event.LiquidatePosition{
			LiquidationID:   KeeperLiquidationID(price.IdempotencyKey(), cand.Key),
			Account:         cand.Key.Account,
			CollateralToken: cand.Key.CollateralToken,
			IndexToken:      cand.Key.IndexToken,
			IsLong:          cand.Key.IsLong,
			FeeReceiver:     c.feeReceiver,
			Keeper:          true,
			Timestamp:       price.PriceTimestamp,
		}
		outs, err := c.process(liq)
		if err != nil {
			c.log.Error().Err(err).Str("position", cand.Key.String()).Msg("keeper liquidation failed")
			continue
		}
		outputs = append(outputs, outs...)
	}
	return outputs
}

// dispatchEvent applies the event to the vault. It returns the receipt of a committed
// operation, or a digest for events that change configuration or prices, or the
// rejection. Rejected commands leave the vault unchanged.
func (c *DeterministicCore) dispatchEvent(evt event.Event) (*vault.Receipt, []byte, error) {
	v := c.vault

	switch e := evt.(type) {
	case *event.TokenDeposit:
		return c.result(v.DepositToken(e.Account, e.Token, e.Amount.Value()))
	case *event.BuyUSDG:
		return c.result(v.BuyUSDG(e.Token, e.Receiver))
	case *event.SellUSDG:
		return c.result(v.SellUSDG(e.Account, e.Token, e.UsdgAmount.Value(), e.Receiver))
	case *event.Swap:
		return c.result(v.Swap(e.TokenIn, e.TokenOut, e.Receiver))
	case *event.IncreasePosition:
		return c.result(v.IncreasePosition(e.Account, e.CollateralToken, e.IndexToken, e.SizeDelta.Value(), e.IsLong))
	case *event.DecreasePosition:
		return c.result(v.DecreasePosition(e.Account, e.CollateralToken, e.IndexToken,
			e.CollateralDelta.Value(), e.SizeDelta.Value(), e.IsLong, e.Receiver))
	case *event.LiquidatePosition:
		r, err := v.LiquidatePosition(e.Account, e.CollateralToken, e.IndexToken, e.IsLong, e.FeeReceiver)
		if err == nil && c.metrics != nil {
			c.metrics.LiquidationExecuted.WithLabelValues(r.LiquidationState.String()).Inc()
		}
		return c.result(r, err)
	case *event.DirectPoolDeposit:
		return c.result(v.DirectPoolDeposit(e.Token))
	case *event.WithdrawFees:
		return c.result(v.WithdrawFees(e.Token, e.Receiver))
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e)
	case *event.TokenConfigUpdate:
		return c.handleTokenConfigUpdate(e)
	case *event.FeeScheduleUpdate:
		return c.handleFeeScheduleUpdate(e)
	case *event.VaultSettingsUpdate:
		return c.handleVaultSettingsUpdate(e)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

func (c *DeterministicCore) result(r *vault.Receipt, err error) (*vault.Receipt, []byte, error) {
	if c.metrics != nil && r != nil {
		c.metrics.VaultOperations.WithLabelValues(r.Op, "ok").Inc()
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.VaultOperations.WithLabelValues("rejected", rejectionReason(err)).Inc()
		}
		return nil, nil, err
	}
	return r, nil, nil
}

// rejectionReason maps a vault error to a low-cardinality metric label.
func rejectionReason(err error) string {
	for _, r := range []struct {
		err   error
		label string
	}{
		{vault.ErrPriceUnavailable, "price_unavailable"},
		{vault.ErrUnknownToken, "unknown_token"},
		{vault.ErrPositionNotFound, "position_not_found"},
		{vault.ErrInsufficientCollateral, "insufficient_collateral"},
		{vault.ErrInsufficientPoolLiquidity, "insufficient_pool_liquidity"},
		{vault.ErrInvalidDecreaseSize, "invalid_decrease_size"},
		{vault.ErrNotLiquidatable, "not_liquidatable"},
		{vault.ErrMaxUsdgExceeded, "max_usdg_exceeded"},
		{vault.ErrEmptyIncrease, "empty_increase"},
		{vault.ErrMaxLeverageExceeded, "max_leverage_exceeded"},
		{vault.ErrPoolBelowBuffer, "pool_below_buffer"},
		{vault.ErrInvalidAmount, "invalid_amount"},
	} {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "other"
}

// handlePriceUpdate stores the new reference price. Price updates move no funds.
func (c *DeterministicCore) handlePriceUpdate(evt *event.PriceUpdate) (*vault.Receipt, []byte, error) {
	if err := c.prices.UpdatePrice(evt.Token, evt.Price.Value(), evt.PriceSequence, evt.PriceTimestamp); err != nil {
		return nil, nil, err
	}
	digest := make([]byte, 0, len(evt.Token)+32)
	digest = append(digest, evt.Token...)
	b := evt.Price.Value().Bytes32()
	digest = append(digest, b[:]...)
	return nil, digest, nil
}

// handleTokenConfigUpdate whitelists or delists a token and keeps the oracle spread
// in step with its config.
func (c *DeterministicCore) handleTokenConfigUpdate(evt *event.TokenConfigUpdate) (*vault.Receipt, []byte, error) {
	if evt.Remove {
		if err := c.vault.ClearTokenConfig(evt.Token); err != nil {
			return nil, nil, err
		}
		return nil, []byte("clear:" + evt.Token), nil
	}

	cfg := state.TokenConfig{
		Token:        evt.Token,
		Decimals:     evt.Decimals,
		Weight:       evt.Weight,
		MinProfitBps: evt.MinProfitBps,
		SpreadBps:    evt.SpreadBps,
		IsStable:     evt.IsStable,
		IsShortable:  evt.IsShortable,
	}
	cfg.MaxUsdgAmount.Set(evt.MaxUsdgAmount.Value())
	cfg.BufferAmount.Set(evt.BufferAmount.Value())
	cfg.MaxGlobalShortSize.Set(evt.MaxGlobalShortSize.Value())

	if err := c.vault.SetTokenConfig(cfg); err != nil {
		return nil, nil, err
	}
	// SetTokenConfig already bounds the spread, so this cannot fail.
	if err := c.prices.SetSpread(evt.Token, evt.SpreadBps); err != nil {
		panic(fmt.Sprintf("FATAL: spread accepted by vault but not oracle: %v", err))
	}
	return nil, c.configDigest(evt), nil
}

func (c *DeterministicCore) handleFeeScheduleUpdate(evt *event.FeeScheduleUpdate) (*vault.Receipt, []byte, error) {
	s := state.FeeSchedule{
		TaxBps:           evt.TaxBps,
		StableTaxBps:     evt.StableTaxBps,
		MintBurnFeeBps:   evt.MintBurnFeeBps,
		SwapFeeBps:       evt.SwapFeeBps,
		StableSwapFeeBps: evt.StableSwapFeeBps,
		MarginFeeBps:     evt.MarginFeeBps,
		MinProfitTime:    evt.MinProfitTime,
		HasDynamicFees:   evt.HasDynamicFees,
	}
	s.LiquidationFeeUsd.Set(evt.LiquidationFeeUsd.Value())

	if err := c.vault.SetFees(s); err != nil {
		return nil, nil, err
	}
	return nil, c.configDigest(evt), nil
}

func (c *DeterministicCore) handleVaultSettingsUpdate(evt *event.VaultSettingsUpdate) (*vault.Receipt, []byte, error) {
	if err := c.vault.SetMaxLeverage(evt.MaxLeverageBps); err != nil {
		return nil, nil, err
	}
	c.vault.SetIsSwapEnabled(evt.IsSwapEnabled)
	c.vault.SetIsLeverageEnabled(evt.IsLeverageEnabled)
	return nil, c.configDigest(evt), nil
}

// configDigest hashes configuration events by their canonical JSON.
func (c *DeterministicCore) configDigest(evt event.Event) []byte {
	b, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}
	return b
}

// --- Replay ---

// ReplayEvent re-applies a logged event during recovery. Events at or below the
// restored snapshot are skipped; every other event must land on its logged sequence
// and reproduce its logged state hash.
func (c *DeterministicCore) ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sequence < c.sequence {
		return nil
	}
	if sequence != c.sequence {
		return fmt.Errorf("%w: log sequence %d, core expects %d", ErrReplayDivergence, sequence, c.sequence)
	}

	c.replaying = true
	defer func() { c.replaying = false }()

	outputs, err := c.process(evt)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", sequence, err)
	}
	if len(outputs) == 0 {
		return fmt.Errorf("%w: sequence %d (%s) was not applied", ErrReplayDivergence, sequence, evt.IdempotencyKey())
	}
	if got := outputs[0].Envelope.StateHash; got != stateHash {
		return fmt.Errorf("%w: sequence %d hash %x, log has %x", ErrReplayDivergence, sequence, got, stateHash)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// --- Accessors ---

// Vault returns the vault for read-only queries.
func (c *DeterministicCore) Vault() *vault.Vault {
	return c.vault
}

// ReadConsistent runs fn against the vault between events. seq is the last applied
// sequence, or -1 before the first event.
func (c *DeterministicCore) ReadConsistent(fn func(v *vault.Vault, seq int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.vault, c.sequence-1)
}

// Prices returns the oracle the vault reads.
func (c *DeterministicCore) Prices() *oracle.FeedOracle {
	return c.prices
}

// USDG returns the synthetic's balance book.
func (c *DeterministicCore) USDG() *ledger.USDGLedger {
	return c.usdg
}

// GetBalance returns a ledger account balance.
func (c *DeterministicCore) GetBalance(key ledger.AccountKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ledger.FormatBalance(c.balanceTracker.GetBalance(key))
}

// ValidateLedger checks the ledger is zero-sum per asset.
func (c *DeterministicCore) ValidateLedger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validator.ValidateGlobalBalance()
}

// GetSequence returns the next global sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

// PartitionCursor returns the next expected source sequence of a partition.
func (c *DeterministicCore) PartitionCursor(partition string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequenceValidator.GetExpectedSequence(partition)
}

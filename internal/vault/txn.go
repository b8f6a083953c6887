package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// Touched names the state an operation changed, for digests and projections.
type Touched struct {
	Tokens      []string
	Positions   []state.PositionKey
	IndexTokens []string
}

// Receipt is the outcome of a committed operation.
type Receipt struct {
	Op        string
	AmountOut uint256.Int // tokens paid out, or USDG minted by BuyUSDG
	FeeAmount uint256.Int // fee tokens added to the fee reserve
	// LiquidationState is the verdict a liquidation acted on.
	LiquidationState state.LiquidationState
	Movements        []ledger.Movement
	Touched          Touched
}

type effect struct {
	mint   bool
	owner  string
	amount uint256.Int
}

type stagedPosition struct {
	pos     state.Position
	deleted bool
}

// txn stages every change of one operation. Nothing reaches the vault until commit.
type txn struct {
	v  *Vault
	op string

	pools     map[string]*state.PoolEntry
	positions map[state.PositionKey]*stagedPosition
	shorts    map[string]*state.GlobalShort
	custody   map[string]*CustodyEntry
	effects   []effect
	movements []ledger.Movement
	feeTotal  uint256.Int
}

func (v *Vault) begin(op string) *txn {
	return &txn{
		v:         v,
		op:        op,
		pools:     make(map[string]*state.PoolEntry),
		positions: make(map[state.PositionKey]*stagedPosition),
		shorts:    make(map[string]*state.GlobalShort),
		custody:   make(map[string]*CustodyEntry),
	}
}

// commit applies external effects first (burns before mints), then writes every
// staged entry back. A failing effect discards the txn.
func (tx *txn) commit() (*Receipt, error) {
	applied := make([]effect, 0, len(tx.effects))
	for _, pass := range []bool{false, true} {
		for _, e := range tx.effects {
			if e.mint != pass {
				continue
			}
			var err error
			if e.mint {
				err = tx.v.usdg.Mint(e.owner, &e.amount)
			} else {
				err = tx.v.usdg.Burn(e.owner, &e.amount)
			}
			if err != nil {
				tx.undo(applied)
				return nil, fmt.Errorf("%s: %w", tx.op, err)
			}
			applied = append(applied, e)
		}
	}

	for _, e := range tx.pools {
		tx.v.pools.Put(*e)
	}
	for key, sp := range tx.positions {
		if sp.deleted {
			tx.v.book.Delete(key)
		} else {
			tx.v.book.Put(sp.pos)
		}
	}
	for _, g := range tx.shorts {
		tx.v.shorts.Put(*g)
	}
	for _, c := range tx.custody {
		tx.v.custody.Put(*c)
	}

	r := &Receipt{Op: tx.op, Movements: tx.movements, Touched: tx.touched()}
	r.FeeAmount.Set(&tx.feeTotal)
	return r, nil
}

// undo reverses effects already applied when a later one fails.
func (tx *txn) undo(applied []effect) {
	for i := len(applied) - 1; i >= 0; i-- {
		e := applied[i]
		var err error
		if e.mint {
			err = tx.v.usdg.Burn(e.owner, &e.amount)
		} else {
			err = tx.v.usdg.Mint(e.owner, &e.amount)
		}
		if err != nil {
			panic(fmt.Sprintf("FATAL: cannot undo usdg effect for %s: %v", e.owner, err))
		}
	}
}

func (tx *txn) touched() Touched {
	t := Touched{
		Tokens:      make([]string, 0, len(tx.pools)+len(tx.custody)),
		Positions:   make([]state.PositionKey, 0, len(tx.positions)),
		IndexTokens: make([]string, 0, len(tx.shorts)),
	}
	seen := make(map[string]bool)
	for token := range tx.pools {
		seen[token] = true
		t.Tokens = append(t.Tokens, token)
	}
	for token := range tx.custody {
		if !seen[token] {
			t.Tokens = append(t.Tokens, token)
		}
	}
	for key := range tx.positions {
		t.Positions = append(t.Positions, key)
	}
	for token := range tx.shorts {
		t.IndexTokens = append(t.IndexTokens, token)
	}
	sort.Strings(t.Tokens)
	sort.Strings(t.IndexTokens)
	sort.Slice(t.Positions, func(i, j int) bool { return t.Positions[i].String() < t.Positions[j].String() })
	return t
}

// ============================================================================
// Staged reads
// ============================================================================

// pool returns the staged entry for a whitelisted token.
func (tx *txn) pool(token string) (*state.PoolEntry, error) {
	if e, ok := tx.pools[token]; ok {
		return e, nil
	}
	if !tx.v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	cp := tx.v.pools.Copy(token)
	tx.pools[token] = &cp
	return &cp, nil
}

// position returns a staged copy; a missing slot yields an empty position with its key set.
func (tx *txn) position(key state.PositionKey) *state.Position {
	if sp, ok := tx.positions[key]; ok {
		if sp.deleted {
			sp.pos = state.Position{Key: key}
			sp.deleted = false
		}
		return &sp.pos
	}
	p, ok := tx.v.book.Get(key)
	if !ok {
		p = state.Position{Key: key}
	}
	sp := &stagedPosition{pos: p}
	tx.positions[key] = sp
	return &sp.pos
}

func (tx *txn) deletePosition(key state.PositionKey) {
	tx.positions[key] = &stagedPosition{pos: state.Position{Key: key}, deleted: true}
}

func (tx *txn) short(indexToken string) *state.GlobalShort {
	if g, ok := tx.shorts[indexToken]; ok {
		return g
	}
	cp := tx.v.shorts.Copy(indexToken)
	tx.shorts[indexToken] = &cp
	return &cp
}

func (tx *txn) custodyEntry(token string) *CustodyEntry {
	if c, ok := tx.custody[token]; ok {
		return c
	}
	cp := tx.v.custody.Copy(token)
	tx.custody[token] = &cp
	return &cp
}

func (tx *txn) record(t ledger.JournalType, debit, credit ledger.AccountKey, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	tx.movements = append(tx.movements, ledger.NewMovement(t, debit, credit, amount))
}

// ============================================================================
// Custody
// ============================================================================

// deposit credits tokens sent to the vault; they stay pending until transferIn.
func (tx *txn) deposit(token, from string, amount *uint256.Int) {
	c := tx.custodyEntry(token)
	c.Balance.Add(&c.Balance, amount)
	tx.record(ledger.JournalTypeDeposit,
		ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, token),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, token),
		amount)
}

// transferIn returns the pending inbound amount and marks it recorded.
func (tx *txn) transferIn(token string) *uint256.Int {
	c := tx.custodyEntry(token)
	pending := c.Pending()
	c.Recorded.Set(&c.Balance)
	return pending
}

// transferOut pays amount to the receiver's wallet.
func (tx *txn) transferOut(token string, amount *uint256.Int, receiver string) error {
	if amount.IsZero() {
		return nil
	}
	c := tx.custodyEntry(token)
	if c.Balance.Lt(amount) {
		return fmt.Errorf("transfer %s %s exceeds custody %s: %w", amount.Dec(), token, c.Balance.Dec(), ErrInsufficientCustody)
	}
	c.Balance.Sub(&c.Balance, amount)
	c.Recorded.Set(&c.Balance)
	tx.record(ledger.JournalTypePayout,
		ledger.NewUserAccountKey(receiver, token),
		ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, token),
		amount)
	return nil
}

// ============================================================================
// Pool mutations
// ============================================================================

func (tx *txn) increasePoolAmount(token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	p.PoolAmount.Add(&p.PoolAmount, amount)
	if c := tx.custodyEntry(token); p.PoolAmount.Gt(&c.Balance) {
		return fmt.Errorf("pool %s %s above custody %s: %w", token, p.PoolAmount.Dec(), c.Balance.Dec(), ErrInsufficientCustody)
	}
	tx.record(ledger.JournalTypePoolIn,
		ledger.NewVaultAccountKey(ledger.SubTypePool, token),
		ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, token),
		amount)
	return nil
}

func (tx *txn) decreasePoolAmount(token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	if p.PoolAmount.Lt(amount) {
		return fmt.Errorf("pool %s %s below %s: %w", token, p.PoolAmount.Dec(), amount.Dec(), ErrInsufficientPoolLiquidity)
	}
	p.PoolAmount.Sub(&p.PoolAmount, amount)
	if !p.IsSolvent() {
		return fmt.Errorf("reserved %s %s exceeds pool %s: %w", token, p.ReservedAmount.Dec(), p.PoolAmount.Dec(), ErrInsufficientPoolLiquidity)
	}
	tx.record(ledger.JournalTypePoolOut,
		ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, token),
		ledger.NewVaultAccountKey(ledger.SubTypePool, token),
		amount)
	return nil
}

func (tx *txn) increaseReservedAmount(token string, amount *uint256.Int) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	p.ReservedAmount.Add(&p.ReservedAmount, amount)
	if !p.IsSolvent() {
		return fmt.Errorf("reserved %s %s exceeds pool %s: %w", token, p.ReservedAmount.Dec(), p.PoolAmount.Dec(), ErrInsufficientPoolLiquidity)
	}
	return nil
}

func (tx *txn) decreaseReservedAmount(token string, amount *uint256.Int) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	if p.ReservedAmount.Lt(amount) {
		return fmt.Errorf("release %s %s exceeds reserved %s: %w", amount.Dec(), token, p.ReservedAmount.Dec(), ErrInsufficientPoolLiquidity)
	}
	p.ReservedAmount.Sub(&p.ReservedAmount, amount)
	return nil
}

func (tx *txn) increaseGuaranteedUsd(token string, usd *uint256.Int) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	p.GuaranteedUsd.Add(&p.GuaranteedUsd, usd)
	return nil
}

func (tx *txn) decreaseGuaranteedUsd(token string, usd *uint256.Int) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	if p.GuaranteedUsd.Lt(usd) {
		panic(fmt.Sprintf("FATAL: guaranteed usd %s for %s below %s", p.GuaranteedUsd.Dec(), token, usd.Dec()))
	}
	p.GuaranteedUsd.Sub(&p.GuaranteedUsd, usd)
	return nil
}

func (tx *txn) increaseUsdgAmount(token string, amount *uint256.Int) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	p.UsdgAmount.Add(&p.UsdgAmount, amount)
	cfg, err := tx.v.registry.Get(token)
	if err != nil {
		return err
	}
	if !cfg.MaxUsdgAmount.IsZero() && p.UsdgAmount.Gt(&cfg.MaxUsdgAmount) {
		return fmt.Errorf("usdg debt %s for %s above cap %s: %w", p.UsdgAmount.Dec(), token, cfg.MaxUsdgAmount.Dec(), ErrMaxUsdgExceeded)
	}
	return nil
}

// decreaseUsdgAmount floors at zero; debt may fall below the redeemed amount after
// price moves.
func (tx *txn) decreaseUsdgAmount(token string, amount *uint256.Int) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	p.UsdgAmount.Set(fpmath.SubFloor(&p.UsdgAmount, amount))
	return nil
}

func (tx *txn) addFeeReserve(token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	p.FeeReserve.Add(&p.FeeReserve, amount)
	tx.feeTotal.Add(&tx.feeTotal, amount)
	tx.record(ledger.JournalTypeFeeAccrual,
		ledger.NewVaultAccountKey(ledger.SubTypeFees, token),
		ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, token),
		amount)
	return nil
}

// collectSwapFees moves bps of amount into the fee reserve and returns the rest.
func (tx *txn) collectSwapFees(token string, amount *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	after := fpmath.AfterBps(amount, feeBps)
	fee := new(uint256.Int).Sub(amount, after)
	if err := tx.addFeeReserve(token, fee); err != nil {
		return nil, err
	}
	return after, nil
}

func (tx *txn) validateBufferAmount(token string) error {
	p, err := tx.pool(token)
	if err != nil {
		return err
	}
	cfg, err := tx.v.registry.Get(token)
	if err != nil {
		return err
	}
	if p.PoolAmount.Lt(&cfg.BufferAmount) {
		return fmt.Errorf("pool %s %s below buffer %s: %w", token, p.PoolAmount.Dec(), cfg.BufferAmount.Dec(), ErrPoolBelowBuffer)
	}
	return nil
}

// ============================================================================
// Global shorts
// ============================================================================

func (tx *txn) increaseGlobalShort(indexToken string, price, sizeDelta *uint256.Int) error {
	g := tx.short(indexToken)
	g.Increase(price, sizeDelta)
	cfg, err := tx.v.registry.Get(indexToken)
	if err != nil {
		return err
	}
	if !cfg.MaxGlobalShortSize.IsZero() && g.Size.Gt(&cfg.MaxGlobalShortSize) {
		return fmt.Errorf("global short %s for %s above cap %s: %w", g.Size.Dec(), indexToken, cfg.MaxGlobalShortSize.Dec(), ErrMaxShortsExceeded)
	}
	return nil
}

func (tx *txn) decreaseGlobalShort(indexToken string, sizeDelta *uint256.Int) {
	tx.short(indexToken).Decrease(sizeDelta)
}

// ============================================================================
// USDG
// ============================================================================

func (tx *txn) mintUSDG(to string, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	e := effect{mint: true, owner: to}
	e.amount.Set(amount)
	tx.effects = append(tx.effects, e)
	sym := tx.v.usdgSymbol
	tx.record(ledger.JournalTypeMint,
		ledger.NewUserAccountKey(to, sym),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, sym),
		amount)
}

func (tx *txn) burnUSDG(from string, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	e := effect{owner: from}
	e.amount.Set(amount)
	tx.effects = append(tx.effects, e)
	sym := tx.v.usdgSymbol
	tx.record(ledger.JournalTypeBurn,
		ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, sym),
		ledger.NewUserAccountKey(from, sym),
		amount)
}

// feeBasisPoints applies the dynamic ramp using the staged USDG debt of token.
func (tx *txn) feeBasisPoints(token string, usdgDelta *uint256.Int, feeBps, taxBps uint64, increment bool) (uint64, error) {
	p, err := tx.pool(token)
	if err != nil {
		return 0, err
	}
	target, err := tx.targetUsdgAmount(token)
	if err != nil {
		return 0, err
	}
	return tx.v.fees.FeeBasisPoints(&p.UsdgAmount, usdgDelta, target, feeBps, taxBps, increment), nil
}

// targetUsdgAmount is weight * total USDG debt / total weights, over staged entries.
func (tx *txn) targetUsdgAmount(token string) (*uint256.Int, error) {
	cfg, err := tx.v.registry.Get(token)
	if err != nil {
		return nil, err
	}
	total := new(uint256.Int)
	for _, t := range tx.v.registry.Tokens() {
		if e, ok := tx.pools[t]; ok {
			total.Add(total, &e.UsdgAmount)
			continue
		}
		e := tx.v.pools.Copy(t)
		total.Add(total, &e.UsdgAmount)
	}
	return targetShare(total, cfg.Weight, tx.v.registry.TotalWeights()), nil
}

func targetShare(totalUsdg *uint256.Int, weight, totalWeights uint64) *uint256.Int {
	if totalUsdg.IsZero() || totalWeights == 0 {
		return new(uint256.Int)
	}
	return fpmath.MulDiv(totalUsdg, uint256.NewInt(weight), uint256.NewInt(totalWeights))
}

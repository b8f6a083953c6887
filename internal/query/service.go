package query

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/projection"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned for positions and pools the vault does not hold.
var ErrNotFound = errors.New("not found")

// LiveState is the in-memory vault the core maintains.
type LiveState interface {
	ReadConsistent(fn func(v *vault.Vault, seq int64))
}

// QueryService answers read-only queries. Pool, position and AUM queries read the
// live vault so their derived values use current prices; history and balance queries
// read the PostgreSQL projection tables. Every response carries as_of_sequence.
type QueryService struct {
	db      *sql.DB
	live    LiveState
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewQueryService(db *sql.DB, live LiveState, metrics *observability.Metrics, log zerolog.Logger) *QueryService {
	return &QueryService{db: db, live: live, metrics: metrics, log: log}
}

// --- Live vault queries ---

// GetPool returns a token's pool accounting and utilisation.
func (qs *QueryService) GetPool(ctx context.Context, token string) (resp *PoolResponse, err error) {
	defer qs.observe("GetPool", time.Now(), &err)

	qs.live.ReadConsistent(func(v *vault.Vault, seq int64) {
		var p state.PoolEntry
		p, err = v.Pool(token)
		if err != nil {
			err = notFound(err)
			return
		}
		resp = poolResponse(p, seq)
		if u, uerr := v.GetUtilisation(token); uerr == nil {
			resp.Utilisation = u.Dec()
		}
	})
	return resp, err
}

// GetPools returns every pool entry.
func (qs *QueryService) GetPools(ctx context.Context) (resp []PoolResponse, err error) {
	defer qs.observe("GetPools", time.Now(), &err)

	qs.live.ReadConsistent(func(v *vault.Vault, seq int64) {
		for _, p := range v.Pools() {
			resp = append(resp, *poolResponse(p, seq))
		}
	})
	return resp, nil
}

// GetPosition returns a live position with its PnL, leverage and liquidation verdict.
// Derived fields are left empty when the index token has no price.
func (qs *QueryService) GetPosition(ctx context.Context, key state.PositionKey) (resp *PositionResponse, err error) {
	defer qs.observe("GetPosition", time.Now(), &err)

	qs.live.ReadConsistent(func(v *vault.Vault, seq int64) {
		pos, ok := v.GetPosition(key)
		if !ok {
			err = fmt.Errorf("position %s: %w", key, ErrNotFound)
			return
		}
		resp = positionResponse(pos, seq)

		if hasProfit, delta, derr := v.GetPositionDelta(key); derr == nil {
			resp.HasProfit = &hasProfit
			resp.Delta = delta.Dec()
		}
		if lev, lerr := v.GetPositionLeverage(key); lerr == nil {
			resp.Leverage = lev.Dec()
		}
		if ls, _, verr := v.ValidateLiquidation(key); verr == nil {
			resp.LiquidationState = ls.String()
		}
	})
	return resp, err
}

// GetGlobalShort returns the aggregate short book of an index token and its PnL.
func (qs *QueryService) GetGlobalShort(ctx context.Context, indexToken string) (resp *GlobalShortResponse, err error) {
	defer qs.observe("GetGlobalShort", time.Now(), &err)

	qs.live.ReadConsistent(func(v *vault.Vault, seq int64) {
		g := v.GlobalShort(indexToken)
		resp = &GlobalShortResponse{
			IndexToken:   indexToken,
			Size:         g.Size.Dec(),
			AveragePrice: g.AveragePrice.Dec(),
			AsOfSequence: seq,
		}
		if hasProfit, delta, derr := v.GetGlobalShortDelta(indexToken); derr == nil {
			resp.HasProfit = &hasProfit
			resp.Delta = delta.Dec()
		}
	})
	return resp, nil
}

// GetAum returns assets under management at max and min prices.
func (qs *QueryService) GetAum(ctx context.Context) (resp *AumResponse, err error) {
	defer qs.observe("GetAum", time.Now(), &err)

	qs.live.ReadConsistent(func(v *vault.Vault, seq int64) {
		hi, herr := v.GetAum(true)
		lo, lerr := v.GetAum(false)
		usdg, uerr := v.GetAumInUsdg(true)
		if err = errors.Join(herr, lerr, uerr); err != nil {
			return
		}
		resp = &AumResponse{AumMax: hi.Dec(), AumMin: lo.Dec(), AumInUsdg: usdg.Dec(), AsOfSequence: seq}
	})
	return resp, err
}

// ValidateLiquidation classifies a live position at current prices.
func (qs *QueryService) ValidateLiquidation(ctx context.Context, key state.PositionKey) (resp *LiquidationCheck, err error) {
	defer qs.observe("ValidateLiquidation", time.Now(), &err)

	qs.live.ReadConsistent(func(v *vault.Vault, seq int64) {
		ls, fee, verr := v.ValidateLiquidation(key)
		if verr != nil {
			err = notFound(verr)
			return
		}
		resp = &LiquidationCheck{State: ls.String(), MarginFee: fee.Dec(), AsOfSequence: seq}
	})
	return resp, err
}

// --- Projection queries ---

// GetBalance returns an account's wallet balance for an asset. Pending is the vault's
// unrecorded custody inflow of the asset, which is not attributed to any account.
func (qs *QueryService) GetBalance(ctx context.Context, account, asset string) (resp *BalanceResponse, err error) {
	defer qs.observe("GetBalance", time.Now(), &err)

	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	wallet, err := qs.getProjectedBalance(ctx, ledger.NewUserAccountKey(account, asset).AccountPath(), asset)
	if err != nil {
		return nil, err
	}

	resp = &BalanceResponse{Account: account, Asset: asset, Wallet: wallet, AsOfSequence: asOfSeq}
	qs.live.ReadConsistent(func(v *vault.Vault, _ int64) {
		c := v.CustodyOf(asset)
		if pending := c.Pending(); !pending.IsZero() {
			resp.Pending = pending.Dec()
		}
	})
	return resp, nil
}

// GetVaultBalances returns the vault's ledger accounts for a token.
func (qs *QueryService) GetVaultBalances(ctx context.Context, token string) (resp *VaultBalances, err error) {
	defer qs.observe("GetVaultBalances", time.Now(), &err)

	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp = &VaultBalances{Token: token, AsOfSequence: asOfSeq}
	for sub, dst := range map[ledger.AccountSubType]*string{
		ledger.SubTypeUnallocated: &resp.Unallocated,
		ledger.SubTypePool:        &resp.Pool,
		ledger.SubTypeFees:        &resp.Fees,
	} {
		if *dst, err = qs.getProjectedBalance(ctx, ledger.NewVaultAccountKey(sub, token).AccountPath(), token); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// GetPositions returns an account's open positions as last projected.
func (qs *QueryService) GetPositions(ctx context.Context, account string) (positions []PositionResponse, err error) {
	defer qs.observe("GetPositions", time.Now(), &err)

	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT collateral_token, index_token, is_long, size::text, collateral::text,
		       average_price::text, reserve_amount::text, realised_pnl::text, last_increased_time
		FROM projections.position_state
		WHERE account = $1
		ORDER BY index_token, collateral_token, is_long
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := PositionResponse{Account: account, AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&p.CollateralToken, &p.IndexToken, &p.IsLong, &p.Size, &p.Collateral,
			&p.AveragePrice, &p.ReserveAmount, &p.RealisedPnl, &p.LastIncreasedTime,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetLiquidationHistory returns an account's executed liquidations, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, account string, limit int) (results []LiquidationResponse, err error) {
	defer qs.observe("GetLiquidationHistory", time.Now(), &err)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, collateral_token, index_token, is_long, liquidation_state, keeper, timestamp
		FROM projections.liquidation_history
		WHERE account = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r := LiquidationResponse{Account: account}
		var ts time.Time
		if err := rows.Scan(&r.Sequence, &r.CollateralToken, &r.IndexToken, &r.IsLong, &r.State, &r.Keeper, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = ts.UnixMicro()
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest first, with
// cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account string,
	limit int,
	afterSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// maxReportedBreaks caps the hash chain breaks listed in a report.
const maxReportedBreaks = 10

// VerifyIntegrity recomputes the hash chain over the whole event log and checks that
// projected balances are zero-sum per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, state_digest, state_hash, prev_hash
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prev := core.GenesisHash()
	for rows.Next() {
		var (
			seq                      int64
			digest, stored, prevHash []byte
		)
		if err := rows.Scan(&seq, &digest, &stored, &prevHash); err != nil {
			return nil, err
		}
		report.EventsChecked++

		want := core.ChainHash(prev, seq, digest)
		if !bytes.Equal(prevHash, prev[:]) || !bytes.Equal(stored, want[:]) {
			if len(report.HashChainBreaks) < maxReportedBreaks {
				report.HashChainBreaks = append(report.HashChainBreaks, seq)
			}
		}
		// Continue from the stored hash so one bad row reports once.
		copy(prev[:], stored)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.account_balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	if !report.IsHealthy {
		qs.log.Error().
			Ints64("chain_breaks", report.HashChainBreaks).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Msg("integrity check failed")
	}
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath, asset string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.account_balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return "0", nil
	}
	return balance, err
}

func (qs *QueryService) observe(method string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if *err != nil && !errors.Is(*err, ErrNotFound) {
		qs.metrics.QueryErrors.WithLabelValues(method).Inc()
	}
}

func notFound(err error) error {
	if errors.Is(err, vault.ErrUnknownToken) || errors.Is(err, vault.ErrPositionNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func poolResponse(p state.PoolEntry, seq int64) *PoolResponse {
	return &PoolResponse{
		Token:          p.Token,
		PoolAmount:     p.PoolAmount.Dec(),
		ReservedAmount: p.ReservedAmount.Dec(),
		FeeReserve:     p.FeeReserve.Dec(),
		GuaranteedUsd:  p.GuaranteedUsd.Dec(),
		UsdgAmount:     p.UsdgAmount.Dec(),
		AsOfSequence:   seq,
	}
}

func positionResponse(p state.Position, seq int64) *PositionResponse {
	return &PositionResponse{
		Account:           p.Key.Account,
		CollateralToken:   p.Key.CollateralToken,
		IndexToken:        p.Key.IndexToken,
		IsLong:            p.Key.IsLong,
		Size:              p.Size.Dec(),
		Collateral:        p.Collateral.Dec(),
		AveragePrice:      p.AveragePrice.Dec(),
		ReserveAmount:     p.ReserveAmount.Dec(),
		RealisedPnl:       ledger.FormatBalance(&p.RealisedPnl),
		LastIncreasedTime: p.LastIncreasedTime,
		AsOfSequence:      seq,
	}
}

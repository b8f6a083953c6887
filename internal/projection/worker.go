package projection

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionOutput is what the projection worker needs from one sequenced event.
type ProjectionOutput struct {
	Sequence    int64
	EventType   string
	Timestamp   time.Time
	Journals    []JournalEntry
	Pools       []state.PoolEntry
	Positions   []core.PositionView
	Shorts      []state.GlobalShort
	Liquidation *LiquidationRecord
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
}

// LiquidationRecord is one executed liquidation.
type LiquidationRecord struct {
	Key    state.PositionKey
	State  string
	Keeper bool
}

// FromCoreOutput converts a core output. Rejected events only advance the watermark.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	po := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
	}
	if env.Rejected() {
		return po
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			po.Journals = append(po.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount.Dec(),
			})
		}
	}
	if out.View != nil {
		po.Pools = out.View.Pools
		po.Positions = out.View.Positions
		po.Shorts = out.View.Shorts
	}

	if env.EventType == event.EventTypeLiquidatePosition && out.Receipt != nil {
		var liq event.LiquidatePosition
		if err := json.Unmarshal(env.Payload, &liq); err == nil {
			po.Liquidation = &LiquidationRecord{
				Key: state.PositionKey{
					Account:         liq.Account,
					CollateralToken: liq.CollateralToken,
					IndexToken:      liq.IndexToken,
					IsLong:          liq.IsLong,
				},
				State:  out.Receipt.LiquidationState.String(),
				Keeper: liq.Keeper,
			}
		}
	}
	return po
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; projections that fall behind
// are rebuilt with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.lastSeq {
				continue
			}
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}

			pw.lastSeq = output.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionWatermark.Set(float64(output.Sequence))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	pw.observe("balances", start)

	for _, p := range output.Pools {
		if err := upsertPool(ctx, tx, p, output.Sequence, output.Timestamp); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
	}
	pw.observe("pools", start)

	for _, p := range output.Positions {
		if err := applyPosition(ctx, tx, p, output.Sequence, output.Timestamp); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	pw.observe("positions", start)

	for _, g := range output.Shorts {
		if err := upsertGlobalShort(ctx, tx, g, output.Sequence, output.Timestamp); err != nil {
			return fmt.Errorf("global short projection: %w", err)
		}
	}

	if output.Liquidation != nil {
		if err := insertLiquidation(ctx, tx, output.Sequence, output.Timestamp, output.Liquidation); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

// updateBalanceProjection applies one journal: the debit account gains, the credit
// account loses.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.account_balances.balance + $3::numeric, last_sequence = $4
	`, j.DebitAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.account_balances.balance - $3::numeric, last_sequence = $4
	`, j.CreditAccount, j.Asset, j.Amount, seq)
	return err
}

func upsertPool(ctx context.Context, tx *sql.Tx, p state.PoolEntry, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(token, pool_amount, reserved_amount, fee_reserve, guaranteed_usd, usdg_amount, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token) DO UPDATE SET
			pool_amount = $2, reserved_amount = $3, fee_reserve = $4,
			guaranteed_usd = $5, usdg_amount = $6, last_sequence = $7, updated_at = $8
	`, p.Token, p.PoolAmount.Dec(), p.ReservedAmount.Dec(), p.FeeReserve.Dec(),
		p.GuaranteedUsd.Dec(), p.UsdgAmount.Dec(), seq, ts)
	return err
}

func applyPosition(ctx context.Context, tx *sql.Tx, p core.PositionView, seq int64, ts time.Time) error {
	if p.Closed {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.position_state
			WHERE account = $1 AND collateral_token = $2 AND index_token = $3 AND is_long = $4
		`, p.Key.Account, p.Key.CollateralToken, p.Key.IndexToken, p.Key.IsLong)
		return err
	}

	pos := p.Position
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.position_state
			(account, collateral_token, index_token, is_long, size, collateral, average_price,
			 reserve_amount, realised_pnl, last_increased_time, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account, collateral_token, index_token, is_long) DO UPDATE SET
			size = $5, collateral = $6, average_price = $7, reserve_amount = $8,
			realised_pnl = $9, last_increased_time = $10, last_sequence = $11, updated_at = $12
	`, p.Key.Account, p.Key.CollateralToken, p.Key.IndexToken, p.Key.IsLong,
		pos.Size.Dec(), pos.Collateral.Dec(), pos.AveragePrice.Dec(), pos.ReserveAmount.Dec(),
		ledger.FormatBalance(&pos.RealisedPnl), pos.LastIncreasedTime, seq, ts)
	return err
}

func upsertGlobalShort(ctx context.Context, tx *sql.Tx, g state.GlobalShort, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.global_short_state (index_token, size, average_price, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (index_token) DO UPDATE SET
			size = $2, average_price = $3, last_sequence = $4, updated_at = $5
	`, g.IndexToken, g.Size.Dec(), g.AveragePrice.Dec(), seq, ts)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, l *LiquidationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, account, collateral_token, index_token, is_long, liquidation_state, keeper, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, l.Key.Account, l.Key.CollateralToken, l.Key.IndexToken, l.Key.IsLong, l.State, l.Keeper, ts)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, last_sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq)
	return err
}

// RebuildProjections resets every projection: balances are recomputed from the
// journal, vault state tables are reseeded from the current in-memory view.
// Liquidation history is append-only and kept.
func RebuildProjections(ctx context.Context, db *sql.DB, sequence int64, view *core.StateView, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.account_balances`,
		`TRUNCATE projections.pool_state`,
		`TRUNCATE projections.position_state`,
		`TRUNCATE projections.global_short_state`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	now := time.Now().UTC()
	for _, p := range view.Pools {
		if err := upsertPool(ctx, tx, p, sequence, now); err != nil {
			return err
		}
	}
	for _, p := range view.Positions {
		if err := applyPosition(ctx, tx, p, sequence, now); err != nil {
			return err
		}
	}
	for _, g := range view.Shorts {
		if err := upsertGlobalShort(ctx, tx, g, sequence, now); err != nil {
			return err
		}
	}
	if err := setWatermark(ctx, tx, sequence); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int64("sequence", sequence).Msg("projection rebuild complete")
	return nil
}

// Watermark returns the last sequence the projections reflect, or -1.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT last_sequence FROM projections.watermark WHERE id = 1`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

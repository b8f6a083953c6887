package persistence

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds the vault, oracle prices, USDG balances, ledger balances,
// sequence cursors, recent idempotency keys and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is a core snapshot with its creation time.
type SnapshotData struct {
	State     *core.SnapshotState `json:"state"`
	CreatedAt time.Time           `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	if snap.State == nil {
		return 0, errors.New("snapshot has no state")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.State.Sequence, data, snap.State.StateHash[:], snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}

	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.State == nil {
		return nil, errors.New("stored snapshot has no state")
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified. A snapshot is verified once its state
// hash matches the event log's hash at the same sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyAgainstLog checks a snapshot's hash against the logged hash at its sequence
// and marks it verified on a match.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, sequence int64, stateHash [32]byte) (bool, error) {
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&logged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(logged) != string(stateHash[:]) {
		return false, nil
	}
	return true, sm.MarkVerified(ctx, sequence)
}

// LoadEventsFrom loads up to limit events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, token, payload, rejection,
		       state_digest, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Token, &e.Payload, &e.Rejection,
			&e.StateDigest, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// DecodeEvent rebuilds the typed event of a logged row.
func DecodeEvent(row EventRow) (event.Event, error) {
	et := event.ParseEventType(row.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("sequence %d: unknown event type %q", row.Sequence, row.EventType)
	}
	return event.Decode(et, row.Payload)
}

// StateHashOf returns the row's state hash as a fixed array.
func StateHashOf(row EventRow) ([32]byte, error) {
	var h [32]byte
	if len(row.StateHash) != len(h) {
		return h, fmt.Errorf("sequence %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
	}
	copy(h[:], row.StateHash)
	return h, nil
}

// Replayer feeds logged events back into a core.
type Replayer interface {
	ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error
}

// ReplayFrom replays the log from a sequence in pages. It returns the number of
// events replayed.
func (sm *SnapshotManager) ReplayFrom(ctx context.Context, r Replayer, fromSequence int64, pageSize int) (int, error) {
	replayed := 0
	next := fromSequence
	for {
		rows, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range rows {
			evt, err := DecodeEvent(row)
			if err != nil {
				return replayed, err
			}
			hash, err := StateHashOf(row)
			if err != nil {
				return replayed, err
			}
			if err := r.ReplayEvent(evt, row.Sequence, hash); err != nil {
				return replayed, err
			}
			replayed++
			next = row.Sequence + 1
		}
		if len(rows) < pageSize {
			return replayed, nil
		}
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
	}
}

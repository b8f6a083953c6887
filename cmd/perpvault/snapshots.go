package main

import (
	"PerpVault/internal/core"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// maxPendingSnapshots bounds snapshots still waiting for their sequence to reach
// the event log.
const maxPendingSnapshots = 8

type pendingSnapshot struct {
	sequence int64
	hash     [32]byte
}

// snapshotter writes core snapshots every interval events. A snapshot is only
// loadable once verified against the logged hash at its sequence, and the log
// trails the core, so saved snapshots are re-checked on every tick until the
// persistence worker catches up.
type snapshotter struct {
	core     *core.DeterministicCore
	mgr      *persistence.SnapshotManager
	interval int64
	metrics  *observability.Metrics
	log      zerolog.Logger

	lastSeq int64
	pending []pendingSnapshot
}

func newSnapshotter(c *core.DeterministicCore, mgr *persistence.SnapshotManager, interval int64, metrics *observability.Metrics, log zerolog.Logger) *snapshotter {
	return &snapshotter{
		core:     c,
		mgr:      mgr,
		interval: interval,
		metrics:  metrics,
		log:      log,
		lastSeq:  c.GetSequence() - 1,
	}
}

func (s *snapshotter) run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.verifyPending(ctx); err != nil {
				s.log.Warn().Err(err).Msg("snapshot verification failed")
			}
			if s.core.GetSequence()-1-s.lastSeq < s.interval {
				continue
			}
			if err := s.take(ctx); err != nil {
				s.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// take saves a snapshot of the core at its current sequence boundary.
func (s *snapshotter) take(ctx context.Context) error {
	start := time.Now()
	st := s.core.CreateSnapshotState()
	if st.Sequence < 0 || st.Sequence == s.lastSeq {
		return nil
	}

	size, err := s.mgr.SaveSnapshot(ctx, &persistence.SnapshotData{State: st, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("save snapshot at %d: %w", st.Sequence, err)
	}
	s.lastSeq = st.Sequence

	s.metrics.SnapshotTaken.Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.metrics.SnapshotSizeBytes.Set(float64(size))
	s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	s.log.Info().Int64("sequence", st.Sequence).Int("size_bytes", size).Msg("snapshot saved")

	s.pending = append(s.pending, pendingSnapshot{sequence: st.Sequence, hash: st.StateHash})
	if len(s.pending) > maxPendingSnapshots {
		s.log.Warn().Int64("sequence", s.pending[0].sequence).Msg("snapshot never matched the log, giving up on it")
		s.pending = s.pending[1:]
	}
	return s.verifyPending(ctx)
}

func (s *snapshotter) verifyPending(ctx context.Context) error {
	kept := s.pending[:0]
	for i, p := range s.pending {
		ok, err := s.mgr.VerifyAgainstLog(ctx, p.sequence, p.hash)
		if err != nil {
			s.pending = append(kept, s.pending[i:]...)
			return err
		}
		if ok {
			s.log.Info().Int64("sequence", p.sequence).Msg("snapshot verified")
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	return nil
}

// unverified reports how many saved snapshots still wait for verification.
func (s *snapshotter) unverified() int {
	return len(s.pending)
}

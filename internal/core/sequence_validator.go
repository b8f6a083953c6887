package core

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order event")
)

// Source partitions. Each upstream numbers its own events from 0.
const (
	PartitionDeposits = "deposits"
	PartitionCommands = "commands"
	PartitionConfig   = "config"
	pricePrefix       = "price:"
)

// PricePartition names the partition of one token's price feed.
func PricePartition(token string) string {
	return pricePrefix + token
}

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering. A sequence behind the cursor is
// only acceptable for a known duplicate; anything ahead of it is a gap.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidatePriceSequence validates a token's price feed. Gaps are tolerated since only
// the latest price matters; it returns false for a stale sequence, which the caller
// drops.
func (sv *SequenceValidator) ValidatePriceSequence(token string, priceSequence int64) bool {
	partition := PricePartition(token)

	expected, seen := sv.expectedNextSeq[partition]
	if seen && priceSequence < expected {
		return false
	}

	if seen && priceSequence > expected {
		sv.metrics.RecordPriceGap(token)
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets a partition cursor, on snapshot restore.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions returns a copy of every partition cursor.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}

// Partitions returns the partition names in order.
func (sv *SequenceValidator) Partitions() []string {
	out := make([]string, 0, len(sv.expectedNextSeq))
	for p := range sv.expectedNextSeq {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Metrics returns the validator counters.
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // token -> price gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(token string) {
	m.priceGaps[token]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(token string) int64 {
	return m.priceGaps[token]
}

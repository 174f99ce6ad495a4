package controller

import (
	"PerpEngine/internal/errs"
)

// SequenceStatus classifies an incoming sequence number against the
// partition's expected next value.
type SequenceStatus int

const (
	// SequenceOK means the value is the expected next; the caller processes it.
	SequenceOK SequenceStatus = iota
	// SequenceStale means the value was already consumed; the caller skips it.
	// Redelivery after a crash between processing and ack lands here.
	SequenceStale
	// SequenceGap means values were skipped; the caller rejects the request
	// so the transport redelivers the missing ones first.
	SequenceGap
)

// SequenceValidator enforces per-partition ordering of action requests.
// Action streams are strict: a gap is an error, never silently accepted,
// because executing out of order changes pool state.
type SequenceValidator struct {
	expectedNext map[string]uint64
}

// NewSequenceValidator starts with every partition expecting sequence 1.
func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{expectedNext: make(map[string]uint64)}
}

// ValidateAction checks an action sequence for a partition and advances the
// expectation when it matches.
func (v *SequenceValidator) ValidateAction(partition string, seq uint64) (SequenceStatus, error) {
	expected, ok := v.expectedNext[partition]
	if !ok {
		expected = 1
	}
	switch {
	case seq == expected:
		v.expectedNext[partition] = expected + 1
		return SequenceOK, nil
	case seq < expected:
		return SequenceStale, nil
	default:
		return SequenceGap, errs.E(errs.KindPreconditionsNotMet,
			"partition %s: sequence %d arrived, expected %d", partition, seq, expected)
	}
}

// ValidateOracleSlot checks an oracle slot for a partition. Oracle feeds
// tolerate gaps, a missed slot just means a skipped price, and stale slots
// are skipped without error.
func (v *SequenceValidator) ValidateOracleSlot(partition string, slot uint64) SequenceStatus {
	expected, ok := v.expectedNext[partition]
	if ok && slot < expected {
		return SequenceStale
	}
	v.expectedNext[partition] = slot + 1
	return SequenceOK
}

// ExpectedNext returns the next sequence a partition will accept.
func (v *SequenceValidator) ExpectedNext(partition string) uint64 {
	if expected, ok := v.expectedNext[partition]; ok {
		return expected
	}
	return 1
}

// Restore seeds a partition's expectation, used when resuming from a
// snapshot.
func (v *SequenceValidator) Restore(partition string, expectedNext uint64) {
	v.expectedNext[partition] = expectedNext
}

// Partitions returns the number of tracked partitions.
func (v *SequenceValidator) Partitions() int {
	return len(v.expectedNext)
}

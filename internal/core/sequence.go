package core

import (
	"fmt"
)

// SequenceValidator tracks the next expected source sequence per
// partition. Not thread-safe; only the single-threaded core touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering. A stale sequence
// on a known duplicate is fine (redelivery of an already-applied
// event); a stale sequence on a new event or a gap is an upstream
// fault and rejects.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// Expected returns the next expected sequence for a partition.
func (sv *SequenceValidator) Expected(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpected initializes a partition cursor during recovery.
func (sv *SequenceValidator) SetExpected(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Export copies all partition cursors for a snapshot.
func (sv *SequenceValidator) Export() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

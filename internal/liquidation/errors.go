package liquidation

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure aborts the whole call with no partial
// commit (the hosting transaction boundary discards the working state),
// so these exist to tell callers what kind of dead end they hit:
//
//   - arithmetic domain errors surface as bignum.ErrArithmetic or the
//     tickmath bound errors; fatal, never retried.
//   - ErrInvariant: a record in a state the algorithm proves impossible
//     under correct prior operation. Surfaced verbatim as a protocol-bug
//     signal.
//   - ErrBadRequest: malformed input, rejected before any mutation.
//   - ErrNothingToLiquidate: not a true error but a terminal boundary
//     result. Probe-style callers use it to distinguish "fully healthy"
//     from a malformed request. Non-retriable.
var (
	ErrInvariant          = errors.New("liquidation: structural invariant violation")
	ErrBadRequest         = errors.New("liquidation: invalid request")
	ErrNothingToLiquidate = errors.New("liquidation: nothing left to liquidate")

	// ErrStepCeiling trips when adversarial tick fragmentation pushes a
	// single call past the configured iteration limit.
	ErrStepCeiling = fmt.Errorf("%w: step ceiling exceeded", ErrInvariant)
)

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvariant}, args...)...)
}

func badRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrBadRequest}, args...)...)
}

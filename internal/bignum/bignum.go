package bignum

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/holiman/uint256"
)

// BigNumber is a compact fixed-point value packed into a uint64:
// a 35-bit normalized coefficient (top bit always set) followed by a
// 15-bit exponent. The represented value is
//
//	coefficient * 2^(exponent - ExponentBias)
//
// The format exists so that debt factors can be composed (multiplied,
// divided) an unbounded number of times: every operation renormalizes
// back to 35 significant bits, so relative error stays around 2^-35 per
// composition regardless of depth. Plain uint64 ratios would collapse
// to zero or overflow after a bounded number of compositions.
//
// A BigNumber is only meaningful when produced by Pack, FromPlain or
// the arithmetic in this package.
type BigNumber uint64

const (
	CoefficientBits = 35
	ExponentBits    = 15
	ExponentBias    = 16384

	// ExponentMax is the largest storable exponent (all 15 bits set).
	ExponentMax = (1 << ExponentBits) - 1

	exponentMask   = ExponentMax
	coefficientMin = uint64(1) << (CoefficientBits - 1)
	coefficientMax = (uint64(1) << CoefficientBits) - 1

	// zeroShiftLimit bounds the net downward exponent shift in
	// MulDivPlain. Beyond it the quotient is provably below one unit,
	// so the shift is clamped and 0 returned instead of building a
	// huge intermediate denominator.
	zeroShiftLimit = 128
)

var (
	// ErrArithmetic is the base class for every domain violation in
	// this package; callers match it with errors.Is.
	ErrArithmetic = errors.New("bignum: arithmetic domain error")

	ErrDivideByZero     = fmt.Errorf("%w: divide by zero", ErrArithmetic)
	ErrExponentOverflow = fmt.Errorf("%w: exponent overflow", ErrArithmetic)
	// ErrExponentUnderflow guards the "never silently decay to zero"
	// contract: a factor that can no longer be represented must fail
	// loudly, not round to nothing.
	ErrExponentUnderflow = fmt.Errorf("%w: exponent underflow", ErrArithmetic)
	ErrPrecondition      = fmt.Errorf("%w: divisor smaller than multiplier", ErrArithmetic)
)

// One is the identity factor (100%).
var One = Pack(coefficientMin, ExponentBias-(CoefficientBits-1))

// Saturated is the maximum encoding. Mul returns it instead of failing
// when the combined exponent leaves the representable range; branch
// connection factors legitimately reach it at full liquidation, and
// MulDivPlain against it clamps position debt to zero.
var Saturated = Pack(coefficientMax, ExponentMax)

// Consumed is the smallest encoding, used as the practical zero: a
// debt factor that cannot shrink further. MulDivPlain with Consumed as
// the factor clamps any position read to zero through the shift limit.
var Consumed = Pack(coefficientMin, 1)

// Pack assembles a BigNumber from a coefficient and exponent. It does
// not normalize; coefficient is expected to already occupy 35 bits.
func Pack(coefficient, exponent uint64) BigNumber {
	return BigNumber(coefficient<<ExponentBits | exponent&exponentMask)
}

// Coefficient extracts the 35-bit coefficient.
func (n BigNumber) Coefficient() uint64 {
	return uint64(n) >> ExponentBits
}

// Exponent extracts the 15-bit biased exponent.
func (n BigNumber) Exponent() uint64 {
	return uint64(n) & exponentMask
}

// Float64 converts to float64 for logging and test tolerances. Not for
// ledger arithmetic.
func (n BigNumber) Float64() float64 {
	return math.Ldexp(float64(n.Coefficient()), int(n.Exponent())-ExponentBias)
}

// Cmp returns -1, 0 or +1 comparing represented values. Normalized
// coefficients make (exponent, coefficient) a lexicographic order.
func Cmp(a, b BigNumber) int {
	switch {
	case a.Exponent() != b.Exponent():
		if a.Exponent() < b.Exponent() {
			return -1
		}
		return 1
	case a.Coefficient() != b.Coefficient():
		if a.Coefficient() < b.Coefficient() {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// MostSignificantBit returns 0 for input 0, otherwise the 1-indexed
// position of the highest set bit. All renormalization in this package
// goes through it.
func MostSignificantBit(v uint64) uint {
	return uint(bits.Len64(v))
}

// FromPlain normalizes a plain integer into the packed format.
func FromPlain(v uint64) (BigNumber, error) {
	if v == 0 {
		return 0, fmt.Errorf("%w: cannot represent zero", ErrArithmetic)
	}
	msb := int(MostSignificantBit(v))
	if msb >= CoefficientBits {
		shift := uint(msb - CoefficientBits)
		return Pack(v>>shift, uint64(ExponentBias+msb-CoefficientBits)), nil
	}
	shift := uint(CoefficientBits - msb)
	return Pack(v<<shift, uint64(ExponentBias-int(shift))), nil
}

// MulDivPlain computes plain * a / b without intermediate overflow.
// Precondition: value(b) >= value(a), so the result never exceeds
// plain. This is the position read path: rawDebt * currentFactor /
// snapshotFactor, where the current factor is monotonically
// non-increasing from the snapshot.
//
// An extreme net exponent shift (the factor has shrunk by more than
// 2^zeroShiftLimit relative to the snapshot) clamps to 0 rather than
// shifting the intermediate.
func MulDivPlain(plain uint64, a, b BigNumber) (uint64, error) {
	if b.Coefficient() == 0 {
		return 0, ErrDivideByZero
	}
	if Cmp(a, b) > 0 {
		return 0, ErrPrecondition
	}
	if plain == 0 {
		return 0, nil
	}

	// a <= b with normalized coefficients implies exp(a) <= exp(b).
	net := b.Exponent() - a.Exponent()
	if net > zeroShiftLimit {
		return 0, nil
	}

	num := new(uint256.Int).Mul(
		uint256.NewInt(plain),
		uint256.NewInt(a.Coefficient()),
	)
	den := new(uint256.Int).Lsh(uint256.NewInt(b.Coefficient()), uint(net))
	num.Div(num, den)
	return num.Uint64(), nil
}

// ScaleByRatio multiplies by a plain ratio expressed over 2^64
// (ratioX64 == 2^64 is the identity) and renormalizes. The result must
// stay representable: an exponent at or below zero is an error, never a
// silent decay to the zero value.
func ScaleByRatio(n BigNumber, ratioX64 uint64) (BigNumber, error) {
	if ratioX64 == 0 {
		return 0, ErrExponentUnderflow
	}

	p := new(uint256.Int).Mul(
		uint256.NewInt(n.Coefficient()),
		uint256.NewInt(ratioX64),
	)
	msb := p.BitLen()
	coeff := new(uint256.Int).Rsh(p, uint(msb-CoefficientBits)).Uint64()

	exp := int(n.Exponent()) + msb - CoefficientBits - 64
	if exp <= 0 {
		return 0, ErrExponentUnderflow
	}
	if exp > ExponentMax {
		return 0, ErrExponentOverflow
	}
	return Pack(coeff, uint64(exp)), nil
}

// Mul multiplies two packed values. Renormalization counts the leading
// bits of the raw 70-bit coefficient product and folds the bias out of
// the summed exponents. Exponent overflow saturates to Saturated
// instead of erroring: branch connection factors composed across a full
// liquidation legitimately reach it, and it must flow through reads as
// "fully consumed" rather than abort them.
func Mul(a, b BigNumber) (BigNumber, error) {
	if a.Coefficient() == 0 || b.Coefficient() == 0 {
		return 0, fmt.Errorf("%w: zero coefficient operand", ErrArithmetic)
	}

	hi, lo := bits.Mul64(a.Coefficient(), b.Coefficient())
	var msb int
	if hi != 0 {
		msb = 64 + bits.Len64(hi)
	} else {
		msb = bits.Len64(lo)
	}

	p := new(uint256.Int)
	p[0], p[1] = lo, hi
	coeff := p.Rsh(p, uint(msb-CoefficientBits)).Uint64()

	exp := int(a.Exponent()) + int(b.Exponent()) - ExponentBias + msb - CoefficientBits
	if exp > ExponentMax {
		return Saturated, nil
	}
	if exp <= 0 {
		return 0, ErrExponentUnderflow
	}
	return Pack(coeff, uint64(exp)), nil
}

// Div divides a by b via a 64-bit shifted long division and
// renormalizes. Divide-by-zero and a non-positive result exponent are
// domain errors.
func Div(a, b BigNumber) (BigNumber, error) {
	if b.Coefficient() == 0 {
		return 0, ErrDivideByZero
	}
	if a.Coefficient() == 0 {
		return 0, fmt.Errorf("%w: zero coefficient operand", ErrArithmetic)
	}

	q := new(uint256.Int).Lsh(uint256.NewInt(a.Coefficient()), 64)
	q.Div(q, uint256.NewInt(b.Coefficient()))
	msb := q.BitLen()
	coeff := q.Rsh(q, uint(msb-CoefficientBits)).Uint64()

	exp := int(a.Exponent()) - int(b.Exponent()) + ExponentBias + msb - (CoefficientBits + 64)
	if exp <= 0 {
		return 0, ErrExponentUnderflow
	}
	if exp > ExponentMax {
		return 0, ErrExponentOverflow
	}
	return Pack(coeff, uint64(exp)), nil
}

// Package tickmath maps integer ticks to debt/collateral ratios and
// back. One tick is a fixed multiplicative step of 1.0001; ratios are
// unsigned Q96 fixed-point. The mapping is pure, stateless and strictly
// monotonic over the whole tick range.
package tickmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// MinTick and MaxTick bound the addressable ratio range. Everything
	// outside is an arithmetic domain violation, never a clamp.
	MinTick = -16383
	MaxTick = 16383
)

var (
	ErrTickOutOfBounds  = errors.New("tickmath: tick out of bounds")
	ErrRatioOutOfBounds = errors.New("tickmath: ratio out of bounds")

	maxUint256 = uint256.MustFromBig(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))

	// Precomputed sqrt(1.0001^2^i) in UQ128.128 for the doubling chain,
	// plus the rounding mask. RatioAtTick applies the chain to 2*tick,
	// which collapses the square roots and yields 1.0001^tick exactly.
	ratioConstants = [18]*uint256.Int{
		mustHex("0xfffcb933bd6fad37aa2d162d1a594001"),
		mustHex("0x100000000000000000000000000000000"),
		mustHex("0xfff97272373d413259a46990580e213a"),
		mustHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		mustHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		mustHex("0xffcb9843d60f6159c9db58835c926644"),
		mustHex("0xff973b41fa98c081472e6896dfb254c0"),
		mustHex("0xff2ea16466c96a3843ec78b326b52861"),
		mustHex("0xfe5dee046a99a2a811c461f1969c3053"),
		mustHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		mustHex("0xf987a7253ac413176f2b074cf7815e54"),
		mustHex("0xf3392b0822b70005940c7a398e4b70f3"),
		mustHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		mustHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		mustHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		mustHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		mustHex("0x31be135f97d08fd981231505542fcfa6"),
		mustHex("0xffffffff"), // rounding mask
	}

	// MinRatioX96 and MaxRatioX96 are RatioAtTick(MinTick) and
	// RatioAtTick(MaxTick), fixed at init.
	MinRatioX96 *uint256.Int
	MaxRatioX96 *uint256.Int
)

func mustHex(s string) *uint256.Int {
	v, err := uint256.FromHex(s)
	if err != nil {
		panic("tickmath: bad constant " + s)
	}
	return v
}

func init() {
	var err error
	MinRatioX96, err = RatioAtTick(MinTick)
	if err != nil {
		panic(err)
	}
	MaxRatioX96, err = RatioAtTick(MaxTick)
	if err != nil {
		panic(err)
	}
}

// RatioAtTick returns 1.0001^tick as a Q96 debt/collateral ratio.
func RatioAtTick(tick int) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfBounds
	}

	// Run the doubling chain over 2*tick so each constant contributes a
	// whole 1.0001^2^(i-2) step instead of its square root.
	absTick := 2 * tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(uint256.Int)
	if absTick&0x1 != 0 {
		ratio.Set(ratioConstants[0])
	} else {
		ratio.Set(ratioConstants[1])
	}
	for i := 2; i < 17; i++ {
		if absTick&(1<<(i-1)) != 0 {
			ratio.Mul(ratio, ratioConstants[i]).Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// UQ128.128 -> Q96, rounding up so round trips land on the tick.
	rem := new(uint256.Int).And(ratio, ratioConstants[17])
	ratio.Rsh(ratio, 32)
	if rem.Sign() > 0 {
		ratio.AddUint64(ratio, 1)
	}
	return ratio, nil
}

// TickAtRatio returns the greatest tick whose ratio is <= ratioX96: the
// inverse of RatioAtTick up to discretization. Binary search over the
// bounded tick range; fifteen probes, no 256-bit log machinery.
func TickAtRatio(ratioX96 *uint256.Int) (int, error) {
	if ratioX96.Lt(MinRatioX96) || ratioX96.Gt(MaxRatioX96) {
		return 0, ErrRatioOutOfBounds
	}

	low, high := MinTick, MaxTick
	tick := MinTick
	for low <= high {
		mid := (low + high) / 2
		if mid < 0 && (low+high)%2 != 0 {
			mid-- // round towards negative infinity
		}
		r, err := RatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if !r.Gt(ratioX96) {
			tick = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return tick, nil
}

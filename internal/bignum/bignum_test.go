package bignum_test

import (
	"math"
	"math/rand"
	"testing"

	"VaultEngine/internal/bignum"
)

// ============================================================================
// Test: Packing
// ============================================================================

func TestPack_RoundTrip(t *testing.T) {
	cases := []struct {
		name        string
		coefficient uint64
		exponent    uint64
	}{
		{"identity", 1 << 34, bignum.ExponentBias - 34},
		{"max coefficient", (1 << 35) - 1, 1},
		{"max exponent", 1 << 34, bignum.ExponentMax},
		{"min exponent", 1 << 34, 1},
		{"arbitrary", 0x5_DEAD_BEEF, 12345},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := bignum.Pack(tc.coefficient, tc.exponent)
			if got := n.Coefficient(); got != tc.coefficient {
				t.Errorf("coefficient: got %d, want %d", got, tc.coefficient)
			}
			if got := n.Exponent(); got != tc.exponent {
				t.Errorf("exponent: got %d, want %d", got, tc.exponent)
			}
		})
	}
}

func TestOne_IsIdentityValue(t *testing.T) {
	if got := bignum.One.Float64(); got != 1.0 {
		t.Errorf("One: got %g, want 1.0", got)
	}
}

func TestFromPlain_Normalizes(t *testing.T) {
	for _, v := range []uint64{1, 7, 255, 1 << 34, 1 << 35, 1<<60 + 12345} {
		n, err := bignum.FromPlain(v)
		if err != nil {
			t.Fatalf("FromPlain(%d): %v", v, err)
		}
		if c := n.Coefficient(); c < 1<<34 || c > (1<<35)-1 {
			t.Errorf("FromPlain(%d): coefficient %d not normalized", v, c)
		}
		rel := math.Abs(n.Float64()-float64(v)) / float64(v)
		if rel > math.Ldexp(1, -34) {
			t.Errorf("FromPlain(%d): value %g drifts by %g", v, n.Float64(), rel)
		}
	}
}

func TestFromPlain_Zero(t *testing.T) {
	if _, err := bignum.FromPlain(0); err == nil {
		t.Fatal("FromPlain(0) should fail")
	}
}

// ============================================================================
// Test: MostSignificantBit
// ============================================================================

func TestMostSignificantBit(t *testing.T) {
	cases := []struct {
		in   uint64
		want uint
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{1 << 34, 35},
		{1<<35 - 1, 35},
		{1 << 63, 64},
		{^uint64(0), 64},
	}
	for _, tc := range cases {
		if got := bignum.MostSignificantBit(tc.in); got != tc.want {
			t.Errorf("MostSignificantBit(%d): got %d, want %d", tc.in, got, tc.want)
		}
	}
}

// ============================================================================
// Test: Mul / Div
// ============================================================================

func randomFactor(rng *rand.Rand) bignum.BigNumber {
	// Coefficient anywhere in the normalized band, exponent around the
	// bias so products and quotients stay representable.
	coeff := uint64(1)<<34 | rng.Uint64()&((1<<34)-1)
	exp := uint64(bignum.ExponentBias - 200 + rng.Intn(400))
	return bignum.Pack(coeff, exp)
}

func TestMul_NearAssociative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tolerance := math.Ldexp(1, -32) // a few ulps of slack past the 2^-34 grid

	for i := 0; i < 500; i++ {
		a, b, c := randomFactor(rng), randomFactor(rng), randomFactor(rng)

		ab, err := bignum.Mul(a, b)
		if err != nil {
			t.Fatalf("Mul(a,b): %v", err)
		}
		left, err := bignum.Mul(ab, c)
		if err != nil {
			t.Fatalf("Mul(ab,c): %v", err)
		}
		bc, err := bignum.Mul(b, c)
		if err != nil {
			t.Fatalf("Mul(b,c): %v", err)
		}
		right, err := bignum.Mul(a, bc)
		if err != nil {
			t.Fatalf("Mul(a,bc): %v", err)
		}

		lf, rf := left.Float64(), right.Float64()
		if rel := math.Abs(lf-rf) / math.Abs(lf); rel > tolerance {
			t.Fatalf("iteration %d: (a*b)*c=%g, a*(b*c)=%g, rel drift %g", i, lf, rf, rel)
		}
	}
}

func TestDivMul_Identity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tolerance := math.Ldexp(1, -32)

	for i := 0; i < 500; i++ {
		a, b := randomFactor(rng), randomFactor(rng)

		q, err := bignum.Div(a, b)
		if err != nil {
			t.Fatalf("Div: %v", err)
		}
		back, err := bignum.Mul(q, b)
		if err != nil {
			t.Fatalf("Mul: %v", err)
		}

		af, bf := a.Float64(), back.Float64()
		if rel := math.Abs(af-bf) / af; rel > tolerance {
			t.Fatalf("iteration %d: a=%g, (a/b)*b=%g, rel drift %g", i, af, bf, rel)
		}
	}
}

func TestDiv_ByZeroCoefficient(t *testing.T) {
	zero := bignum.Pack(0, 100)
	if _, err := bignum.Div(bignum.One, zero); err == nil {
		t.Fatal("Div by zero coefficient should fail")
	}
}

func TestDiv_ExponentUnderflow(t *testing.T) {
	tiny := bignum.Pack(1<<34, 1)
	huge := bignum.Pack(1<<34, bignum.ExponentMax)
	if _, err := bignum.Div(tiny, huge); err == nil {
		t.Fatal("Div with non-positive result exponent should fail")
	}
}

func TestMul_SaturatesOnOverflow(t *testing.T) {
	big := bignum.Pack(1<<34, bignum.ExponentMax)
	got, err := bignum.Mul(big, big)
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if got != bignum.Saturated {
		t.Errorf("got %v, want Saturated %v", got, bignum.Saturated)
	}
}

// ============================================================================
// Test: MulDivPlain
// ============================================================================

func TestMulDivPlain_Identity(t *testing.T) {
	f := bignum.Pack(0x6_0000_1234, bignum.ExponentBias-10)
	got, err := bignum.MulDivPlain(1_000_000, f, f)
	if err != nil {
		t.Fatalf("MulDivPlain: %v", err)
	}
	if got != 1_000_000 {
		t.Errorf("plain*f/f: got %d, want 1000000", got)
	}
}

func TestMulDivPlain_HalfFactor(t *testing.T) {
	// current factor is exactly half of the snapshot
	snapshot := bignum.One
	current := bignum.Pack(bignum.One.Coefficient(), bignum.One.Exponent()-1)

	got, err := bignum.MulDivPlain(1_000_000, current, snapshot)
	if err != nil {
		t.Fatalf("MulDivPlain: %v", err)
	}
	if got != 500_000 {
		t.Errorf("got %d, want 500000", got)
	}
}

func TestMulDivPlain_PreconditionViolation(t *testing.T) {
	small := bignum.Pack(1<<34, bignum.ExponentBias-40)
	if _, err := bignum.MulDivPlain(100, bignum.One, small); err == nil {
		t.Fatal("a > b must be rejected")
	}
}

func TestMulDivPlain_ClampsExtremeShift(t *testing.T) {
	// Snapshot taken at Saturated (absorbed tick): any live read
	// clamps to zero instead of underflowing the shift.
	got, err := bignum.MulDivPlain(math.MaxUint64, bignum.One, bignum.Saturated)
	if err != nil {
		t.Fatalf("MulDivPlain: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: ScaleByRatio
// ============================================================================

func TestScaleByRatio_Halving(t *testing.T) {
	f := bignum.Pack(0x7_1111_2222, bignum.ExponentBias-5)
	got, err := bignum.ScaleByRatio(f, 1<<63)
	if err != nil {
		t.Fatalf("ScaleByRatio: %v", err)
	}
	// ratio 2^63/2^64 halves the value
	want := f.Float64() / 2
	if rel := math.Abs(got.Float64()-want) / want; rel > math.Ldexp(1, -34) {
		t.Errorf("got %g, want %g", got.Float64(), want)
	}
}

func TestScaleByRatio_ZeroRatio(t *testing.T) {
	if _, err := bignum.ScaleByRatio(bignum.One, 0); err == nil {
		t.Fatal("zero ratio must not silently decay the factor to zero")
	}
}

func TestScaleByRatio_ExponentUnderflow(t *testing.T) {
	tiny := bignum.Pack(1<<34, 40)
	if _, err := bignum.ScaleByRatio(tiny, 1); err == nil {
		t.Fatal("underflowing exponent should fail")
	}
}

// ============================================================================
// Test: Monotone composition (factor reduction never increases)
// ============================================================================

func TestScaleByRatio_MonotoneNonIncreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	f := bignum.One
	for i := 0; i < 200; i++ {
		// ratios strictly below 1.0
		ratio := uint64(1)<<63 | rng.Uint64()>>1
		next, err := bignum.ScaleByRatio(f, ratio)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if bignum.Cmp(next, f) > 0 {
			t.Fatalf("iteration %d: factor increased from %g to %g", i, f.Float64(), next.Float64())
		}
		f = next
	}
}

package bitmap_test

import (
	"math/rand"
	"sort"
	"testing"

	"VaultEngine/internal/bitmap"
	"VaultEngine/internal/tickmath"
)

// ============================================================================
// Test: Set / Clear / Has
// ============================================================================

func TestIndex_SetHasClear(t *testing.T) {
	ix := bitmap.New()

	for _, tick := range []int{tickmath.MinTick, -8192, -1, 0, 1, 255, 256, 8191, tickmath.MaxTick} {
		if ix.Has(tick) {
			t.Errorf("tick %d: set before Set", tick)
		}
		ix.Set(tick)
		if !ix.Has(tick) {
			t.Errorf("tick %d: not set after Set", tick)
		}
		ix.Clear(tick)
		if ix.Has(tick) {
			t.Errorf("tick %d: still set after Clear", tick)
		}
	}
}

// ============================================================================
// Test: ClearFrom byte masking
// ============================================================================

// Every bit position 0-7 must produce the keep mask (1<<bit)-1; bit 0
// clears the whole byte. An off-by-one in operator precedence here once
// produced a zero-width mask, so each position is pinned explicitly.
func TestClearFrom_EveryBitPosition(t *testing.T) {
	for bit := 0; bit < 8; bit++ {
		base := 1041 // byte-aligned tick well inside one sub-bitmap
		ix := bitmap.New()
		for b := 0; b < 8; b++ {
			ix.Set(base + b)
		}
		// A lower byte and a lower tick in the same sub-bitmap must survive.
		ix.Set(base - 8)

		ix.ClearFrom(base + bit)

		for b := 0; b < 8; b++ {
			want := b < bit
			if got := ix.Has(base + b); got != want {
				t.Errorf("bit=%d: Has(base+%d) = %v, want %v", bit, b, got, want)
			}
		}
		if !ix.Has(base - 8) {
			t.Errorf("bit=%d: lower byte was clobbered", bit)
		}
	}
}

func TestClearFrom_ClearsHigherBytesInSub(t *testing.T) {
	ix := bitmap.New()
	// All in one sub-bitmap (256 ticks starting at an aligned base).
	base := 0 - (0-tickmath.MinTick)%256 + 256*10
	for _, off := range []int{3, 60, 100, 200, 255} {
		ix.Set(base + off)
	}
	// Next sub-bitmap up must not be touched.
	ix.Set(base + 256 + 5)

	ix.ClearFrom(base + 60)

	if !ix.Has(base + 3) {
		t.Error("tick below ClearFrom position was cleared")
	}
	for _, off := range []int{60, 100, 200, 255} {
		if ix.Has(base + off) {
			t.Errorf("tick at offset %d not cleared", off)
		}
	}
	if !ix.Has(base + 256 + 5) {
		t.Error("neighbouring sub-bitmap was clobbered")
	}
}

// ============================================================================
// Test: NextAtOrBelow
// ============================================================================

func TestNextAtOrBelow_Empty(t *testing.T) {
	ix := bitmap.New()
	if _, ok := ix.NextAtOrBelow(tickmath.MaxTick); ok {
		t.Error("empty index should find nothing")
	}
}

func TestNextAtOrBelow_ExactAndBelow(t *testing.T) {
	ix := bitmap.New()
	ix.Set(100)
	ix.Set(500)

	if got, ok := ix.NextAtOrBelow(500); !ok || got != 500 {
		t.Errorf("at 500: got %d/%v, want 500/true", got, ok)
	}
	if got, ok := ix.NextAtOrBelow(499); !ok || got != 100 {
		t.Errorf("at 499: got %d/%v, want 100/true", got, ok)
	}
	if got, ok := ix.NextAtOrBelow(tickmath.MaxTick); !ok || got != 500 {
		t.Errorf("at max: got %d/%v, want 500/true", got, ok)
	}
	if _, ok := ix.NextAtOrBelow(99); ok {
		t.Error("nothing at or below 99")
	}
}

func TestNextAtOrBelow_CrossesRegions(t *testing.T) {
	ix := bitmap.New()
	ix.Set(tickmath.MinTick + 7) // bottom region
	ix.Set(tickmath.MaxTick - 3) // top region

	if got, ok := ix.NextAtOrBelow(tickmath.MaxTick - 4); !ok || got != tickmath.MinTick+7 {
		t.Errorf("got %d/%v, want %d/true", got, ok, tickmath.MinTick+7)
	}
}

func TestNextAtOrBelow_AgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1337))
	ix := bitmap.New()
	ref := map[int]bool{}

	tickSpan := tickmath.MaxTick - tickmath.MinTick + 1
	for i := 0; i < 5000; i++ {
		tick := tickmath.MinTick + rng.Intn(tickSpan)
		if rng.Intn(3) == 0 {
			ix.Clear(tick)
			delete(ref, tick)
		} else {
			ix.Set(tick)
			ref[tick] = true
		}

		probe := tickmath.MinTick + rng.Intn(tickSpan)
		want, wantOK := refNextAtOrBelow(ref, probe)
		got, gotOK := ix.NextAtOrBelow(probe)
		if gotOK != wantOK || (gotOK && got != want) {
			t.Fatalf("step %d: NextAtOrBelow(%d) = %d/%v, want %d/%v", i, probe, got, gotOK, want, wantOK)
		}
	}

	// Final sweep: every tick agrees with the reference set.
	for tick := range ref {
		if !ix.Has(tick) {
			t.Errorf("tick %d in reference but not in index", tick)
		}
	}
}

func refNextAtOrBelow(ref map[int]bool, tick int) (int, bool) {
	best, found := 0, false
	for k := range ref {
		if k <= tick && (!found || k > best) {
			best, found = k, true
		}
	}
	return best, found
}

// ============================================================================
// Test: SweepAbove
// ============================================================================

func TestSweepAbove_DescendingVisits(t *testing.T) {
	ix := bitmap.New()
	ticks := []int{-4000, -10, 0, 77, 3000, 9000, tickmath.MaxTick}
	for _, tick := range ticks {
		ix.Set(tick)
	}

	var visited []int
	ix.SweepAbove(0, func(tick int) { visited = append(visited, tick) })

	want := []int{tickmath.MaxTick, 9000, 3000, 77}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	if !sort.SliceIsSorted(visited, func(i, j int) bool { return visited[i] > visited[j] }) {
		t.Errorf("visits not descending: %v", visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visit %d: got %d, want %d", i, visited[i], want[i])
		}
	}

	for _, tick := range []int{-4000, -10, 0} {
		if !ix.Has(tick) {
			t.Errorf("tick %d at or below limit was swept", tick)
		}
	}
	for _, tick := range want {
		if ix.Has(tick) {
			t.Errorf("tick %d above limit survived the sweep", tick)
		}
	}
}

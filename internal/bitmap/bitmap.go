// Package bitmap implements the active-tick index: a fixed-size,
// preallocated bitmap hierarchy answering "which ticks currently hold
// unresolved debt" without scanning the full tick range. A bit is set
// iff the corresponding tick record has nonzero unresolved debt.
package bitmap

import (
	"fmt"
	"math/bits"

	"VaultEngine/internal/tickmath"
)

// NoTick is the cold sentinel: no active tick.
const NoTick = -1 << 31

// The tick range is partitioned into 4 regions of 32 sub-bitmaps of 32
// bytes each. Summaries above every level keep region queries O(1):
// top has a bit per nonempty region, each region a bit per nonempty
// sub-bitmap. Flat arrays, allocated once, addressed by
// (region, sub, byte, bit), never grown or pointer-chased.
const (
	numRegions    = 4
	subsPerRegion = 32
	bytesPerSub   = 32
	ticksPerSub   = bytesPerSub * 8
	ticksPerReg   = subsPerRegion * ticksPerSub
)

// Index is the hierarchical active-tick bitmap.
type Index struct {
	top     uint8
	summary [numRegions]uint32
	subs    [numRegions][subsPerRegion][bytesPerSub]byte
}

// New returns an empty index covering the full tick range.
func New() *Index {
	return &Index{}
}

func split(tick int) (region, sub, byteIdx, bit uint) {
	if tick < tickmath.MinTick || tick > tickmath.MaxTick {
		panic(fmt.Sprintf("FATAL: bitmap tick %d out of range", tick))
	}
	u := uint(tick - tickmath.MinTick)
	return u / ticksPerReg, (u / ticksPerSub) % subsPerRegion, (u / 8) % bytesPerSub, u % 8
}

func join(region, sub, byteIdx, bit uint) int {
	u := region*ticksPerReg + sub*ticksPerSub + byteIdx*8 + bit
	return int(u) + tickmath.MinTick
}

// Set marks a tick as holding unresolved debt.
func (ix *Index) Set(tick int) {
	r, s, b, bit := split(tick)
	ix.subs[r][s][b] |= 1 << bit
	ix.summary[r] |= 1 << s
	ix.top |= 1 << r
}

// Clear marks a tick as fully resolved.
func (ix *Index) Clear(tick int) {
	r, s, b, bit := split(tick)
	ix.subs[r][s][b] &^= 1 << bit
	ix.compact(r, s)
}

// Has reports whether a tick currently holds unresolved debt.
func (ix *Index) Has(tick int) bool {
	r, s, b, bit := split(tick)
	return ix.subs[r][s][b]&(1<<bit) != 0
}

// ClearFrom clears the bit for tick and every higher bit in the same
// sub-bitmap. Within the tick's own byte the kept mask is (1<<bit)-1:
// bit position 0 clears the whole byte, not a zero-width slice of it.
// Lower bytes and other sub-bitmaps are untouched.
func (ix *Index) ClearFrom(tick int) {
	r, s, b, bit := split(tick)
	sub := &ix.subs[r][s]
	sub[b] &= byte(1<<bit) - 1
	for i := b + 1; i < bytesPerSub; i++ {
		sub[i] = 0
	}
	ix.compact(r, s)
}

// compact drops empty sub-bitmaps and regions from the summaries.
func (ix *Index) compact(r, s uint) {
	for _, v := range ix.subs[r][s] {
		if v != 0 {
			return
		}
	}
	ix.summary[r] &^= 1 << s
	if ix.summary[r] == 0 {
		ix.top &^= 1 << r
	}
}

// NextAtOrBelow returns the highest tick at or below the given tick
// that holds unresolved debt, or (NoTick, false). The scan masks the
// start byte, then walks bytes, sub-bitmaps and regions in descending
// order using the summaries, so cost is bounded by the hierarchy depth
// rather than the tick distance.
func (ix *Index) NextAtOrBelow(tick int) (int, bool) {
	r, s, b, bit := split(tick)

	// Start byte: keep the start bit and everything below it.
	if v := ix.subs[r][s][b] & byte((uint16(1)<<(bit+1))-1); v != 0 {
		return join(r, s, b, uint(bits.Len8(v))-1), true
	}
	// Remaining bytes of the start sub-bitmap.
	if t, ok := ix.scanSub(r, s, b); ok {
		return t, true
	}
	// Lower sub-bitmaps of the start region.
	if t, ok := ix.scanRegion(r, s); ok {
		return t, true
	}
	// Lower regions.
	for mask := ix.top & (uint8(1)<<r - 1); mask != 0; {
		r = uint(bits.Len8(mask)) - 1
		if t, ok := ix.scanRegion(r, subsPerRegion); ok {
			return t, true
		}
		mask &^= 1 << r
	}
	return NoTick, false
}

// scanSub scans bytes strictly below byteIdx in one sub-bitmap.
func (ix *Index) scanSub(r, s, byteIdx uint) (int, bool) {
	sub := &ix.subs[r][s]
	for i := int(byteIdx) - 1; i >= 0; i-- {
		if sub[i] != 0 {
			return join(r, s, uint(i), uint(bits.Len8(sub[i]))-1), true
		}
	}
	return NoTick, false
}

// scanRegion scans sub-bitmaps strictly below sub in one region.
func (ix *Index) scanRegion(r, sub uint) (int, bool) {
	var limit uint32 = (1 << sub) - 1
	if sub >= subsPerRegion {
		limit = 1<<subsPerRegion - 1
	}
	for mask := ix.summary[r] & limit; mask != 0; {
		s := uint(bits.Len32(mask)) - 1
		if t, ok := ix.scanSub(r, s, bytesPerSub); ok {
			return t, true
		}
		mask &^= 1 << s
	}
	return NoTick, false
}

// SweepAbove clears every active tick strictly above limit, invoking
// visit for each in descending order while the scan traverses it. This
// is the absorption walk: the caller marks each handed-over tick
// liquidated as it is swept out of the index.
func (ix *Index) SweepAbove(limit int, visit func(tick int)) {
	for {
		t, ok := ix.NextAtOrBelow(tickmath.MaxTick)
		if !ok || t <= limit {
			return
		}
		ix.Clear(t)
		if visit != nil {
			visit(t)
		}
	}
}

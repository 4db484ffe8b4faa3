package partition

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statsRecorder captures a DumpStats walk for assertions.
type statsRecorder struct {
	buckets map[uint64]BucketMemoryStats
	directs []BucketMemoryStats
	totals  MemoryStats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{buckets: make(map[uint64]BucketMemoryStats)}
}

func (s *statsRecorder) DumpBucketStats(_ string, stats *BucketMemoryStats) {
	if stats.IsDirectMap {
		s.directs = append(s.directs, *stats)
		return
	}
	s.buckets[stats.BucketSlotSize] = *stats
}

func (s *statsRecorder) DumpTotals(_ string, stats *MemoryStats) {
	s.totals = *stats
}

func dump(r *Root) *statsRecorder {
	rec := newStatsRecorder()
	r.DumpStats("test", false, rec)
	return rec
}

func committedBytes(r *Root) uint64 {
	rec := newStatsRecorder()
	r.DumpStats("test", true, rec)
	return rec.totals.TotalCommittedBytes
}

func TestAllocSmall(t *testing.T) {
	r := NewRoot()

	p := r.Alloc(17, "test")
	require.NotNil(t, p)

	// 32 is the smallest multiple-of-16 bucket that fits 17 bytes.
	assert.EqualValues(t, 32, r.ActualSize(17))

	// The block must hold 17 usable bytes.
	b := unsafe.Slice((*byte)(p), 17)
	for i := range b {
		b[i] = byte(i)
	}

	rec := dump(r)
	st, ok := rec.buckets[32]
	require.True(t, ok, "bucket 32 should be populated")
	assert.EqualValues(t, 1, st.NumActiveSpans)
	assert.EqualValues(t, 32, st.ActiveBytes)

	r.Free(p)
}

func TestAllocZero(t *testing.T) {
	r := NewRoot()
	p := r.Alloc(0, "test")
	require.NotNil(t, p)
	assert.EqualValues(t, smallestBucket, r.ActualSize(0))
	r.Free(p)
}

func TestFreeNil(t *testing.T) {
	r := NewRoot()
	r.Free(nil)
}

func TestSpanFillAndGrow(t *testing.T) {
	r := NewRoot()
	slots := int(r.bucketForSize(64).slotsPerSpan())
	require.Greater(t, slots, 1)

	ptrs := make([]unsafe.Pointer, 0, slots+1)
	for i := 0; i < slots; i++ {
		ptrs = append(ptrs, r.Alloc(64, "test"))
	}

	rec := dump(r)
	st := rec.buckets[64]
	require.True(t, st.IsValid)
	assert.EqualValues(t, 1, st.NumFullSpans, "span should be full after %d allocations", slots)
	assert.EqualValues(t, 0, st.NumActiveSpans)

	before := committedBytes(r)
	ptrs = append(ptrs, r.Alloc(64, "test"))
	after := committedBytes(r)
	assert.EqualValues(t, r.bucketForSize(64).bytesPerSpan(), after-before,
		"one more allocation should commit exactly one new span")

	rec = dump(r)
	st = rec.buckets[64]
	assert.EqualValues(t, 1, st.NumFullSpans)
	assert.EqualValues(t, 1, st.NumActiveSpans)

	for _, p := range ptrs {
		r.Free(p)
	}
}

func TestNoAliasing(t *testing.T) {
	r := NewRoot()
	seen := make(map[uintptr]bool)
	var ptrs []unsafe.Pointer
	for _, size := range []uintptr{1, 16, 17, 128, 4000, 70000} {
		for i := 0; i < 50; i++ {
			p := r.Alloc(size, "test")
			addr := uintptr(p)
			require.False(t, seen[addr], "allocator returned an aliased pointer")
			seen[addr] = true
			ptrs = append(ptrs, p)
		}
	}
	for _, p := range ptrs {
		r.Free(p)
	}
}

func TestDirectMap(t *testing.T) {
	r := NewRoot()
	require.Nil(t, r.directMapList)

	p := r.Alloc(2<<20, "test")
	require.NotNil(t, p)
	require.NotNil(t, r.directMapList)
	assert.Nil(t, r.directMapList.nextExtent)

	// Payload is page-aligned and fully writable.
	addr := uintptr(p)
	assert.Zero(t, addr%SystemPageSize)
	b := unsafe.Slice((*byte)(p), 2<<20)
	b[0] = 1
	b[len(b)-1] = 2

	rec := dump(r)
	require.Len(t, rec.directs, 1)
	assert.EqualValues(t, 2<<20, rec.directs[0].BucketSlotSize)

	r.Free(p)
	assert.Nil(t, r.directMapList, "freeing the only direct map should empty the list")
}

func TestDirectMapReallocInPlaceShrink(t *testing.T) {
	r := NewRoot()
	p := r.Alloc(2<<20, "test")
	require.NotNil(t, p)
	before := committedBytes(r)

	// 90 % of the reservation: shrinks in place.
	newSize := uintptr(1887436) // 1.8 MiB
	q := r.Realloc(p, newSize, "test")
	assert.Equal(t, p, q, "shrink to 90%% should stay in place")

	span := spanFromPointer(uintptr(q))
	assert.EqualValues(t, directMapSize(newSize), span.bucket.slotSize)
	assert.EqualValues(t, newSize, span.rawSize())
	require.NotNil(t, r.directMapList)
	assert.Nil(t, r.directMapList.nextExtent, "in-place realloc must not touch the list")

	after := committedBytes(r)
	assert.EqualValues(t, (2<<20)-directMapSize(newSize), before-after,
		"the tail should be decommitted")

	// And grow back within the reservation, still in place.
	g := r.Realloc(q, 2<<20, "test")
	assert.Equal(t, p, g)
	assert.EqualValues(t, before, committedBytes(r))

	r.Free(g)
}

func TestDirectMapShrinkThreshold(t *testing.T) {
	r := NewRoot()

	total := uintptr(2 << 20)

	// 79 % of the reservation: must move.
	p := r.Alloc(total, "test")
	q := r.Realloc(p, total*79/100, "test")
	assert.NotEqual(t, p, q)
	r.Free(q)

	// 81 %: must stay.
	p = r.Alloc(total, "test")
	q = r.Realloc(p, total*81/100, "test")
	assert.Equal(t, p, q)
	span := spanFromPointer(uintptr(q))
	assert.EqualValues(t, directMapSize(total*81/100), span.bucket.slotSize)
	r.Free(q)
}

func TestReallocBasics(t *testing.T) {
	r := NewRoot()

	// nil grows from nothing.
	p := r.Realloc(nil, 100, "test")
	require.NotNil(t, p)

	// Same bucket: same pointer.
	q := r.Realloc(p, 110, "test")
	assert.Equal(t, p, q, "112-byte bucket serves both 100 and 110")

	// Different bucket: contents move.
	b := unsafe.Slice((*byte)(q), 100)
	for i := range b {
		b[i] = byte(i)
	}
	g := r.Realloc(q, 5000, "test")
	require.NotNil(t, g)
	moved := unsafe.Slice((*byte)(g), 100)
	for i := range moved {
		require.Equal(t, byte(i), moved[i], "realloc must preserve contents")
	}

	// Zero size frees.
	assert.Nil(t, r.Realloc(g, 0, "test"))
}

func TestMaxDirectMappedBoundary(t *testing.T) {
	r := NewRoot()

	p := r.AllocFlags(AllocReturnNull, maxDirectMapped, "test")
	if p == nil {
		t.Skip("not enough address space for a maximum direct map")
	}
	r.Free(p)

	assert.Nil(t, r.AllocFlags(AllocReturnNull, maxDirectMapped+1, "test"))
	assert.Nil(t, r.ReallocFlags(AllocReturnNull, nil, maxDirectMapped+1, "test"))
}

func TestZeroFill(t *testing.T) {
	r := NewRoot()
	// Cycle the same bucket so the second allocation reuses a dirtied slot.
	p := r.Alloc(256, "test")
	b := unsafe.Slice((*byte)(p), 256)
	for i := range b {
		b[i] = 0xa5
	}
	r.Free(p)

	q := r.AllocFlags(AllocZeroFill, 256, "test")
	zb := unsafe.Slice((*byte)(q), 256)
	for i := range zb {
		require.Zero(t, zb[i], "AllocZeroFill returned dirty memory at %d", i)
	}
	r.Free(q)
}

func TestFreeWrongRootFatal(t *testing.T) {
	r1 := NewRoot()
	r2 := NewRoot()
	p := r1.Alloc(64, "test")
	require.Panics(t, func() { r2.Free(p) })
	r1.Free(p)
}

func TestFreeIdempotentStats(t *testing.T) {
	r := NewRoot()
	// Warm the bucket so Alloc/Free cycles do not change committed totals.
	warm := r.Alloc(48, "test")
	r.Free(warm)

	before := dump(r)
	p := r.Alloc(48, "test")
	r.Free(p)
	after := dump(r)

	assert.Equal(t, before.totals.TotalActiveBytes, after.totals.TotalActiveBytes)
	assert.Equal(t, before.totals.TotalCommittedBytes, after.totals.TotalCommittedBytes)
}

func TestInvariantsUnderRandomLoad(t *testing.T) {
	r := NewRoot()
	type block struct {
		p    unsafe.Pointer
		size uintptr
	}
	var live []block
	rng := uint64(1)
	next := func(n uint64) uint64 {
		// xorshift keeps the sequence deterministic across runs.
		rng ^= rng << 13
		rng ^= rng >> 7
		rng ^= rng << 17
		return rng % n
	}
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && next(3) == 0 {
			j := int(next(uint64(len(live))))
			r.Free(live[j].p)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		size := next(8192) + 1
		p := r.Alloc(uintptr(size), "test")
		require.NotNil(t, p)
		live = append(live, block{p, uintptr(size)})
	}

	checkSpanInvariants(t, r)

	for _, bl := range live {
		r.Free(bl.p)
	}
	checkSpanInvariants(t, r)
}

// checkSpanInvariants walks the active and empty lists of every bucket and
// verifies allocated + freelist + unprovisioned == slots per span for every
// committed span on them. Full spans are off-list and not visited.
func checkSpanInvariants(t *testing.T, r *Root) {
	t.Helper()
	check := func(s *slotSpan) {
		if s == sentinelSpan() || s.isDecommitted() {
			return
		}
		total := uintptr(s.numAllocatedSlots) + uintptr(s.numUnprovisionedSlots) +
			freelistLen(s)
		require.Equal(t, s.bucket.slotsPerSpan(), total,
			"slot accounting out of balance for bucket %d", s.bucket.slotSize)
	}
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.activeSpansHead == nil {
			continue
		}
		for s := b.activeSpansHead; s != nil && s != sentinelSpan(); s = s.nextSpan {
			check(s)
		}
		for s := b.emptySpansHead; s != nil; s = s.nextSpan {
			check(s)
		}
	}
}

func freelistLen(s *slotSpan) uintptr {
	var n uintptr
	for addr := s.freelistHead; addr != 0; addr = decodeFreelist(entryAt(addr).next) {
		n++
	}
	return n
}

package partition

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyRingDecommit(t *testing.T) {
	r := NewRoot()
	slots := int(r.bucketForSize(4096).slotsPerSpan())
	spanCount := 3

	// Fill exactly three spans, then free everything so all three end up
	// empty and in the global ring.
	var ptrs []unsafe.Pointer
	for i := 0; i < slots*spanCount; i++ {
		ptrs = append(ptrs, r.Alloc(4096, "test"))
	}
	for _, p := range ptrs {
		r.Free(p)
	}

	rec := dump(r)
	st := rec.buckets[4096]
	require.True(t, st.IsValid)
	assert.EqualValues(t, spanCount, st.NumEmptySpans)
	assert.EqualValues(t, 0, st.NumDecommittedSpans)

	spanBytes := uint64(r.bucketForSize(4096).bytesPerSpan())
	before := committedBytes(r)
	r.PurgeMemory(PurgeDecommitEmptyPages)
	after := committedBytes(r)

	assert.EqualValues(t, uint64(spanCount)*spanBytes, before-after,
		"decommit should release all three spans")

	rec = dump(r)
	st = rec.buckets[4096]
	assert.EqualValues(t, 0, st.NumEmptySpans)
	assert.EqualValues(t, spanCount, st.NumDecommittedSpans)
}

func TestDecommittedSpanReuse(t *testing.T) {
	r := NewRoot()
	slots := int(r.bucketForSize(4096).slotsPerSpan())

	var ptrs []unsafe.Pointer
	for i := 0; i < slots; i++ {
		p := r.Alloc(4096, "test")
		b := unsafe.Slice((*byte)(p), 4096)
		b[0] = 0xff
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		r.Free(p)
	}
	r.PurgeMemory(PurgeDecommitEmptyPages)

	// Allocations after the purge look like fresh ones: recommitted pages
	// read back as zero and the freelist is rebuilt from scratch.
	for i := 0; i < slots; i++ {
		p := r.Alloc(4096, "test")
		b := unsafe.Slice((*byte)(p), 4096)
		for j := 0; j < 4096; j += 1024 {
			require.Zero(t, b[j], "recommitted page should read back zero")
		}
		r.Free(p)
	}
	checkSpanInvariants(t, r)
}

func TestDiscardUnusedSystemPages(t *testing.T) {
	r := NewRoot()
	b := r.bucketForSize(4096)
	slots := int(b.slotsPerSpan())
	require.GreaterOrEqual(t, slots, 3)

	ptrs := make([]unsafe.Pointer, slots)
	for i := range ptrs {
		ptrs[i] = r.Alloc(4096, "test")
	}
	// Free every other slot, keeping the span live.
	var freed int
	for i := 1; i < slots; i += 2 {
		r.Free(ptrs[i])
		ptrs[i] = nil
		freed++
	}

	// The dry run in the stats walker must see the holes.
	rec := dump(r)
	st := rec.buckets[4096]
	require.True(t, st.IsValid)
	assert.EqualValues(t, freed*4096, st.DiscardableBytes,
		"each freed one-page slot is one discardable page")

	r.PurgeMemory(PurgeDiscardUnusedSystemPages)
	checkSpanInvariants(t, r)

	// The span must still serve allocations after the discard.
	for i := 1; i < slots; i += 2 {
		p := r.Alloc(4096, "test")
		require.NotNil(t, p)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		r.Free(p)
	}
}

func TestPurgeSkipsSmallBuckets(t *testing.T) {
	r := NewRoot()
	p := r.Alloc(64, "test")
	q := r.Alloc(64, "test")
	r.Free(q)
	// Sub-page slots cannot be discarded; this must be a silent no-op.
	r.PurgeMemory(PurgeDiscardUnusedSystemPages)
	checkSpanInvariants(t, r)
	r.Free(p)
}

func TestPurgeLargeSlotTail(t *testing.T) {
	r := NewRoot()
	// A single-slot bucket records the raw size, so the tail beyond it is
	// discardable without a freelist walk.
	p := r.Alloc(66000, "test")
	slotSize := r.ActualSize(66000)
	require.Greater(t, slotSize, uintptr(66000))

	rec := dump(r)
	st := rec.buckets[uint64(slotSize)]
	require.True(t, st.IsValid)
	wantDiscardable := slotSize - ((66000 + SystemPageSize - 1) &^ uintptr(systemPageOffsetMask))
	assert.EqualValues(t, wantDiscardable, st.DiscardableBytes)

	r.PurgeMemory(PurgeDiscardUnusedSystemPages)
	r.Free(p)
}

func TestFreelistSurvivesDiscard(t *testing.T) {
	r := NewRoot()
	b := r.bucketForSize(8192)
	slots := int(b.slotsPerSpan())
	require.Greater(t, slots, 1)

	ptrs := make([]unsafe.Pointer, slots)
	for i := range ptrs {
		ptrs[i] = r.Alloc(8192, "test")
	}
	// Free all but the first so the span stays live with its other slots
	// free; the purge truncates that free tail back to unprovisioned.
	for i := 1; i < slots; i++ {
		r.Free(ptrs[i])
	}
	r.PurgeMemory(PurgeDiscardUnusedSystemPages)
	checkSpanInvariants(t, r)

	// Reallocate everything through the rewritten freelist and provisioning.
	for i := 1; i < slots; i++ {
		p := r.Alloc(8192, "test")
		require.NotNil(t, p)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		r.Free(p)
	}
	checkSpanInvariants(t, r)
}

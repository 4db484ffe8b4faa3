package partition

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partitionalloc/partitionalloc/pagealloc"
)

func TestGlobalInitWithAddressCage(t *testing.T) {
	UseAddressCage = true
	var oomCalls int
	GlobalInit(func(size uintptr) { oomCalls++ })
	defer func() {
		UseAddressCage = false
		GlobalUninitForTesting()
	}()

	require.True(t, pagealloc.AddressSpaceEnabled())

	r := NewRoot()
	var ptrs []unsafe.Pointer
	for _, size := range []uintptr{16, 512, 9000} {
		p := r.Alloc(size, "test")
		require.NotNil(t, p)
		assert.True(t, pagealloc.InCage(uintptr(p)),
			"bucketed allocations must live inside the cage")
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		r.Free(p)
	}
	assert.Zero(t, oomCalls)

	// Drain this root's spans from the global ring before the cage
	// reservation goes away under it.
	r.PurgeMemory(PurgeDecommitEmptyPages)
}

func TestGlobalInitRequiresHandler(t *testing.T) {
	require.Panics(t, func() { GlobalInit(nil) })
}

func TestLightDump(t *testing.T) {
	r := NewRoot()
	p := r.Alloc(1000, "test")
	d := newStatsRecorder()
	r.DumpStats("light", true, d)
	assert.Empty(t, d.buckets, "light dump must omit per-bucket detail")
	assert.Empty(t, d.directs)
	assert.NotZero(t, d.totals.TotalCommittedBytes)
	assert.NotZero(t, d.totals.TotalActiveBytes)
	r.Free(p)
}

func TestTotalsInvariant(t *testing.T) {
	r := NewRoot()
	var ptrs []unsafe.Pointer
	for i := 0; i < 100; i++ {
		ptrs = append(ptrs, r.Alloc(uintptr(100+i*97), "test"))
	}
	ptrs = append(ptrs, r.Alloc(3<<20, "test"))

	// Committed pages can never exceed what has been reserved.
	assert.LessOrEqual(t, r.totalSizeOfCommittedPages,
		r.totalSizeOfSuperPages+r.totalSizeOfDirectMappedPages)

	for _, p := range ptrs {
		r.Free(p)
	}
	assert.LessOrEqual(t, r.totalSizeOfCommittedPages,
		r.totalSizeOfSuperPages+r.totalSizeOfDirectMappedPages)
}

package pagealloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byteAt(addr uintptr) *byte {
	return (*byte)(unsafe.Pointer(addr))
}

func TestReserveAlignment(t *testing.T) {
	const size = 1 << 21
	for _, align := range []uintptr{PageAllocationGranularity, 1 << 16, 1 << 21} {
		base, err := ReserveAddressSpace(size, align)
		require.NoError(t, err)
		assert.Zero(t, base%align, "reservation must honor alignment %d", align)
		require.NoError(t, ReleaseReservation(base, size))
	}
}

func TestCommitDecommitRecommit(t *testing.T) {
	base, err := ReserveAddressSpace(4*SystemPageSize, PageAllocationGranularity)
	require.NoError(t, err)
	defer ReleaseReservation(base, 4*SystemPageSize)

	require.NoError(t, CommitPages(base, 4*SystemPageSize, PageReadWrite))
	*byteAt(base) = 42
	*byteAt(base + 4*SystemPageSize - 1) = 43
	assert.EqualValues(t, 42, *byteAt(base))

	require.NoError(t, DecommitSystemPages(base, 4*SystemPageSize))
	require.NoError(t, RecommitSystemPages(base, 4*SystemPageSize))
	assert.Zero(t, *byteAt(base), "recommitted pages must read back zero")
	assert.Zero(t, *byteAt(base + 4*SystemPageSize - 1))
}

func TestDiscardReadsBackZero(t *testing.T) {
	if !DiscardReadsBackZero {
		t.Skip("platform discard preserves contents")
	}
	base, err := ReserveAddressSpace(SystemPageSize, PageAllocationGranularity)
	require.NoError(t, err)
	defer ReleaseReservation(base, SystemPageSize)

	require.NoError(t, CommitPages(base, SystemPageSize, PageReadWrite))
	*byteAt(base) = 7
	require.NoError(t, DiscardSystemPages(base, SystemPageSize))
	assert.Zero(t, *byteAt(base))
	// The page stays writable after a discard.
	*byteAt(base) = 9
	assert.EqualValues(t, 9, *byteAt(base))
}

func TestRounding(t *testing.T) {
	assert.EqualValues(t, 0, RoundUpToSystemPage(0))
	assert.EqualValues(t, SystemPageSize, RoundUpToSystemPage(1))
	assert.EqualValues(t, SystemPageSize, RoundUpToSystemPage(SystemPageSize))
	assert.EqualValues(t, 2*SystemPageSize, RoundUpToSystemPage(SystemPageSize+1))
	assert.EqualValues(t, 0, RoundDownToSystemPage(SystemPageSize-1))
	assert.EqualValues(t, SystemPageSize, RoundDownToSystemPage(SystemPageSize))
}

func TestAddressCage(t *testing.T) {
	const chunk = 1 << 21
	require.NoError(t, InitAddressSpace(chunk))
	defer UninitAddressSpaceForTesting()

	require.True(t, AddressSpaceEnabled())

	a, ok := AllocCageChunk()
	require.True(t, ok)
	b, ok := AllocCageChunk()
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	assert.Zero(t, a%chunk)
	assert.True(t, InCage(a))
	assert.True(t, InCage(b+chunk-1))

	// Chunks are usable memory once committed.
	require.NoError(t, CommitPages(a, SystemPageSize, PageReadWrite))
	*byteAt(a) = 1
	require.NoError(t, DecommitSystemPages(a, SystemPageSize))

	// Freed chunks are preferred over fresh ones.
	FreeCageChunk(a)
	c, ok := AllocCageChunk()
	require.True(t, ok)
	assert.Equal(t, a, c)
}

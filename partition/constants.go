package partition

import (
	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// Allocation granularities, smallest to largest:
//
// System page: the OS commit/decommit/protect unit.
// Partition page: the slot-span composition and metadata indexing unit.
// Super page: one OS reservation, internally formatted with guard pages and
// a metadata region, carved into slot spans on demand.
const (
	SystemPageSize       = pagealloc.SystemPageSize
	systemPageOffsetMask = SystemPageSize - 1

	numSystemPagesPerPartitionPage = 4
	PartitionPageSize              = numSystemPagesPerPartitionPage * SystemPageSize
	partitionPageShift             = 14
	partitionPageOffsetMask        = PartitionPageSize - 1

	SuperPageSize                 = 1 << 21
	superPageOffsetMask           = SuperPageSize - 1
	numPartitionPagesPerSuperPage = SuperPageSize / PartitionPageSize

	// One metadata record per partition page, packed into the first system
	// page of the metadata partition page.
	pageMetadataShift = 5
	pageMetadataSize  = 1 << pageMetadataShift

	// Slot spans with more than one slot never exceed this many system
	// pages; bigger slots get single-slot spans.
	maxSystemPagesPerSlotSpan    = 16
	maxPartitionPagesPerSlotSpan = 4
)

// Bucket table geometry. For each power-of-two order between the min and max
// bucketed orders, numBucketsPerOrder sub-buckets divide the order linearly.
const (
	smallestBucket = 16

	numBucketsPerOrderBits = 3
	numBucketsPerOrder     = 1 << numBucketsPerOrderBits

	minBucketedOrder  = 5  // 16 bytes
	maxBucketedOrder  = 20 // largest bucket is 983040, just under 960 KiB
	numBucketedOrders = maxBucketedOrder - minBucketedOrder + 1

	numBuckets = numBucketedOrders * numBucketsPerOrder

	maxBucketed = (1 << (maxBucketedOrder - 1)) +
		((numBucketsPerOrder - 1) << (maxBucketedOrder - 1 - numBucketsPerOrderBits))
	minDirectMappedDownsize = maxBucketed + 1
	maxDirectMapped         = 1 << 31

	bitsPerSizeT = 64
)

const (
	// Size of the ring of recently emptied slot spans retained before
	// decommit.
	maxFreeableSpans = 16

	// Above this much reserved-but-uncommitted space, an OOM is most
	// likely address-space fragmentation rather than memory exhaustion.
	reasonableSizeOfUnusedPages = 1 << 30

	// DumpStats enumerates at most this many direct-map extents.
	maxReportableDirectMaps = 4096
)

// AllocFlags bits.
const (
	AllocReturnNull = 1 << iota
	AllocZeroFill
)

// PurgeMemory flags.
const (
	PurgeDecommitEmptyPages = 1 << iota
	PurgeDiscardUnusedSystemPages
)

func init() {
	// The layout arithmetic all over this package depends on these
	// relations; fail loudly at startup rather than corrupt memory later.
	assert(PartitionPageSize*4 <= SuperPageSize, "super page too small")
	assert(SuperPageSize%PartitionPageSize == 0, "super page not a partition page multiple")
	assert(SystemPageSize*4 <= PartitionPageSize, "partition page too small")
	assert(PartitionPageSize%SystemPageSize == 0, "partition page not a system page multiple")
	assert(1<<partitionPageShift == PartitionPageSize, "partition page shift mismatch")
	assert(pageMetadataSize*numPartitionPagesPerSuperPage <= SystemPageSize,
		"page metadata does not fit in the metadata system page")
	assert(maxDirectMapped <= (1<<31)+pagealloc.PageAllocationGranularity,
		"maximum direct mapped allocation too large")
	assert(maxBucketed == 983040, "unexpected maximum bucketed size")
	assert(maxSystemPagesPerSlotSpan < 256, "system pages per slot span must fit a byte")
	assert(numBucketsPerOrder&(numBucketsPerOrder-1) == 0, "buckets per order must be a power of two")
	assert(maxFreeableSpans <= 128, "empty ring index must fit an int8")
}

func assert(cond bool, msg string) {
	if !cond {
		panic("partition: " + msg)
	}
}

func roundUpToPartitionPage(n uintptr) uintptr {
	return (n + PartitionPageSize - 1) &^ uintptr(partitionPageOffsetMask)
}

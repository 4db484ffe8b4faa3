package partition

import (
	"unsafe"

	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// Super page layout, in partition pages:
//
//	page 0:     guard (never committed)
//	page 1:     metadata; only its first system page is committed, holding
//	            one pageMetadataSize record per partition page
//	page 2..N-2: payload, carved into slot spans
//	page N-1:   guard
//
// Carving is a bump cursor over the payload range; spans are never returned
// to the super page, only decommitted in place.

func (r *Root) commitPages(addr, size uintptr) bool {
	if err := pagealloc.CommitPages(addr, size, pagealloc.PageReadWrite); err != nil {
		return false
	}
	r.totalSizeOfCommittedPages += size
	return true
}

func (r *Root) decommitPages(addr, size uintptr) {
	if err := pagealloc.DecommitSystemPages(addr, size); err != nil {
		panic("partition: decommit failed: " + err.Error())
	}
	r.totalSizeOfCommittedPages -= size
}

func (r *Root) recommitPages(addr, size uintptr) {
	if err := pagealloc.RecommitSystemPages(addr, size); err != nil {
		panic("partition: recommit failed: " + err.Error())
	}
	r.totalSizeOfCommittedPages += size
}

// reserveSuperPage obtains one super page of address space, from the cage
// when it is initialized, else straight from the OS. Returns 0 on
// address-space exhaustion.
func reserveSuperPage() uintptr {
	if base, ok := pagealloc.AllocCageChunk(); ok {
		return base
	}
	if pagealloc.AddressSpaceEnabled() {
		return 0
	}
	base, err := pagealloc.ReserveAddressSpace(SuperPageSize, SuperPageSize)
	if err != nil {
		return 0
	}
	return base
}

// allocNewSuperPage formats a fresh super page and points the carve cursor
// at its payload. Returns false on reservation or commit failure.
func (r *Root) allocNewSuperPage() bool {
	base := reserveSuperPage()
	if base == 0 {
		return false
	}
	if !r.commitPages(base+PartitionPageSize, SystemPageSize) {
		return false
	}
	r.totalSizeOfSuperPages += SuperPageSize

	extent := (*superPageExtent)(unsafe.Pointer(base + PartitionPageSize))
	extent.root = r
	extent.superPageBase = base
	extent.superPagesEnd = base + SuperPageSize

	r.superPages = append(r.superPages, base)
	r.nextPartitionPage = base + 2*PartitionPageSize
	r.nextPartitionPageEnd = base + SuperPageSize - PartitionPageSize
	return true
}

// allocNewSlotSpan carves a span for the bucket out of the current super
// page, reserving a new one first if the payload range is exhausted.
// Returns nil on OOM.
func (r *Root) allocNewSlotSpan(b *bucket) *slotSpan {
	spanBytes := b.bytesPerSpan()
	carveBytes := roundUpToPartitionPage(spanBytes)
	if r.nextPartitionPage+carveBytes > r.nextPartitionPageEnd {
		if !r.allocNewSuperPage() {
			return nil
		}
	}
	spanBase := r.nextPartitionPage
	r.nextPartitionPage += carveBytes

	if !r.commitPages(spanBase, spanBytes) {
		return nil
	}

	span := recordForPartitionPage(spanBase)
	span.bucket = b
	span.freelistHead = 0
	span.nextSpan = nil
	span.numAllocatedSlots = 0
	span.numUnprovisionedSlots = uint16(b.slotsPerSpan())
	span.pageOffset = 0
	span.emptyCacheIndex = -1

	numPartitionPages := carveBytes >> partitionPageShift
	record := uintptr(unsafe.Pointer(span))
	for i := uintptr(1); i < numPartitionPages; i++ {
		tail := (*slotSpan)(unsafe.Pointer(record + i<<pageMetadataShift))
		tail.pageOffset = uint8(i)
	}
	return span
}

func recordForPartitionPage(addr uintptr) *slotSpan {
	superBase := addr &^ uintptr(superPageOffsetMask)
	ppIndex := (addr & superPageOffsetMask) >> partitionPageShift
	return (*slotSpan)(unsafe.Pointer(superBase + PartitionPageSize + ppIndex<<pageMetadataShift))
}

// recommitSpan brings a decommitted span back: recommit the backing pages
// and reset the span to all-unprovisioned, so the freelist is rebuilt
// lazily against the now zero-filled memory.
func (r *Root) recommitSpan(s *slotSpan) {
	r.recommitPages(s.base(), s.bucket.bytesPerSpan())
	s.numUnprovisionedSlots = uint16(s.bucket.slotsPerSpan())
	s.freelistHead = 0
	s.setRawSize(0)
}

// decommitSpan releases an empty span's backing pages. The metadata stays;
// the span turns decommitted in place and is groomed onto the decommitted
// list by the next active-list scan.
func (r *Root) decommitSpan(s *slotSpan) {
	r.decommitPages(s.base(), s.bucket.bytesPerSpan())
	s.freelistHead = 0
	s.numUnprovisionedSlots = 0
	s.setRawSize(0)
}

// decommitIfPossible is the empty-ring eviction hook. The owning root's
// lock must be held.
func (r *Root) decommitIfPossible(s *slotSpan) {
	s.emptyCacheIndex = -1
	if s.isEmpty() {
		r.decommitSpan(s)
	}
}

package partition

import (
	"unsafe"

	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// slotSpan is the metadata record for one span of partition pages serving a
// single bucket. Records live in the metadata region of their super page,
// one per partition page; for spans covering several partition pages, the
// trailing pages' records just carry an offset back to the head record.
//
// The struct must fit in pageMetadataSize bytes.
type slotSpan struct {
	freelistHead          uintptr // address of the first free slot, 0 if none
	nextSpan              *slotSpan
	bucket                *bucket
	numAllocatedSlots     uint16
	numUnprovisionedSlots uint16 // slots never yet handed out or threaded
	pageOffset            uint8  // records back to the span head; 0 on the head
	emptyCacheIndex       int8   // slot in the global empty ring, -1 if none
	_                     [2]byte
}

// superPageExtent sits in metadata record 0 of every super page (and of
// every direct-map reservation) and ties the memory back to its root, which
// is how a pointer handed to Free is validated.
type superPageExtent struct {
	root          *Root
	superPageBase uintptr
	superPagesEnd uintptr
	_             uintptr
}

// The sentinel slot span terminates every bucket's active list. It
// advertises no free and no unprovisioned slots, so allocation scans skip
// past it without a null check.
var sentinelSlotSpan = slotSpan{emptyCacheIndex: -1}

func sentinelSpan() *slotSpan {
	return &sentinelSlotSpan
}

func init() {
	assert(unsafe.Sizeof(slotSpan{}) <= pageMetadataSize, "slotSpan record too big")
	assert(unsafe.Sizeof(superPageExtent{}) <= pageMetadataSize, "extent record too big")
}

// spanFromPointer maps a payload pointer to its slot span's metadata record.
// It relies on super pages (and direct-map reservations, which share the
// format) being SuperPageSize aligned.
func spanFromPointer(ptr uintptr) *slotSpan {
	superBase := ptr &^ uintptr(superPageOffsetMask)
	ppIndex := (ptr & superPageOffsetMask) >> partitionPageShift
	record := superBase + PartitionPageSize + ppIndex<<pageMetadataShift
	s := (*slotSpan)(unsafe.Pointer(record))
	record -= uintptr(s.pageOffset) << pageMetadataShift
	return (*slotSpan)(unsafe.Pointer(record))
}

// base is the inverse of spanFromPointer: the address of the span's first
// slot.
func (s *slotSpan) base() uintptr {
	record := uintptr(unsafe.Pointer(s))
	superBase := record &^ uintptr(superPageOffsetMask)
	ppIndex := (record - (superBase + PartitionPageSize)) >> pageMetadataShift
	return superBase + ppIndex<<partitionPageShift
}

// extentOf returns the super-page extent record covering this span.
func (s *slotSpan) extentOf() *superPageExtent {
	superBase := uintptr(unsafe.Pointer(s)) &^ uintptr(superPageOffsetMask)
	return (*superPageExtent)(unsafe.Pointer(superBase + PartitionPageSize))
}

// Slot span states. A span is in exactly one of these at any time; list
// membership is groomed lazily by the bucket's active-list scan, so the
// predicates below are authoritative, not the lists.
func (s *slotSpan) isActive() bool {
	return s.numAllocatedSlots > 0 &&
		(s.freelistHead != 0 || s.numUnprovisionedSlots > 0)
}

func (s *slotSpan) isFull() bool {
	return uintptr(s.numAllocatedSlots) == s.bucket.slotsPerSpan()
}

func (s *slotSpan) isEmpty() bool {
	return s.numAllocatedSlots == 0 &&
		(s.freelistHead != 0 || s.numUnprovisionedSlots > 0)
}

func (s *slotSpan) isDecommitted() bool {
	return s.numAllocatedSlots == 0 && s.freelistHead == 0 &&
		s.numUnprovisionedSlots == 0
}

// rawSizePtr returns where the user's exact requested size is recorded, or
// nil when the span does not track one. Only single-slot spans (large
// bucketed sizes and direct maps) do: the size lives in the first word of
// the following metadata record.
func (s *slotSpan) rawSizePtr() *uintptr {
	if s.bucket.slotsPerSpan() != 1 {
		return nil
	}
	return (*uintptr)(unsafe.Pointer(uintptr(unsafe.Pointer(s)) + pageMetadataSize))
}

func (s *slotSpan) rawSize() uintptr {
	if p := s.rawSizePtr(); p != nil {
		return *p
	}
	return 0
}

func (s *slotSpan) setRawSize(size uintptr) {
	if p := s.rawSizePtr(); p != nil {
		*p = size
	}
}

// provision hands out the next never-touched slot and threads the rest of
// its system page onto the freelist, so a span's pages fault in one at a
// time instead of all up front.
func (s *slotSpan) provision() uintptr {
	size := uintptr(s.bucket.slotSize)
	numSlots := s.bucket.slotsPerSpan()
	firstIdx := numSlots - uintptr(s.numUnprovisionedSlots)
	ret := s.base() + firstIdx*size

	limit := pagealloc.RoundUpToSystemPage(ret + 1)
	n := uintptr(1)
	for firstIdx+n < numSlots && ret+(n+1)*size <= limit {
		n++
	}

	if s.freelistHead != 0 {
		panic("partition: provisioning a span with a live freelist")
	}
	var head uintptr
	for i := n - 1; i >= 1; i-- {
		addr := ret + i*size
		entryAt(addr).next = encodeFreelist(head)
		head = addr
	}
	s.freelistHead = head
	s.numUnprovisionedSlots -= uint16(n)
	s.numAllocatedSlots++
	return ret
}

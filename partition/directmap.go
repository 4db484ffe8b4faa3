package partition

import (
	"unsafe"

	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// Allocations too big for any bucket get a dedicated reservation, formatted
// to look enough like a super page that spanFromPointer and the root
// validity check work unchanged:
//
//	partition page 0:  guard
//	partition page 1:  metadata (first system page committed)
//	partition page 2+: payload, committed to the rounded size
//	trailing partition page: guard
//
// The metadata system page holds the usual extent record and slot-span
// record, plus this allocation's private bucket and the directMapExtent
// linking it into the root's list.
type directMapExtent struct {
	nextExtent *directMapExtent
	prevExtent *directMapExtent
	bucket     *bucket
	mapSize    uintptr // payload capacity, excluding guards and metadata
}

const (
	directMapSpanRecord   = 2 * pageMetadataSize // record of partition page 2
	directMapBucketOffset = 4 * pageMetadataSize
	directMapExtentOffset = 6 * pageMetadataSize
)

func directMapMetadata(s *slotSpan) uintptr {
	return uintptr(unsafe.Pointer(s))&^uintptr(superPageOffsetMask) + PartitionPageSize
}

func extentForSpan(s *slotSpan) *directMapExtent {
	return (*directMapExtent)(unsafe.Pointer(directMapMetadata(s) + directMapExtentOffset))
}

func directMapReservationSize(mapCapacity uintptr) uintptr {
	return 2*PartitionPageSize + mapCapacity + PartitionPageSize
}

// directMapAlloc satisfies one allocation with its own reservation.
// Returns 0 on address-space or commit failure; the caller turns that into
// null or an OOM report per its flags. Caller holds the root lock.
func (r *Root) directMapAlloc(rawSize uintptr) uintptr {
	committedSize := directMapSize(rawSize)
	mapCapacity := roundUpToPartitionPage(committedSize)
	reservation := directMapReservationSize(mapCapacity)

	base, err := pagealloc.ReserveAddressSpace(reservation, SuperPageSize)
	if err != nil {
		return 0
	}
	if !r.commitPages(base+PartitionPageSize, SystemPageSize) {
		return 0
	}
	payload := base + 2*PartitionPageSize
	if !r.commitPages(payload, committedSize) {
		return 0
	}

	meta := base + PartitionPageSize
	extentRecord := (*superPageExtent)(unsafe.Pointer(meta))
	extentRecord.root = r
	extentRecord.superPageBase = base
	extentRecord.superPagesEnd = base + reservation

	bkt := (*bucket)(unsafe.Pointer(meta + directMapBucketOffset))
	bkt.activeSpansHead = nil
	bkt.emptySpansHead = nil
	bkt.decommittedSpansHead = nil
	bkt.slotSize = uint32(committedSize)
	bkt.numSystemPagesPerSlotSpan = 0
	bkt.numFullSpans = 0

	span := (*slotSpan)(unsafe.Pointer(meta + directMapSpanRecord))
	span.bucket = bkt
	span.freelistHead = 0
	span.nextSpan = nil
	span.numAllocatedSlots = 1
	span.numUnprovisionedSlots = 0
	span.pageOffset = 0
	span.emptyCacheIndex = -1
	span.setRawSize(rawSize)

	ext := (*directMapExtent)(unsafe.Pointer(meta + directMapExtentOffset))
	ext.bucket = bkt
	ext.mapSize = mapCapacity
	ext.prevExtent = nil
	ext.nextExtent = r.directMapList
	if r.directMapList != nil {
		r.directMapList.prevExtent = ext
	}
	r.directMapList = ext

	r.totalSizeOfDirectMappedPages += reservation
	return payload
}

// freeDirectMapped unlinks the extent and returns the whole reservation,
// guards included, to the OS. Caller holds the root lock.
func (r *Root) freeDirectMapped(s *slotSpan) {
	ext := extentForSpan(s)
	base := uintptr(unsafe.Pointer(s)) &^ uintptr(superPageOffsetMask)
	reservation := directMapReservationSize(ext.mapSize)
	committedSize := uintptr(s.bucket.slotSize)

	if ext.prevExtent != nil {
		ext.prevExtent.nextExtent = ext.nextExtent
	} else {
		if r.directMapList != ext {
			panic("partition: direct map list corrupted")
		}
		r.directMapList = ext.nextExtent
	}
	if ext.nextExtent != nil {
		ext.nextExtent.prevExtent = ext.prevExtent
	}

	r.totalSizeOfCommittedPages -= committedSize + SystemPageSize
	r.totalSizeOfDirectMappedPages -= reservation

	if err := pagealloc.ReleaseReservation(base, reservation); err != nil {
		panic("partition: releasing direct map failed: " + err.Error())
	}
}

// reallocDirectMappedInPlace resizes a direct-mapped allocation by flipping
// page permissions within its reservation. Shrinks below 80 % of the
// reservation are refused so a small live allocation cannot pin a huge
// address range. Caller holds the root lock.
func (r *Root) reallocDirectMappedInPlace(s *slotSpan, rawSize uintptr) bool {
	newSize := directMapSize(rawSize)
	if newSize < minDirectMappedDownsize {
		return false
	}

	currentSize := uintptr(s.bucket.slotSize)
	ptr := s.base()
	ext := extentForSpan(s)
	switch {
	case newSize == currentSize:
		// Nothing to move; just update the recorded size below.
	case newSize < currentSize:
		if (newSize/SystemPageSize)*5 < (ext.mapSize/SystemPageSize)*4 {
			return false
		}
		r.decommitPages(ptr+newSize, currentSize-newSize)
	case newSize <= ext.mapSize:
		delta := newSize - currentSize
		if err := pagealloc.SetSystemPagesAccess(ptr+currentSize, delta, pagealloc.PageReadWrite); err != nil {
			return false
		}
		r.recommitPages(ptr+currentSize, delta)
	default:
		// Doesn't fit in the reservation.
		return false
	}

	s.setRawSize(rawSize)
	s.bucket.slotSize = uint32(newSize)
	return true
}

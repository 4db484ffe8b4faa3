package partition

import (
	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// bucket owns one size class: the slot size, the span geometry, and three
// lists of slot spans. The active list holds spans with slots to hand out
// (plus stragglers awaiting grooming); the empty and decommitted lists hold
// fully free spans, committed and released respectively. Full spans are off
// every list and only counted.
type bucket struct {
	activeSpansHead           *slotSpan // nil on pseudo-buckets so use faults
	emptySpansHead            *slotSpan
	decommittedSpansHead      *slotSpan
	slotSize                  uint32
	numSystemPagesPerSlotSpan uint8 // 0 marks a direct-map bucket
	numFullSpans              int32
}

// The sentinel bucket is the lookup target for sizes beyond the largest
// real bucket; its allocation path diverts to the direct map or fails. Its
// active head parks on the sentinel span so scans skip it like any other
// exhausted bucket.
var sentinelBucket = bucket{activeSpansHead: &sentinelSlotSpan}

func (b *bucket) isDirectMapped() bool {
	return b.numSystemPagesPerSlotSpan == 0
}

func (b *bucket) bytesPerSpan() uintptr {
	return uintptr(b.numSystemPagesPerSlotSpan) * SystemPageSize
}

func (b *bucket) slotsPerSpan() uintptr {
	if b.isDirectMapped() {
		return 1
	}
	return b.bytesPerSpan() / uintptr(b.slotSize)
}

func (b *bucket) init(size uintptr) {
	b.slotSize = uint32(size)
	b.numSystemPagesPerSlotSpan = systemPagesPerSlotSpan(size)
	b.activeSpansHead = sentinelSpan()
	b.emptySpansHead = nil
	b.decommittedSpansHead = nil
	b.numFullSpans = 0
}

// systemPagesPerSlotSpan picks the span size for a slot size: the page
// count in [numSystemPagesPerPartitionPage-1, maxSystemPagesPerSlotSpan]
// wasting the smallest fraction of
// the span, counting both the chop remainder and the page-table cost of
// pages left unfaulted in the last partition page. Slots too big to share a
// span get exactly the pages they need.
func systemPagesPerSlotSpan(slotSize uintptr) uint8 {
	if slotSize > maxSystemPagesPerSlotSpan*SystemPageSize {
		return uint8((slotSize + SystemPageSize - 1) / SystemPageSize)
	}
	bestWasteNum, bestWasteDen := uintptr(1), uintptr(1) // ratio 1, beaten by anything
	bestPages := uintptr(0)
	for i := uintptr(numSystemPagesPerPartitionPage - 1); i <= maxSystemPagesPerSlotSpan; i++ {
		spanSize := i * SystemPageSize
		numSlots := spanSize / slotSize
		if numSlots == 0 {
			continue
		}
		waste := spanSize - numSlots*slotSize
		if rem := i % numSystemPagesPerPartitionPage; rem != 0 {
			waste += 8 * (numSystemPagesPerPartitionPage - rem)
		}
		// waste/spanSize < bestWasteNum/bestWasteDen, cross-multiplied.
		if waste*bestWasteDen < bestWasteNum*spanSize {
			bestWasteNum, bestWasteDen = waste, spanSize
			bestPages = i
		}
	}
	return uint8(bestPages)
}

func directMapSize(size uintptr) uintptr {
	return pagealloc.RoundUpToSystemPage(size)
}

// setNewActiveSpan advances the active list to the first span that can
// serve an allocation, grooming everything it walks past: empty and
// decommitted spans move to their lists, full spans are unlinked and
// counted. Returns false (head parked on the sentinel) when nothing on the
// list can serve.
func (b *bucket) setNewActiveSpan() bool {
	span := b.activeSpansHead
	if span == sentinelSpan() {
		return false
	}
	var next *slotSpan
	for ; span != nil && span != sentinelSpan(); span = next {
		next = span.nextSpan
		switch {
		case span.isActive():
			b.activeSpansHead = span
			return true
		case span.isEmpty():
			span.nextSpan = b.emptySpansHead
			b.emptySpansHead = span
		case span.isDecommitted():
			span.nextSpan = b.decommittedSpansHead
			b.decommittedSpansHead = span
		default:
			if !span.isFull() {
				panic("partition: slot span in impossible state")
			}
			span.nextSpan = nil
			b.numFullSpans++
		}
	}
	b.activeSpansHead = sentinelSpan()
	return false
}

// unlinkIfFull removes the span from the head of the active list the moment
// its last slot is handed out, so a full span is never reachable from any
// list.
func (b *bucket) unlinkIfFull(s *slotSpan) {
	if s.freelistHead != 0 || s.numUnprovisionedSlots != 0 {
		return
	}
	if b.activeSpansHead == s {
		if s.nextSpan != nil {
			b.activeSpansHead = s.nextSpan
		} else {
			b.activeSpansHead = sentinelSpan()
		}
	}
	s.nextSpan = nil
	b.numFullSpans++
}

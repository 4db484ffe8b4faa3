package partition

import (
	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// PurgeMemory returns unneeded memory to the OS. PurgeDecommitEmptyPages
// decommits every cached empty slot span; PurgeDiscardUnusedSystemPages
// additionally walks active spans of page-or-larger buckets and discards
// whole free system pages inside them.
func (r *Root) PurgeMemory(flags int) {
	r.ensureInitialized()
	r.lock.lock()
	defer r.lock.unlock()

	if flags&PurgeDecommitEmptyPages != 0 {
		r.decommitEmptySpans()
	}
	if flags&PurgeDiscardUnusedSystemPages != 0 {
		for i := range r.buckets {
			b := &r.buckets[i]
			if b.activeSpansHead == nil {
				continue // pseudo-bucket
			}
			if uintptr(b.slotSize) < SystemPageSize {
				continue
			}
			purgeBucket(r, b)
		}
	}
}

func purgeBucket(r *Root, b *bucket) {
	if b.activeSpansHead == sentinelSpan() {
		return
	}
	for span := b.activeSpansHead; span != nil && span != sentinelSpan(); span = span.nextSpan {
		purgeSlotSpan(r, span, true)
	}
}

// purgeSlotSpan discards the free system pages of one span and reports how
// many bytes are (or would be) reclaimable. With discard=false it is a pure
// measurement used by the stats walker.
func purgeSlotSpan(r *Root, s *slotSpan, discard bool) uintptr {
	b := s.bucket
	slotSize := uintptr(b.slotSize)
	if slotSize < SystemPageSize || s.numAllocatedSlots == 0 {
		return 0
	}

	// A recorded raw size pins down exactly which tail bytes of the slot
	// are dead, no freelist walk needed.
	if rawSize := s.rawSize(); rawSize != 0 {
		usedBytes := pagealloc.RoundUpToSystemPage(rawSize)
		discardable := slotSize - usedBytes
		if discardable != 0 && discard {
			if err := pagealloc.DiscardSystemPages(s.base()+usedBytes, discardable); err != nil {
				panic("partition: discard failed: " + err.Error())
			}
		}
		return discardable
	}

	const maxSlotCount = (PartitionPageSize * maxPartitionPagesPerSlotSpan) / SystemPageSize
	numSlots := b.slotsPerSpan() - uintptr(s.numUnprovisionedSlots)
	var slotUsage [maxSlotCount]bool
	for i := uintptr(0); i < numSlots; i++ {
		slotUsage[i] = true
	}

	base := s.base()
	var discardableBytes uintptr

	// Walk the freelist into a bitmap of unused slots. An entry whose raw
	// next word is zero may be the relic of a previous discard; since
	// discarded memory reads back as zero here, that last entry's bytes
	// are fair game too.
	lastSlot := ^uintptr(0)
	for entryAddr := s.freelistHead; entryAddr != 0; {
		slotIndex := (entryAddr - base) / slotSize
		slotUsage[slotIndex] = false
		next := decodeFreelist(entryAt(entryAddr).next)
		if pagealloc.DiscardReadsBackZero && next == 0 {
			lastSlot = slotIndex
		}
		entryAddr = next
	}

	// Pass one: free slots at the end of the span are truncated outright.
	// They go back to unprovisioned, the freelist is rewritten without
	// them, and the reclaimed range is discarded out to its page bounds.
	truncatedSlots := uintptr(0)
	for !slotUsage[numSlots-1] {
		truncatedSlots++
		numSlots--
		if numSlots == 0 {
			panic("partition: truncating a span with no used slots")
		}
	}
	if truncatedSlots != 0 {
		beginAddr := pagealloc.RoundUpToSystemPage(base + numSlots*slotSize)
		// Round the end up, not down: the span owns everything out to the
		// end of its last page.
		endAddr := pagealloc.RoundUpToSystemPage(base + (numSlots+truncatedSlots)*slotSize)
		var unprovisionedBytes uintptr
		if beginAddr < endAddr {
			unprovisionedBytes = endAddr - beginAddr
			discardableBytes += unprovisionedBytes
		}
		if unprovisionedBytes != 0 && discard {
			s.numUnprovisionedSlots += uint16(truncatedSlots)

			var head, back uintptr
			for slotIndex := uintptr(0); slotIndex < numSlots; slotIndex++ {
				if slotUsage[slotIndex] {
					continue
				}
				entryAddr := base + slotIndex*slotSize
				if head == 0 {
					head = entryAddr
				} else {
					entryAt(back).next = encodeFreelist(entryAddr)
				}
				back = entryAddr
				lastSlot = slotIndex
			}
			s.freelistHead = head
			if back != 0 {
				entryAt(back).next = encodeFreelist(0)
			}
			if err := pagealloc.DiscardSystemPages(beginAddr, unprovisionedBytes); err != nil {
				panic("partition: discard failed: " + err.Error())
			}
		}
	}

	// Pass two: whole system pages inside the remaining free slots. The
	// freelist entry at the slot's start must survive, except for the one
	// trailing entry already known to decode to nothing.
	for i := uintptr(0); i < numSlots; i++ {
		if slotUsage[i] {
			continue
		}
		beginAddr := base + i*slotSize
		endAddr := beginAddr + slotSize
		if !(pagealloc.DiscardReadsBackZero && i == lastSlot) {
			beginAddr += freelistEntrySize
		}
		beginAddr = pagealloc.RoundUpToSystemPage(beginAddr)
		endAddr = pagealloc.RoundDownToSystemPage(endAddr)
		if beginAddr < endAddr {
			partialSlotBytes := endAddr - beginAddr
			discardableBytes += partialSlotBytes
			if discard {
				if err := pagealloc.DiscardSystemPages(beginAddr, partialSlotBytes); err != nil {
					panic("partition: discard failed: " + err.Error())
				}
			}
		}
	}
	return discardableBytes
}

package partition

import "github.com/partitionalloc/partitionalloc/pagealloc"

// BucketMemoryStats describes one size class (or one direct-map extent) for
// the stats walker.
type BucketMemoryStats struct {
	IsValid     bool
	IsDirectMap bool

	BucketSlotSize    uint64
	AllocatedSpanSize uint64 // bytes one committed span consumes

	ActiveBytes        uint64 // bytes handed out to callers
	ResidentBytes      uint64 // bytes committed right now
	DecommittableBytes uint64 // resident bytes of empty spans
	DiscardableBytes   uint64 // free whole pages inside live spans

	NumFullSpans        uint64
	NumActiveSpans      uint64
	NumEmptySpans       uint64
	NumDecommittedSpans uint64
}

// MemoryStats is the root-level rollup.
type MemoryStats struct {
	TotalMmappedBytes       uint64
	TotalCommittedBytes     uint64
	TotalResidentBytes      uint64
	TotalActiveBytes        uint64
	TotalDecommittableBytes uint64
	TotalDiscardableBytes   uint64
}

// StatsDumper receives the walker's output. Implementations are invoked
// after the root lock is released, so they are free to allocate on the same
// root.
type StatsDumper interface {
	DumpBucketStats(partitionName string, stats *BucketMemoryStats)
	DumpTotals(partitionName string, stats *MemoryStats)
}

func dumpSpanStats(r *Root, stats *BucketMemoryStats, s *slotSpan) {
	if s.isDecommitted() {
		stats.NumDecommittedSpans++
		return
	}

	stats.DiscardableBytes += uint64(purgeSlotSpan(r, s, false))

	if rawSize := s.rawSize(); rawSize != 0 {
		stats.ActiveBytes += uint64(rawSize)
	} else {
		stats.ActiveBytes += uint64(s.numAllocatedSlots) * stats.BucketSlotSize
	}

	provisioned := s.bucket.slotsPerSpan() - uintptr(s.numUnprovisionedSlots)
	resident := uint64(pagealloc.RoundUpToSystemPage(provisioned * uintptr(s.bucket.slotSize)))
	stats.ResidentBytes += resident

	switch {
	case s.isEmpty():
		stats.DecommittableBytes += resident
		stats.NumEmptySpans++
	case s.isFull():
		stats.NumFullSpans++
	default:
		stats.NumActiveSpans++
	}
}

func dumpBucketStats(r *Root, stats *BucketMemoryStats, b *bucket) {
	stats.IsValid = false
	// A bucket with an idle active head can still own empty, decommitted
	// or full spans worth reporting.
	if b.activeSpansHead == sentinelSpan() && b.emptySpansHead == nil &&
		b.decommittedSpansHead == nil && b.numFullSpans == 0 {
		return
	}

	*stats = BucketMemoryStats{
		IsValid:           true,
		BucketSlotSize:    uint64(b.slotSize),
		AllocatedSpanSize: uint64(b.bytesPerSpan()),
		NumFullSpans:      uint64(b.numFullSpans),
	}
	// Full spans are off-list; account for them wholesale.
	usefulStorage := uint64(b.slotsPerSpan()) * uint64(b.slotSize)
	stats.ActiveBytes = uint64(b.numFullSpans) * usefulStorage
	stats.ResidentBytes = uint64(b.numFullSpans) * stats.AllocatedSpanSize

	for span := b.emptySpansHead; span != nil; span = span.nextSpan {
		dumpSpanStats(r, stats, span)
	}
	for span := b.decommittedSpansHead; span != nil; span = span.nextSpan {
		dumpSpanStats(r, stats, span)
	}
	if b.activeSpansHead != sentinelSpan() {
		for span := b.activeSpansHead; span != nil && span != sentinelSpan(); span = span.nextSpan {
			dumpSpanStats(r, stats, span)
		}
	}
}

// DumpStats walks the partition and feeds the dumper. Statistics are
// snapshotted under the root lock; the dumper runs after it is released. A
// light dump emits only the root totals.
func (r *Root) DumpStats(partitionName string, isLightDump bool, dumper StatsDumper) {
	r.ensureInitialized()

	var stats MemoryStats
	var bucketStats []BucketMemoryStats
	// Heap-allocated rather than on the stack: the worst case is large
	// enough to matter on small-stack platforms.
	var directMapLengths []uint64
	numDirectMapped := 0

	func() {
		r.lock.lock()
		defer r.lock.unlock()

		stats.TotalMmappedBytes = uint64(r.totalSizeOfSuperPages) +
			uint64(r.totalSizeOfDirectMappedPages)
		stats.TotalCommittedBytes = uint64(r.totalSizeOfCommittedPages)

		bucketStats = make([]BucketMemoryStats, numBuckets)
		if !isLightDump {
			directMapLengths = make([]uint64, maxReportableDirectMaps)
		}

		for i := range r.buckets {
			b := &r.buckets[i]
			if b.activeSpansHead == nil {
				// Pseudo-buckets are an indexing artifact, not a heap.
				bucketStats[i].IsValid = false
				continue
			}
			dumpBucketStats(r, &bucketStats[i], b)
			if bucketStats[i].IsValid {
				stats.TotalResidentBytes += bucketStats[i].ResidentBytes
				stats.TotalActiveBytes += bucketStats[i].ActiveBytes
				stats.TotalDecommittableBytes += bucketStats[i].DecommittableBytes
				stats.TotalDiscardableBytes += bucketStats[i].DiscardableBytes
			}
		}

		var directMappedTotal uint64
		for extent := r.directMapList; extent != nil && numDirectMapped < maxReportableDirectMaps; extent = extent.nextExtent {
			if extent.nextExtent != nil && extent.nextExtent.prevExtent != extent {
				panic("partition: direct map list corrupted")
			}
			slotSize := uint64(extent.bucket.slotSize)
			directMappedTotal += slotSize
			if !isLightDump {
				directMapLengths[numDirectMapped] = slotSize
			}
			numDirectMapped++
		}
		stats.TotalResidentBytes += directMappedTotal
		stats.TotalActiveBytes += directMappedTotal
	}()

	if !isLightDump {
		for i := range bucketStats {
			if bucketStats[i].IsValid {
				dumper.DumpBucketStats(partitionName, &bucketStats[i])
			}
		}
		for i := 0; i < numDirectMapped; i++ {
			size := directMapLengths[i]
			mappedStats := BucketMemoryStats{
				IsValid:           true,
				IsDirectMap:       true,
				NumFullSpans:      1,
				AllocatedSpanSize: size,
				BucketSlotSize:    size,
				ActiveBytes:       size,
				ResidentBytes:     size,
			}
			dumper.DumpBucketStats(partitionName, &mappedStats)
		}
	}
	dumper.DumpTotals(partitionName, &stats)
}

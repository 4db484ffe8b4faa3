package partition

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Root owns all state for one logically independent heap: the
// bucket array, the precomputed size→bucket lookup tables, the super-page
// carve cursor, the direct-map list, and the byte totals. A process may
// hold several roots; operations on distinct roots are independent.
type Root struct {
	lock        rootLock
	initialized atomic.Bool

	// invertedSelf is ^uintptr(root). A pointer reached through super-page
	// metadata is only trusted if this round-trips, which catches frees of
	// memory the root does not own.
	invertedSelf uintptr

	buckets            [numBuckets]bucket
	bucketLookups      [(bitsPerSizeT+1)*numBucketsPerOrder + 1]*bucket
	orderIndexShifts   [bitsPerSizeT + 1]uint8
	orderSubIndexMasks [bitsPerSizeT + 1]uintptr

	nextPartitionPage    uintptr
	nextPartitionPageEnd uintptr
	superPages           []uintptr

	directMapList *directMapExtent

	totalSizeOfSuperPages        uintptr
	totalSizeOfDirectMappedPages uintptr
	totalSizeOfCommittedPages    uintptr
}

// Metadata records hold *Root and *bucket values in memory the
// garbage collector never scans, so every root is also kept reachable here
// for its process lifetime.
var liveRoots struct {
	mu    sync.Mutex
	roots []*Root
}

// NewRoot returns an initialized thread-safe root. Every public operation
// takes the root's spin lock.
func NewRoot() *Root {
	r := &Root{lock: &spinLock{}}
	r.ensureInitialized()
	return r
}

// NewRootSingleThreaded returns a root for single-threaded contexts: no
// locking, but concurrent use trips an assertion. Intended for
// early-startup heaps and tests.
func NewRootSingleThreaded() *Root {
	r := &Root{lock: &plainLock{}}
	r.ensureInitialized()
	return r
}

func (r *Root) ensureInitialized() {
	if !r.initialized.Load() {
		r.initSlowPath()
	}
}

func (r *Root) initSlowPath() {
	r.lock.lock()
	defer r.lock.unlock()

	if r.initialized.Load() {
		return
	}

	r.invertedSelf = ^uintptr(unsafe.Pointer(r))

	// Precompute the shift and mask that extract the order index and
	// sub-order index from a size, for every possible order. Example for
	// a request of 41 == 101001b: the order is 6, the order index is the
	// next numBucketsPerOrderBits bits (010 == 2), and any set bit below
	// them rounds up to the next bucket.
	for order := 0; order <= bitsPerSizeT; order++ {
		var shift uint8
		if order > numBucketsPerOrderBits+1 {
			shift = uint8(order - (numBucketsPerOrderBits + 1))
		}
		r.orderIndexShifts[order] = shift
		var mask uintptr
		if order == bitsPerSizeT {
			mask = ^uintptr(0) >> (numBucketsPerOrderBits + 1)
		} else {
			mask = ((uintptr(1) << order) - 1) >> (numBucketsPerOrderBits + 1)
		}
		r.orderSubIndexMasks[order] = mask
	}

	// Fill the bucket array, order-major. Sub-bucket sizes that are not a
	// multiple of the smallest granularity are pseudo-buckets: they keep
	// the array indexable but any attempt to allocate from one faults.
	currentSize := uintptr(smallestBucket)
	currentIncrement := uintptr(smallestBucket >> numBucketsPerOrderBits)
	bucketIdx := 0
	for i := 0; i < numBucketedOrders; i++ {
		for j := 0; j < numBucketsPerOrder; j++ {
			b := &r.buckets[bucketIdx]
			b.init(currentSize)
			if currentSize%smallestBucket != 0 {
				b.activeSpansHead = nil
			}
			currentSize += currentIncrement
			bucketIdx++
		}
		currentIncrement <<= 1
	}
	if currentSize != 1<<maxBucketedOrder || bucketIdx != numBuckets {
		panic("partition: bucket table construction out of step")
	}

	// Then the fast size→bucket lookup table. Sizes below the smallest
	// order share the finest bucket; sizes above the largest order hit
	// the sentinel and divert to the direct map or fail.
	bucketIdx = 0
	lookupIdx := 0
	for order := 0; order <= bitsPerSizeT; order++ {
		for j := 0; j < numBucketsPerOrder; j++ {
			switch {
			case order < minBucketedOrder:
				r.bucketLookups[lookupIdx] = &r.buckets[0]
			case order > maxBucketedOrder:
				r.bucketLookups[lookupIdx] = &sentinelBucket
			default:
				// Pseudo-buckets never serve; point at the next real one.
				valid := bucketIdx
				for r.buckets[valid].slotSize%smallestBucket != 0 {
					valid++
				}
				r.bucketLookups[lookupIdx] = &r.buckets[valid]
				bucketIdx++
			}
			lookupIdx++
		}
	}
	if bucketIdx != numBuckets {
		panic("partition: bucket lookup construction out of step")
	}
	// One extra entry catches sizes that overflow to a non-existent order.
	r.bucketLookups[lookupIdx] = &sentinelBucket

	liveRoots.mu.Lock()
	liveRoots.roots = append(liveRoots.roots, r)
	liveRoots.mu.Unlock()

	r.initialized.Store(true)
}

func (r *Root) bucketForSize(size uintptr) *bucket {
	order := uintptr(bits.Len64(uint64(size)))
	orderIndex := (size >> r.orderIndexShifts[order]) & (numBucketsPerOrder - 1)
	subOrderIndex := size & r.orderSubIndexMasks[order]
	var roundUp uintptr
	if subOrderIndex != 0 {
		roundUp = 1
	}
	return r.bucketLookups[(order<<numBucketsPerOrderBits)+orderIndex+roundUp]
}

// Alloc returns a block of at least size usable bytes, crashing the process
// on OOM. typeName feeds the observer hooks.
func (r *Root) Alloc(size uintptr, typeName string) unsafe.Pointer {
	return r.AllocFlags(0, size, typeName)
}

// AllocFlags is Alloc with behavior bits: AllocReturnNull returns nil
// instead of crashing on OOM, AllocZeroFill zeroes the returned memory.
func (r *Root) AllocFlags(flags int, size uintptr, typeName string) unsafe.Pointer {
	hooksOn := AreHooksEnabled()
	if hooksOn {
		if p, handled := allocationOverrideHook(flags, size, typeName); handled {
			allocationObserverHook(p, size, typeName)
			return p
		}
	}
	ptr := r.allocFlagsNoHooks(flags, size)
	if hooksOn && ptr != nil {
		allocationObserverHook(ptr, size, typeName)
	}
	return ptr
}

func (r *Root) allocFlagsNoHooks(flags int, size uintptr) unsafe.Pointer {
	r.ensureInitialized()
	b := r.bucketForSize(size)

	var ret uintptr
	func() {
		r.lock.lock()
		defer r.lock.unlock()
		ret = r.allocFromBucket(b, size)
	}()

	if ret == 0 {
		if flags&AllocReturnNull != 0 {
			return nil
		}
		if size > maxDirectMapped {
			excessiveAllocationSize(size)
		}
		r.outOfMemory(size)
	}

	if flags&AllocZeroFill != 0 {
		memclr(ret, size)
	}
	return unsafe.Pointer(ret)
}

// allocFromBucket is the allocation fast path plus its slow-path descent.
// Caller holds the root lock. Returns 0 on OOM.
func (r *Root) allocFromBucket(b *bucket, size uintptr) uintptr {
	span := b.activeSpansHead // faults on a pseudo-bucket, which is the point
	if span.freelistHead != 0 {
		ret := span.freelistHead
		span.freelistHead = decodeFreelist(entryAt(ret).next)
		span.numAllocatedSlots++
		b.unlinkIfFull(span)
		return ret
	}
	return r.allocSlowPath(b, size)
}

func (r *Root) allocSlowPath(b *bucket, size uintptr) uintptr {
	if b == &sentinelBucket {
		if size > maxDirectMapped {
			return 0
		}
		return r.directMapAlloc(size)
	}

	var span *slotSpan
	if b.setNewActiveSpan() {
		span = b.activeSpansHead
	} else {
		// Prefer a warm empty span, then a decommitted one, then fresh
		// partition pages.
		for b.emptySpansHead != nil {
			s := b.emptySpansHead
			b.emptySpansHead = s.nextSpan
			if s.isDecommitted() {
				s.nextSpan = b.decommittedSpansHead
				b.decommittedSpansHead = s
				continue
			}
			span = s
			break
		}
		if span == nil && b.decommittedSpansHead != nil {
			span = b.decommittedSpansHead
			b.decommittedSpansHead = span.nextSpan
			r.recommitSpan(span)
		}
		if span == nil {
			span = r.allocNewSlotSpan(b)
		}
		if span == nil {
			return 0
		}
		span.nextSpan = nil
		b.activeSpansHead = span
	}

	span.setRawSize(size)

	var ret uintptr
	if span.freelistHead != 0 {
		ret = span.freelistHead
		span.freelistHead = decodeFreelist(entryAt(ret).next)
		span.numAllocatedSlots++
	} else {
		if span.numUnprovisionedSlots == 0 {
			panic("partition: active span has nothing to hand out")
		}
		ret = span.provision()
	}
	b.unlinkIfFull(span)
	return ret
}

// Free releases a block previously returned by this root. nil is a no-op;
// a pointer the root does not own is fatal.
func (r *Root) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if AreHooksEnabled() {
		if freeOverrideHook(ptr) {
			return
		}
		freeObserverHook(ptr)
	}
	r.freeNoHooks(ptr)
}

func (r *Root) freeNoHooks(ptr unsafe.Pointer) {
	addr := uintptr(ptr)
	span := spanFromPointer(addr)
	r.checkValidSpan(span)

	r.lock.lock()
	defer r.lock.unlock()

	if span.bucket.isDirectMapped() {
		r.freeDirectMapped(span)
		return
	}
	r.freeSlot(span, addr)
}

// checkValidSpan crashes unless the span's super page belongs to this root.
func (r *Root) checkValidSpan(span *slotSpan) {
	extent := span.extentOf()
	root := extent.root
	if root == nil || root.invertedSelf != ^uintptr(unsafe.Pointer(root)) {
		panic("partition: freeing memory not owned by any partition")
	}
	if root != r {
		panic("partition: pointer freed on the wrong partition root")
	}
}

func (r *Root) freeSlot(s *slotSpan, addr uintptr) {
	if s.numAllocatedSlots == 0 {
		panic("partition: free on an empty slot span")
	}
	if addr == s.freelistHead {
		panic("partition: double free detected")
	}

	wasFull := s.freelistHead == 0 && s.numUnprovisionedSlots == 0
	entryAt(addr).next = encodeFreelist(s.freelistHead)
	s.freelistHead = addr
	s.numAllocatedSlots--

	if wasFull {
		// Full spans are off every list; back onto the active list it goes.
		s.bucket.numFullSpans--
		s.nextSpan = s.bucket.activeSpansHead
		s.bucket.activeSpansHead = s
	}
	if s.numAllocatedSlots == 0 {
		s.setRawSize(0)
		registerEmptySpan(r, s)
	}
}

// ActualSize reports the usable size a request would be rounded up to: the
// serving bucket's slot size, or system-page granularity on the direct-map
// path.
func (r *Root) ActualSize(size uintptr) uintptr {
	r.ensureInitialized()
	b := r.bucketForSize(size)
	if b != &sentinelBucket {
		return uintptr(b.slotSize)
	}
	if size > maxDirectMapped {
		return size
	}
	return directMapSize(size)
}

func memclr(addr, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	clear(b)
}

func memmove(dst, src, n uintptr) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

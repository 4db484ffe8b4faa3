package partition

import "unsafe"

// Realloc resizes a block, crashing on OOM. nil grows from nothing like
// Alloc; size zero frees and returns nil.
func (r *Root) Realloc(ptr unsafe.Pointer, newSize uintptr, typeName string) unsafe.Pointer {
	return r.ReallocFlags(0, ptr, newSize, typeName)
}

// ReallocFlags resizes a block. Direct-mapped blocks are resized in place
// when the new size stays within (and keeps earning) the reservation;
// bucketed blocks whose new size lands in the same bucket are returned
// unchanged. Everything else is allocate, copy, free.
func (r *Root) ReallocFlags(flags int, ptr unsafe.Pointer, newSize uintptr, typeName string) unsafe.Pointer {
	if ptr == nil {
		return r.AllocFlags(flags, newSize, typeName)
	}
	if newSize == 0 {
		r.Free(ptr)
		return nil
	}
	if newSize > maxDirectMapped {
		if flags&AllocReturnNull != 0 {
			return nil
		}
		excessiveAllocationSize(newSize)
	}

	hooksOn := AreHooksEnabled()
	overridden := false
	var actualOldSize uintptr
	if hooksOn {
		actualOldSize, overridden = reallocOverrideHook(ptr)
	}
	if !overridden {
		addr := uintptr(ptr)
		span := spanFromPointer(addr)
		sameBucket := false
		inPlace := false
		func() {
			r.lock.lock()
			defer r.lock.unlock()
			r.checkValidSpan(span)

			if span.bucket.isDirectMapped() {
				// Often the resize is just a page-permission flip on the
				// existing reservation.
				inPlace = r.reallocDirectMappedInPlace(span, newSize)
				if inPlace {
					return
				}
			}

			actualOldSize = uintptr(span.bucket.slotSize)
			if r.ActualSize(newSize) == actualOldSize {
				// The new size is served by the slot we already have.
				span.setRawSize(newSize)
				sameBucket = true
			}
		}()
		if inPlace {
			if hooksOn {
				reallocObserverHook(ptr, ptr, newSize, typeName)
			}
			return ptr
		}
		if sameBucket {
			return ptr
		}
	}

	ret := r.AllocFlags(flags, newSize, typeName)
	if ret == nil {
		// Only reachable with AllocReturnNull; without it AllocFlags
		// already crashed.
		return nil
	}

	copySize := actualOldSize
	if newSize < copySize {
		copySize = newSize
	}
	memmove(uintptr(ret), uintptr(ptr), copySize)
	r.Free(ptr)
	return ret
}

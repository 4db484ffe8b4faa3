package pagealloc

import (
	"sync"

	"github.com/pkg/errors"
)

// AddressSpace is an optional process-global reservation ("address cage")
// that super pages are carved from when enabled. Reserving the whole region
// up front keeps every bucketed allocation inside one contiguous range,
// which makes pointer validation a range check.
//
// The cage hands out fixed-size chunks. Freed chunks go on a free stack and
// are preferred over advancing the bump cursor.
type AddressSpace struct {
	mu        sync.Mutex
	base      uintptr
	size      uintptr
	chunkSize uintptr
	cursor    uintptr
	freed     []uintptr
}

const defaultCageSize = 8 << 30

var cage AddressSpace

// InitAddressSpace reserves the cage. Idempotent; 64-bit only.
func InitAddressSpace(chunkSize uintptr) error {
	cage.mu.Lock()
	defer cage.mu.Unlock()
	if cage.base != 0 {
		return nil
	}
	base, err := ReserveAddressSpace(defaultCageSize, chunkSize)
	if err != nil {
		return errors.Wrap(err, "reserving partition address space")
	}
	cage.base = base
	cage.size = defaultCageSize
	cage.chunkSize = chunkSize
	cage.cursor = base
	return nil
}

// UninitAddressSpaceForTesting releases the cage reservation. Only for test
// teardown; outstanding chunks become dangling.
func UninitAddressSpaceForTesting() {
	cage.mu.Lock()
	defer cage.mu.Unlock()
	if cage.base == 0 {
		return
	}
	_ = ReleaseReservation(cage.base, cage.size)
	cage = AddressSpace{}
}

// AddressSpaceEnabled reports whether the cage has been reserved.
func AddressSpaceEnabled() bool {
	cage.mu.Lock()
	defer cage.mu.Unlock()
	return cage.base != 0
}

// AllocCageChunk hands out one cage chunk, or (0, false) if the cage is not
// initialized or exhausted. The chunk is reserved-but-uncommitted, like a
// fresh ReserveAddressSpace mapping.
func AllocCageChunk() (uintptr, bool) {
	cage.mu.Lock()
	defer cage.mu.Unlock()
	if cage.base == 0 {
		return 0, false
	}
	if n := len(cage.freed); n > 0 {
		base := cage.freed[n-1]
		cage.freed = cage.freed[:n-1]
		return base, true
	}
	if cage.cursor+cage.chunkSize > cage.base+cage.size {
		return 0, false
	}
	base := cage.cursor
	cage.cursor += cage.chunkSize
	return base, true
}

// FreeCageChunk returns a chunk to the cage. The backing pages must already
// be decommitted; the address range stays reserved for reuse.
func FreeCageChunk(base uintptr) {
	cage.mu.Lock()
	defer cage.mu.Unlock()
	cage.freed = append(cage.freed, base)
}

// InCage reports whether p lies within the cage reservation.
func InCage(p uintptr) bool {
	cage.mu.Lock()
	defer cage.mu.Unlock()
	return cage.base != 0 && p >= cage.base && p < cage.base+cage.size
}

package partition

import (
	"math/bits"
	"unsafe"
)

// freelistEntry lives in the first word of every free slot and chains the
// slot span's free slots together. The next pointer is stored encoded.
type freelistEntry struct {
	next uintptr // encoded
}

const freelistEntrySize = unsafe.Sizeof(freelistEntry{})

// encodeFreelist obfuscates a freelist pointer against naive heap scraping.
// The transform is a byte swap: it is its own inverse, and it maps zero to
// zero, so a freshly decommitted (zero-filled) page decodes to an empty
// freelist tail instead of a wild pointer.
func encodeFreelist(p uintptr) uintptr {
	return uintptr(bits.ReverseBytes64(uint64(p)))
}

func decodeFreelist(p uintptr) uintptr {
	return uintptr(bits.ReverseBytes64(uint64(p)))
}

func entryAt(addr uintptr) *freelistEntry {
	return (*freelistEntry)(unsafe.Pointer(addr))
}

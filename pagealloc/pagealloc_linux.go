//go:build linux

package pagealloc

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func prot(access PageAccess) uintptr {
	switch access {
	case PageReadOnly:
		return unix.PROT_READ
	case PageReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_NONE
}

func mmap(hint, size, p uintptr) (uintptr, error) {
	base, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, size, p,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errors.Wrapf(errno, "mmap of %d bytes failed", size)
	}
	return base, nil
}

func munmap(base, size uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, size, 0); errno != 0 {
		return errors.Wrapf(errno, "munmap of %d bytes at %#x failed", size, base)
	}
	return nil
}

func mprotect(base, size, p uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, base, size, p); errno != 0 {
		return errors.Wrapf(errno, "mprotect of %d bytes at %#x failed", size, base)
	}
	return nil
}

func madvise(base, size, advice uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MADVISE, base, size, advice); errno != 0 {
		return errors.Wrapf(errno, "madvise of %d bytes at %#x failed", size, base)
	}
	return nil
}

// ReserveAddressSpace reserves size bytes of address space aligned to align,
// with no access rights and no commit charge. align must be a power of two
// and a multiple of the allocation granularity. Returns the aligned base, or
// an error if the address space could not be obtained.
func ReserveAddressSpace(size, align uintptr) (uintptr, error) {
	if align < PageAllocationGranularity {
		align = PageAllocationGranularity
	}
	// Over-reserve, then trim the misaligned head and tail. mmap only
	// guarantees page alignment, so ask for enough slack to find an
	// aligned base inside the mapping.
	padded := size + align - PageAllocationGranularity
	base, err := mmap(0, padded, unix.PROT_NONE)
	if err != nil {
		return 0, err
	}
	aligned := (base + align - 1) &^ (align - 1)
	if pre := aligned - base; pre != 0 {
		if err := munmap(base, pre); err != nil {
			return 0, err
		}
	}
	if post := (base + padded) - (aligned + size); post != 0 {
		if err := munmap(aligned+size, post); err != nil {
			return 0, err
		}
	}
	return aligned, nil
}

// ReleaseReservation returns an entire reservation to the OS.
func ReleaseReservation(base, size uintptr) error {
	return munmap(base, size)
}

// CommitPages makes the given system pages usable with the given access
// rights. The pages read back as zero on first touch.
func CommitPages(base, size uintptr, access PageAccess) error {
	return mprotect(base, size, prot(access))
}

// DecommitSystemPages releases the physical pages backing the range and
// revokes access, keeping the virtual reservation.
func DecommitSystemPages(base, size uintptr) error {
	if err := madvise(base, size, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return mprotect(base, size, unix.PROT_NONE)
}

// RecommitSystemPages makes previously decommitted pages usable again. The
// pages read back as zero.
func RecommitSystemPages(base, size uintptr) error {
	return mprotect(base, size, unix.PROT_READ|unix.PROT_WRITE)
}

// SetSystemPagesAccess changes the protection of committed pages.
func SetSystemPagesAccess(base, size uintptr, access PageAccess) error {
	return mprotect(base, size, prot(access))
}

// DiscardSystemPages tells the OS the contents of the range are no longer
// needed. Access rights are unchanged; see DiscardReadsBackZero for what a
// subsequent read observes.
func DiscardSystemPages(base, size uintptr) error {
	return madvise(base, size, unix.MADV_DONTNEED)
}

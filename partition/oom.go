package partition

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/partitionalloc/partitionalloc/pagealloc"
)

// OomFunc is the process-global out-of-memory reporting callback, invoked
// with the request size before the process is terminated.
type OomFunc func(size uintptr)

var oomHandler atomic.Pointer[OomFunc]

// UseAddressCage, when set before GlobalInit, reserves the process-global
// address cage and serves all super pages from it. 64-bit only.
var UseAddressCage bool

// GlobalInit installs the OOM handler and, when configured, reserves the
// address cage. Call once from process startup, before the first
// allocation.
func GlobalInit(handler OomFunc) {
	if handler == nil {
		panic("partition: GlobalInit requires an OOM handler")
	}
	oomHandler.Store(&handler)
	if UseAddressCage {
		if err := pagealloc.InitAddressSpace(SuperPageSize); err != nil {
			panic("partition: " + err.Error())
		}
	}
}

// GlobalUninitForTesting releases the address cage and clears the OOM
// handler. Test teardown only.
func GlobalUninitForTesting() {
	pagealloc.UninitAddressSpaceForTesting()
	oomHandler.Store(nil)
}

// outOfMemory reports the failure and terminates. Called without the root
// lock held, so the handler may inspect the allocator.
func (r *Root) outOfMemory(size uintptr) {
	uncommitted := r.totalSizeOfSuperPages + r.totalSizeOfDirectMappedPages -
		r.totalSizeOfCommittedPages
	if uncommitted > reasonableSizeOfUnusedPages {
		logrus.WithFields(logrus.Fields{
			"request_bytes":     size,
			"uncommitted_bytes": uncommitted,
		}).Error("partition alloc OOM with lots of uncommitted pages; likely address-space fragmentation")
		if h := oomHandler.Load(); h != nil {
			(*h)(size)
		}
		panic(fmt.Sprintf("partition: out of address space allocating %d bytes (%d bytes reserved but uncommitted)",
			size, uncommitted))
	}
	if h := oomHandler.Load(); h != nil {
		(*h)(size)
	}
	logrus.WithField("request_bytes", size).Error("partition alloc out of memory")
	panic(fmt.Sprintf("partition: out of memory allocating %d bytes", size))
}

func excessiveAllocationSize(size uintptr) {
	panic(fmt.Sprintf("partition: refusing excessive allocation of %d bytes", size))
}

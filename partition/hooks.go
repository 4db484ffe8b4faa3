package partition

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Process-global hook registry. Observer hooks fire after the fact for
// tracing; override hooks fire first and may take over the operation
// entirely, for test interposition. The fast path reads one boolean;
// individual hook loads are atomic and lock-free.
//
// Chained hooks are not supported: replacing a non-nil hook with another
// non-nil hook is fatal. Override hooks must be registered before any
// allocation they will observe; a realloc override consulted about an
// allocation made before registration reports a size the core never
// recorded, and the resulting copy length is whatever the hook says.

// AllocationObserverHook is called after every successful allocation.
type AllocationObserverHook func(ptr unsafe.Pointer, size uintptr, typeName string)

// FreeObserverHook is called before every free.
type FreeObserverHook func(ptr unsafe.Pointer)

// AllocationOverrideHook may satisfy an allocation itself; it returns the
// block and true to short-circuit the allocator.
type AllocationOverrideHook func(flags int, size uintptr, typeName string) (unsafe.Pointer, bool)

// FreeOverrideHook may swallow a free; it returns true to short-circuit.
type FreeOverrideHook func(ptr unsafe.Pointer) bool

// ReallocOverrideHook reports the tracked size of ptr and true when the
// hook owns that allocation's bookkeeping.
type ReallocOverrideHook func(ptr unsafe.Pointer) (uintptr, bool)

var hooks struct {
	registrationLock sync.Mutex
	enabled          atomic.Bool

	allocationObserver atomic.Pointer[AllocationObserverHook]
	freeObserver       atomic.Pointer[FreeObserverHook]
	allocationOverride atomic.Pointer[AllocationOverrideHook]
	freeOverride       atomic.Pointer[FreeOverrideHook]
	reallocOverride    atomic.Pointer[ReallocOverrideHook]
}

// AreHooksEnabled is the single fast-path gate for the whole registry.
func AreHooksEnabled() bool {
	return hooks.enabled.Load()
}

// SetObserverHooks registers (or, with nils, clears) the observer pair.
func SetObserverHooks(allocHook AllocationObserverHook, freeHook FreeObserverHook) {
	hooks.registrationLock.Lock()
	defer hooks.registrationLock.Unlock()

	if (hooks.allocationObserver.Load() != nil || hooks.freeObserver.Load() != nil) &&
		(allocHook != nil || freeHook != nil) {
		panic("partition: overwriting already set observer hooks")
	}
	hooks.allocationObserver.Store(hookOrNil(allocHook == nil, &allocHook))
	hooks.freeObserver.Store(hookOrNil(freeHook == nil, &freeHook))
	updateHooksEnabled()
}

// SetOverrideHooks registers (or clears) the override triple.
func SetOverrideHooks(allocHook AllocationOverrideHook, freeHook FreeOverrideHook, reallocHook ReallocOverrideHook) {
	hooks.registrationLock.Lock()
	defer hooks.registrationLock.Unlock()

	if (hooks.allocationOverride.Load() != nil || hooks.freeOverride.Load() != nil ||
		hooks.reallocOverride.Load() != nil) &&
		(allocHook != nil || freeHook != nil || reallocHook != nil) {
		panic("partition: overwriting already set override hooks")
	}
	hooks.allocationOverride.Store(hookOrNil(allocHook == nil, &allocHook))
	hooks.freeOverride.Store(hookOrNil(freeHook == nil, &freeHook))
	hooks.reallocOverride.Store(hookOrNil(reallocHook == nil, &reallocHook))
	updateHooksEnabled()
}

func hookOrNil[T any](isNil bool, hook *T) *T {
	if isNil {
		return nil
	}
	return hook
}

func updateHooksEnabled() {
	hooks.enabled.Store(hooks.allocationObserver.Load() != nil ||
		hooks.allocationOverride.Load() != nil)
}

func allocationObserverHook(ptr unsafe.Pointer, size uintptr, typeName string) {
	if h := hooks.allocationObserver.Load(); h != nil {
		(*h)(ptr, size, typeName)
	}
}

func freeObserverHook(ptr unsafe.Pointer) {
	if h := hooks.freeObserver.Load(); h != nil {
		(*h)(ptr)
	}
}

func allocationOverrideHook(flags int, size uintptr, typeName string) (unsafe.Pointer, bool) {
	if h := hooks.allocationOverride.Load(); h != nil {
		return (*h)(flags, size, typeName)
	}
	return nil, false
}

func freeOverrideHook(ptr unsafe.Pointer) bool {
	if h := hooks.freeOverride.Load(); h != nil {
		return (*h)(ptr)
	}
	return false
}

// reallocObserverHook reports a reallocation as a free followed by an
// allocation, and only when both observers are present.
func reallocObserverHook(oldPtr, newPtr unsafe.Pointer, size uintptr, typeName string) {
	allocHook := hooks.allocationObserver.Load()
	freeHook := hooks.freeObserver.Load()
	if allocHook != nil && freeHook != nil {
		(*freeHook)(oldPtr)
		(*allocHook)(newPtr, size, typeName)
	}
}

func reallocOverrideHook(ptr unsafe.Pointer) (uintptr, bool) {
	if h := hooks.reallocOverride.Load(); h != nil {
		return (*h)(ptr)
	}
	return 0, false
}

package partition

import (
	"runtime"
	"sync/atomic"
)

// rootLock serializes all public operations on one Root. The
// thread-safe variant is a spin lock; the single-threaded variant only
// asserts that it is never contended. Algorithms and data layout are
// identical across the two.
type rootLock interface {
	lock()
	unlock()
	// tryLock is used for cross-root empty-ring eviction, where blocking
	// on a foreign root's lock could deadlock.
	tryLock() bool
}

// spinLock is a test-and-set lock with a short active spin before yielding
// the thread. Hold times are tiny (no blocking work happens under a root
// lock except OS page calls on the slow path), so spinning beats parking.
type spinLock struct {
	v int32
}

const spinIterations = 64

func (l *spinLock) lock() {
	for {
		for i := 0; i < spinIterations; i++ {
			if atomic.CompareAndSwapInt32(&l.v, 0, 1) {
				return
			}
		}
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() {
	atomic.StoreInt32(&l.v, 0)
}

func (l *spinLock) tryLock() bool {
	return atomic.CompareAndSwapInt32(&l.v, 0, 1)
}

// plainLock is the not-thread-safe variant: no synchronization, but any
// reentry or cross-thread overlap trips immediately.
type plainLock struct {
	held bool
}

func (l *plainLock) lock() {
	if l.held {
		panic("partition: single-threaded root used concurrently")
	}
	l.held = true
}

func (l *plainLock) unlock() {
	l.held = false
}

func (l *plainLock) tryLock() bool {
	if l.held {
		return false
	}
	l.held = true
	return true
}

package partition

import "sync"

// The global empty-span ring keeps the most recently emptied slot spans
// committed across all roots, so bursty alloc/free patterns reuse warm
// spans instead of bouncing pages off the OS. When the ring wraps, the
// evicted span is decommitted.
//
// Each slot records the owning root explicitly: the evicting thread holds
// its own root's lock, and decommitting a foreign span needs the foreign
// root's lock. Eviction try-locks the foreign root and skips the decommit
// on contention, leaving it to that root's next purge. Two root locks are
// never held at once.
var emptyRing struct {
	mu     sync.Mutex
	spans  [maxFreeableSpans]*slotSpan
	roots  [maxFreeableSpans]*Root
	cursor int
}

// registerEmptySpan puts a just-emptied span into the ring. Caller holds
// r's lock.
func registerEmptySpan(r *Root, s *slotSpan) {
	emptyRing.mu.Lock()
	defer emptyRing.mu.Unlock()

	if idx := s.emptyCacheIndex; idx >= 0 && emptyRing.spans[idx] == s {
		emptyRing.spans[idx] = nil
		emptyRing.roots[idx] = nil
	}

	cur := emptyRing.cursor
	if victim := emptyRing.spans[cur]; victim != nil {
		decommitEvictedLocked(r, emptyRing.roots[cur], victim)
	}
	emptyRing.spans[cur] = s
	emptyRing.roots[cur] = r
	s.emptyCacheIndex = int8(cur)
	emptyRing.cursor = (cur + 1) % maxFreeableSpans
}

// decommitEvictedLocked decommits a span displaced from the ring. caller's
// root lock is held; owner's is acquired only by try-lock when different.
func decommitEvictedLocked(caller, owner *Root, victim *slotSpan) {
	if owner == caller {
		caller.decommitIfPossible(victim)
		return
	}
	if owner.lock.tryLock() {
		owner.decommitIfPossible(victim)
		owner.lock.unlock()
	}
	// Contended: leave the span committed. It is no longer in the ring; the
	// owner's next PurgeMemory finds it on its bucket lists.
}

// decommitEmptySpans drains r's entries from the ring and try-locks the
// rest, then decommits any empty span still on r's active or empty lists
// (spans evicted from the ring while r was contended). Caller holds r's
// lock.
func (r *Root) decommitEmptySpans() {
	emptyRing.mu.Lock()
	defer emptyRing.mu.Unlock()
	for i, span := range emptyRing.spans {
		if span == nil {
			continue
		}
		owner := emptyRing.roots[i]
		if owner == r {
			r.decommitIfPossible(span)
		} else if owner.lock.tryLock() {
			owner.decommitIfPossible(span)
			owner.lock.unlock()
		} else {
			continue
		}
		emptyRing.spans[i] = nil
		emptyRing.roots[i] = nil
	}
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.activeSpansHead == nil {
			continue // pseudo-bucket
		}
		for _, head := range [2]*slotSpan{b.activeSpansHead, b.emptySpansHead} {
			for s := head; s != nil && s != sentinelSpan(); s = s.nextSpan {
				if s.isEmpty() {
					r.decommitIfPossible(s)
				}
			}
		}
	}
}

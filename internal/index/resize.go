package index

import "github.com/behrlich/go-remap/internal/constants"

// Resize policy: after a completed insert or remove, if the load
// (count/size) leaves [1/2, 3/2], a resize is scheduled on the
// background worker. Grow doubles, shrink halves, never below
// MinBuckets. A resize already scheduled suppresses re-scheduling, so
// the channel never backs up.

// checkLoadLocked is called with the write lock held after any mutation.
func (ix *Index) checkLoadLocked() {
	if ix.needsResizeLocked() == 0 {
		return
	}
	if ix.resizeScheduled.CompareAndSwap(false, true) {
		select {
		case ix.resizeCh <- struct{}{}:
		default:
		}
	}
}

// needsResizeLocked returns +1 to grow, -1 to shrink, 0 when in band.
func (ix *Index) needsResizeLocked() int {
	size := len(ix.buckets)
	if ix.count*constants.LoadDenominator > size*constants.LoadHighNumerator {
		return 1
	}
	if size > constants.MinBuckets &&
		ix.count*constants.LoadDenominator < size*constants.LoadLowNumerator {
		return -1
	}
	return 0
}

// Run is the resize worker loop. The device spawns it at construction
// and closes done at teardown.
func (ix *Index) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ix.resizeCh:
			ix.resize()
		}
	}
}

// ResizeNow performs any needed resize synchronously. Used by tests,
// where the worker may not be running.
func (ix *Index) ResizeNow() {
	ix.resize()
}

// resize rehashes into a new bucket array under the exclusive lock.
// Finds serialize behind it; resizes are rare (logarithmic in inserts)
// and complete in tens of milliseconds for ~10^4 entries. Re-checks the
// load after the swap since mutations may have landed since scheduling.
func (ix *Index) resize() {
	ix.mu.Lock()
	for {
		dir := ix.needsResizeLocked()
		if dir == 0 {
			break
		}
		newSize := len(ix.buckets)
		if dir > 0 {
			newSize <<= 1
		} else {
			newSize >>= 1
			if newSize < constants.MinBuckets {
				newSize = constants.MinBuckets
			}
		}
		ix.rehashLocked(newSize)
	}
	ix.resizeScheduled.Store(false)
	// A mutation may race the flag store; one stale wakeup is harmless.
	ix.mu.Unlock()
}

func (ix *Index) rehashLocked(newSize int) {
	oldBuckets := ix.buckets
	ix.buckets = make([]*node, newSize)
	ix.shift = shiftFor(newSize)
	for _, head := range oldBuckets {
		for n := head; n != nil; {
			next := n.next
			b := ix.bucketOf(n.sector)
			n.next = ix.buckets[b]
			ix.buckets[b] = n
			n = next
		}
	}
}

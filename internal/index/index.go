// Package index implements the remap index: an O(1) mapping from main
// device sectors to relocated spare sectors, resizable under load.
package index

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-remap/internal/constants"
)

// ErrDuplicate is returned by Insert when the new entry's main range
// intersects an existing entry.
var ErrDuplicate = errors.New("remap already exists for sector")

// State is the lifecycle state of a remap entry.
type State uint8

const (
	// StatePending means creation has been queued but the entry's
	// persist has not completed; the I/O path must not observe it.
	StatePending State = iota
	// StateActive means reads and writes redirect to the spare.
	StateActive
	// StateFailed means the spare copy itself went bad; the mapping is
	// poison and terminal.
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one remap: Length contiguous sectors starting at Main on the
// failing device, relocated to Spare on the healthy one. Entries are
// owned exclusively by the Index; the mutable fields are atomics so the
// fast path and maintenance can touch them without the table lock.
type Entry struct {
	Main   uint64
	Spare  uint64
	Length uint32

	state      atomic.Uint32
	ErrorCount atomic.Uint32
	AccessTime atomic.Int64
}

// NewEntry creates an entry in the given state.
func NewEntry(main, spare uint64, length uint32, state State) *Entry {
	e := &Entry{Main: main, Spare: spare, Length: length}
	e.state.Store(uint32(state))
	return e
}

// State returns the entry's current state.
func (e *Entry) State() State {
	return State(e.state.Load())
}

// SetState transitions the entry. Callers enforce the state machine;
// the store itself is a plain atomic so the fast path never blocks on
// a transition.
func (e *Entry) SetState(s State) {
	e.state.Store(uint32(s))
}

// Covers reports whether sector falls inside the entry's main range.
func (e *Entry) Covers(sector uint64) bool {
	return sector >= e.Main && sector < e.Main+uint64(e.Length)
}

// Record is the value-type snapshot of an entry, used for persistence
// and iteration.
type Record struct {
	Main   uint64
	Spare  uint64
	Length uint32
	State  State
}

// node is one chain link. The table chains one node per covered sector
// so that a lookup anywhere inside a multi-sector remap stays a single
// hash probe; nodes of the same entry share the *Entry.
type node struct {
	sector uint64
	entry  *Entry
	next   *node
}

// Index is the sector -> Entry mapping. Bucket count is always a power
// of two; find takes the read lock, insert/remove/resize take the
// write lock.
type Index struct {
	mu      sync.RWMutex
	buckets []*node
	shift   uint // 64 - log2(len(buckets))
	count   int  // entries in any state, not covered sectors

	resizeScheduled atomic.Bool
	resizeCh        chan struct{}
}

// New creates an index with MinBuckets buckets, or the next power of
// two holding sizeHint entries at the target load if that is larger.
func New(sizeHint int) *Index {
	size := constants.MinBuckets
	for size < sizeHint {
		size <<= 1
	}
	return &Index{
		buckets:  make([]*node, size),
		shift:    shiftFor(size),
		resizeCh: make(chan struct{}, 1),
	}
}

func shiftFor(size int) uint {
	k := uint(0)
	for 1<<k < size {
		k++
	}
	return 64 - k
}

// bucketOf computes the multiplicative hash bucket for a sector.
// Callers hold at least the read lock.
func (ix *Index) bucketOf(sector uint64) int {
	return int((sector * constants.GoldenRatio64) >> ix.shift)
}

// Find returns the entry covering sector, if any. Safe for concurrent
// use with other Finds; a single hash probe plus chain walk.
func (ix *Index) Find(sector uint64) (*Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for n := ix.buckets[ix.bucketOf(sector)]; n != nil; n = n.next {
		if n.sector == sector {
			return n.entry, true
		}
	}
	return nil, false
}

// Insert adds an entry. Returns ErrDuplicate when any covered sector is
// already mapped. A completed insert that pushes the load out of band
// schedules a background resize.
func (ix *Index) Insert(e *Entry) error {
	ix.mu.Lock()
	for i := uint64(0); i < uint64(e.Length); i++ {
		sector := e.Main + i
		for n := ix.buckets[ix.bucketOf(sector)]; n != nil; n = n.next {
			if n.sector == sector {
				ix.mu.Unlock()
				return ErrDuplicate
			}
		}
	}
	for i := uint64(0); i < uint64(e.Length); i++ {
		sector := e.Main + i
		b := ix.bucketOf(sector)
		ix.buckets[b] = &node{sector: sector, entry: e, next: ix.buckets[b]}
	}
	ix.count++
	ix.checkLoadLocked()
	ix.mu.Unlock()
	return nil
}

// Remove deletes the entry starting at main and returns its record.
func (ix *Index) Remove(main uint64) (Record, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var entry *Entry
	for n := ix.buckets[ix.bucketOf(main)]; n != nil; n = n.next {
		if n.sector == main && n.entry.Main == main {
			entry = n.entry
			break
		}
	}
	if entry == nil {
		return Record{}, false
	}

	for i := uint64(0); i < uint64(entry.Length); i++ {
		b := ix.bucketOf(entry.Main + i)
		for p := &ix.buckets[b]; *p != nil; p = &(*p).next {
			if (*p).entry == entry && (*p).sector == entry.Main+i {
				*p = (*p).next
				break
			}
		}
	}
	ix.count--
	ix.checkLoadLocked()
	return Record{
		Main:   entry.Main,
		Spare:  entry.Spare,
		Length: entry.Length,
		State:  entry.State(),
	}, true
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

// Size returns the current bucket count.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.buckets)
}

// Snapshot returns a stable copy of all entries for persistence.
func (ix *Index) Snapshot() []Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	records := make([]Record, 0, ix.count)
	for _, head := range ix.buckets {
		for n := head; n != nil; n = n.next {
			// One record per entry: emit at the entry's start sector.
			if n.sector == n.entry.Main {
				records = append(records, Record{
					Main:   n.entry.Main,
					Spare:  n.entry.Spare,
					Length: n.entry.Length,
					State:  n.entry.State(),
				})
			}
		}
	}
	return records
}

// Clear removes every entry and shrinks back to the minimum size.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buckets = make([]*node, constants.MinBuckets)
	ix.shift = shiftFor(constants.MinBuckets)
	ix.count = 0
}

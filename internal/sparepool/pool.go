// Package sparepool tracks free sectors in the spare data region and
// hands out destination ranges for new remaps.
package sparepool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned when no free extent can satisfy a request.
// Callers treat it as the spare being full.
var ErrExhausted = errors.New("spare data region exhausted")

// extent is a run of free sectors [start, start+length).
type extent struct {
	start  uint64
	length uint64
}

// Pool is a first-fit free-map over the spare data region. Critical
// sections are brief; a single mutex is enough.
type Pool struct {
	mu      sync.Mutex
	extents []extent // sorted by start, non-adjacent
	total   uint64
	free    uint64
}

// New creates a pool over [start, end).
func New(start, end uint64) *Pool {
	p := &Pool{}
	if end > start {
		p.extents = []extent{{start: start, length: end - start}}
		p.total = end - start
		p.free = p.total
	}
	return p
}

// Allocate removes and returns the start of a free run of n sectors,
// first-fit.
func (p *Pool) Allocate(n uint32) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero-length allocation")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	need := uint64(n)
	for i := range p.extents {
		if p.extents[i].length >= need {
			start := p.extents[i].start
			p.extents[i].start += need
			p.extents[i].length -= need
			if p.extents[i].length == 0 {
				p.extents = append(p.extents[:i], p.extents[i+1:]...)
			}
			p.free -= need
			return start, nil
		}
	}
	return 0, ErrExhausted
}

// Reserve carves [start, start+n) out of the free map. Used when
// populating from loaded metadata. Reserving sectors that are not free
// is an error: on-disk entries with overlapping spare ranges violate
// the disjointness invariant.
func (p *Pool) Reserve(start uint64, n uint32) error {
	if n == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	end := start + uint64(n)
	for i := range p.extents {
		e := p.extents[i]
		if start < e.start || end > e.start+e.length {
			continue
		}
		// Split the extent around the reservation.
		tail := extent{start: end, length: e.start + e.length - end}
		p.extents[i].length = start - e.start
		rest := p.extents[i+1:]
		kept := p.extents[:i+1]
		if p.extents[i].length == 0 {
			kept = p.extents[:i]
		}
		out := make([]extent, 0, len(p.extents)+1)
		out = append(out, kept...)
		if tail.length > 0 {
			out = append(out, tail)
		}
		out = append(out, rest...)
		p.extents = out
		p.free -= uint64(n)
		return nil
	}
	return fmt.Errorf("spare range [%d,%d) is not free", start, end)
}

// Release returns [start, start+n) to the free map, merging with
// neighbors.
func (p *Pool) Release(start uint64, n uint32) {
	if n == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	end := start + uint64(n)

	i := 0
	for i < len(p.extents) && p.extents[i].start < start {
		i++
	}
	p.extents = append(p.extents, extent{})
	copy(p.extents[i+1:], p.extents[i:])
	p.extents[i] = extent{start: start, length: uint64(n)}
	p.free += uint64(n)

	// Merge with successor, then predecessor.
	if i+1 < len(p.extents) && end == p.extents[i+1].start {
		p.extents[i].length += p.extents[i+1].length
		p.extents = append(p.extents[:i+1], p.extents[i+2:]...)
	}
	if i > 0 && p.extents[i-1].start+p.extents[i-1].length == start {
		p.extents[i-1].length += p.extents[i].length
		p.extents = append(p.extents[:i], p.extents[i+1:]...)
	}
}

// Remaining returns the number of free sectors.
func (p *Pool) Remaining() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Total returns the size of the data region in sectors.
func (p *Pool) Total() uint64 {
	return p.total
}

package backing

import (
	"sync"
	"syscall"
	"time"
)

// ShardSize is the size of each memory shard in bytes (64KB).
// Sharded locking allows parallel I/O from multiple submitters while
// keeping lock overhead reasonable.
const ShardSize = 64 * 1024

// MemStore is a RAM-backed Store used by demo mode and tests. It
// completes requests inline unless a latency is configured, and can
// inject per-sector medium errors to simulate failing media.
type MemStore struct {
	data       []byte
	capacity   uint64 // sectors
	sectorSize uint32
	shards     []sync.RWMutex

	faultMu     sync.Mutex
	readFaults  map[uint64]Class
	writeFaults map[uint64]Class
	latency     time.Duration
	stalled     bool

	closed sync.Once
	done   chan struct{}
}

// NewMemStore creates a memory store of the given capacity in sectors.
func NewMemStore(capacity uint64, sectorSize uint32) *MemStore {
	size := capacity * uint64(sectorSize)
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &MemStore{
		data:        make([]byte, size),
		capacity:    capacity,
		sectorSize:  sectorSize,
		shards:      make([]sync.RWMutex, numShards),
		readFaults:  make(map[uint64]Class),
		writeFaults: make(map[uint64]Class),
		done:        make(chan struct{}),
	}
}

// FailReads injects an error class for reads touching any sector in
// [sector, sector+count).
func (m *MemStore) FailReads(sector uint64, count uint32, class Class) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	for i := uint32(0); i < count; i++ {
		m.readFaults[sector+uint64(i)] = class
	}
}

// FailWrites injects an error class for writes touching any sector in
// [sector, sector+count).
func (m *MemStore) FailWrites(sector uint64, count uint32, class Class) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	for i := uint32(0); i < count; i++ {
		m.writeFaults[sector+uint64(i)] = class
	}
}

// ClearFaults removes all injected faults.
func (m *MemStore) ClearFaults() {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.readFaults = make(map[uint64]Class)
	m.writeFaults = make(map[uint64]Class)
}

// SetLatency makes completions fire asynchronously after d.
func (m *MemStore) SetLatency(d time.Duration) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.latency = d
}

// Stall makes the store stop completing requests until the store is
// closed. Used to exercise bounded teardown.
func (m *MemStore) Stall() {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.stalled = true
}

// Submit implements Store.
func (m *MemStore) Submit(req *Request) {
	m.faultMu.Lock()
	latency := m.latency
	stalled := m.stalled
	m.faultMu.Unlock()

	if stalled {
		// Complete with cancellation only once the store closes.
		go func() {
			<-m.done
			req.Complete(ErrCancelled)
		}()
		return
	}
	if latency > 0 {
		time.AfterFunc(latency, func() {
			req.Complete(m.execute(req))
		})
		return
	}
	req.Complete(m.execute(req))
}

func (m *MemStore) execute(req *Request) error {
	if req.Sector+uint64(req.Count) > m.capacity {
		return newIOError(req.Op, req.Sector, syscall.EINVAL)
	}
	if class := m.fault(req); class != ClassNone {
		var errno syscall.Errno
		switch class {
		case ClassMedium:
			errno = syscall.EIO
		case ClassTransient:
			errno = syscall.EAGAIN
		case ClassCancelled:
			errno = syscall.ECANCELED
		default:
			errno = syscall.ENODEV
		}
		return &IOError{Class: class, Errno: errno, Op: req.Op, Sector: req.Sector}
	}

	off := req.Sector * uint64(m.sectorSize)
	length := uint64(req.Count) * uint64(m.sectorSize)
	start, end := m.shardRange(off, length)

	switch req.Op {
	case OpRead, OpReadAhead:
		for i := start; i <= end; i++ {
			m.shards[i].RLock()
		}
		copy(req.Buf, m.data[off:off+length])
		for i := start; i <= end; i++ {
			m.shards[i].RUnlock()
		}
	case OpWrite:
		for i := start; i <= end; i++ {
			m.shards[i].Lock()
		}
		copy(m.data[off:off+length], req.Buf)
		for i := start; i <= end; i++ {
			m.shards[i].Unlock()
		}
	case OpWriteZeroes, OpDiscard:
		for i := start; i <= end; i++ {
			m.shards[i].Lock()
		}
		for i := off; i < off+length; i++ {
			m.data[i] = 0
		}
		for i := start; i <= end; i++ {
			m.shards[i].Unlock()
		}
	case OpFlush:
		// Nothing to flush.
	}
	return nil
}

// fault returns the injected class covering the request, if any.
func (m *MemStore) fault(req *Request) Class {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	faults := m.writeFaults
	if req.Op == OpRead || req.Op == OpReadAhead {
		faults = m.readFaults
	}
	if len(faults) == 0 {
		return ClassNone
	}
	for i := uint32(0); i < req.Count; i++ {
		if class, ok := faults[req.Sector+uint64(i)]; ok {
			return class
		}
	}
	return ClassNone
}

// shardRange returns the range of shards that cover [off, off+length)
func (m *MemStore) shardRange(off, length uint64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// Capacity implements Store.
func (m *MemStore) Capacity() uint64 {
	return m.capacity
}

// SectorSize implements Store.
func (m *MemStore) SectorSize() uint32 {
	return m.sectorSize
}

// PhysicalBlockSize implements Store.
func (m *MemStore) PhysicalBlockSize() uint32 {
	return m.sectorSize
}

// Bytes exposes the raw contents for tests and demo tooling.
func (m *MemStore) Bytes() []byte {
	return m.data
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.closed.Do(func() {
		close(m.done)
	})
	return nil
}

// Compile-time interface check
var _ Store = (*MemStore)(nil)

package remap

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-remap/internal/backing"
)

// DemoStore is a memory-backed store with scripted fault injection.
// It backs demo-mode devices and unit tests of the error pipeline:
// inject medium errors on chosen sectors and the device relocates them
// exactly as it would on real failing media.
type DemoStore struct {
	mem *backing.MemStore

	// Method call tracking
	readCalls  atomic.Uint64
	writeCalls atomic.Uint64
}

// NewDemoStore creates a demo store of the given capacity in sectors.
func NewDemoStore(capacitySectors uint64, sectorSize uint32) *DemoStore {
	return &DemoStore{mem: backing.NewMemStore(capacitySectors, sectorSize)}
}

// FailReads injects a medium error for reads touching [sector, sector+count).
func (s *DemoStore) FailReads(sector uint64, count uint32) {
	s.mem.FailReads(sector, count, backing.ClassMedium)
}

// FailWrites injects a medium error for writes touching [sector, sector+count).
func (s *DemoStore) FailWrites(sector uint64, count uint32) {
	s.mem.FailWrites(sector, count, backing.ClassMedium)
}

// ClearFaults removes all injected faults.
func (s *DemoStore) ClearFaults() {
	s.mem.ClearFaults()
}

// SetLatency makes completions fire asynchronously after d.
func (s *DemoStore) SetLatency(d time.Duration) {
	s.mem.SetLatency(d)
}

// Stall makes the store stop completing I/O until it is closed. Used
// to exercise bounded teardown.
func (s *DemoStore) Stall() {
	s.mem.Stall()
}

// Bytes exposes the raw store contents for corruption tests.
func (s *DemoStore) Bytes() []byte {
	return s.mem.Bytes()
}

// ReadCalls returns the number of read requests submitted.
func (s *DemoStore) ReadCalls() uint64 {
	return s.readCalls.Load()
}

// WriteCalls returns the number of write requests submitted.
func (s *DemoStore) WriteCalls() uint64 {
	return s.writeCalls.Load()
}

// Submit implements the backing store interface with call tracking.
func (s *DemoStore) Submit(req *backing.Request) {
	switch req.Op {
	case backing.OpRead, backing.OpReadAhead:
		s.readCalls.Add(1)
	case backing.OpWrite, backing.OpWriteZeroes, backing.OpDiscard:
		s.writeCalls.Add(1)
	}
	s.mem.Submit(req)
}

func (s *DemoStore) Capacity() uint64           { return s.mem.Capacity() }
func (s *DemoStore) SectorSize() uint32         { return s.mem.SectorSize() }
func (s *DemoStore) PhysicalBlockSize() uint32  { return s.mem.PhysicalBlockSize() }
func (s *DemoStore) Close() error               { return s.mem.Close() }

// NewDemoDevice constructs a demo-mode device over two demo stores.
func NewDemoDevice(params DeviceParams, main, spare *DemoStore, options *Options) (*Device, error) {
	params.Mode = ModeDemo
	if params.MainPath == "" {
		params.MainPath = "demo:main"
	}
	if params.SparePath == "" {
		params.SparePath = "demo:spare"
	}
	return newWithStores(params, main, spare, options)
}

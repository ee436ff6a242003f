package remap

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks performance and operational statistics for remap
// devices. All counters are atomics; the I/O completion path updates
// them without locks.
type Metrics struct {
	// I/O operation counters
	TotalReads  atomic.Uint64 // Total read operations
	TotalWrites atomic.Uint64 // Total write operations

	// Remap accounting
	RemapsCreated   atomic.Uint64 // Remaps created by the error pipeline or messages
	IOErrors        atomic.Uint64 // I/O errors observed (including suppressed ones)
	TotalIOs        atomic.Uint64 // All completed requests
	NormalIOs       atomic.Uint64 // Requests routed entirely to the main device
	RemappedIOs     atomic.Uint64 // Requests with at least one redirected segment
	RemappedSectors atomic.Uint64 // Sectors redirected to the spare

	// Performance tracking
	IOOpsCompleted atomic.Uint64 // Completed operations (for latency averaging)
	TotalIOTimeNs  atomic.Uint64 // Cumulative request latency in nanoseconds
	TotalBytes     atomic.Uint64 // Bytes moved (for throughput)

	// Index lookup accounting. A cache hit is a lookup that found a
	// remap entry; fast-path completions never entered the error
	// pipeline, slow-path ones did.
	CacheHits    atomic.Uint64
	CacheMisses  atomic.Uint64
	FastPathHits atomic.Uint64
	SlowPathHits atomic.Uint64

	// Health tracking
	HealthScans atomic.Uint64 // Health evaluations performed

	// Device lifecycle
	StartTime atomic.Int64 // Device start timestamp (UnixNano)
	StopTime  atomic.Int64 // Device stop timestamp (UnixNano)

	// Hotspot tracking: error concentration per region of the main
	// device. Guarded by hotspotMu; only the error path touches it.
	hotspotMu     sync.Mutex
	regionErrors  map[uint64]uint32
}

// hotspotRegionShift groups sectors into 2048-sector (1MB at 512B)
// regions for error concentration tracking.
const hotspotRegionShift = 11

// hotspotThreshold is the per-region error count at which a region
// counts as a hotspot.
const hotspotThreshold = 3

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{regionErrors: make(map[uint64]uint32)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIO records one completed request.
func (m *Metrics) RecordIO(op Op, sectors uint32, sectorSize uint32, latencyNs uint64, remapped bool, suppressed bool, failed bool) {
	switch op {
	case OpRead, OpReadAhead:
		m.TotalReads.Add(1)
	case OpWrite, OpWriteZeroes, OpDiscard:
		m.TotalWrites.Add(1)
	}
	m.TotalIOs.Add(1)
	m.IOOpsCompleted.Add(1)
	m.TotalIOTimeNs.Add(latencyNs)
	if !failed {
		m.TotalBytes.Add(uint64(sectors) * uint64(sectorSize))
	}
	if remapped {
		m.RemappedIOs.Add(1)
		m.RemappedSectors.Add(uint64(sectors))
		m.CacheHits.Add(1)
	} else {
		m.NormalIOs.Add(1)
		m.CacheMisses.Add(1)
	}
	if suppressed || failed {
		m.SlowPathHits.Add(1)
	} else {
		m.FastPathHits.Add(1)
	}
	if suppressed || failed {
		m.IOErrors.Add(1)
	}
}

// RecordError tracks an error against its main-device region for
// hotspot detection.
func (m *Metrics) RecordError(sector uint64) {
	region := sector >> hotspotRegionShift
	m.hotspotMu.Lock()
	m.regionErrors[region]++
	m.hotspotMu.Unlock()
}

// HotspotCount returns the number of regions whose error count reached
// the hotspot threshold.
func (m *Metrics) HotspotCount() int {
	m.hotspotMu.Lock()
	defer m.hotspotMu.Unlock()
	n := 0
	for _, c := range m.regionErrors {
		if c >= hotspotThreshold {
			n++
		}
	}
	return n
}

// AvgLatencyNs returns the mean request latency.
func (m *Metrics) AvgLatencyNs() uint64 {
	ops := m.IOOpsCompleted.Load()
	if ops == 0 {
		return 0
	}
	return m.TotalIOTimeNs.Load() / ops
}

// ThroughputBps returns bytes per second since the device started.
func (m *Metrics) ThroughputBps() uint64 {
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	elapsed := stop - m.StartTime.Load()
	if elapsed <= 0 {
		return 0
	}
	return m.TotalBytes.Load() * uint64(time.Second) / uint64(elapsed)
}

// CacheHitRatePercent returns the lookup hit rate as a percentage.
func (m *Metrics) CacheHitRatePercent() uint64 {
	hits := m.CacheHits.Load()
	total := hits + m.CacheMisses.Load()
	if total == 0 {
		return 0
	}
	return hits * 100 / total
}

// Stop marks the device stopped for throughput accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.TotalReads.Store(0)
	m.TotalWrites.Store(0)
	m.RemapsCreated.Store(0)
	m.IOErrors.Store(0)
	m.TotalIOs.Store(0)
	m.NormalIOs.Store(0)
	m.RemappedIOs.Store(0)
	m.RemappedSectors.Store(0)
	m.IOOpsCompleted.Store(0)
	m.TotalIOTimeNs.Store(0)
	m.TotalBytes.Store(0)
	m.CacheHits.Store(0)
	m.CacheMisses.Store(0)
	m.FastPathHits.Store(0)
	m.SlowPathHits.Store(0)
	m.HealthScans.Store(0)
	m.hotspotMu.Lock()
	m.regionErrors = make(map[uint64]uint32)
	m.hotspotMu.Unlock()
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	TotalReads      uint64
	TotalWrites     uint64
	RemapsCreated   uint64
	IOErrors        uint64
	TotalIOs        uint64
	NormalIOs       uint64
	RemappedIOs     uint64
	RemappedSectors uint64
	IOOpsCompleted  uint64
	TotalIOTimeNs   uint64
	AvgLatencyNs    uint64
	ThroughputBps   uint64
	CacheHits       uint64
	CacheMisses     uint64
	FastPathHits    uint64
	SlowPathHits    uint64
	HealthScans     uint64
	HotspotCount    int
	CacheHitRate    uint64
}

// Snapshot returns a point-in-time snapshot of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalReads:      m.TotalReads.Load(),
		TotalWrites:     m.TotalWrites.Load(),
		RemapsCreated:   m.RemapsCreated.Load(),
		IOErrors:        m.IOErrors.Load(),
		TotalIOs:        m.TotalIOs.Load(),
		NormalIOs:       m.NormalIOs.Load(),
		RemappedIOs:     m.RemappedIOs.Load(),
		RemappedSectors: m.RemappedSectors.Load(),
		IOOpsCompleted:  m.IOOpsCompleted.Load(),
		TotalIOTimeNs:   m.TotalIOTimeNs.Load(),
		AvgLatencyNs:    m.AvgLatencyNs(),
		ThroughputBps:   m.ThroughputBps(),
		CacheHits:       m.CacheHits.Load(),
		CacheMisses:     m.CacheMisses.Load(),
		FastPathHits:    m.FastPathHits.Load(),
		SlowPathHits:    m.SlowPathHits.Load(),
		HealthScans:     m.HealthScans.Load(),
		HotspotCount:    m.HotspotCount(),
		CacheHitRate:    m.CacheHitRatePercent(),
	}
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveIO is called for each completed request
	ObserveIO(op Op, sectors uint32, latencyNs uint64, remapped bool, failed bool)

	// ObserveRemapCreated is called when a remap becomes active
	ObserveRemapCreated(mainSector uint64, spareSector uint64, length uint32)

	// ObserveSuppressed is called when a write error is cleared
	ObserveSuppressed(mainSector uint64)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveIO(Op, uint32, uint64, bool, bool)      {}
func (NoOpObserver) ObserveRemapCreated(uint64, uint64, uint32)    {}
func (NoOpObserver) ObserveSuppressed(uint64)                      {}

// Compile-time interface check
var _ Observer = (*NoOpObserver)(nil)

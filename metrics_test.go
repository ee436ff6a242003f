package remap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordIO(t *testing.T) {
	m := NewMetrics()

	m.RecordIO(OpRead, 8, 512, 1000, false, false, false)
	m.RecordIO(OpWrite, 4, 512, 3000, true, false, false)
	m.RecordIO(OpWrite, 1, 512, 2000, false, true, false)

	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.TotalReads)
	assert.Equal(t, uint64(2), s.TotalWrites)
	assert.Equal(t, uint64(3), s.TotalIOs)
	assert.Equal(t, uint64(1), s.RemappedIOs)
	assert.Equal(t, uint64(2), s.NormalIOs)
	assert.Equal(t, uint64(4), s.RemappedSectors)
	assert.Equal(t, uint64(2000), s.AvgLatencyNs)
	assert.Equal(t, uint64(1), s.SlowPathHits)
	assert.Equal(t, uint64(2), s.FastPathHits)
	assert.Equal(t, uint64(1), s.IOErrors)
}

func TestMetricsCacheHitRate(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, uint64(0), m.CacheHitRatePercent())

	m.RecordIO(OpRead, 1, 512, 100, true, false, false)
	m.RecordIO(OpRead, 1, 512, 100, true, false, false)
	m.RecordIO(OpRead, 1, 512, 100, false, false, false)
	assert.Equal(t, uint64(66), m.CacheHitRatePercent())
}

func TestMetricsFailedIODoesNotCountBytes(t *testing.T) {
	m := NewMetrics()
	m.RecordIO(OpRead, 8, 512, 100, false, false, true)
	assert.Equal(t, uint64(0), m.TotalBytes.Load())
	assert.Equal(t, uint64(1), m.IOErrors.Load())
}

func TestHotspotTracking(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, 0, m.HotspotCount())

	// Two errors in a region is below the threshold, three is a
	// hotspot.
	m.RecordError(100)
	m.RecordError(101)
	assert.Equal(t, 0, m.HotspotCount())
	m.RecordError(102)
	assert.Equal(t, 1, m.HotspotCount())

	// A distant region accumulates independently.
	m.RecordError(1 << 20)
	assert.Equal(t, 1, m.HotspotCount())
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordIO(OpWrite, 1, 512, 100, false, false, false)
	m.RecordError(5)
	m.Reset()

	s := m.Snapshot()
	assert.Equal(t, uint64(0), s.TotalIOs)
	assert.Equal(t, 0, s.HotspotCount)
}

func TestHealthScoreMonotone(t *testing.T) {
	d, main, _ := newTestDevice(t, "health0")

	base := d.HealthScore()
	assert.Equal(t, 100, base)
	assert.Greater(t, d.Metrics().HealthScans.Load(), uint64(0))

	// Errors and spare consumption can only pull the score down.
	main.FailWrites(100, 1)
	_ = doIO(t, d, OpWrite, 100, 1, pattern(1, testSectorSize))
	degraded := d.HealthScore()
	assert.LessOrEqual(t, degraded, base)

	// The score is deterministic for a fixed state.
	assert.Equal(t, degraded, d.HealthScore())
}

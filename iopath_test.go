package remap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-remap/internal/constants"
)

func TestPassthroughReadWrite(t *testing.T) {
	d, main, _ := newTestDevice(t, "pt")

	want := pattern(0x11, 4*testSectorSize)
	require.NoError(t, doIO(t, d, OpWrite, 64, 4, want))

	got := make([]byte, 4*testSectorSize)
	require.NoError(t, doIO(t, d, OpRead, 64, 4, got))
	assert.Equal(t, want, got)

	// Passthrough data lands on the main device.
	assert.Equal(t, want, main.Bytes()[64*testSectorSize:68*testSectorSize])
	assert.Equal(t, uint64(2), d.Metrics().NormalIOs.Load())
}

func TestRequestSplitAtRemapBoundary(t *testing.T) {
	d, main, spare := newTestDevice(t, "split")
	require.NoError(t, d.AddRemap(100, constants.DataRegionStart+16, 4))

	// [98, 106) straddles the remap [100, 104): three segments.
	want := make([]byte, 8*testSectorSize)
	for i := range want {
		want[i] = byte(i / testSectorSize)
	}
	require.NoError(t, doIO(t, d, OpWrite, 98, 8, want))

	got := make([]byte, 8*testSectorSize)
	require.NoError(t, doIO(t, d, OpRead, 98, 8, got))
	assert.Equal(t, want, got)

	// The remapped middle lives on the spare, the flanks on main.
	spareOff := (constants.DataRegionStart + 16) * testSectorSize
	assert.Equal(t, want[2*testSectorSize:6*testSectorSize],
		spare.Bytes()[spareOff:spareOff+4*testSectorSize])
	assert.Equal(t, want[:2*testSectorSize],
		main.Bytes()[98*testSectorSize:100*testSectorSize])
	assert.Equal(t, want[6*testSectorSize:],
		main.Bytes()[104*testSectorSize:106*testSectorSize])
	// Nothing was written to the covered main sectors.
	assert.Equal(t, make([]byte, 4*testSectorSize),
		main.Bytes()[100*testSectorSize:104*testSectorSize])
}

func TestFindBoundaryExactEnd(t *testing.T) {
	d, _, _ := newTestDevice(t, "bound")
	require.NoError(t, d.AddRemap(100, constants.DataRegionStart, 4))

	_, ok := d.Find(103)
	assert.True(t, ok)
	_, ok = d.Find(104)
	assert.False(t, ok, "sector at main+length is outside the remap")
}

func TestReadOutsideTableRejected(t *testing.T) {
	d, _, _ := newTestDevice(t, "oob")
	err := doIO(t, d, OpRead, testMainSectors-1, 2, make([]byte, 2*testSectorSize))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidParameters))
}

func TestFlushReachesBothStores(t *testing.T) {
	d, _, _ := newTestDevice(t, "flush")
	require.NoError(t, doIO(t, d, OpFlush, 0, 0, nil))
}

func TestWriteZeroesPassthrough(t *testing.T) {
	d, main, _ := newTestDevice(t, "wz")

	require.NoError(t, doIO(t, d, OpWrite, 10, 1, pattern(0xFF, testSectorSize)))
	require.NoError(t, doIO(t, d, OpWriteZeroes, 10, 1, nil))
	assert.Equal(t, make([]byte, testSectorSize),
		main.Bytes()[10*testSectorSize:11*testSectorSize])
}

func TestPendingRemapNotObservedByIOPath(t *testing.T) {
	d, main, spare := newTestDevice(t, "pend")

	// Stall the spare so the write-ahead persist cannot finish: the
	// entry stays PENDING.
	spare.Stall()
	main.FailWrites(500, 1)
	require.NoError(t, doIO(t, d, OpWrite, 500, 1, pattern(1, testSectorSize)))

	r, ok := d.Find(500)
	require.True(t, ok)
	assert.Equal(t, "pending", r.State)

	// Reads of the sector still route to main while the remap is not
	// durable.
	before := spare.ReadCalls()
	_ = doIO(t, d, OpRead, 500, 1, make([]byte, testSectorSize))
	assert.Equal(t, before, spare.ReadCalls())
}

func TestMetricsAccounting(t *testing.T) {
	d, main, _ := newTestDevice(t, "acct")
	require.NoError(t, d.AddRemap(100, constants.DataRegionStart, 1))

	require.NoError(t, doIO(t, d, OpRead, 100, 1, make([]byte, testSectorSize)))
	require.NoError(t, doIO(t, d, OpRead, 200, 1, make([]byte, testSectorSize)))
	require.NoError(t, doIO(t, d, OpWrite, 300, 1, pattern(1, testSectorSize)))

	m := d.Metrics().Snapshot()
	assert.Equal(t, uint64(2), m.TotalReads)
	assert.Equal(t, uint64(1), m.TotalWrites)
	assert.Equal(t, uint64(3), m.TotalIOs)
	assert.Equal(t, uint64(1), m.RemappedIOs)
	assert.Equal(t, uint64(2), m.NormalIOs)
	assert.Equal(t, uint64(1), m.RemappedSectors)
	assert.Equal(t, uint64(1), m.CacheHits)
	assert.Equal(t, uint64(2), m.CacheMisses)
	assert.Equal(t, uint64(3), m.FastPathHits)
	assert.Equal(t, uint64(0), m.IOErrors)

	// An error-pipeline pass counts as a slow-path hit and an I/O error
	// even when suppressed.
	main.FailWrites(400, 1)
	require.NoError(t, doIO(t, d, OpWrite, 400, 1, pattern(1, testSectorSize)))
	m = d.Metrics().Snapshot()
	assert.Equal(t, uint64(1), m.SlowPathHits)
	assert.Equal(t, uint64(1), m.IOErrors)
}

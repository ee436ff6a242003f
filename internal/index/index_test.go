package index

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-remap/internal/constants"
)

func TestFindCoversRange(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.Insert(NewEntry(100, 5000, 4, StateActive)))

	for sector := uint64(100); sector < 104; sector++ {
		e, ok := ix.Find(sector)
		require.True(t, ok, "sector %d should be covered", sector)
		assert.Equal(t, uint64(100), e.Main)
		assert.Equal(t, uint64(5000), e.Spare)
	}

	// The sector exactly at main+length is outside the remap.
	_, ok := ix.Find(104)
	assert.False(t, ok)
	_, ok = ix.Find(99)
	assert.False(t, ok)
}

func TestInsertDuplicate(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.Insert(NewEntry(100, 5000, 1, StateActive)))

	err := ix.Insert(NewEntry(100, 6000, 1, StateActive))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Partial overlap with an existing range is also a duplicate.
	require.NoError(t, ix.Insert(NewEntry(200, 7000, 4, StateActive)))
	err = ix.Insert(NewEntry(202, 8000, 4, StateActive))
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.Equal(t, 2, ix.Len())
}

func TestRemove(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.Insert(NewEntry(100, 5000, 4, StateActive)))

	rec, ok := ix.Remove(100)
	require.True(t, ok)
	assert.Equal(t, uint64(5000), rec.Spare)
	assert.Equal(t, uint32(4), rec.Length)

	_, ok = ix.Find(102)
	assert.False(t, ok)
	_, ok = ix.Remove(100)
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len())
}

func TestRemoveRequiresStartSector(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.Insert(NewEntry(100, 5000, 4, StateActive)))

	// Removing by an interior sector does not match an entry start.
	_, ok := ix.Remove(102)
	assert.False(t, ok)
	assert.Equal(t, 1, ix.Len())
}

func TestGrowPreservesEntries(t *testing.T) {
	ix := New(0)
	done := make(chan struct{})
	defer close(done)
	go ix.Run(done)

	require.Equal(t, constants.MinBuckets, ix.Size())

	for i := 0; i < 97; i++ {
		main := uint64(1000 + i*10)
		require.NoError(t, ix.Insert(NewEntry(main, uint64(20000+i), 1, StateActive)))
		for j := 0; j <= i; j++ {
			_, ok := ix.Find(uint64(1000 + j*10))
			require.True(t, ok, "entry %d lost after insert %d", j, i)
		}
	}

	require.Eventually(t, func() bool {
		return ix.Size() == 2*constants.MinBuckets
	}, 2*time.Second, time.Millisecond)

	for i := 0; i < 97; i++ {
		e, ok := ix.Find(uint64(1000 + i*10))
		require.True(t, ok)
		assert.Equal(t, uint64(20000+i), e.Spare)
	}
	assert.Equal(t, 97, ix.Len())
}

func TestShrinkFloorsAtMinBuckets(t *testing.T) {
	ix := New(0)

	for i := 0; i < 97; i++ {
		require.NoError(t, ix.Insert(NewEntry(uint64(i*8), uint64(20000+i), 1, StateActive)))
	}
	ix.ResizeNow()
	require.Equal(t, 2*constants.MinBuckets, ix.Size())

	for i := 0; i < 97; i++ {
		_, ok := ix.Remove(uint64(i * 8))
		require.True(t, ok)
	}
	ix.ResizeNow()
	assert.Equal(t, constants.MinBuckets, ix.Size())

	// Empty and already at the floor: a further resize is a no-op.
	ix.ResizeNow()
	assert.Equal(t, constants.MinBuckets, ix.Size())
}

func TestSnapshotOneRecordPerEntry(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.Insert(NewEntry(100, 5000, 8, StateActive)))
	require.NoError(t, ix.Insert(NewEntry(500, 6000, 1, StatePending)))

	records := ix.Snapshot()
	require.Len(t, records, 2)

	byMain := map[uint64]Record{}
	for _, r := range records {
		byMain[r.Main] = r
	}
	assert.Equal(t, uint32(8), byMain[100].Length)
	assert.Equal(t, StateActive, byMain[100].State)
	assert.Equal(t, StatePending, byMain[500].State)
}

func TestClear(t *testing.T) {
	ix := New(0)
	for i := 0; i < 200; i++ {
		require.NoError(t, ix.Insert(NewEntry(uint64(i*4), uint64(30000+i), 1, StateActive)))
	}
	ix.Clear()
	assert.Equal(t, 0, ix.Len())
	assert.Equal(t, constants.MinBuckets, ix.Size())
	_, ok := ix.Find(4)
	assert.False(t, ok)
}

func TestConcurrentFindsDuringInserts(t *testing.T) {
	ix := New(0)
	done := make(chan struct{})
	defer close(done)
	go ix.Run(done)

	const entries = 512
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < entries; i++ {
			_ = ix.Insert(NewEntry(uint64(i*2), uint64(40000+i), 1, StateActive))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < entries; i++ {
			if e, ok := ix.Find(uint64(i * 2)); ok {
				// An observed entry is always fully formed.
				assert.Equal(t, uint64(40000+i), e.Spare)
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, entries, ix.Len())
	for i := 0; i < entries; i++ {
		_, ok := ix.Find(uint64(i * 2))
		require.True(t, ok)
	}
}

func TestConcurrentInsertSameSector(t *testing.T) {
	ix := New(0)
	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		spare := uint64(50000 + i)
		go func() {
			defer wg.Done()
			errs <- ix.Insert(NewEntry(777, spare, 1, StateActive))
		}()
	}
	wg.Wait()
	close(errs)

	ok, dup := 0, 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			dup++
		}
	}
	assert.Equal(t, 1, ok, "exactly one racer wins")
	assert.Equal(t, racers-1, dup)
	assert.Equal(t, 1, ix.Len())
}

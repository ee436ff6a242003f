package backing

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpClassification(t *testing.T) {
	assert.True(t, OpWrite.IsWriteClass())
	assert.True(t, OpWriteZeroes.IsWriteClass())
	assert.True(t, OpDiscard.IsWriteClass())
	assert.False(t, OpRead.IsWriteClass())
	assert.False(t, OpReadAhead.IsWriteClass())
	assert.False(t, OpFlush.IsWriteClass())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassMedium, Classify(syscall.EIO))
	assert.Equal(t, ClassTransient, Classify(syscall.EAGAIN))
	assert.Equal(t, ClassCancelled, Classify(syscall.ECANCELED))
	assert.Equal(t, ClassFatal, Classify(syscall.ENODEV))
	assert.Equal(t, ClassCancelled, Classify(ErrCancelled))
	assert.Equal(t, ClassFatal, Classify(os.ErrClosed))
}

func submitSync(t *testing.T, s Store, req *Request) error {
	t.Helper()
	done := make(chan error, 1)
	req.Complete = func(err error) { done <- err }
	s.Submit(req)
	return <-done
}

func TestMemStoreReadWrite(t *testing.T) {
	m := NewMemStore(1024, 512)
	defer m.Close()
	assert.Equal(t, uint64(1024), m.Capacity())
	assert.Equal(t, uint32(512), m.SectorSize())

	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, submitSync(t, m, &Request{Op: OpWrite, Sector: 10, Count: 2, Buf: buf}))

	got := make([]byte, 1024)
	require.NoError(t, submitSync(t, m, &Request{Op: OpRead, Sector: 10, Count: 2, Buf: got}))
	assert.Equal(t, buf, got)

	require.NoError(t, submitSync(t, m, &Request{Op: OpWriteZeroes, Sector: 10, Count: 1}))
	require.NoError(t, submitSync(t, m, &Request{Op: OpRead, Sector: 10, Count: 2, Buf: got}))
	assert.Equal(t, make([]byte, 512), got[:512])
	assert.Equal(t, buf[512:], got[512:])
}

func TestMemStoreBounds(t *testing.T) {
	m := NewMemStore(100, 512)
	defer m.Close()

	err := submitSync(t, m, &Request{Op: OpWrite, Sector: 99, Count: 2, Buf: make([]byte, 1024)})
	require.Error(t, err)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, syscall.EINVAL, ioErr.Errno)
}

func TestMemStoreFaultInjection(t *testing.T) {
	m := NewMemStore(1024, 512)
	defer m.Close()
	m.FailWrites(50, 2, ClassMedium)

	err := submitSync(t, m, &Request{Op: OpWrite, Sector: 51, Count: 1, Buf: make([]byte, 512)})
	require.Error(t, err)
	assert.Equal(t, ClassMedium, Classify(err))

	// Reads are unaffected by a write fault.
	require.NoError(t, submitSync(t, m, &Request{Op: OpRead, Sector: 51, Count: 1, Buf: make([]byte, 512)}))

	m.ClearFaults()
	require.NoError(t, submitSync(t, m, &Request{Op: OpWrite, Sector: 51, Count: 1, Buf: make([]byte, 512)}))
}

func TestFileStoreOverRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	require.NoError(t, f.Close())

	s, err := Open(f.Name(), OpenOptions{DisableURing: true})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(1<<20/512), s.Capacity())
	assert.Equal(t, uint32(512), s.SectorSize())

	want := make([]byte, 1024)
	for i := range want {
		want[i] = byte(i * 7)
	}
	require.NoError(t, submitSync(t, s, &Request{Op: OpWrite, Sector: 4, Count: 2, Buf: want}))

	got := make([]byte, 1024)
	require.NoError(t, submitSync(t, s, &Request{Op: OpRead, Sector: 4, Count: 2, Buf: got}))
	assert.Equal(t, want, got)

	require.NoError(t, submitSync(t, s, &Request{Op: OpFlush}))
	require.NoError(t, submitSync(t, s, &Request{Op: OpWriteZeroes, Sector: 4, Count: 1}))
	require.NoError(t, submitSync(t, s, &Request{Op: OpRead, Sector: 4, Count: 2, Buf: got}))
	assert.Equal(t, make([]byte, 512), got[:512])
	assert.Equal(t, want[512:], got[512:])
}

func TestFileStoreOpenMissing(t *testing.T) {
	_, err := Open("/nonexistent/backing-device", OpenOptions{})
	require.Error(t, err)
}

func TestPoolEngineCancelsQueuedOnClose(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	require.NoError(t, f.Close())

	s, err := Open(f.Name(), OpenOptions{DisableURing: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Submissions after close complete with cancellation.
	err = submitSync(t, s, &Request{Op: OpRead, Sector: 0, Count: 1, Buf: make([]byte, 512)})
	require.Error(t, err)
	assert.Equal(t, ClassCancelled, Classify(err))
}

func TestBufferPool(t *testing.T) {
	b := GetBuffer(512)
	assert.Len(t, b, 512)
	PutBuffer(b)

	big := GetBuffer(300 * 1024)
	assert.Len(t, big, 300*1024)
	PutBuffer(big)

	huge := GetBuffer(2 << 20)
	assert.Len(t, huge, 2<<20)
	PutBuffer(huge)
}

package backing

import (
	"sync"

	"golang.org/x/sys/unix"
)

// engine executes requests against a file descriptor. The pool engine
// below is the portable implementation; on Linux an io_uring engine is
// preferred (see uring_linux.go).
type engine interface {
	submit(req *Request)
	close()
}

const poolEngineWorkers = 4

// poolEngine runs requests on a small fixed set of worker goroutines
// using pread/pwrite. Completions fire on the worker that executed the
// request.
type poolEngine struct {
	fd         int
	sectorSize uint32

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Request
	closed bool
	wg     sync.WaitGroup
}

func newPoolEngine(fd int, sectorSize uint32) *poolEngine {
	e := &poolEngine{fd: fd, sectorSize: sectorSize}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(poolEngineWorkers)
	for i := 0; i < poolEngineWorkers; i++ {
		go e.worker()
	}
	return e
}

func (e *poolEngine) submit(req *Request) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		req.Complete(ErrCancelled)
		return
	}
	e.queue = append(e.queue, req)
	e.mu.Unlock()
	e.cond.Signal()
}

func (e *poolEngine) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		req := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		req.Complete(e.execute(req))
	}
}

// execute performs one request synchronously.
func (e *poolEngine) execute(req *Request) error {
	off := int64(req.Sector) * int64(e.sectorSize)
	length := int(req.Count) * int(e.sectorSize)

	switch req.Op {
	case OpRead, OpReadAhead:
		if err := e.readFull(req.Buf[:length], off); err != nil {
			return newIOError(req.Op, req.Sector, err)
		}
	case OpWrite:
		if err := e.writeFull(req.Buf[:length], off); err != nil {
			return newIOError(req.Op, req.Sector, err)
		}
	case OpWriteZeroes, OpDiscard:
		if err := e.writeZeroes(off, length); err != nil {
			return newIOError(req.Op, req.Sector, err)
		}
	case OpFlush:
		if err := unix.Fsync(e.fd); err != nil {
			return newIOError(req.Op, req.Sector, err)
		}
	}
	return nil
}

func (e *poolEngine) readFull(buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(e.fd, buf, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func (e *poolEngine) writeFull(buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(e.fd, buf, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func (e *poolEngine) writeZeroes(off int64, length int) error {
	zeros := GetBuffer(size64k)
	defer PutBuffer(zeros)
	for i := range zeros {
		zeros[i] = 0
	}
	for length > 0 {
		chunk := length
		if chunk > len(zeros) {
			chunk = len(zeros)
		}
		if err := e.writeFull(zeros[:chunk], off); err != nil {
			return err
		}
		off += int64(chunk)
		length -= chunk
	}
	return nil
}

// close cancels queued requests and joins the workers. In-flight
// requests finish; queued ones complete with ErrCancelled.
func (e *poolEngine) close() {
	e.mu.Lock()
	e.closed = true
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()
	e.cond.Broadcast()

	for _, req := range pending {
		req.Complete(ErrCancelled)
	}
	e.wg.Wait()
}

//go:build linux

package backing

import (
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

const (
	uringEntries = 128

	// uringCloseGrace bounds how long the ring goroutine, once closing,
	// keeps reaping in-flight completions before cancelling the rest. A device
	// that has stopped completing I/O must not wedge teardown.
	uringCloseGrace = 3 * time.Second
)

// uringEngine executes requests through io_uring. A single goroutine
// owns the ring: it preps SQEs for queued requests, submits, and reaps
// completions. The kernel rejects ring operations from other threads,
// so the goroutine is pinned to its OS thread.
type uringEngine struct {
	fd         int
	sectorSize uint32
	ring       *giouring.Ring

	subCh chan *Request
	done  chan struct{}

	closeOnce sync.Once

	// Owned by the ring goroutine.
	pending  []*Request
	inflight map[uint64]*uringOp
	nextID   uint64
}

// uringOp tracks one in-flight request plus any engine-owned buffer
// (zero pages for WriteZeroes/Discard).
type uringOp struct {
	req *Request
	aux []byte
}

// newEngine prefers io_uring and falls back to the portable pool engine
// when the kernel lacks it.
func newEngine(fd int, sectorSize uint32, opts OpenOptions) engine {
	if opts.DisableURing {
		return newPoolEngine(fd, sectorSize)
	}
	ring, err := giouring.CreateRing(uringEntries)
	if err != nil {
		return newPoolEngine(fd, sectorSize)
	}
	e := &uringEngine{
		fd:         fd,
		sectorSize: sectorSize,
		ring:       ring,
		subCh:      make(chan *Request, uringEntries),
		done:       make(chan struct{}),
		inflight:   make(map[uint64]*uringOp),
		nextID:     1,
	}
	go e.loop()
	return e
}

func (e *uringEngine) submit(req *Request) {
	select {
	case e.subCh <- req:
	case <-e.done:
		req.Complete(ErrCancelled)
	}
}

func (e *uringEngine) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cqes := make([]*giouring.CompletionQueueEvent, uringEntries)
	closing := false

	for {
		if !closing && len(e.pending) == 0 && len(e.inflight) == 0 {
			// Fully idle: block until work or close.
			select {
			case req := <-e.subCh:
				e.pending = append(e.pending, req)
			case <-e.done:
				closing = true
			}
		}

		// Drain whatever else is queued without blocking.
	drain:
		for {
			select {
			case req := <-e.subCh:
				e.pending = append(e.pending, req)
			case <-e.done:
				closing = true
				break drain
			default:
				break drain
			}
		}

		if closing {
			e.shutdown()
			return
		}

		prepped := 0
		for len(e.pending) > 0 {
			sqe := e.ring.GetSQE()
			if sqe == nil {
				break
			}
			req := e.pending[0]
			e.pending = e.pending[1:]
			e.prep(sqe, req)
			prepped++
		}

		if prepped == 0 && len(e.inflight) == 0 {
			continue
		}

		// One enter syscall: flush prepped SQEs and wait for at least
		// one completion. New submissions arriving meanwhile wait at
		// most one device round-trip.
		if _, err := e.ring.SubmitAndWait(1); err != nil {
			e.failAll(err)
			continue
		}

		n := e.ring.PeekBatchCQE(cqes)
		for i := uint32(0); i < n; i++ {
			e.reap(cqes[i])
		}
		e.ring.CQAdvance(n)
	}
}

func (e *uringEngine) prep(sqe *giouring.SubmissionQueueEntry, req *Request) {
	id := e.nextID
	e.nextID++
	op := &uringOp{req: req}
	e.inflight[id] = op

	off := req.Sector * uint64(e.sectorSize)
	length := req.Count * e.sectorSize

	switch req.Op {
	case OpRead, OpReadAhead:
		sqe.PrepareRead(e.fd, uintptr(unsafe.Pointer(&req.Buf[0])), length, off)
	case OpWrite:
		sqe.PrepareWrite(e.fd, uintptr(unsafe.Pointer(&req.Buf[0])), length, off)
	case OpWriteZeroes, OpDiscard:
		// No prep helper for zero ranges; write an engine-owned zero
		// buffer instead. Remap-sized ranges are small.
		op.aux = GetBuffer(length)
		for i := range op.aux {
			op.aux[i] = 0
		}
		sqe.PrepareWrite(e.fd, uintptr(unsafe.Pointer(&op.aux[0])), length, off)
	case OpFlush:
		sqe.PrepareFsync(e.fd, 0)
	}
	sqe.UserData = id
}

func (e *uringEngine) reap(cqe *giouring.CompletionQueueEvent) {
	op, ok := e.inflight[cqe.UserData]
	if !ok {
		return
	}
	delete(e.inflight, cqe.UserData)
	if op.aux != nil {
		PutBuffer(op.aux)
	}

	req := op.req
	if cqe.Res < 0 {
		errno := syscall.Errno(-cqe.Res)
		req.Complete(newIOError(req.Op, req.Sector, errno))
		return
	}
	wantBytes := req.Count * e.sectorSize
	if req.Op != OpFlush && uint32(cqe.Res) < wantBytes {
		// Short transfer on a block device means the medium gave up.
		req.Complete(newIOError(req.Op, req.Sector, syscall.EIO))
		return
	}
	req.Complete(nil)
}

// failAll delivers an engine-level failure to everything in flight.
func (e *uringEngine) failAll(err error) {
	for id, op := range e.inflight {
		delete(e.inflight, id)
		if op.aux != nil {
			PutBuffer(op.aux)
		}
		op.req.Complete(newIOError(op.req.Op, op.req.Sector, err))
	}
}

// shutdown reaps whatever completes within the grace period, cancels
// the rest, and exits the ring.
func (e *uringEngine) shutdown() {
	for _, req := range e.pending {
		req.Complete(ErrCancelled)
	}
	e.pending = nil

	// Requests that made it into the channel before close saw done.
	for {
		select {
		case req := <-e.subCh:
			req.Complete(ErrCancelled)
			continue
		default:
		}
		break
	}

	cqes := make([]*giouring.CompletionQueueEvent, uringEntries)
	deadline := time.Now().Add(uringCloseGrace)
	for len(e.inflight) > 0 && time.Now().Before(deadline) {
		n := e.ring.PeekBatchCQE(cqes)
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		for i := uint32(0); i < n; i++ {
			e.reap(cqes[i])
		}
		e.ring.CQAdvance(n)
	}
	e.failAll(ErrCancelled)
	e.ring.QueueExit()

	// A submitter racing close can still win the channel send after the
	// final drain above. One goroutine stays behind to cancel those.
	go func() {
		for req := range e.subCh {
			req.Complete(ErrCancelled)
		}
	}()
}

func (e *uringEngine) close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	// Queued submissions racing with close are cancelled by submit's
	// done check; the ring goroutine drains the rest.
}

package remap

import (
	"sync"
	"syscall"
	"time"

	"github.com/behrlich/go-remap/internal/backing"
	"github.com/behrlich/go-remap/internal/index"
)

// Op identifies a block I/O operation type.
type Op uint8

const (
	OpRead Op = iota
	OpReadAhead
	OpWrite
	OpWriteZeroes
	OpDiscard
	OpFlush
)

func (op Op) backing() backing.Op {
	return backing.Op(op)
}

// IsWriteClass reports whether a failed operation of this type is a
// candidate for error suppression.
func (op Op) IsWriteClass() bool {
	return op.backing().IsWriteClass()
}

// Request is one host I/O request against the remap device. Sector is
// relative to the main device; Count is in sectors. OnComplete is
// invoked exactly once; a nil error means the host sees success,
// whether the request went to the main device, the spare, or had a
// write failure suppressed.
type Request struct {
	Op         Op
	Sector     uint64
	Count      uint32
	Buf        []byte
	OnComplete func(err error)
}

// Routing reports how a request (or segment) was directed.
type Routing uint8

const (
	RoutingPassthrough Routing = iota
	RoutingRemapped
)

// segment is one contiguous piece of a request bound for a single
// backing store. Requests are split at remap boundaries; most requests
// are one segment.
type segment struct {
	origSector uint64 // main-relative start
	count      uint32
	routing    Routing
	target     backing.Store
	targetSec  uint64
	entry      *index.Entry // non-nil when routed to the spare
	buf        []byte
}

// fanin collects segment completions back into one host completion.
type fanin struct {
	dev       *Device
	req       *Request
	start     time.Time
	remapped  bool
	mu        sync.Mutex
	remaining int
	err       error
	suppressed bool
}

// Submit routes a request through the remap index and issues it to the
// backing stores. A one-sector request costs a single hash probe; a
// multi-sector passthrough run probes each sector to find the next remap
// boundary. The fast path takes no locks beyond the index read lock and performs no
// allocations beyond the completion bookkeeping.
func (d *Device) Submit(req *Request) {
	if !d.active.Load() {
		req.OnComplete(NewSectorError("map", req.Sector, KindCancelled, syscall.ENODEV))
		return
	}
	if req.Op != OpFlush &&
		req.Sector+uint64(req.Count) > d.params.StartSector+d.params.LengthSectors {
		req.OnComplete(NewSectorError("map", req.Sector, KindInvalidParameters, syscall.EINVAL))
		return
	}

	if req.Op == OpFlush {
		d.submitFlush(req)
		return
	}

	segments := d.plan(req)
	f := &fanin{
		dev:       d,
		req:       req,
		start:     time.Now(),
		remaining: len(segments),
	}
	for _, seg := range segments {
		if seg.routing == RoutingRemapped {
			f.remapped = true
		}
	}
	for _, seg := range segments {
		d.submitSegment(seg, f)
	}
}

// plan splits the request at remap boundaries. A request fully inside
// one remap (or touching none) stays a single segment.
func (d *Device) plan(req *Request) []segment {
	var segments []segment
	pos := req.Sector
	end := req.Sector + uint64(req.Count)

	for pos < end {
		var seg segment
		seg.origSector = pos

		if e, ok := d.idx.Find(pos); ok && e.State() == index.StateActive {
			span := e.Main + uint64(e.Length) - pos
			if span > end-pos {
				span = end - pos
			}
			e.AccessTime.Store(time.Now().UnixNano())
			seg.count = uint32(span)
			seg.routing = RoutingRemapped
			seg.target = d.spare
			seg.targetSec = e.Spare + (pos - e.Main)
			seg.entry = e
		} else {
			// Extend the passthrough run until the next active remap.
			span := uint64(1)
			for pos+span < end {
				if e, ok := d.idx.Find(pos + span); ok && e.State() == index.StateActive {
					break
				}
				span++
			}
			seg.count = uint32(span)
			seg.routing = RoutingPassthrough
			seg.target = d.main
			seg.targetSec = pos
		}

		if req.Buf != nil {
			off := (pos - req.Sector) * uint64(d.sectorSize)
			seg.buf = req.Buf[off : off+uint64(seg.count)*uint64(d.sectorSize)]
		}
		segments = append(segments, seg)
		pos += uint64(seg.count)
	}
	return segments
}

func (d *Device) submitSegment(seg segment, f *fanin) {
	seg.target.Submit(&backing.Request{
		Op:     d.reqOp(f.req.Op),
		Sector: seg.targetSec,
		Count:  seg.count,
		Buf:    seg.buf,
		Complete: func(err error) {
			d.endSegment(seg, f, err)
		},
	})
}

func (d *Device) reqOp(op Op) backing.Op {
	return op.backing()
}

// submitFlush flushes both backing stores; the host sees one
// completion.
func (d *Device) submitFlush(req *Request) {
	f := &fanin{dev: d, req: req, start: time.Now(), remaining: 2}
	for _, store := range []backing.Store{d.main, d.spare} {
		store.Submit(&backing.Request{
			Op: backing.OpFlush,
			Complete: func(err error) {
				f.segmentDone(err, false)
			},
		})
	}
}

// endSegment is the end-of-I/O hook: it interprets failures and, for
// write-class medium errors on the main device, queues write-ahead
// remap creation and suppresses the error so filesystems proceed.
func (d *Device) endSegment(seg segment, f *fanin, err error) {
	if err == nil {
		f.segmentDone(nil, false)
		return
	}

	d.metrics.RecordError(seg.origSector)
	class := backing.Classify(err)

	// The spare itself failed: the mapping is poison. Never remap a
	// remap; propagate unchanged.
	if seg.entry != nil {
		seg.entry.ErrorCount.Add(1)
		if class == backing.ClassMedium {
			seg.entry.SetState(index.StateFailed)
			d.meta.MarkDirty()
			d.logger.Error("spare copy failed", "main", seg.entry.Main, "spare", seg.entry.Spare)
		}
		f.segmentDone(d.wrapIOError(seg, err, class), false)
		return
	}

	// Read-class errors cannot be recovered: the only copy of that
	// data was on the failing sector.
	if !f.req.Op.IsWriteClass() || class != backing.ClassMedium {
		f.segmentDone(d.wrapIOError(seg, err, class), false)
		return
	}

	if d.trySuppress(seg) {
		d.observer.ObserveSuppressed(seg.origSector)
		f.segmentDone(nil, true)
		return
	}
	f.segmentDone(d.wrapIOError(seg, err, class), false)
}

// trySuppress queues remap creation for a failed write and reports
// whether the error can be cleared. Preconditions: device active, spare
// healthy with capacity, and no FAILED mapping already covering the
// sector.
func (d *Device) trySuppress(seg segment) bool {
	if !d.active.Load() || d.cancelled.Load() {
		return false
	}
	if d.spareFull.Load() {
		return false
	}

	// Deduplicate: a PENDING or ACTIVE entry covering the sector means
	// creation is already underway or done.
	if e, ok := d.idx.Find(seg.origSector); ok {
		return e.State() != index.StateFailed
	}

	spareSector, err := d.pool.Allocate(seg.count)
	if err != nil {
		// Spare exhausted: disable future suppression and report the
		// write as the hard failure it is.
		d.spareFull.Store(true)
		d.logger.Error("spare pool exhausted; cannot relocate failed write",
			"main", seg.origSector, "length", seg.count)
		return false
	}

	entry := index.NewEntry(seg.origSector, spareSector, seg.count, index.StatePending)
	if err := d.idx.Insert(entry); err != nil {
		// Lost the race to a concurrent failure at the same sector.
		d.pool.Release(spareSector, seg.count)
		return true
	}

	select {
	case d.jobs <- remapJob{entry: entry}:
		d.logger.Warn("write failed on main; remap queued",
			"main", seg.origSector, "spare", spareSector, "length", seg.count)
		return true
	default:
		// Worker queue saturated; surface the error rather than
		// promise a relocation that is not coming.
		d.idx.Remove(entry.Main)
		d.pool.Release(spareSector, seg.count)
		return false
	}
}

func (d *Device) wrapIOError(seg segment, err error, class backing.Class) error {
	kind := KindIoFatal
	switch class {
	case backing.ClassMedium:
		kind = KindIoMedium
	case backing.ClassTransient:
		kind = KindIoTransient
	case backing.ClassCancelled:
		kind = KindCancelled
	}
	return &Error{
		Op:        routeOpName(seg.routing),
		Device:    d.name,
		Sector:    seg.origSector,
		HasSector: true,
		Kind:      kind,
		Msg:       err.Error(),
		Inner:     err,
	}
}

func routeOpName(r Routing) string {
	if r == RoutingRemapped {
		return "spare_io"
	}
	return "main_io"
}

// segmentDone folds one segment completion into the request's fan-in;
// the last one records metrics and completes the host request.
func (f *fanin) segmentDone(err error, suppressed bool) {
	f.mu.Lock()
	if suppressed {
		f.suppressed = true
	}
	if err != nil && f.err == nil {
		f.err = err
	}
	f.remaining--
	done := f.remaining == 0
	finalErr := f.err
	wasSuppressed := f.suppressed
	f.mu.Unlock()

	if !done {
		return
	}

	d := f.dev
	latency := uint64(time.Since(f.start).Nanoseconds())
	d.metrics.RecordIO(f.req.Op, f.req.Count, d.sectorSize, latency,
		f.remapped, wasSuppressed, finalErr != nil)
	d.observer.ObserveIO(f.req.Op, f.req.Count, latency, f.remapped, finalErr != nil)
	f.req.OnComplete(finalErr)
}

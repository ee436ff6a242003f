package metadata

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-remap/internal/backing"
	"github.com/behrlich/go-remap/internal/constants"
	"github.com/behrlich/go-remap/internal/index"
	"github.com/behrlich/go-remap/internal/logging"
)

var (
	// ErrNoValidMetadata means no copy passed validation; the caller
	// may choose a fresh initialization.
	ErrNoValidMetadata = errors.New("no valid metadata found")

	// ErrPersistFailed means every copy write failed.
	ErrPersistFailed = errors.New("metadata persist failed on all copies")

	// ErrCancelled means the persist was interrupted by teardown.
	// Copies written before cancellation remain valid.
	ErrCancelled = errors.New("metadata persist cancelled")

	// ErrTimeout means the device stopped completing I/O within the
	// persist deadline.
	ErrTimeout = errors.New("metadata persist timed out")

	// ErrTooLarge means the serialized body exceeds a copy slot.
	ErrTooLarge = errors.New("remap table too large for metadata region")
)

// Config is everything the metadata set records beyond the entries.
type Config struct {
	Fingerprint Fingerprint
	Target      TargetConfig
}

// CopyStatus describes one on-disk copy as of the last load or persist.
type CopyStatus struct {
	Sector  uint64
	Valid   bool
	Counter uint64
	Detail  string
}

// Status is a snapshot for the metadata_status message.
type Status struct {
	Counter        uint64
	Dirty          bool
	Copies         []CopyStatus
	LastPersist    time.Time
	LastPersistErr string
}

// Engine owns the persistent metadata on one spare store. At most one
// persist is in flight per engine; the version counter advances only on
// a durable persist (at least one copy written, CRC-verifiable).
type Engine struct {
	store      backing.Store
	sectorSize uint32
	logger     *logging.Logger
	cancelled  *atomic.Bool

	// Verify the first written copy by read-back before declaring the
	// persist durable.
	Verify bool

	persistMu sync.Mutex
	counter   atomic.Uint64
	dirty     atomic.Bool

	statusMu       sync.Mutex
	copies         [constants.MetadataCopies]CopyStatus
	lastPersist    time.Time
	lastPersistErr string
}

// NewEngine creates a metadata engine over the spare store. cancelled
// is the device-level teardown flag; the engine checks it before and
// after every copy I/O.
func NewEngine(store backing.Store, cancelled *atomic.Bool, logger *logging.Logger) *Engine {
	e := &Engine{
		store:      store,
		sectorSize: store.SectorSize(),
		logger:     logger,
		cancelled:  cancelled,
	}
	for i, s := range constants.MetadataCopySectors {
		e.copies[i] = CopyStatus{Sector: s, Detail: "unexamined"}
	}
	return e
}

// Counter returns the current in-memory version counter.
func (e *Engine) Counter() uint64 {
	return e.counter.Load()
}

// MarkDirty flags the index as modified; the sync worker persists it.
func (e *Engine) MarkDirty() {
	e.dirty.Store(true)
}

// Dirty reports whether a persist is owed.
func (e *Engine) Dirty() bool {
	return e.dirty.Load()
}

// Persist durably writes the snapshot under version counter+1. Copies
// are written in the defined slot order with the cancellation flag
// checked before each submit and on each completion. The persist is
// durable once one copy is written (and read-back verified when Verify
// is set); only then does the in-memory counter advance.
func (e *Engine) Persist(records []index.Record, cfg Config) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	err := e.persistLocked(records, cfg)
	e.statusMu.Lock()
	e.lastPersist = time.Now()
	if err != nil {
		e.lastPersistErr = err.Error()
	} else {
		e.lastPersistErr = ""
	}
	e.statusMu.Unlock()
	return err
}

func (e *Engine) persistLocked(records []index.Record, cfg Config) error {
	if e.cancelled.Load() {
		return ErrCancelled
	}

	body, bodyCRC, err := packBody(records)
	if err != nil {
		return err
	}
	if bodySectors(len(body), e.sectorSize) > maxBodySectors {
		return ErrTooLarge
	}

	next := e.counter.Load() + 1
	hdr := &Header{
		Magic:          constants.MetadataMagic,
		VersionMajor:   constants.MetadataVersionMajor,
		VersionMinor:   constants.MetadataVersionMinor,
		VersionCounter: next,
		EntryCount:     uint32(len(records)),
		BodyCRC:        bodyCRC,
		Timestamp:      uint64(time.Now().Unix()),
		Fingerprint:    cfg.Fingerprint,
		Config:         cfg.Target,
	}
	rawHdr, err := packHeader(hdr)
	if err != nil {
		return err
	}

	// One contiguous buffer per copy: header sector, then the body.
	totalSectors := 1 + bodySectors(len(body), e.sectorSize)
	buf := backing.GetBuffer(totalSectors * e.sectorSize)
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, rawHdr)
	copy(buf[e.sectorSize:], body)

	// The buffer returns to the pool only after every submitted write
	// has completed, even ones the deadline abandoned.
	var outstanding sync.WaitGroup
	defer func() {
		go func() {
			outstanding.Wait()
			backing.PutBuffer(buf)
		}()
	}()

	deadline := time.Now().Add(constants.PersistTimeout)
	written := 0
	timedOut := false

	for i, sector := range constants.MetadataCopySectors {
		if e.cancelled.Load() {
			break
		}
		if timedOut {
			break
		}
		outstanding.Add(1)
		err := e.submitAndWait(&backing.Request{
			Op:     backing.OpWrite,
			Sector: sector,
			Count:  totalSectors,
			Buf:    buf,
		}, deadline, &outstanding)
		switch {
		case err == nil:
			if e.Verify && written == 0 {
				if verr := e.verifyCopy(sector, next, deadline); verr != nil {
					e.setCopyStatus(i, false, 0, "verify: "+verr.Error())
					continue
				}
			}
			written++
			e.setCopyStatus(i, true, next, "written")
		case errors.Is(err, ErrTimeout):
			timedOut = true
			e.setCopyStatus(i, false, 0, "timeout")
		default:
			e.setCopyStatus(i, false, 0, err.Error())
		}
	}

	if written == 0 {
		if e.cancelled.Load() {
			return ErrCancelled
		}
		if timedOut {
			return ErrTimeout
		}
		return ErrPersistFailed
	}
	e.counter.Store(next)
	e.logger.Debug("metadata persisted", "counter", next, "entries", len(records), "copies", written)
	return nil
}

// submitAndWait submits one request and waits for its completion or the
// deadline. The waitgroup is released when the completion eventually
// fires, deadline or not.
func (e *Engine) submitAndWait(req *backing.Request, deadline time.Time, wg *sync.WaitGroup) error {
	done := make(chan error, 1)
	req.Complete = func(err error) {
		done <- err
		wg.Done()
	}
	e.store.Submit(req)

	wait := time.Until(deadline)
	if wait <= 0 {
		return ErrTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && backing.Classify(err) == backing.ClassCancelled {
			return ErrCancelled
		}
		return err
	case <-timer.C:
		return ErrTimeout
	}
}

// verifyCopy reads a just-written copy back and validates it end to
// end.
func (e *Engine) verifyCopy(sector uint64, wantCounter uint64, deadline time.Time) error {
	_, hdr, _, err := e.readCopy(sector, deadline)
	if err != nil {
		return err
	}
	if hdr.VersionCounter != wantCounter {
		return fmt.Errorf("read-back counter %d, want %d", hdr.VersionCounter, wantCounter)
	}
	return nil
}

// Load reads every candidate copy, discards invalid ones, and returns
// the configuration and records of the copy with the highest version
// counter.
func (e *Engine) Load() (Config, []index.Record, error) {
	deadline := time.Now().Add(constants.PersistTimeout)

	var (
		best        *Header
		bestRecords []index.Record
	)
	for i, sector := range constants.MetadataCopySectors {
		if e.cancelled.Load() {
			return Config{}, nil, ErrCancelled
		}
		records, hdr, detail, err := e.readCopy(sector, deadline)
		if err != nil {
			e.setCopyStatus(i, false, 0, detail+": "+err.Error())
			continue
		}
		e.setCopyStatus(i, true, hdr.VersionCounter, "valid")
		if best == nil || hdr.VersionCounter > best.VersionCounter {
			best = hdr
			bestRecords = records
		}
	}

	if best == nil {
		return Config{}, nil, ErrNoValidMetadata
	}
	e.counter.Store(best.VersionCounter)
	e.logger.Info("metadata loaded", "counter", best.VersionCounter, "entries", len(bestRecords))
	return Config{Fingerprint: best.Fingerprint, Target: best.Config}, bestRecords, nil
}

// readCopy reads and fully validates one copy. The detail return names
// the failing stage for copy status reporting.
func (e *Engine) readCopy(sector uint64, deadline time.Time) ([]index.Record, *Header, string, error) {
	hdrBuf := backing.GetBuffer(e.sectorSize)
	var wg sync.WaitGroup
	wg.Add(1)
	err := e.submitAndWait(&backing.Request{
		Op:     backing.OpRead,
		Sector: sector,
		Count:  1,
		Buf:    hdrBuf,
	}, deadline, &wg)
	if err != nil {
		go func() { wg.Wait(); backing.PutBuffer(hdrBuf) }()
		return nil, nil, "header read", err
	}

	hdr, err := unpackHeader(hdrBuf[:headerPackedSize])
	backing.PutBuffer(hdrBuf)
	if err != nil {
		return nil, nil, "header", err
	}

	if int(hdr.EntryCount) > MaxEntries(e.sectorSize) {
		return nil, nil, "header", fmt.Errorf("entry count %d exceeds slot capacity", hdr.EntryCount)
	}

	records := []index.Record{}
	if hdr.EntryCount > 0 {
		nSectors := bodySectors(int(hdr.EntryCount)*recordSize, e.sectorSize)
		bodyBuf := backing.GetBuffer(nSectors * e.sectorSize)
		var bwg sync.WaitGroup
		bwg.Add(1)
		err = e.submitAndWait(&backing.Request{
			Op:     backing.OpRead,
			Sector: sector + 1,
			Count:  nSectors,
			Buf:    bodyBuf,
		}, deadline, &bwg)
		if err != nil {
			go func() { bwg.Wait(); backing.PutBuffer(bodyBuf) }()
			return nil, nil, "body read", err
		}
		records, err = unpackBody(bodyBuf, hdr.EntryCount, hdr.BodyCRC)
		backing.PutBuffer(bodyBuf)
		if err != nil {
			return nil, nil, "body", err
		}
	} else if hdr.BodyCRC != emptyBodyCRC {
		return nil, nil, "body", fmt.Errorf("empty body with crc %#x", hdr.BodyCRC)
	}

	return records, hdr, "", nil
}

// RepairStale rewrites copies that were invalid or stale at the last
// load with the winning state. Runs in the background after
// construction; cancellable like every other background I/O.
func (e *Engine) RepairStale(records []index.Record, cfg Config) {
	e.statusMu.Lock()
	counter := e.counter.Load()
	stale := 0
	for _, c := range e.copies {
		if !c.Valid || c.Counter < counter {
			stale++
		}
	}
	e.statusMu.Unlock()
	if stale == 0 {
		return
	}

	e.logger.Info("repairing stale metadata copies", "stale", stale, "counter", counter)
	// Persist rewrites every slot with counter+1, which both repairs
	// the stale copies and re-stamps the healthy ones coherently.
	if err := e.Persist(records, cfg); err != nil && !errors.Is(err, ErrCancelled) {
		e.logger.Warn("copy repair failed", "error", err)
	}
}

// MetadataStatus returns a point-in-time snapshot for reporting.
func (e *Engine) MetadataStatus() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	copies := make([]CopyStatus, len(e.copies))
	copy(copies, e.copies[:])
	return Status{
		Counter:        e.counter.Load(),
		Dirty:          e.dirty.Load(),
		Copies:         copies,
		LastPersist:    e.lastPersist,
		LastPersistErr: e.lastPersistErr,
	}
}

func (e *Engine) setCopyStatus(i int, valid bool, counter uint64, detail string) {
	e.statusMu.Lock()
	e.copies[i].Valid = valid
	e.copies[i].Counter = counter
	e.copies[i].Detail = detail
	e.statusMu.Unlock()
}

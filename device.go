// Package remap provides a virtual block-device remapping engine: it
// sits in front of a failing main device and a healthy spare,
// transparently redirecting I/O for failed sectors to relocated copies
// on the spare.
package remap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/go-remap/internal/backing"
	"github.com/behrlich/go-remap/internal/constants"
	"github.com/behrlich/go-remap/internal/index"
	"github.com/behrlich/go-remap/internal/logging"
	"github.com/behrlich/go-remap/internal/metadata"
	"github.com/behrlich/go-remap/internal/sparepool"
)

// Version is the target version string reported in status output.
const Version = "1.0.0"

// TargetType is the target type name used in table lines and status.
const TargetType = "remap"

// DeviceMode selects real block devices or memory-backed demo stores.
type DeviceMode string

const (
	ModeReal DeviceMode = "real"
	ModeDemo DeviceMode = "demo"
)

// OperationalState is the coarse device condition reported in status.
type OperationalState string

const (
	StateOperational OperationalState = "operational"
	StateMaintenance OperationalState = "maintenance"
)

// DeviceParams contains parameters for creating a remap device
type DeviceParams struct {
	// Name identifies the device in the registry and in logs
	Name string

	// Backing device paths
	MainPath  string
	SparePath string

	// Table-line geometry: the region of the main device the target
	// covers. LengthSectors of 0 means the whole device.
	StartSector   uint64
	LengthSectors uint64

	// SectorSize in bytes (default: 512). Must be a power of two.
	SectorSize uint32

	// SpareOverheadPercent is the minimum spare headroom over the main
	// capacity, beyond the metadata region (default: 2).
	SpareOverheadPercent int

	// VerifyAfterPersist reads the first written metadata copy back
	// before a persist counts as durable.
	VerifyAfterPersist bool

	// DisableURing forces the portable I/O engine.
	DisableURing bool

	// Mode is real or demo; demo devices get it set automatically when
	// constructed over memory stores.
	Mode DeviceMode
}

// DefaultParams returns default device parameters
func DefaultParams(mainPath, sparePath string) DeviceParams {
	return DeviceParams{
		Name:                 "remap0",
		MainPath:             mainPath,
		SparePath:            sparePath,
		SectorSize:           constants.DefaultSectorSize,
		SpareOverheadPercent: constants.DefaultSpareOverheadPercent,
		Mode:                 ModeReal,
	}
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Options contains additional options for device creation
type Options struct {
	// Logger for debug/info messages (if nil, no extra logging)
	Logger Logger

	// Observer for metrics collection (if nil, uses no-op observer)
	Observer Observer
}

// remapJob asks the background worker to make a pending entry durable.
type remapJob struct {
	entry *index.Entry
}

// Device is a remapping block device. It owns the remap index, the
// metadata engine, the spare pool, and all background workers.
type Device struct {
	name   string
	params DeviceParams

	main  backing.Store
	spare backing.Store

	idx  *index.Index
	meta *metadata.Engine
	pool *sparepool.Pool
	cfg  metadata.Config

	sectorSize uint32

	metrics    *Metrics
	observer   Observer
	logger     *logging.Logger
	userLogger Logger

	active    atomic.Bool
	cancelled atomic.Bool
	spareFull atomic.Bool

	done    chan struct{}
	workers sync.WaitGroup
	jobs    chan remapJob
}

// New opens the backing devices and constructs a remap device. If the
// spare carries valid metadata for this main device the index is
// populated from it; a fresh spare is initialized with an empty table.
func New(params DeviceParams, options *Options) (*Device, error) {
	openOpts := backing.OpenOptions{
		SectorSize:   params.SectorSize,
		DisableURing: params.DisableURing,
	}
	main, err := backing.Open(params.MainPath, openOpts)
	if err != nil {
		return nil, WrapError("construct", err)
	}
	spare, err := backing.Open(params.SparePath, openOpts)
	if err != nil {
		main.Close()
		return nil, WrapError("construct", err)
	}
	if params.Mode == "" {
		params.Mode = ModeReal
	}
	d, err := newWithStores(params, main, spare, options)
	if err != nil {
		main.Close()
		spare.Close()
		return nil, err
	}
	return d, nil
}

// newWithStores constructs a device over already-open stores. Demo mode
// and tests inject memory stores here; the device takes ownership of
// both stores on success.
func newWithStores(params DeviceParams, main, spare backing.Store, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}
	if params.Name == "" {
		params.Name = "remap0"
	}
	if params.SectorSize == 0 {
		params.SectorSize = main.SectorSize()
	}
	if params.SectorSize == 0 || params.SectorSize&(params.SectorSize-1) != 0 {
		return nil, NewError("construct", KindInvalidParameters,
			fmt.Sprintf("sector size %d is not a power of two", params.SectorSize))
	}
	if params.LengthSectors == 0 {
		params.LengthSectors = main.Capacity() - params.StartSector
	}
	if params.StartSector+params.LengthSectors > main.Capacity() {
		return nil, NewError("construct", KindInvalidParameters, "table exceeds main device")
	}
	if params.SpareOverheadPercent <= 0 {
		params.SpareOverheadPercent = constants.DefaultSpareOverheadPercent
	}
	if params.Mode == "" {
		params.Mode = ModeDemo
	}

	// The spare must hold the metadata region plus the configured
	// fraction of the main capacity.
	if spare.Capacity() < constants.DataRegionStart {
		return nil, NewError("construct", KindInvalidParameters, "spare smaller than metadata region")
	}
	spareData := spare.Capacity() - constants.DataRegionStart
	if spareData*100 < main.Capacity()*uint64(params.SpareOverheadPercent) {
		return nil, NewError("construct", KindInvalidParameters,
			fmt.Sprintf("spare data region %d sectors is under %d%% of main capacity",
				spareData, params.SpareOverheadPercent))
	}

	d := &Device{
		name:       params.Name,
		params:     params,
		main:       main,
		spare:      spare,
		pool:       sparepool.New(constants.DataRegionStart, spare.Capacity()),
		sectorSize: params.SectorSize,
		metrics:    NewMetrics(),
		observer:   options.Observer,
		logger:     logging.Default().WithPrefix(params.Name),
		userLogger: options.Logger,
		done:       make(chan struct{}),
		jobs:       make(chan remapJob, 256),
	}
	if d.observer == nil {
		d.observer = &NoOpObserver{}
	}

	d.meta = metadata.NewEngine(spare, &d.cancelled, d.logger)
	d.meta.Verify = params.VerifyAfterPersist

	loadedCfg, records, err := d.meta.Load()
	switch {
	case err == nil:
		if err := d.attachLoaded(loadedCfg, records); err != nil {
			return nil, err
		}
		// Stale or corrupt copies are rewritten in the background.
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			d.meta.RepairStale(records, d.cfg)
		}()
	case err == metadata.ErrNoValidMetadata:
		if err := d.initFresh(); err != nil {
			return nil, err
		}
	default:
		return nil, WrapError("construct", err)
	}

	d.workers.Add(3)
	go func() {
		defer d.workers.Done()
		d.idx.Run(d.done)
	}()
	go func() {
		defer d.workers.Done()
		d.meta.RunSync(d.done, d.snapshot)
	}()
	go func() {
		defer d.workers.Done()
		d.remapWorker()
	}()

	d.active.Store(true)
	registerDevice(d)
	d.logger.Info("device active",
		"main", params.MainPath, "spare", params.SparePath,
		"remaps", d.idx.Len(), "counter", d.meta.Counter(), "mode", params.Mode)
	if d.userLogger != nil {
		d.userLogger.Printf("remap device %s active with %d remaps", d.name, d.idx.Len())
	}
	return d, nil
}

// attachLoaded verifies the fingerprint and populates the index from
// loaded records. Persisted PENDING entries had their creating persist
// complete by definition, so they come back ACTIVE.
func (d *Device) attachLoaded(cfg metadata.Config, records []index.Record) error {
	fp := cfg.Fingerprint
	if fp.SizeSectors != d.main.Capacity() || fp.LogicalBlockSize != d.sectorSize {
		return NewDeviceError("construct", d.name, KindWrongMainDevice,
			fmt.Sprintf("metadata fingerprint (size %d, lbs %d) does not match main (size %d, lbs %d)",
				fp.SizeSectors, fp.LogicalBlockSize, d.main.Capacity(), d.sectorSize))
	}
	d.cfg = cfg

	d.idx = index.New(len(records) * 13 / 10)
	for _, r := range records {
		state := index.StateActive
		if r.State == index.StateFailed {
			state = index.StateFailed
		}
		if err := d.idx.Insert(index.NewEntry(r.Main, r.Spare, r.Length, state)); err != nil {
			d.logger.Warn("dropping conflicting metadata record", "main", r.Main, "error", err)
			continue
		}
		if err := d.pool.Reserve(r.Spare, r.Length); err != nil {
			d.logger.Warn("dropping record with unreservable spare range", "main", r.Main, "error", err)
			d.idx.Remove(r.Main)
		}
	}
	return nil
}

// initFresh initializes an empty index and persists a fresh metadata
// set with version counter 1.
func (d *Device) initFresh() error {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	d.cfg = metadata.Config{
		Fingerprint: metadata.Fingerprint{
			ID:                id,
			SizeSectors:       d.main.Capacity(),
			LogicalBlockSize:  d.sectorSize,
			PhysicalBlockSize: d.main.PhysicalBlockSize(),
		},
		Target: metadata.TargetConfig{SectorSize: d.sectorSize},
	}
	d.idx = index.New(0)
	if err := d.meta.Persist(nil, d.cfg); err != nil {
		return WrapError("construct", err)
	}
	d.logger.Info("initialized fresh metadata", "counter", d.meta.Counter())
	return nil
}

// snapshot captures the index and configuration for the sync worker.
func (d *Device) snapshot() ([]index.Record, metadata.Config) {
	return d.idx.Snapshot(), d.cfg
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Active reports whether the device is serving I/O.
func (d *Device) Active() bool {
	return d.active.Load()
}

// Metrics returns the device metrics.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// VersionCounter returns the metadata version counter.
func (d *Device) VersionCounter() uint64 {
	return d.meta.Counter()
}

// SpareRemaining returns the free spare data capacity in sectors.
func (d *Device) SpareRemaining() uint64 {
	return d.pool.Remaining()
}

// Close tears the device down: background work is cancelled, in-flight
// metadata writes are signalled, workers are joined with a bounded
// timeout, and the backing stores are released. Close never blocks
// forever on a vanished device.
func (d *Device) Close() error {
	if !d.active.CompareAndSwap(true, false) {
		return nil
	}
	d.cancelled.Store(true)
	d.metrics.Stop()
	close(d.done)

	if !waitTimeout(&d.workers, constants.TeardownTimeout) {
		d.logger.Warn("workers did not exit within teardown timeout; abandoning")
	}

	// Pending jobs never made it to a persist; their entries are
	// dropped with the in-memory state.
	for {
		select {
		case job := <-d.jobs:
			d.idx.Remove(job.entry.Main)
			d.pool.Release(job.entry.Spare, job.entry.Length)
			continue
		default:
		}
		break
	}

	unregisterDevice(d.name)
	mainErr := d.main.Close()
	spareErr := d.spare.Close()
	d.logger.Info("device closed")
	if mainErr != nil {
		return WrapError("destruct", mainErr)
	}
	if spareErr != nil {
		return WrapError("destruct", spareErr)
	}
	return nil
}

// waitTimeout waits for the group with an upper bound.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// remapWorker makes queued pending remaps durable: write-ahead persist
// first, activation after. The original failed write is never retried
// here; the next I/O to the sector redirects.
func (d *Device) remapWorker() {
	for {
		select {
		case <-d.done:
			return
		case job := <-d.jobs:
			d.runRemapJob(job)
		}
	}
}

func (d *Device) runRemapJob(job remapJob) {
	e := job.entry
	if d.cancelled.Load() {
		d.idx.Remove(e.Main)
		d.pool.Release(e.Spare, e.Length)
		return
	}

	records, cfg := d.snapshot()
	if err := d.meta.Persist(records, cfg); err != nil {
		// The pending entry is not durable; take it back out so the
		// next error at this sector retries from scratch.
		d.idx.Remove(e.Main)
		d.pool.Release(e.Spare, e.Length)
		d.logger.Warn("remap creation persist failed", "main", e.Main, "error", err)
		return
	}

	e.SetState(index.StateActive)
	d.metrics.RemapsCreated.Add(1)
	d.observer.ObserveRemapCreated(e.Main, e.Spare, e.Length)
	d.logger.Info("remap active", "main", e.Main, "spare", e.Spare, "length", e.Length)
}

// Remap is the public view of one entry.
type Remap struct {
	MainSector  uint64
	SpareSector uint64
	Length      uint32
	State       string
}

// Find returns the remap covering sector in any state.
func (d *Device) Find(sector uint64) (Remap, bool) {
	e, ok := d.idx.Find(sector)
	if !ok {
		return Remap{}, false
	}
	return Remap{
		MainSector:  e.Main,
		SpareSector: e.Spare,
		Length:      e.Length,
		State:       e.State().String(),
	}, true
}

// Remaps returns all entries.
func (d *Device) Remaps() []Remap {
	records := d.idx.Snapshot()
	out := make([]Remap, 0, len(records))
	for _, r := range records {
		out = append(out, Remap{
			MainSector:  r.Main,
			SpareSector: r.Spare,
			Length:      r.Length,
			State:       r.State.String(),
		})
	}
	return out
}

// ActiveRemapCount returns the number of ACTIVE entries.
func (d *Device) ActiveRemapCount() int {
	n := 0
	for _, r := range d.idx.Snapshot() {
		if r.State == index.StateActive {
			n++
		}
	}
	return n
}

// AddRemap creates a manual remap of length sectors from mainSector to
// spareSector, write-ahead persisted before activation. Adding a remap
// for an already-mapped sector returns KindDuplicate and changes
// nothing.
func (d *Device) AddRemap(mainSector, spareSector uint64, length uint32) error {
	if !d.active.Load() {
		return NewDeviceError("add_remap", d.name, KindCancelled, "device is shutting down")
	}
	if length == 0 {
		return NewError("add_remap", KindInvalidParameters, "zero length")
	}
	if mainSector+uint64(length) > d.params.StartSector+d.params.LengthSectors {
		return NewError("add_remap", KindInvalidParameters, "main range outside table")
	}
	if spareSector < constants.DataRegionStart ||
		spareSector+uint64(length) > d.spare.Capacity() {
		return NewError("add_remap", KindInvalidParameters, "spare range outside data region")
	}

	e := index.NewEntry(mainSector, spareSector, length, index.StatePending)
	if err := d.idx.Insert(e); err != nil {
		return NewSectorErrorKind("add_remap", mainSector, KindDuplicate)
	}
	if err := d.pool.Reserve(spareSector, length); err != nil {
		d.idx.Remove(mainSector)
		return NewError("add_remap", KindInvalidParameters, err.Error())
	}

	records, cfg := d.snapshot()
	if err := d.meta.Persist(records, cfg); err != nil {
		d.idx.Remove(mainSector)
		d.pool.Release(spareSector, length)
		return WrapError("add_remap", err)
	}

	e.SetState(index.StateActive)
	d.metrics.RemapsCreated.Add(1)
	d.observer.ObserveRemapCreated(mainSector, spareSector, length)
	return nil
}

// RemoveRemap deletes the remap starting at mainSector. The change is
// persisted by the sync worker.
func (d *Device) RemoveRemap(mainSector uint64) error {
	rec, ok := d.idx.Remove(mainSector)
	if !ok {
		return NewSectorErrorKind("remove_remap", mainSector, KindNotFound)
	}
	d.pool.Release(rec.Spare, rec.Length)
	d.spareFull.Store(false)
	d.meta.MarkDirty()
	return nil
}

// ClearAll removes every remap.
func (d *Device) ClearAll() error {
	for _, r := range d.idx.Snapshot() {
		d.pool.Release(r.Spare, r.Length)
	}
	d.idx.Clear()
	d.spareFull.Store(false)
	d.meta.MarkDirty()
	return nil
}

// Save forces a metadata persist now.
func (d *Device) Save() error {
	records, cfg := d.snapshot()
	if err := d.meta.Persist(records, cfg); err != nil {
		return WrapError("save", err)
	}
	return nil
}

// MetadataStatus returns the per-copy metadata state.
func (d *Device) MetadataStatus() metadata.Status {
	return d.meta.MetadataStatus()
}

// SpareAdd attaches an additional spare device. The engine is
// single-spare: while one is attached the request is refused.
func (d *Device) SpareAdd(path string) error {
	return NewDeviceError("spare_add", d.name, KindBusy,
		"a spare is already attached; single-spare engine")
}

// SpareRemove detaches the spare. Refused while the spare holds the
// metadata set or any remapped sectors.
func (d *Device) SpareRemove(path string) error {
	if path != d.params.SparePath {
		return NewDeviceError("spare_remove", d.name, KindNotFound, "no such spare: "+path)
	}
	return NewDeviceError("spare_remove", d.name, KindBusy,
		"spare holds the metadata set and active remaps")
}

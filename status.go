package remap

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Status is the positional status report. Field order and meaning are
// stable; String renders the wire form consumed by management tooling.
type Status struct {
	StartSector   uint64
	LengthSectors uint64
	TargetType    string
	Version       string
	MainPath      string
	SparePath     string

	Metrics MetricsSnapshot

	ActiveRemaps   int
	SectorSize     uint32
	SpareRemaining uint64

	HealthScore int
	State       OperationalState
	Mode        DeviceMode
}

// Status returns a point-in-time status report.
func (d *Device) Status() Status {
	return Status{
		StartSector:    d.params.StartSector,
		LengthSectors:  d.params.LengthSectors,
		TargetType:     TargetType,
		Version:        Version,
		MainPath:       d.params.MainPath,
		SparePath:      d.params.SparePath,
		Metrics:        d.metrics.Snapshot(),
		ActiveRemaps:   d.ActiveRemapCount(),
		SectorSize:     d.sectorSize,
		SpareRemaining: d.pool.Remaining(),
		HealthScore:    d.HealthScore(),
		State:          d.operationalState(),
		Mode:           d.params.Mode,
	}
}

func (d *Device) operationalState() OperationalState {
	if d.spareFull.Load() || !d.active.Load() {
		return StateMaintenance
	}
	return StateOperational
}

// String renders the stable positional form:
//
//	 1 start sector            2 length in sectors
//	 3 target type             4 version string
//	 5 main device path        6 spare device path
//	 7 total reads             8 total writes
//	 9 remaps created         10 total I/O errors
//	11 active remap count
//	12 I/O ops completed      13 total I/O time (ns)
//	14 avg latency (ns)       15 throughput (B/s)
//	16 sector size            17 spare capacity remaining (sectors)
//	18 total I/Os             19 normal I/Os
//	20 remapped I/Os          21 remapped sector count
//	22 cache hits             23 cache misses
//	24 fast-path hits         25 slow-path hits
//	26 health scans performed
//	27 health score (0-100)   28 hotspot count
//	29 cache hit rate (%)
//	30 operational state      31 device mode
func (s Status) String() string {
	m := s.Metrics
	fields := []string{
		fmt.Sprintf("%d", s.StartSector),
		fmt.Sprintf("%d", s.LengthSectors),
		s.TargetType,
		s.Version,
		s.MainPath,
		s.SparePath,
		fmt.Sprintf("%d", m.TotalReads),
		fmt.Sprintf("%d", m.TotalWrites),
		fmt.Sprintf("%d", m.RemapsCreated),
		fmt.Sprintf("%d", m.IOErrors),
		fmt.Sprintf("%d", s.ActiveRemaps),
		fmt.Sprintf("%d", m.IOOpsCompleted),
		fmt.Sprintf("%d", m.TotalIOTimeNs),
		fmt.Sprintf("%d", m.AvgLatencyNs),
		fmt.Sprintf("%d", m.ThroughputBps),
		fmt.Sprintf("%d", s.SectorSize),
		fmt.Sprintf("%d", s.SpareRemaining),
		fmt.Sprintf("%d", m.TotalIOs),
		fmt.Sprintf("%d", m.NormalIOs),
		fmt.Sprintf("%d", m.RemappedIOs),
		fmt.Sprintf("%d", m.RemappedSectors),
		fmt.Sprintf("%d", m.CacheHits),
		fmt.Sprintf("%d", m.CacheMisses),
		fmt.Sprintf("%d", m.FastPathHits),
		fmt.Sprintf("%d", m.SlowPathHits),
		fmt.Sprintf("%d", m.HealthScans),
		fmt.Sprintf("%d", s.HealthScore),
		fmt.Sprintf("%d", m.HotspotCount),
		fmt.Sprintf("%d", m.CacheHitRate),
		string(s.State),
		string(s.Mode),
	}
	return strings.Join(fields, " ")
}

// TableLine renders the target construction line:
// <start> <length> <type> <main> <spare>
func (s Status) TableLine() string {
	return fmt.Sprintf("%d %d %s %s %s",
		s.StartSector, s.LengthSectors, s.TargetType, s.MainPath, s.SparePath)
}

// Stats renders a human-readable statistics summary.
func (d *Device) Stats() string {
	s := d.Status()
	m := s.Metrics
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s)\n", d.name, s.Mode, s.State)
	fmt.Fprintf(&b, "  reads: %s  writes: %s  errors: %s\n",
		humanize.Comma(int64(m.TotalReads)),
		humanize.Comma(int64(m.TotalWrites)),
		humanize.Comma(int64(m.IOErrors)))
	fmt.Fprintf(&b, "  remaps: %d active, %s created, %s sectors redirected\n",
		s.ActiveRemaps,
		humanize.Comma(int64(m.RemapsCreated)),
		humanize.Comma(int64(m.RemappedSectors)))
	fmt.Fprintf(&b, "  spare: %s free of %s\n",
		humanize.IBytes(s.SpareRemaining*uint64(s.SectorSize)),
		humanize.IBytes(d.pool.Total()*uint64(s.SectorSize)))
	fmt.Fprintf(&b, "  latency: %s avg  throughput: %s/s\n",
		fmtLatency(m.AvgLatencyNs), humanize.IBytes(m.ThroughputBps))
	fmt.Fprintf(&b, "  health: %d/100, %d hotspots, %d%% hit rate\n",
		s.HealthScore, m.HotspotCount, m.CacheHitRate)
	fmt.Fprintf(&b, "  metadata: version counter %d\n", d.meta.Counter())
	return b.String()
}

func fmtLatency(ns uint64) string {
	switch {
	case ns >= 1_000_000:
		return fmt.Sprintf("%dms", ns/1_000_000)
	case ns >= 1_000:
		return fmt.Sprintf("%dus", ns/1_000)
	default:
		return fmt.Sprintf("%dns", ns)
	}
}

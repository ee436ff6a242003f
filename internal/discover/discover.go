// Package discover reassembles remap devices from metadata alone. Given
// candidate block devices it loads each one's metadata, groups spares
// by the main device they point at, and scores how much a reconstructor
// should trust each group.
package discover

import (
	"sort"
	"sync/atomic"

	"github.com/behrlich/go-remap/internal/backing"
	"github.com/behrlich/go-remap/internal/constants"
	"github.com/behrlich/go-remap/internal/index"
	"github.com/behrlich/go-remap/internal/logging"
	"github.com/behrlich/go-remap/internal/metadata"
)

// Candidate is one scanned device carrying valid metadata.
type Candidate struct {
	Path        string
	Config      metadata.Config
	Records     []index.Record
	Counter     uint64
	ValidCopies int
}

// Descriptor is the reassembly result for one main device: everything
// the host framework needs to invoke target construction, plus the
// confidence score.
type Descriptor struct {
	Fingerprint metadata.Fingerprint
	SparePath   string
	Target      metadata.TargetConfig
	Records     []index.Record
	Counter     uint64
	Confidence  int
}

// Options configure a scan.
type Options struct {
	// Threshold is the minimum confidence accepted; descriptors below
	// it are dropped. Zero means the default.
	Threshold int

	// OpenStore overrides how candidate paths are opened. Tests and
	// demo mode inject memory stores here.
	OpenStore func(path string) (backing.Store, error)

	Logger *logging.Logger
}

// Confidence scoring, fixed-point integer arithmetic throughout. The
// score is monotone in the number of valid copies and in version
// freshness within a group.
const (
	copyWeight     = 12 // per valid copy, capped
	copyWeightCap  = 60
	freshnessMax   = 25
	stalenessStep  = 5 // penalty per version behind the group's newest
	consistencyPts = 15
)

func confidence(c Candidate, newestCounter uint64) int {
	score := c.ValidCopies * copyWeight
	if score > copyWeightCap {
		score = copyWeightCap
	}

	staleness := int(newestCounter - c.Counter)
	penalty := staleness * stalenessStep
	if penalty > freshnessMax {
		penalty = freshnessMax
	}
	score += freshnessMax - penalty

	// A candidate with at least one valid copy gets the consistency
	// points; the valid copies are not compared with each other.
	if c.ValidCopies > 0 {
		score += consistencyPts
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Scan examines each candidate path and returns one descriptor per
// discovered main device, best candidate first. Devices without valid
// metadata are skipped silently; scan-level failures to open are
// logged and skipped.
func Scan(paths []string, opts Options) []Descriptor {
	if opts.Threshold == 0 {
		opts.Threshold = constants.DefaultConfidenceThreshold
	}
	if opts.OpenStore == nil {
		opts.OpenStore = func(path string) (backing.Store, error) {
			return backing.Open(path, backing.OpenOptions{})
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var candidates []Candidate
	for _, path := range paths {
		cand, ok := examine(path, opts.OpenStore, logger)
		if ok {
			candidates = append(candidates, cand)
		}
	}

	// Group by main-device fingerprint.
	groups := make(map[metadata.Fingerprint][]Candidate)
	for _, c := range candidates {
		groups[c.Config.Fingerprint] = append(groups[c.Config.Fingerprint], c)
	}

	var out []Descriptor
	for fp, members := range groups {
		newest := uint64(0)
		for _, m := range members {
			if m.Counter > newest {
				newest = m.Counter
			}
		}
		// Within a group the highest counter wins; confidence breaks
		// remaining ties.
		sort.Slice(members, func(i, j int) bool {
			if members[i].Counter != members[j].Counter {
				return members[i].Counter > members[j].Counter
			}
			return members[i].ValidCopies > members[j].ValidCopies
		})
		best := members[0]
		score := confidence(best, newest)
		if score < opts.Threshold {
			logger.Info("reassembly refused: confidence below threshold",
				"spare", best.Path, "confidence", score, "threshold", opts.Threshold)
			continue
		}
		out = append(out, Descriptor{
			Fingerprint: fp,
			SparePath:   best.Path,
			Target:      best.Config.Target,
			Records:     best.Records,
			Counter:     best.Counter,
			Confidence:  score,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// examine loads metadata from one path. Not finding metadata is the
// common case during a scan and is not an error.
func examine(path string, open func(string) (backing.Store, error), logger *logging.Logger) (Candidate, bool) {
	store, err := open(path)
	if err != nil {
		logger.Debug("scan: cannot open candidate", "path", path, "error", err)
		return Candidate{}, false
	}
	defer store.Close()

	var cancelled atomic.Bool
	eng := metadata.NewEngine(store, &cancelled, logger)
	cfg, records, err := eng.Load()
	if err != nil {
		return Candidate{}, false
	}

	valid := 0
	for _, c := range eng.MetadataStatus().Copies {
		if c.Valid {
			valid++
		}
	}
	return Candidate{
		Path:        path,
		Config:      cfg,
		Records:     records,
		Counter:     eng.Counter(),
		ValidCopies: valid,
	}, true
}

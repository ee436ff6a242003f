package remap

// Health scoring is fixed-point integer arithmetic throughout so the
// score is deterministic across platforms. The score starts at 100 and
// is monotone non-increasing in the I/O error rate, spare pool usage,
// and metadata copy damage.

const (
	errorRatePenaltyCap  = 40
	spareUsagePenaltyCap = 30
	copyPenaltyPerStale  = 6
	copyPenaltyCap       = 30
)

// HealthScore evaluates the device's health in [0, 100].
func (d *Device) HealthScore() int {
	d.metrics.HealthScans.Add(1)

	score := 100

	// I/O error rate: the fraction of completed requests that failed,
	// scaled to the penalty cap.
	total := d.metrics.TotalIOs.Load()
	if total > 0 {
		penalty := int(d.metrics.IOErrors.Load() * errorRatePenaltyCap / total)
		if penalty > errorRatePenaltyCap {
			penalty = errorRatePenaltyCap
		}
		score -= penalty
	}

	// Spare consumption: a nearly full pool means the device is close
	// to losing its ability to relocate.
	if t := d.pool.Total(); t > 0 {
		used := t - d.pool.Remaining()
		penalty := int(used * spareUsagePenaltyCap / t)
		score -= penalty
	}

	// Metadata redundancy damage.
	stale := 0
	for _, c := range d.meta.MetadataStatus().Copies {
		if !c.Valid {
			stale++
		}
	}
	penalty := stale * copyPenaltyPerStale
	if penalty > copyPenaltyCap {
		penalty = copyPenaltyCap
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	return score
}

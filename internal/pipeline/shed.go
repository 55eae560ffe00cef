package pipeline

// ShedPolicy decides whether a captured frame is dropped before enqueueing,
// based on the occupancy ratio of the downstream queue. Shedding is
// probabilistic in the middle band so the transcript degrades gradually under
// load instead of cutting out entirely.
//
// Independent of the policy, a full queue at enqueue time triggers the
// emergency path: the oldest queued frame is evicted to make room, favoring
// recency over completeness.
type ShedPolicy struct {
	// LowWater is the occupancy ratio below which every frame is kept.
	LowWater float64
	// HighWater is the occupancy ratio at which HighDropP applies.
	// Between LowWater and HighWater, MidDropP applies.
	HighWater float64
	// MidDropP is the per-frame drop probability in [LowWater, HighWater).
	MidDropP float64
	// HighDropP is the per-frame drop probability at or above HighWater.
	HighDropP float64
}

// DefaultShedPolicy returns the tuned default bands: keep everything below
// 60% occupancy, drop 30% of frames between 60% and 80%, drop 80% above.
func DefaultShedPolicy() ShedPolicy {
	return ShedPolicy{LowWater: 0.6, HighWater: 0.8, MidDropP: 0.3, HighDropP: 0.8}
}

// DropProbability returns the drop probability for the given occupancy ratio.
func (p ShedPolicy) DropProbability(occupancy float64) float64 {
	switch {
	case occupancy < p.LowWater:
		return 0
	case occupancy < p.HighWater:
		return p.MidDropP
	default:
		return p.HighDropP
	}
}

// shouldDrop samples the policy for one frame. randFloat must return a value
// uniformly distributed in [0, 1).
func (p ShedPolicy) shouldDrop(occupancy float64, randFloat func() float64) bool {
	pr := p.DropProbability(occupancy)
	if pr <= 0 {
		return false
	}
	return randFloat() < pr
}

package orchestrator

import "math/rand/v2"

// ProgressCeiling is the highest value the ticker reports before the
// coordinator pins a terminal task to 100.
const ProgressCeiling = 95

// Jitter returns a uniformly chosen integer in [lo, hi].
type Jitter func(lo, hi int) int

func randomJitter(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

// NextProgress applies one tick of the front-loaded curve to p: large steps
// while the task is young, shrinking steps as it nears the ceiling.
func NextProgress(p int, jitter Jitter) int {
	if jitter == nil {
		jitter = randomJitter
	}
	var step int
	switch {
	case p < 30:
		step = jitter(5, 13)
	case p < 70:
		step = jitter(3, 8)
	case p < 90:
		step = jitter(1, 4)
	default:
		step = jitter(0, 2)
	}
	if step < 0 {
		step = 0
	}
	next := p + step
	if next > ProgressCeiling {
		next = ProgressCeiling
	}
	if next < p {
		return p
	}
	return next
}

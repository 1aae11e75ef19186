package throttle

import (
	"math/rand"
	"time"

	"campaign-engine/internal/models"
)

// Throttle computes the anti-abuse pause between sends. It is intentionally
// stateless per call: a uniform draw from the configured window, not a
// token-bucket, and it ignores provider-side rate feedback.
type Throttle struct {
	rng *rand.Rand

	// batchPauseDefault applies at batch boundaries when the campaign does
	// not configure its own inter-batch pause.
	batchPauseDefault time.Duration
}

// New seeds a throttle. batchPauseDefault may be zero, in which case batch
// boundaries fall back to the per-message window.
func New(batchPauseDefault time.Duration) *Throttle {
	return &Throttle{
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		batchPauseDefault: batchPauseDefault,
	}
}

// NextDelay draws a uniform duration in [MinDelayMs, MaxDelayMs] inclusive.
func (t *Throttle) NextDelay(ab models.AntiBan) time.Duration {
	min, max := ab.MinDelayMs, ab.MaxDelayMs
	if max < min {
		max = min
	}
	ms := min
	if span := max - min; span > 0 {
		ms += t.rng.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// BatchPause returns the longer inter-batch pause, used instead of (not in
// addition to) the per-message delay at batch boundaries.
func (t *Throttle) BatchPause(ab models.AntiBan) time.Duration {
	if ab.BatchPauseMs > 0 {
		return time.Duration(ab.BatchPauseMs) * time.Millisecond
	}
	if t.batchPauseDefault > 0 {
		return t.batchPauseDefault
	}
	return t.NextDelay(ab)
}

// BatchBoundary reports whether a batch pause applies after the send at the
// given zero-based index.
func BatchBoundary(ab models.AntiBan, index int) bool {
	return ab.BatchSize > 0 && (index+1)%ab.BatchSize == 0
}

package proposal

import (
	"math"
	"time"
)

const defaultHalfLife = 365 * 24 * time.Hour

// halfLife returns the configured half-life, one year when unset.
func (d DecayConfig) halfLife() time.Duration {
	if d.HalfLifeDays <= 0 {
		return defaultHalfLife
	}
	return time.Duration(d.HalfLifeDays) * 24 * time.Hour
}

// Decay ages an answer's self-reported confidence before it is compared with
// the review threshold: it halves every half-life after answeredAt and never
// drops below Floor. Answers without a timestamp, or dated in the future,
// keep their confidence. Confidence above 1 is capped at 1.
func (d DecayConfig) Decay(confidence float64, answeredAt, now time.Time) float64 {
	if confidence <= 0 {
		return 0
	}
	confidence = math.Min(confidence, 1)

	age := now.Sub(answeredAt)
	if answeredAt.IsZero() || age <= 0 {
		return confidence
	}
	aged := confidence * math.Exp2(-float64(age)/float64(d.halfLife()))
	return math.Max(aged, d.Floor)
}

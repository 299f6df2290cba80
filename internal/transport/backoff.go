package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the wait between TCP dial attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the wait before retry number retry (1-based). With jitter the
// delay is scaled by a factor in [0.5, 1.5).
func (b BackoffConfig) Delay(retry int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	mult := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(retry-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}

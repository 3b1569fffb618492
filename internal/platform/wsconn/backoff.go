package wsconn

import (
	"math"
	"time"
)

// Backoff returns clamp(base * factor^attempt, base, max).
func Backoff(attempt int, base, max time.Duration, factor float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(max) {
		return max
	}
	if d < float64(base) {
		return base
	}
	return time.Duration(d)
}

// WithJitter scales d by a factor drawn uniformly from [1-pct, 1+pct].
// r must be in [0, 1).
func WithJitter(d time.Duration, pct, r float64) time.Duration {
	pct = clampFloat(pct, 0, 1)
	f := (1 - pct) + r*2*pct
	out := time.Duration(math.Round(float64(d) * f))
	if out < 0 {
		return 0
	}
	return out
}

// stalePollInterval is a quarter of the stale threshold, kept between 1s and 5s.
func stalePollInterval(stale time.Duration) time.Duration {
	p := stale / 4
	if p < time.Second {
		return time.Second
	}
	if p > 5*time.Second {
		return 5 * time.Second
	}
	return p
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

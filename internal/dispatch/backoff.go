package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// Policy defaults.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 60 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitterFactor   = 0.1
	DefaultMaxAttempts    = 10
)

// Policy is the retry policy applied uniformly to every entry.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64 // total jitter width, applied as ±factor/2
	MaxAttempts    int
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
		JitterFactor:   DefaultJitterFactor,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// base returns the un-jittered backoff for a retry count:
// min(max, initial × multiplier^retryCount).
func (p Policy) base(retryCount int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(retryCount))
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Delay returns the jittered backoff for a retry count. Jitter is
// proportional: ±JitterFactor/2 around the base value, spreading retry
// storms from entries that failed at the same instant.
func (p Policy) Delay(retryCount int) time.Duration {
	base := float64(p.base(retryCount))
	jittered := base * (1 + p.JitterFactor*(rand.Float64()-0.5))
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

package internal

import (
	"math"
	"sync/atomic"
	"time"
)

// Prand32 generates a pseudo random number from a seed.
func Prand32[T ~uint32](seed T) T {
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}

// seedState is a process-wide xorshift generator seeded from the clock on
// first use. It backs [ExponentialRand] and [UniformRand]; the protocol
// math those feed (backoff/holdoff intervals) has no need of a
// cryptographic or even statistically rigorous source, only one cheap
// enough to call on every timer arm.
var seedState uint32 = 2463534242 // xorshift32 requires a nonzero seed.

func nextRand32() uint32 {
	for {
		old := atomic.LoadUint32(&seedState)
		next := Prand32(old)
		if atomic.CompareAndSwapUint32(&seedState, old, next) {
			return next
		}
	}
}

// SeedRand reseeds the package-wide random source. Intended for
// reproducible tests; production callers can ignore this.
func SeedRand(seed uint32) {
	if seed == 0 {
		seed = 1
	}
	atomic.StoreUint32(&seedState, seed)
}

// unitFloat returns a pseudo-random float64 in [0, 1).
func unitFloat() float64 {
	return float64(nextRand32()) / float64(math.MaxUint32+1)
}

// UniformRand returns a duration uniformly distributed in [0, max).
func UniformRand(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(unitFloat() * float64(max))
}

// ExponentialRand implements the NORM backoff random draw: a value
// uniformly distributed over [0, maxBackoff] but biased towards maxBackoff
// as groupSize grows, following the RFC 5740 recommendation
//
//	t = maxBackoff * (rand() / RAND_MAX) * (1/groupSize) +
//	    maxBackoff * (1 - 1/groupSize)
//
// so that with a single receiver (groupSize==1) the draw is uniform over
// [0, maxBackoff], and as groupSize grows the lower bound rises towards
// maxBackoff, spreading out concurrent NACK/feedback transmissions from a
// large group.
func ExponentialRand(maxBackoff time.Duration, groupSize float64) time.Duration {
	if maxBackoff <= 0 {
		return 0
	}
	if groupSize < 1 {
		groupSize = 1
	}
	inv := 1.0 / groupSize
	t := float64(maxBackoff)*unitFloat()*inv + float64(maxBackoff)*(1-inv)
	return time.Duration(t)
}

package pipeline

import "time"

// jitterFraction spreads retry delays by ±25% so many clients recovering
// from the same outage do not retry in lockstep.
const jitterFraction = 0.25

// retryDelay returns the wait before reconnect attempt n (0-based):
// base * 2^n clamped to [base, max], then jittered using r in [0,1).
// The jittered result is uniform in [0.75*capped, 1.25*capped].
func retryDelay(base, max time.Duration, attempt int, r float64) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 { // doubling past the cap, or overflow
			delay = max
			break
		}
	}
	if delay < base {
		delay = base
	}
	if delay > max {
		delay = max
	}

	jitter := time.Duration(float64(delay) * jitterFraction * (2*r - 1))
	return delay + jitter
}

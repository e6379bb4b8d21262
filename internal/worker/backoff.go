package worker

import (
	"errors"
	"math/rand"
	"time"

	"wegent/internal/agent"
)

type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
}

func (b backoff) withDefaults() backoff {
	if b.base <= 0 {
		b.base = 2 * time.Second
	}
	if b.max <= 0 {
		b.max = time.Minute
	}
	if b.jitter <= 0 {
		b.jitter = 0.2
	}
	return b
}

// retryHint extracts an explicit delay from err: a RetryAfter wrapper first,
// then an agent Retry-After header.
func retryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	var se *agent.StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

func (b backoff) delay(retry int, err error, rng *rand.Rand) time.Duration {
	d, ok := retryHint(err)
	if !ok {
		d = b.base
		for i := 1; i < retry; i++ {
			d *= 2
			if d > b.max {
				d = b.max
				break
			}
		}
	}
	if d < 0 {
		d = 0
	}
	if d > b.max {
		d = b.max
	}
	// Jitter the hint too to avoid thundering herds.
	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * b.jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > b.max {
		d = b.max
	}
	return d
}

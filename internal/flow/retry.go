package flow

import (
	"math/rand"
	"time"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// backoff returns the delay before retry attempt n (1-indexed) under policy,
// and whether n is still within the policy's attempt budget (spec §4.5.5
// "constant or exponential retry").
func backoff(policy *models.RetryPolicy, n int) (time.Duration, bool) {
	if policy == nil {
		return 0, false
	}
	if c := policy.Constant; c != nil {
		if n > c.Attempts {
			return 0, false
		}
		return time.Duration(c.Seconds) * time.Second, true
	}
	if e := policy.Exponential; e != nil {
		if n > e.Attempts {
			return 0, false
		}
		d := float64(e.Seconds) * pow(e.Multiplier, n-1)
		if e.RandomFactor > 0 {
			jitter := 1 + e.RandomFactor*(rand.Float64()*2-1)
			d *= jitter
		}
		return time.Duration(d * float64(time.Second)), true
	}
	return 0, false
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// Package ratelimit implements the two-tier token bucket spec §4.1
// describes: an optional process-global bucket and an optional per-job
// bucket, built on golang.org/x/time/rate as the teacher's
// internal/engine/ratelimit.go does for its single-tier bandwidth cap.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces chunk transfers against up to two token buckets. A nil
// *rate.Limiter in either tier is treated as unconfigured and bypasses
// accounting for that tier, per spec §4.1's "sentinel" requirement.
type Limiter struct {
	global *rate.Limiter
	job    *rate.Limiter
}

// New constructs a Limiter. globalBps/jobBps of 0 mean "unconfigured" for
// that tier. Burst for each tier equals one second of refill, as spec
// §4.1 requires.
func New(globalBps, jobBps int64) *Limiter {
	return &Limiter{
		global: newBucket(globalBps),
		job:    newBucket(jobBps),
	}
}

// NewGlobal constructs a Limiter with only the global tier configured.
func NewGlobal(globalBps int64) *Limiter {
	return New(globalBps, 0)
}

// NewJob constructs a Limiter with only the per-job tier configured.
func NewJob(jobBps int64) *Limiter {
	return New(0, jobBps)
}

// WithJobCap returns a Limiter sharing l's global-tier bucket with a
// fresh per-job bucket at jobBps, letting a scheduler compose one
// process-wide bucket against many jobs' individual caps without each
// job's Limiter owning an independent copy of the global tier. A nil
// receiver behaves as NewJob.
func (l *Limiter) WithJobCap(jobBps int64) *Limiter {
	if l == nil {
		return NewJob(jobBps)
	}
	return &Limiter{global: l.global, job: newBucket(jobBps)}
}

func newBucket(bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	burst := bps
	if burst > 1<<30 {
		burst = 1 << 30 // cap burst to avoid overflow on absurd configs
	}
	return rate.NewLimiter(rate.Limit(bps), int(burst))
}

// WaitN blocks until n bytes' worth of tokens are available from both
// configured tiers, splitting the request into sub-waits no larger than
// the smaller tier's burst when n exceeds capacity. A fully-unconfigured
// Limiter returns immediately.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || (l.global == nil && l.job == nil) {
		return nil
	}

	limit := smallerBurst(l.global, l.job)
	for n > 0 {
		chunk := n
		if limit > 0 && chunk > limit {
			chunk = limit
		}
		if l.global != nil {
			if err := l.global.WaitN(ctx, chunk); err != nil {
				return err
			}
		}
		if l.job != nil {
			if err := l.job.WaitN(ctx, chunk); err != nil {
				return err
			}
		}
		n -= chunk
	}
	return nil
}

func smallerBurst(a, b *rate.Limiter) int {
	best := 0
	if a != nil {
		best = a.Burst()
	}
	if b != nil {
		if best == 0 || b.Burst() < best {
			best = b.Burst()
		}
	}
	return best
}

// Unconfigured reports whether no tier is configured, i.e. WaitN is a
// no-op sentinel.
func (l *Limiter) Unconfigured() bool {
	return l == nil || (l.global == nil && l.job == nil)
}

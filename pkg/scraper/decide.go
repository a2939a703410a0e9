package scraper

import (
	"math"
	"time"
)

type Action int

const (
	// ActionDone acknowledges the job; nothing more to do.
	ActionDone Action = iota
	// ActionRelease puts the job back without consuming an attempt.
	ActionRelease
	// ActionRetry puts the job back as its next attempt.
	ActionRetry
	// ActionFail ends the job; the keyword has been marked failed.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRelease:
		return "release"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeDeferred is flow control: circuit open, rate budget spent, no
	// usable proxy, or storage unavailable.
	OutcomeDeferred
	// OutcomeFailed is an attempt that ran and failed.
	OutcomeFailed
)

// Backoff computes the wait before attempt n+1 after attempt n failed. An
// explicit Schedule wins; otherwise the delay grows exponentially from
// Base by Multiplier, capped at Max.
type Backoff struct {
	Schedule   []time.Duration
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay uniformly by up to this fraction either way.
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Schedule: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
	}
}

// Delay is deterministic for a given r in [0, 1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	attempt = max(attempt, 1)

	var d time.Duration
	if len(b.Schedule) > 0 {
		d = b.Schedule[min(attempt, len(b.Schedule))-1]
	} else {
		base := b.Base
		if base <= 0 {
			base = 30 * time.Second
		}
		mult := b.Multiplier
		if mult < 1 {
			mult = 2
		}
		d = time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	}

	if j := math.Min(math.Max(b.Jitter, 0), 1); j > 0 {
		d = time.Duration(float64(d) * (1 - j + 2*j*r))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	// Deferred jobs come back after a delay drawn from [ReleaseMin, ReleaseMax].
	ReleaseMin time.Duration
	ReleaseMax time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
		ReleaseMin:  30 * time.Second,
		ReleaseMax:  60 * time.Second,
	}
}

// DecideNextAction maps the outcome of attempt number attemptsSoFar to what
// the dispatcher does next. It does no I/O; r in [0, 1) supplies the
// randomness for jitter and release spreading.
func DecideNextAction(outcome Outcome, attemptsSoFar int, p RetryPolicy, r float64) Decision {
	switch outcome {
	case OutcomeSuccess:
		return Decision{Action: ActionDone}
	case OutcomeDeferred:
		lo, hi := p.ReleaseMin, max(p.ReleaseMax, p.ReleaseMin)
		return Decision{
			Action: ActionRelease,
			Delay:  lo + time.Duration(float64(hi-lo)*r),
		}
	}

	if attemptsSoFar >= max(p.MaxAttempts, 1) {
		return Decision{Action: ActionFail}
	}
	return Decision{
		Action: ActionRetry,
		Delay:  p.Backoff.Delay(attemptsSoFar, r),
	}
}

// Package monitor tracks scrape outcomes and drives the circuit breaker that
// stops outbound searches when the upstream starts blocking us.
//
// All state lives in the kv store so every worker process sees the same
// circuit:
//
//	scraper_circuit:state                 closed | open:<unixnano> | half_open:<unixnano>
//	scraper_circuit:consecutive_failures  reset on success, expires with the window
//	scraper_metrics:{success,failure}:<bucket>
//	scraper_metrics:reason:<bucket>:<reason>
//	scraper_metrics:total_{success,failure}
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rdhawladar/google-scraper/pkg/kv"
)

const (
	circuitKey     = "scraper_circuit:state"
	consecutiveKey = "scraper_circuit:consecutive_failures"
	metricsPrefix  = "scraper_metrics:"
	reasonPrefix   = metricsPrefix + "reason:"

	bucketsPerWindow = 5
	topReasons       = 5
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Config struct {
	// FailureThreshold consecutive failures inside Window open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects before letting a trial
	// request through.
	Cooldown time.Duration
	// Window bounds both the consecutive failure counter and the rolling
	// success rate.
	Window time.Duration
	// RecoveryRate closes an open circuit early when the rolling success
	// rate reaches it.
	RecoveryRate float64
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		Window:           5 * time.Minute,
		RecoveryRate:     0.8,
	}
}

type Monitor struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

func New(store kv.Store, cfg Config) *Monitor {
	return NewWithClock(store, cfg, time.Now)
}

func NewWithClock(store kv.Store, cfg Config, now func() time.Time) *Monitor {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RecoveryRate <= 0 {
		cfg.RecoveryRate = def.RecoveryRate
	}
	return &Monitor{store: store, cfg: cfg, now: now}
}

type circuit struct {
	state State
	since time.Time
	raw   string
}

func encode(s State, at time.Time) string {
	if s == StateClosed {
		return string(StateClosed)
	}
	return string(s) + ":" + strconv.FormatInt(at.UnixNano(), 10)
}

func (m *Monitor) load(ctx context.Context) (circuit, error) {
	raw, ok, err := m.store.Get(ctx, circuitKey)
	if err != nil {
		return circuit{}, fmt.Errorf("read circuit state: %w", err)
	}
	if !ok {
		return circuit{state: StateClosed}, nil
	}

	name, ts, _ := strings.Cut(raw, ":")
	c := circuit{state: State(name), raw: raw}
	if ns, err := strconv.ParseInt(ts, 10, 64); err == nil {
		c.since = time.Unix(0, ns)
	}
	switch c.state {
	case StateOpen, StateHalfOpen, StateClosed:
	default:
		slog.Warn("unknown circuit state, treating as closed", slog.String("value", raw))
		c.state = StateClosed
	}
	return c, nil
}

func (m *Monitor) transition(ctx context.Context, from circuit, to State) (bool, error) {
	ok, err := m.store.CompareAndSwap(ctx, circuitKey, from.raw, encode(to, m.now()), 0)
	if err != nil {
		return false, fmt.Errorf("swap circuit state: %w", err)
	}
	if ok {
		slog.Info("circuit breaker transition",
			slog.String("from", string(from.state)),
			slog.String("to", string(to)),
		)
	}
	return ok, nil
}

// Allow reports whether an outbound request may go ahead. Once the cooldown
// of an open circuit has elapsed exactly one caller wins the move to
// half-open and is allowed through as the trial; the rest keep being
// rejected until that trial reports back.
func (m *Monitor) Allow(ctx context.Context) (bool, error) {
	c, err := m.load(ctx)
	if err != nil {
		return false, err
	}

	switch c.state {
	case StateClosed:
		return true, nil
	case StateOpen, StateHalfOpen:
		// a half-open trial that never reported back is re-granted after
		// another cooldown
		if m.now().Sub(c.since) < m.cfg.Cooldown {
			return false, nil
		}
		return m.transition(ctx, c, StateHalfOpen)
	}
	return false, nil
}

// IsCircuitOpen is the negation of Allow, including its side effect of
// claiming the half-open trial.
func (m *Monitor) IsCircuitOpen(ctx context.Context) (bool, error) {
	ok, err := m.Allow(ctx)
	return !ok, err
}

// Status returns the stored circuit state without claiming a trial.
func (m *Monitor) Status(ctx context.Context) (State, error) {
	c, err := m.load(ctx)
	return c.state, err
}

// RecordSuccess tallies a successful attempt. A half-open circuit closes. An
// open circuit past its cooldown moves to half-open, and an open or freshly
// half-open circuit closes only once the windowed success rate reaches
// RecoveryRate.
func (m *Monitor) RecordSuccess(ctx context.Context) error {
	if err := m.count(ctx, "success"); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, consecutiveKey); err != nil {
		return fmt.Errorf("reset consecutive failures: %w", err)
	}

	c, err := m.load(ctx)
	if err != nil {
		return err
	}

	switch c.state {
	case StateHalfOpen:
		_, err = m.transition(ctx, c, StateClosed)
	case StateOpen:
		if m.now().Sub(c.since) >= m.cfg.Cooldown {
			ok, terr := m.transition(ctx, c, StateHalfOpen)
			if terr != nil || !ok {
				return terr
			}
			if c, err = m.load(ctx); err != nil {
				return err
			}
		}
		rate, _, _, rerr := m.successRate(ctx)
		if rerr != nil {
			return rerr
		}
		if rate >= m.cfg.RecoveryRate {
			_, err = m.transition(ctx, c, StateClosed)
		}
	}
	return err
}

// RecordFailure tallies a failed attempt under reason and opens the circuit
// once consecutive failures reach the threshold. A failure while half-open
// reopens immediately.
func (m *Monitor) RecordFailure(ctx context.Context, reason string) error {
	if err := m.count(ctx, "failure"); err != nil {
		return err
	}
	if err := m.tallyReason(ctx, reason); err != nil {
		return err
	}

	n, err := m.store.Increment(ctx, consecutiveKey, 1, m.cfg.Window)
	if err != nil {
		return fmt.Errorf("increment consecutive failures: %w", err)
	}

	slog.Warn("scraper failure recorded",
		slog.String("reason", reason),
		slog.Int64("consecutive_failures", n),
	)

	c, err := m.load(ctx)
	if err != nil {
		return err
	}

	switch {
	case c.state == StateHalfOpen:
		_, err = m.transition(ctx, c, StateOpen)
	case c.state == StateClosed && n >= int64(m.cfg.FailureThreshold):
		if ok, terr := m.transition(ctx, c, StateOpen); terr == nil && ok {
			slog.Error("circuit breaker opened due to excessive failures",
				slog.Int64("consecutive_failures", n),
				slog.Duration("cooldown", m.cfg.Cooldown),
			)
		} else {
			err = terr
		}
	}
	return err
}

// RecordRejection tallies a reason without counting an attempt. Used for
// requests the pipeline turned away itself, such as while the circuit is
// open, so they show up in the reason ranking without holding the circuit
// open.
func (m *Monitor) RecordRejection(ctx context.Context, reason string) error {
	return m.tallyReason(ctx, reason)
}

func (m *Monitor) bucket(t time.Time) int64 {
	size := m.bucketSize()
	return t.UnixNano() / size.Nanoseconds()
}

func (m *Monitor) bucketSize() time.Duration {
	return max(m.cfg.Window/bucketsPerWindow, time.Second)
}

func (m *Monitor) bucketTTL() time.Duration {
	return m.cfg.Window + m.bucketSize()
}

func (m *Monitor) count(ctx context.Context, kind string) error {
	b := strconv.FormatInt(m.bucket(m.now()), 10)
	if _, err := m.store.Increment(ctx, metricsPrefix+kind+":"+b, 1, m.bucketTTL()); err != nil {
		return fmt.Errorf("increment %s counter: %w", kind, err)
	}
	if _, err := m.store.Increment(ctx, metricsPrefix+"total_"+kind, 1, 0); err != nil {
		return fmt.Errorf("increment %s total: %w", kind, err)
	}
	return nil
}

func (m *Monitor) tallyReason(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "unknown"
	}
	b := strconv.FormatInt(m.bucket(m.now()), 10)
	if _, err := m.store.Increment(ctx, reasonPrefix+b+":"+reason, 1, m.bucketTTL()); err != nil {
		return fmt.Errorf("increment failure reason: %w", err)
	}
	return nil
}

// liveBuckets lists the buckets making up the rolling window.
func (m *Monitor) liveBuckets() map[int64]bool {
	cur := m.bucket(m.now())
	out := make(map[int64]bool, bucketsPerWindow)
	for i := int64(0); i < bucketsPerWindow; i++ {
		out[cur-i] = true
	}
	return out
}

func (m *Monitor) sumWindow(ctx context.Context, kind string) (int64, error) {
	var total int64
	for b := range m.liveBuckets() {
		n, err := kv.GetInt(ctx, m.store, metricsPrefix+kind+":"+strconv.FormatInt(b, 10))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// successRate is successes/(successes+failures) over the rolling window,
// 1 when nothing was recorded.
func (m *Monitor) successRate(ctx context.Context) (float64, int64, int64, error) {
	ok, err := m.sumWindow(ctx, "success")
	if err != nil {
		return 0, 0, 0, err
	}
	failed, err := m.sumWindow(ctx, "failure")
	if err != nil {
		return 0, 0, 0, err
	}
	if ok+failed == 0 {
		return 1, 0, 0, nil
	}
	return float64(ok) / float64(ok+failed), ok, failed, nil
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

type Metrics struct {
	SuccessRate         float64       `json:"success_rate"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	TotalSuccess        int64         `json:"total_success"`
	TotalFailure        int64         `json:"total_failure"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	CircuitStatus       State         `json:"circuit_status"`
	CircuitSince        *time.Time    `json:"circuit_since,omitempty"`
	FailureReasons      []ReasonCount `json:"failure_reasons"`
}

func (m *Monitor) Metrics(ctx context.Context) (Metrics, error) {
	var out Metrics
	var err error

	out.SuccessRate, out.SuccessCount, out.FailureCount, err = m.successRate(ctx)
	if err != nil {
		return out, err
	}
	if out.TotalSuccess, err = kv.GetInt(ctx, m.store, metricsPrefix+"total_success"); err != nil {
		return out, err
	}
	if out.TotalFailure, err = kv.GetInt(ctx, m.store, metricsPrefix+"total_failure"); err != nil {
		return out, err
	}
	if out.ConsecutiveFailures, err = kv.GetInt(ctx, m.store, consecutiveKey); err != nil {
		return out, err
	}

	c, err := m.load(ctx)
	if err != nil {
		return out, err
	}
	out.CircuitStatus = c.state
	if !c.since.IsZero() {
		since := c.since
		out.CircuitSince = &since
	}

	out.FailureReasons, err = m.reasons(ctx)
	return out, err
}

func (m *Monitor) reasons(ctx context.Context) ([]ReasonCount, error) {
	entries, err := m.store.Scan(ctx, reasonPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan failure reasons: %w", err)
	}

	live := m.liveBuckets()
	totals := make(map[string]int64)
	for key, val := range entries {
		b, reason, ok := strings.Cut(strings.TrimPrefix(key, reasonPrefix), ":")
		if !ok {
			continue
		}
		bucket, err := strconv.ParseInt(b, 10, 64)
		if err != nil || !live[bucket] {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		totals[reason] += n
	}

	out := make([]ReasonCount, 0, len(totals))
	for r, n := range totals {
		out = append(out, ReasonCount{Reason: r, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > topReasons {
		out = out[:topReasons]
	}
	return out, nil
}

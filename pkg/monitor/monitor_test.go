package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdhawladar/google-scraper/pkg/kv"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newMonitor() (*Monitor, *clock) {
	c := &clock{t: time.Date(2024, 12, 17, 10, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStoreWithClock(c.Now)
	return NewWithClock(store, DefaultConfig(), c.Now), c
}

func failN(t *testing.T, m *Monitor, n int, reason string) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.RecordFailure(context.Background(), reason))
	}
}

func TestMonitor_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor()

	failN(t, m, 4, "HTTP 503")
	open, err := m.IsCircuitOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)

	failN(t, m, 1, "HTTP 503")
	open, err = m.IsCircuitOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status)
}

func TestMonitor_SuccessResetsConsecutiveCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor()

	failN(t, m, 4, "timeout")
	require.NoError(t, m.RecordSuccess(ctx))
	failN(t, m, 4, "timeout")

	open, err := m.IsCircuitOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestMonitor_ConsecutiveCountExpiresWithWindow(t *testing.T) {
	ctx := context.Background()
	m, c := newMonitor()

	failN(t, m, 4, "timeout")
	c.Advance(6 * time.Minute)
	failN(t, m, 1, "timeout")

	open, err := m.IsCircuitOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestMonitor_CooldownAdmitsExactlyOneTrial(t *testing.T) {
	ctx := context.Background()
	m, c := newMonitor()

	failN(t, m, 5, "HTTP 429")
	c.Advance(5*time.Minute + time.Second)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := m.Allow(ctx); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, status)
}

func TestMonitor_HalfOpenSuccessCloses(t *testing.T) {
	ctx := context.Background()
	m, c := newMonitor()

	failN(t, m, 5, "HTTP 429")
	c.Advance(5*time.Minute + time.Second)

	ok, err := m.Allow(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.RecordSuccess(ctx))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, status)

	ok, err = m.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMonitor_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	m, c := newMonitor()

	failN(t, m, 5, "HTTP 429")
	c.Advance(5*time.Minute + time.Second)

	ok, err := m.Allow(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	failN(t, m, 1, "HTTP 429")

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status)

	ok, err = m.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh cooldown after reopening")
}

func TestMonitor_StaleTrialIsRegranted(t *testing.T) {
	ctx := context.Background()
	m, c := newMonitor()

	failN(t, m, 5, "HTTP 429")
	c.Advance(5*time.Minute + time.Second)
	ok, _ := m.Allow(ctx)
	require.True(t, ok)

	ok, _ = m.Allow(ctx)
	assert.False(t, ok)

	c.Advance(5*time.Minute + time.Second)
	ok, err := m.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMonitor_RejectionDoesNotCountAsFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.RecordRejection(ctx, "circuit_open"))
	}

	open, err := m.IsCircuitOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)

	met, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), met.FailureCount)
	require.Len(t, met.FailureReasons, 1)
	assert.Equal(t, ReasonCount{Reason: "circuit_open", Count: 10}, met.FailureReasons[0])
}

func TestMonitor_Metrics(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor()

	met, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, met.SuccessRate, "no data counts as healthy")
	assert.Equal(t, StateClosed, met.CircuitStatus)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordSuccess(ctx))
	}
	require.NoError(t, m.RecordFailure(ctx, "HTTP 503"))

	met, err = m.Metrics(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, met.SuccessRate, 1e-9)
	assert.Equal(t, int64(3), met.SuccessCount)
	assert.Equal(t, int64(1), met.FailureCount)
	assert.Equal(t, int64(3), met.TotalSuccess)
	assert.Equal(t, int64(1), met.TotalFailure)
	assert.Equal(t, int64(1), met.ConsecutiveFailures)
}

func TestMonitor_TopFiveReasons(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor()

	counts := map[string]int{
		"HTTP 503":      6,
		"HTTP 429":      5,
		"timeout":       4,
		"empty_results": 3,
		"transport":     2,
		"no_proxy":      1,
	}
	for reason, n := range counts {
		for i := 0; i < n; i++ {
			require.NoError(t, m.RecordRejection(ctx, reason))
		}
	}

	met, err := m.Metrics(ctx)
	require.NoError(t, err)
	require.Len(t, met.FailureReasons, 5)
	assert.Equal(t, "HTTP 503", met.FailureReasons[0].Reason)
	assert.Equal(t, "transport", met.FailureReasons[4].Reason)
}

func TestMonitor_ReasonsAgeOut(t *testing.T) {
	ctx := context.Background()
	m, c := newMonitor()

	require.NoError(t, m.RecordFailure(ctx, "HTTP 503"))
	c.Advance(10 * time.Minute)

	met, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, met.FailureReasons)
	assert.Equal(t, int64(0), met.FailureCount)
	assert.Equal(t, int64(1), met.TotalFailure, "totals are not windowed")
}

func TestMonitor_OpenClosesOnRecoveredRate(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor()

	for i := 0; i < 20; i++ {
		require.NoError(t, m.RecordSuccess(ctx))
	}
	failN(t, m, 5, "HTTP 503")

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, StateOpen, status)

	// in-flight request finishing after the circuit opened; 21/26 >= 0.8
	require.NoError(t, m.RecordSuccess(ctx))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, status)
}

// newLongWindowMonitor keeps the failures that opened the circuit inside
// the rate window after the cooldown.
func newLongWindowMonitor() (*Monitor, *clock) {
	c := &clock{t: time.Date(2024, 12, 17, 10, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Window = 30 * time.Minute
	return NewWithClock(kv.NewMemoryStoreWithClock(c.Now), cfg, c.Now), c
}

func TestMonitor_LateSuccessAfterCooldownHalfOpens(t *testing.T) {
	ctx := context.Background()
	m, c := newLongWindowMonitor()

	failN(t, m, 5, "HTTP 503")
	c.Advance(5*time.Minute + time.Second)

	// a success arriving without a trial being claimed; 1/6 is below 0.8
	require.NoError(t, m.RecordSuccess(ctx))
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, status)

	require.NoError(t, m.RecordSuccess(ctx))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, status)
}

func TestMonitor_SuccessAfterCooldownClosesOnRecoveredRate(t *testing.T) {
	ctx := context.Background()
	m, c := newLongWindowMonitor()

	for i := 0; i < 20; i++ {
		require.NoError(t, m.RecordSuccess(ctx))
	}
	failN(t, m, 5, "HTTP 503")
	c.Advance(5*time.Minute + time.Second)

	// half-open, then closed in the same call: 21/26 >= 0.8
	require.NoError(t, m.RecordSuccess(ctx))
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, status)
}

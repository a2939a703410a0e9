// Package proxy rotates outbound requests across a pool of HTTP proxies,
// skipping the ones that failed their last health probe or a live request.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rdhawladar/google-scraper/pkg/kv"
)

// HealthKey holds the JSON health cache shared by every worker.
const HealthKey = "proxy_health_status"

// healthCache is the value stored under HealthKey. ExpiresAt is fixed by the
// probe that wrote it; later updates keep it.
type healthCache struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Health    map[string]bool `json:"health"`
}

const probeConcurrency = 8

// Prober reports whether a proxy can currently reach the upstream.
type Prober interface {
	Probe(ctx context.Context, proxy string) bool
}

type Manager struct {
	proxies []string
	store   kv.Store
	prober  Prober
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last string
}

// NewManager builds a manager over the given addresses. Duplicates after
// normalization and unparseable entries are dropped.
func NewManager(addrs []string, store kv.Store, prober Prober, ttl time.Duration) *Manager {
	return NewManagerWithClock(addrs, store, prober, ttl, time.Now)
}

func NewManagerWithClock(addrs []string, store kv.Store, prober Prober, ttl time.Duration, now func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	seen := make(map[string]bool)
	var proxies []string
	for _, a := range addrs {
		p, err := Normalize(a)
		if err != nil {
			slog.Warn("skipping invalid proxy", slog.String("proxy", a), slog.Any("err", err))
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		proxies = append(proxies, p)
	}

	return &Manager{proxies: proxies, store: store, prober: prober, ttl: ttl, now: now}
}

func (m *Manager) Proxies() []string {
	return append([]string(nil), m.proxies...)
}

// Next picks a healthy proxy uniformly at random, never the one this manager
// returned last unless it is the only healthy one. An empty string means no
// proxy is usable.
func (m *Manager) Next(ctx context.Context) (string, error) {
	if len(m.proxies) == 0 {
		return "", nil
	}

	health, err := m.Health(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	alive := m.countHealthy(health)
	var healthy []string
	for _, p := range m.proxies {
		if health[p] && (p != m.last || alive < 2) {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		slog.Warn("no healthy proxies available", slog.Int("pool", len(m.proxies)))
		return "", nil
	}

	p := healthy[rand.IntN(len(healthy))]
	m.last = p
	return p, nil
}

// countHealthy counts the configured proxies marked healthy. A shared cache
// may carry entries for proxies outside this pool.
func (m *Manager) countHealthy(health map[string]bool) int {
	n := 0
	for _, p := range m.proxies {
		if health[p] {
			n++
		}
	}
	return n
}

// load reads the shared cache. ok is false when it is missing, unreadable
// or past its expiry.
func (m *Manager) load(ctx context.Context) (raw string, c healthCache, ok bool, err error) {
	raw, ok, err = m.store.Get(ctx, HealthKey)
	if err != nil || !ok {
		return raw, c, false, err
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Health == nil {
		slog.Warn("discarding unreadable proxy health cache")
		return raw, c, false, nil
	}
	if !m.now().Before(c.ExpiresAt) {
		return raw, c, false, nil
	}
	return raw, c, true, nil
}

// Health returns the cached health map, probing the whole pool when the
// cache has expired.
func (m *Manager) Health(ctx context.Context) (map[string]bool, error) {
	_, c, ok, err := m.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read proxy health: %w", err)
	}
	if ok {
		return c.Health, nil
	}
	return m.Refresh(ctx)
}

// Refresh probes every proxy concurrently and replaces the cached map.
func (m *Manager) Refresh(ctx context.Context) (map[string]bool, error) {
	health := make(map[string]bool, len(m.proxies))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, p := range m.proxies {
		g.Go(func() error {
			ok := m.prober.Probe(gctx, p)
			mu.Lock()
			health[p] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(healthCache{ExpiresAt: m.now().Add(m.ttl), Health: health})
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, HealthKey, string(data), m.ttl); err != nil {
		return nil, fmt.Errorf("write proxy health: %w", err)
	}

	slog.Info("proxy health refreshed",
		slog.Int("pool", len(m.proxies)),
		slog.Int("healthy", m.countHealthy(health)),
	)
	return health, nil
}

// MarkUnhealthy flags proxy as failed until the health cache expires. The
// expiry set by the last probe is kept, so the proxy is probed again on
// schedule however many failures follow.
func (m *Manager) MarkUnhealthy(ctx context.Context, proxy string) error {
	if proxy == "" {
		return nil
	}
	if p, err := Normalize(proxy); err == nil {
		proxy = p
	}

	for attempt := 0; attempt < 5; attempt++ {
		raw, c, ok, err := m.load(ctx)
		if err != nil {
			return fmt.Errorf("read proxy health: %w", err)
		}
		if !ok {
			if _, err := m.Refresh(ctx); err != nil {
				return err
			}
			continue
		}

		if known, found := c.Health[proxy]; found && !known {
			return nil
		}
		c.Health[proxy] = false

		ttl := c.ExpiresAt.Sub(m.now())
		if ttl <= 0 {
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		swapped, err := m.store.CompareAndSwap(ctx, HealthKey, raw, string(data), ttl)
		if err != nil {
			return fmt.Errorf("write proxy health: %w", err)
		}
		if swapped {
			slog.Warn("proxy marked unhealthy", slog.String("proxy", proxy), slog.Duration("until_probe", ttl))
			return nil
		}
	}
	return fmt.Errorf("mark proxy %s unhealthy: too much contention", proxy)
}

// Healthy lists the currently healthy proxies in a stable order.
func (m *Manager) Healthy(ctx context.Context) ([]string, error) {
	health, err := m.Health(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for p, ok := range health {
		if ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

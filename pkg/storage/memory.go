package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage keeps everything in process. Used by tests and by the worker
// when no DSN is configured.
type MemoryStorage struct {
	mu       sync.Mutex
	now      func() time.Time
	keywords map[int64]*Keyword
	results  map[int64]*SearchResult
	nextKW   int64
	nextRes  int64
}

func NewMemoryStorage() *MemoryStorage {
	return NewMemoryStorageWithClock(time.Now)
}

func NewMemoryStorageWithClock(now func() time.Time) *MemoryStorage {
	return &MemoryStorage{
		now:      now,
		keywords: make(map[int64]*Keyword),
		results:  make(map[int64]*SearchResult),
	}
}

func copyKeyword(k *Keyword) Keyword {
	out := *k
	if k.Results != nil {
		out.Results = append(json.RawMessage(nil), k.Results...)
	}
	if k.LastScrapedAt != nil {
		t := *k.LastScrapedAt
		out.LastScrapedAt = &t
	}
	return out
}

func (s *MemoryStorage) CreateKeywords(_ context.Context, ownerID int64, texts []string) ([]Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Keyword, 0, len(texts))
	for _, t := range texts {
		s.nextKW++
		k := &Keyword{
			ID:        s.nextKW,
			OwnerID:   ownerID,
			Text:      t,
			Status:    KeywordPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.keywords[k.ID] = k
		out = append(out, copyKeyword(k))
	}
	return out, nil
}

func (s *MemoryStorage) GetKeyword(_ context.Context, id int64) (Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keywords[id]
	if !ok {
		return Keyword{}, fmt.Errorf("keyword %d: %w", id, ErrNotFound)
	}
	return copyKeyword(k), nil
}

func (s *MemoryStorage) selectKeywords(match func(*Keyword) bool, less func(a, b *Keyword) bool, limit int) []Keyword {
	var picked []*Keyword
	for _, k := range s.keywords {
		if match(k) {
			picked = append(picked, k)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return less(picked[i], picked[j]) })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}

	out := make([]Keyword, 0, len(picked))
	for _, k := range picked {
		out = append(out, copyKeyword(k))
	}
	return out
}

func newestFirst(a, b *Keyword) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryStorage) ListKeywords(_ context.Context, ownerID int64) ([]Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectKeywords(func(k *Keyword) bool { return k.OwnerID == ownerID }, newestFirst, 0), nil
}

func (s *MemoryStorage) ClaimKeyword(_ context.Context, id int64, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keywords[id]
	if !ok {
		return false, nil
	}
	if k.Status == KeywordPending || (k.Status == KeywordProcessing && k.ClaimToken == token) {
		k.Status = KeywordProcessing
		k.ClaimToken = token
		k.UpdatedAt = s.now()
		return true, nil
	}
	return false, nil
}

func (s *MemoryStorage) finishKeyword(id int64, token string, status KeywordStatus, results json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keywords[id]
	if !ok || k.Status != KeywordProcessing || k.ClaimToken != token {
		return fmt.Errorf("keyword %d: %w", id, ErrClaimLost)
	}
	now := s.now()
	k.Status = status
	k.Results = append(json.RawMessage(nil), results...)
	k.ClaimToken = ""
	k.LastScrapedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStorage) CompleteKeyword(_ context.Context, id int64, token string, results json.RawMessage) error {
	return s.finishKeyword(id, token, KeywordCompleted, results)
}

func (s *MemoryStorage) FailKeyword(_ context.Context, id int64, token, message string) error {
	return s.finishKeyword(id, token, KeywordFailed, ErrorResults(message))
}

func (s *MemoryStorage) ResetKeyword(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keywords[id]
	if !ok || k.Status != KeywordFailed {
		return false, nil
	}
	k.Status = KeywordPending
	k.ClaimToken = ""
	k.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStorage) CreateSearchResult(_ context.Context, keywordID int64) (SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keywords[keywordID]; !ok {
		return SearchResult{}, fmt.Errorf("keyword %d: %w", keywordID, ErrNotFound)
	}
	s.nextRes++
	r := &SearchResult{
		ID:        s.nextRes,
		KeywordID: keywordID,
		Status:    ResultPending,
		CreatedAt: s.now(),
	}
	s.results[r.ID] = r
	return *r, nil
}

func (s *MemoryStorage) CompleteSearchResult(_ context.Context, r SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.results[r.ID]
	if !ok {
		return fmt.Errorf("search result %d: %w", r.ID, ErrNotFound)
	}
	if cur.Status != ResultPending {
		return fmt.Errorf("search result %d: %w", r.ID, ErrResultFinal)
	}
	now := s.now()
	cur.Status = ResultSuccess
	cur.TotalAds = r.TotalAds
	cur.TotalLinks = r.TotalLinks
	cur.OrganicResults = r.OrganicResults
	cur.FeaturedSnippet = r.FeaturedSnippet
	cur.HTMLSnapshot = r.HTMLSnapshot
	cur.ErrorMessage = ""
	cur.ScrapedAt = &now
	return nil
}

func (s *MemoryStorage) FailSearchResult(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.results[id]
	if !ok {
		return fmt.Errorf("search result %d: %w", id, ErrNotFound)
	}
	if cur.Status != ResultPending {
		return fmt.Errorf("search result %d: %w", id, ErrResultFinal)
	}
	now := s.now()
	cur.Status = ResultFailed
	cur.ErrorMessage = message
	cur.ScrapedAt = &now
	return nil
}

func (s *MemoryStorage) ListSearchResults(_ context.Context, keywordID int64) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SearchResult
	for _, r := range s.results {
		if r.KeywordID == keywordID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStorage) KeywordCounts(_ context.Context) (KeywordCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c KeywordCounts
	for _, k := range s.keywords {
		c.add(k.Status, 1)
	}
	return c, nil
}

func countBuckets(times []time.Time, size time.Duration) []Bucket {
	counts := make(map[time.Time]int)
	for _, t := range times {
		counts[t.UTC().Truncate(size)]++
	}
	out := make([]Bucket, 0, len(counts))
	for start, n := range counts {
		out = append(out, Bucket{Start: start, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (s *MemoryStorage) HourlyResults(_ context.Context, since time.Time) ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var times []time.Time
	for _, r := range s.results {
		if !r.CreatedAt.Before(since) {
			times = append(times, r.CreatedAt)
		}
	}
	return countBuckets(times, time.Hour), nil
}

func (s *MemoryStorage) DailyFailures(_ context.Context, since time.Time) ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var times []time.Time
	for _, k := range s.keywords {
		if k.Status == KeywordFailed && !k.UpdatedAt.Before(since) {
			times = append(times, k.UpdatedAt)
		}
	}
	return countBuckets(times, 24*time.Hour), nil
}

func (s *MemoryStorage) RecentFailures(_ context.Context, limit int) ([]Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectKeywords(
		func(k *Keyword) bool { return k.Status == KeywordFailed },
		func(a, b *Keyword) bool {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID > b.ID
		},
		limit,
	), nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

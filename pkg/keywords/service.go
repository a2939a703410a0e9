// Package keywords holds the user-facing keyword operations: upload,
// listing, retry and the analytics read model.
package keywords

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rdhawladar/google-scraper/pkg/monitor"
	"github.com/rdhawladar/google-scraper/pkg/queue"
	"github.com/rdhawladar/google-scraper/pkg/storage"
)

const (
	MaxPerUpload        = 100
	recentFailuresLimit = 5
)

var (
	ErrNoKeywords      = errors.New("no valid keywords found")
	ErrTooManyKeywords = fmt.Errorf("maximum %d keywords allowed per upload", MaxPerUpload)
	ErrNotRetryable    = errors.New("only failed keywords can be retried")
	ErrForbidden       = errors.New("keyword belongs to another owner")
)

// UnqueuedError reports uploaded keywords that were stored but could not be
// queued. They are marked failed so the owner can retry them.
type UnqueuedError struct {
	IDs []int64
	Err error
}

func (e *UnqueuedError) Error() string {
	return fmt.Sprintf("%d keyword(s) not queued %v: %v", len(e.IDs), e.IDs, e.Err)
}

func (e *UnqueuedError) Unwrap() error { return e.Err }

type Service struct {
	store   storage.Storage
	queue   queue.Queue
	monitor *monitor.Monitor
	now     func() time.Time
	// spread staggers the first attempt of uploaded keywords.
	spread func() time.Duration
}

func NewService(store storage.Storage, q queue.Queue, mon *monitor.Monitor) *Service {
	return &Service{
		store:   store,
		queue:   q,
		monitor: mon,
		now:     time.Now,
		spread: func() time.Duration {
			return time.Duration(1+rand.IntN(10)) * time.Second
		},
	}
}

// ParseCSV reads the first column of every row. A leading "keyword" or
// "keywords" header is dropped; blank cells are skipped.
func ParseCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var out []string
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(rec) == 0 {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if first {
			first = false
			if h := strings.ToLower(text); h == "keyword" || h == "keywords" {
				continue
			}
		}
		if text == "" {
			continue
		}
		out = append(out, text)
	}
	return out, nil
}

// Upload stores every keyword in r for owner and schedules its first
// attempt a few seconds out.
func (s *Service) Upload(ctx context.Context, ownerID int64, r io.Reader) ([]storage.Keyword, error) {
	texts, err := ParseCSV(r)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, ErrNoKeywords
	}
	if len(texts) > MaxPerUpload {
		return nil, fmt.Errorf("%w: found %d", ErrTooManyKeywords, len(texts))
	}

	kws, err := s.store.CreateKeywords(ctx, ownerID, texts)
	if err != nil {
		return nil, fmt.Errorf("create keywords: %w", err)
	}

	var unqueued *UnqueuedError
	for i, kw := range kws {
		job := queue.NewJob(kw.ID)
		err := s.queue.Enqueue(ctx, job, s.spread())
		if err == nil {
			continue
		}
		slog.Error("failed to queue keyword", slog.Int64("keyword_id", kw.ID), slog.Any("err", err))
		if unqueued == nil {
			unqueued = &UnqueuedError{Err: err}
		}
		unqueued.IDs = append(unqueued.IDs, kw.ID)
		kws[i] = s.strand(ctx, kw, job, err)
	}
	if unqueued != nil {
		return kws, unqueued
	}

	slog.Info("keywords uploaded", slog.Int64("owner_id", ownerID), slog.Int("count", len(kws)))
	return kws, nil
}

// strand marks a keyword that never made it onto the queue as failed, which
// makes it eligible for Retry instead of sitting pending with no job.
func (s *Service) strand(ctx context.Context, kw storage.Keyword, job queue.Job, cause error) storage.Keyword {
	ok, err := s.store.ClaimKeyword(ctx, kw.ID, job.ID)
	if err == nil && ok {
		err = s.store.FailKeyword(ctx, kw.ID, job.ID, "not queued: "+cause.Error())
	}
	if err != nil {
		slog.Warn("failed to mark unqueued keyword", slog.Int64("keyword_id", kw.ID), slog.Any("err", err))
		return kw
	}
	if got, err := s.store.GetKeyword(ctx, kw.ID); err == nil {
		return got
	}
	return kw
}

func (s *Service) List(ctx context.Context, ownerID int64) ([]storage.Keyword, error) {
	return s.store.ListKeywords(ctx, ownerID)
}

type Detail struct {
	storage.Keyword
	SearchResults []storage.SearchResult `json:"search_results"`
}

func (s *Service) owned(ctx context.Context, ownerID, id int64) (storage.Keyword, error) {
	kw, err := s.store.GetKeyword(ctx, id)
	if err != nil {
		return storage.Keyword{}, err
	}
	if kw.OwnerID != ownerID {
		return storage.Keyword{}, ErrForbidden
	}
	return kw, nil
}

func (s *Service) Show(ctx context.Context, ownerID, id int64) (Detail, error) {
	kw, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Detail{}, err
	}
	results, err := s.store.ListSearchResults(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("list search results: %w", err)
	}
	return Detail{Keyword: kw, SearchResults: results}, nil
}

// Retry puts a failed keyword back to pending under a new job, which starts
// with a full attempt budget.
func (s *Service) Retry(ctx context.Context, ownerID, id int64) error {
	kw, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return err
	}
	reset, err := s.store.ResetKeyword(ctx, id)
	if err != nil {
		return fmt.Errorf("reset keyword: %w", err)
	}
	if !reset {
		return ErrNotRetryable
	}

	job := queue.NewJob(id)
	if err := s.queue.Enqueue(ctx, job, 0); err != nil {
		s.strand(ctx, kw, job, err)
		return &UnqueuedError{IDs: []int64{id}, Err: err}
	}
	slog.Info("keyword queued for retry", slog.Int64("keyword_id", id), slog.String("job_id", job.ID))
	return nil
}

type Stats struct {
	Performance    monitor.Metrics       `json:"performance"`
	Keywords       storage.KeywordCounts `json:"keywords"`
	HourlyResults  []storage.Bucket      `json:"hourly_results"`
	DailyFailures  []storage.Bucket      `json:"daily_failures"`
	RecentFailures []storage.Keyword     `json:"recent_failures"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	var err error
	now := s.now()

	if out.Performance, err = s.monitor.Metrics(ctx); err != nil {
		return Stats{}, fmt.Errorf("monitor metrics: %w", err)
	}
	if out.Keywords, err = s.store.KeywordCounts(ctx); err != nil {
		return Stats{}, fmt.Errorf("keyword counts: %w", err)
	}
	if out.HourlyResults, err = s.store.HourlyResults(ctx, now.Add(-24*time.Hour)); err != nil {
		return Stats{}, fmt.Errorf("hourly results: %w", err)
	}
	if out.DailyFailures, err = s.store.DailyFailures(ctx, now.AddDate(0, 0, -7)); err != nil {
		return Stats{}, fmt.Errorf("daily failures: %w", err)
	}
	if out.RecentFailures, err = s.store.RecentFailures(ctx, recentFailuresLimit); err != nil {
		return Stats{}, fmt.Errorf("recent failures: %w", err)
	}
	return out, nil
}

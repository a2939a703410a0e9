package keywords

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdhawladar/google-scraper/pkg/kv"
	"github.com/rdhawladar/google-scraper/pkg/monitor"
	"github.com/rdhawladar/google-scraper/pkg/queue"
	"github.com/rdhawladar/google-scraper/pkg/storage"
)

type enqueued struct {
	job   queue.Job
	delay time.Duration
}

type recordingQueue struct {
	queue.Queue
	mu   sync.Mutex
	jobs []enqueued
	// downAfter refuses every enqueue once that many jobs went through.
	downAfter int
	downErr   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	if q.downErr != nil && len(q.jobs) >= q.downAfter {
		q.mu.Unlock()
		return q.downErr
	}
	q.jobs = append(q.jobs, enqueued{job, delay})
	q.mu.Unlock()
	return q.Queue.Enqueue(ctx, job, delay)
}

func newService(t *testing.T) (*Service, *storage.MemoryStorage, *recordingQueue) {
	t.Helper()
	store := storage.NewMemoryStorage()
	q := &recordingQueue{Queue: queue.NewMemoryQueue()}
	mon := monitor.New(kv.NewMemoryStore(), monitor.DefaultConfig())
	return NewService(store, q, mon), store, q
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"header dropped", "keyword\nwireless earbuds\nrunning shoes\n", []string{"wireless earbuds", "running shoes"}},
		{"plural header", "Keywords,volume\ncoffee,10\n", []string{"coffee"}},
		{"no header", "wireless earbuds\nrunning shoes", []string{"wireless earbuds", "running shoes"}},
		{"blanks and spaces", "  desk lamp  \n\n,\n\"air fryer\"\n", []string{"desk lamp", "air fryer"}},
		{"byte order mark", "\ufeffkeyword\nlaptop stand\n", []string{"laptop stand"}},
		{"numeric first row kept", "2024 planner\nnotebook\n", []string{"2024 planner", "notebook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCSV(strings.NewReader(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpload_CreatesAndSchedules(t *testing.T) {
	ctx := context.Background()
	svc, store, q := newService(t)

	kws, err := svc.Upload(ctx, 7, strings.NewReader("keyword\nwireless earbuds\nrunning shoes\n"))
	require.NoError(t, err)
	require.Len(t, kws, 2)
	for _, kw := range kws {
		assert.Equal(t, storage.KeywordPending, kw.Status)
		assert.EqualValues(t, 7, kw.OwnerID)
	}

	require.Len(t, q.jobs, 2)
	for i, e := range q.jobs {
		assert.Equal(t, kws[i].ID, e.job.KeywordID)
		assert.Equal(t, 1, e.job.Attempt)
		assert.GreaterOrEqual(t, e.delay, time.Second)
		assert.LessOrEqual(t, e.delay, 10*time.Second)
	}

	listed, err := store.ListKeywords(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestUpload_Limits(t *testing.T) {
	ctx := context.Background()
	svc, _, q := newService(t)

	_, err := svc.Upload(ctx, 1, strings.NewReader("keyword\n\n  \n"))
	assert.ErrorIs(t, err, ErrNoKeywords)

	var b strings.Builder
	for i := 0; i < MaxPerUpload+1; i++ {
		fmt.Fprintf(&b, "keyword %d\n", i)
	}
	_, err = svc.Upload(ctx, 1, strings.NewReader(b.String()))
	assert.ErrorIs(t, err, ErrTooManyKeywords)
	assert.Empty(t, q.jobs)

	b.Reset()
	for i := 0; i < MaxPerUpload; i++ {
		fmt.Fprintf(&b, "keyword %d\n", i)
	}
	kws, err := svc.Upload(ctx, 1, strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, kws, MaxPerUpload)
}

func TestUpload_ReportsUnqueuedKeywords(t *testing.T) {
	ctx := context.Background()
	svc, store, q := newService(t)
	q.downAfter = 1
	q.downErr = errors.New("connection refused")

	kws, err := svc.Upload(ctx, 7, strings.NewReader("wireless earbuds\nrunning shoes\ndesk lamp\n"))
	var unqueued *UnqueuedError
	require.ErrorAs(t, err, &unqueued)
	assert.ErrorIs(t, err, q.downErr)
	require.Len(t, kws, 3)
	assert.Equal(t, []int64{kws[1].ID, kws[2].ID}, unqueued.IDs)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, kws[0].ID, q.jobs[0].job.KeywordID)

	assert.Equal(t, storage.KeywordPending, kws[0].Status)
	for _, kw := range kws[1:] {
		got, err := store.GetKeyword(ctx, kw.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.KeywordFailed, got.Status)
		assert.Equal(t, storage.KeywordFailed, kw.Status)
		assert.Contains(t, string(got.Results), "not queued")
	}

	// a retry that cannot be queued leaves the keyword retryable
	err = svc.Retry(ctx, 7, kws[1].ID)
	require.ErrorAs(t, err, &unqueued)
	got, err := store.GetKeyword(ctx, kws[1].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.KeywordFailed, got.Status)

	// the queue comes back and the owner retries what was left behind
	q.downErr = nil
	for _, id := range unqueued.IDs {
		require.NoError(t, svc.Retry(ctx, 7, id))
	}
	assert.Len(t, q.jobs, 3)
}

func TestShow_ChecksOwner(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	kws, err := store.CreateKeywords(ctx, 1, []string{"standing desk"})
	require.NoError(t, err)
	_, err = store.CreateSearchResult(ctx, kws[0].ID)
	require.NoError(t, err)

	d, err := svc.Show(ctx, 1, kws[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "standing desk", d.Text)
	assert.Len(t, d.SearchResults, 1)

	_, err = svc.Show(ctx, 2, kws[0].ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Show(ctx, 1, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	svc, store, q := newService(t)

	kws, err := store.CreateKeywords(ctx, 1, []string{"mechanical keyboard"})
	require.NoError(t, err)
	id := kws[0].ID

	err = svc.Retry(ctx, 1, id)
	assert.ErrorIs(t, err, ErrNotRetryable)

	claimed, err := store.ClaimKeyword(ctx, id, "old-job")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.FailKeyword(ctx, id, "old-job", "HTTP 429"))

	assert.ErrorIs(t, svc.Retry(ctx, 2, id), ErrForbidden)

	require.NoError(t, svc.Retry(ctx, 1, id))
	kw, err := store.GetKeyword(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.KeywordPending, kw.Status)

	require.Len(t, q.jobs, 1)
	job := q.jobs[0].job
	assert.Equal(t, id, job.KeywordID)
	assert.Equal(t, 1, job.Attempt)
	assert.NotEqual(t, "old-job", job.ID)
	assert.Zero(t, q.jobs[0].delay)

	// the new job can claim, the old one cannot
	ok, err := store.ClaimKeyword(ctx, id, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ClaimKeyword(ctx, id, "old-job")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	kws, err := store.CreateKeywords(ctx, 1, []string{"a", "b", "c"})
	require.NoError(t, err)
	for _, kw := range kws[:2] {
		ok, err := store.ClaimKeyword(ctx, kw.ID, "job")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.FailKeyword(ctx, kw.ID, "job", "HTTP 503"))
	}
	require.NoError(t, svc.monitor.RecordFailure(ctx, "HTTP 503"))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Keywords.Total)
	assert.Equal(t, 2, stats.Keywords.Failed)
	assert.Equal(t, 1, stats.Keywords.Pending)
	assert.Len(t, stats.RecentFailures, 2)
	assert.EqualValues(t, 1, stats.Performance.FailureCount)
	assert.Equal(t, monitor.StateClosed, stats.Performance.CircuitStatus)

	var failures int
	for _, b := range stats.DailyFailures {
		failures += b.Count
	}
	assert.Equal(t, 2, failures)
}

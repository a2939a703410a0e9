package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rdhawladar/google-scraper/pkg/queue"
)

type RunStats struct {
	mu        sync.Mutex
	StartTime time.Time
	Handled   int
	Succeeded int
	Retried   int
	Released  int
	Failed    int
	Dropped   int
}

func (s *RunStats) record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Handled++
	switch d.Action {
	case ActionDone:
		if d.Reason == "" {
			s.Succeeded++
		} else {
			s.Dropped++
		}
	case ActionRetry:
		s.Retried++
	case ActionRelease:
		s.Released++
	case ActionFail:
		s.Failed++
	}
}

// Snapshot returns a copy safe to read while the runner is going.
func (s *RunStats) Snapshot() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RunStats{
		StartTime: s.StartTime,
		Handled:   s.Handled,
		Succeeded: s.Succeeded,
		Retried:   s.Retried,
		Released:  s.Released,
		Failed:    s.Failed,
		Dropped:   s.Dropped,
	}
}

func (s *RunStats) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

func (s *RunStats) JobsPerSecond() float64 {
	elapsed := s.Elapsed().Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(s.Handled) / elapsed
}

type RunnerConfig struct {
	Workers int
	// JobTimeout caps a single attempt, fetch included.
	JobTimeout time.Duration
	// DispatchRate paces how many jobs per second leave the queue in this
	// process. Zero disables pacing.
	DispatchRate float64
}

type handler interface {
	Handle(ctx context.Context, job queue.Job) Decision
}

// Runner feeds queued jobs to a pool of workers and applies each decision
// back to the queue.
type Runner struct {
	cfg     RunnerConfig
	queue   queue.Queue
	handler handler
	metrics *Metrics
	pace    *rate.Limiter
	Stats   RunStats
}

func NewRunner(cfg RunnerConfig, q queue.Queue, s *Scraper) *Runner {
	return newRunner(cfg, q, s, s.opts.Metrics)
}

func newRunner(cfg RunnerConfig, q queue.Queue, h handler, m *Metrics) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 120 * time.Second
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.DispatchRate > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return &Runner{cfg: cfg, queue: q, handler: h, metrics: m, pace: pace}
}

type outcome struct {
	job      queue.Job
	decision Decision
	elapsed  time.Duration
}

// Start blocks until ctx is cancelled or the queue is closed, then waits
// for in-flight jobs to be handed back.
func (r *Runner) Start(ctx context.Context) {
	r.Stats.mu.Lock()
	r.Stats.StartTime = time.Now()
	r.Stats.mu.Unlock()

	jobs := make(chan queue.Job)
	results := make(chan outcome, r.cfg.Workers)

	go r.feed(ctx, jobs)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id, jobs, results)
		}(i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		r.apply(ctx, res)
	}

	stats := r.Stats.Snapshot()
	slog.Info("scraper stopped",
		slog.Int("handled", stats.Handled),
		slog.Int("succeeded", stats.Succeeded),
		slog.Int("retried", stats.Retried),
		slog.Int("released", stats.Released),
		slog.Int("failed", stats.Failed),
		slog.Duration("elapsed", stats.Elapsed()),
		slog.Float64("jobs_per_sec", stats.JobsPerSecond()),
	)
}

func (r *Runner) feed(ctx context.Context, jobs chan<- queue.Job) {
	defer close(jobs)
	for {
		if err := r.pace.Wait(ctx); err != nil {
			return
		}
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				slog.Error("failed to dequeue job", slog.Any("err", err))
			}
			return
		}
		select {
		case jobs <- job:
		case <-ctx.Done():
			r.handBack(job)
			return
		}
	}
}

// handBack returns a dequeued job that no worker will pick up.
func (r *Runner) handBack(job queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.Requeue(ctx, job, 0); err != nil && !errors.Is(err, queue.ErrClosed) {
		slog.Warn("failed to hand back job", slog.String("job_id", job.ID), slog.Any("err", err))
	}
}

func (r *Runner) worker(ctx context.Context, id int, jobs <-chan queue.Job, results chan<- outcome) {
	slog.Info("worker started", slog.Int("id", id))
	for job := range jobs {
		slog.Debug("worker received job", slog.Int("id", id), slog.String("job_id", job.ID))

		r.metrics.jobStarted()
		start := time.Now()
		jctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		d := r.handler.Handle(jctx, job)
		cancel()
		r.metrics.jobFinished()

		results <- outcome{job: job, decision: d, elapsed: time.Since(start)}
	}
}

func (r *Runner) apply(ctx context.Context, res outcome) {
	r.Stats.record(res.decision)
	r.metrics.decision(res.decision.Action)

	// queue bookkeeping has to land even while shutting down
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job := res.job
	var err error
	switch res.decision.Action {
	case ActionDone, ActionFail:
		err = r.queue.Ack(qctx, job)
	case ActionRelease:
		err = r.queue.Requeue(qctx, job, res.decision.Delay)
	case ActionRetry:
		job.Attempt++
		err = r.queue.Requeue(qctx, job, res.decision.Delay)
	}
	if err != nil && !errors.Is(err, queue.ErrClosed) {
		slog.Error("failed to apply decision",
			slog.String("job_id", job.ID),
			slog.String("action", res.decision.Action.String()),
			slog.Any("err", err),
		)
	}

	slog.Info("job handled",
		slog.String("job_id", job.ID),
		slog.Int64("keyword_id", job.KeywordID),
		slog.String("action", res.decision.Action.String()),
		slog.String("reason", res.decision.Reason),
		slog.Duration("delay", res.decision.Delay),
		slog.Duration("elapsed", res.elapsed),
	)
}

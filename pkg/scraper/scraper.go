// Package scraper runs keyword jobs through the guarded fetch pipeline:
// circuit breaker, rate budget, proxy rotation, fetch, parse, persist.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rdhawladar/google-scraper/pkg/monitor"
	"github.com/rdhawladar/google-scraper/pkg/proxy"
	"github.com/rdhawladar/google-scraper/pkg/queue"
	"github.com/rdhawladar/google-scraper/pkg/ratelimit"
	"github.com/rdhawladar/google-scraper/pkg/serp"
	"github.com/rdhawladar/google-scraper/pkg/storage"
)

// Reasons tallied for deferrals, next to the fetch reasons from Reason.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonRateLimited = "rate_limited"
	ReasonNoProxy     = "no_proxy"
	ReasonStorage     = "storage"
	ReasonShutdown    = "shutdown"
)

type Options struct {
	// RateKey is the limiter key shared by every worker, e.g. "google".
	RateKey string
	Policy  RetryPolicy
	Metrics *Metrics
	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

type Scraper struct {
	store   storage.Storage
	limiter *ratelimit.Limiter
	proxies *proxy.Manager
	monitor *monitor.Monitor
	fetcher Fetcher
	opts    Options
}

// New wires the pipeline. proxies may be nil for direct connections.
func New(store storage.Storage, limiter *ratelimit.Limiter, proxies *proxy.Manager, mon *monitor.Monitor, fetcher Fetcher, opts Options) *Scraper {
	if opts.RateKey == "" {
		opts.RateKey = "google"
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Scraper{
		store:   store,
		limiter: limiter,
		proxies: proxies,
		monitor: mon,
		fetcher: fetcher,
		opts:    opts,
	}
}

func (s *Scraper) postpone(log *slog.Logger, job queue.Job, reason string) Decision {
	d := DecideNextAction(OutcomeDeferred, job.Attempt, s.opts.Policy, s.opts.Rand())
	d.Reason = reason
	log.Info("attempt deferred", slog.String("reason", reason), slog.Duration("delay", d.Delay))
	s.opts.Metrics.failure(reason)
	return d
}

// Handle runs one attempt of job and says what the dispatcher should do
// with it next. It never returns an error: every failure is turned into a
// classified reason and a Decision.
func (s *Scraper) Handle(ctx context.Context, job queue.Job) Decision {
	log := slog.With(
		slog.Int64("keyword_id", job.KeywordID),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
	)

	claimed, err := s.store.ClaimKeyword(ctx, job.KeywordID, job.ID)
	if err != nil {
		log.Error("failed to claim keyword", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}
	if !claimed {
		// completed, reset by the owner, or held by another job
		log.Info("keyword not claimable, dropping job")
		return Decision{Action: ActionDone, Reason: "claim_lost"}
	}

	kw, err := s.store.GetKeyword(ctx, job.KeywordID)
	if err != nil {
		log.Error("failed to load keyword", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}
	log = log.With(slog.String("keyword", kw.Text))
	log.Info("starting to process keyword")

	allowed, err := s.monitor.Allow(ctx)
	if err != nil {
		log.Error("failed to read circuit state", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}
	if !allowed {
		if err := s.monitor.RecordRejection(ctx, ReasonCircuitOpen); err != nil {
			log.Warn("failed to tally rejection", slog.Any("err", err))
		}
		return s.postpone(log, job, ReasonCircuitOpen)
	}

	ok, err := s.limiter.CanProceed(ctx, s.opts.RateKey)
	if err != nil {
		log.Error("failed to check rate limit", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}
	if !ok {
		return s.postpone(log, job, ReasonRateLimited)
	}

	var via string
	if s.proxies != nil && len(s.proxies.Proxies()) > 0 {
		via, err = s.proxies.Next(ctx)
		if err != nil {
			log.Error("failed to pick proxy", slog.Any("err", err))
			return s.postpone(log, job, ReasonStorage)
		}
		if via == "" {
			return s.postpone(log, job, ReasonNoProxy)
		}
	}

	result, err := s.store.CreateSearchResult(ctx, kw.ID)
	if err != nil {
		log.Error("failed to create search result", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}

	log.Info("making search request", slog.Int64("search_result_id", result.ID), slog.Bool("proxied", via != ""))
	started := time.Now()
	body, err := s.fetcher.Fetch(ctx, kw.Text, via)
	s.opts.Metrics.fetched(via != "", time.Since(started))

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// the worker is shutting down; the attempt never really ran
			s.abandon(context.WithoutCancel(ctx), log, result.ID, "interrupted by shutdown")
			return Decision{Action: ActionRelease, Reason: ReasonShutdown}
		}

		// a timed-out job context must not stop the bookkeeping
		ctx, cancel := detach(ctx)
		defer cancel()

		reason := Reason(err)
		if via != "" {
			if err := s.proxies.MarkUnhealthy(ctx, via); err != nil {
				log.Warn("failed to mark proxy unhealthy", slog.Any("err", err))
			}
		}
		if err := s.limiter.TrackFailure(ctx, s.opts.RateKey); err != nil {
			log.Warn("failed to track rate failure", slog.Any("err", err))
		}
		return s.fail(ctx, log, job, result.ID, reason, err)
	}

	// the page is in hand; persisting it must outlive the job deadline
	ctx, cancel := detach(ctx)
	defer cancel()

	page := serp.Parse(body)
	if page.Empty() {
		return s.fail(ctx, log, job, result.ID, Reason(ErrEmptyResults), ErrEmptyResults)
	}

	// Storage trouble past this point says nothing about the upstream: the
	// attempt is deferred without touching the circuit or the retry budget.
	result.Status = storage.ResultSuccess
	result.TotalAds = page.TotalAds
	result.TotalLinks = page.TotalLinks
	result.OrganicResults = page.Organic
	result.FeaturedSnippet = page.Featured
	result.HTMLSnapshot = page.Snapshot
	if err := s.store.CompleteSearchResult(ctx, result); err != nil {
		log.Error("failed to save search result", slog.Any("err", err))
		s.abandon(ctx, log, result.ID, "not saved: "+err.Error())
		return s.postpone(log, job, ReasonStorage)
	}

	organic, err := json.Marshal(page.Organic)
	if err != nil {
		log.Error("failed to encode organic results", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}
	if err := s.store.CompleteKeyword(ctx, kw.ID, job.ID, organic); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			log.Warn("keyword claim lost before completion", slog.Any("err", err))
			return Decision{Action: ActionDone, Reason: "claim_lost"}
		}
		log.Error("failed to complete keyword", slog.Any("err", err))
		return s.postpone(log, job, ReasonStorage)
	}

	if err := s.monitor.RecordSuccess(ctx); err != nil {
		log.Warn("failed to record success", slog.Any("err", err))
	}
	s.opts.Metrics.attempt("success")
	s.opts.Metrics.organic(len(page.Organic))

	log.Info("job completed successfully",
		slog.Int64("search_result_id", result.ID),
		slog.Int("organic_results", len(page.Organic)),
		slog.Bool("featured_snippet", page.Featured != nil),
		slog.Int("total_ads", page.TotalAds),
		slog.Int("total_links", page.TotalLinks),
	)
	return DecideNextAction(OutcomeSuccess, job.Attempt, s.opts.Policy, 0)
}

// fail records an attempt-consuming failure and, once the budget is spent,
// marks the keyword failed with the last error.
func (s *Scraper) fail(ctx context.Context, log *slog.Logger, job queue.Job, resultID int64, reason string, cause error) Decision {
	msg := cause.Error()
	log = log.With(slog.String("reason", reason), slog.Any("err", cause))

	if err := s.monitor.RecordFailure(ctx, reason); err != nil {
		log.Warn("failed to record failure", slog.Any("monitor_err", err))
	}
	s.opts.Metrics.attempt("failure")
	s.opts.Metrics.failure(reason)

	if err := s.store.FailSearchResult(ctx, resultID, msg); err != nil {
		log.Error("failed to mark search result failed", slog.Any("storage_err", err))
	}

	d := DecideNextAction(OutcomeFailed, job.Attempt, s.opts.Policy, s.opts.Rand())
	d.Reason = reason

	if d.Action == ActionRetry {
		log.Warn("scraping attempt failed, retrying", slog.Duration("backoff", d.Delay))
		return d
	}

	if err := s.store.FailKeyword(ctx, job.KeywordID, job.ID, msg); err != nil {
		log.Error("failed to mark keyword failed", slog.Any("storage_err", err))
	}
	log.Error("all retry attempts exhausted, keyword marked failed")
	return d
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

// abandon closes a pending search result that will never get a page. It is
// a no-op for results that already reached a final status.
func (s *Scraper) abandon(ctx context.Context, log *slog.Logger, resultID int64, msg string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.FailSearchResult(ctx, resultID, msg); err != nil && !errors.Is(err, storage.ErrResultFinal) {
		log.Warn("failed to close interrupted search result", slog.Any("err", err))
	}
}

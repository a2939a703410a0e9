package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/rdhawladar/google-scraper/pkg/backend"
	"github.com/rdhawladar/google-scraper/pkg/config"
	"github.com/rdhawladar/google-scraper/pkg/keywords"
	"github.com/rdhawladar/google-scraper/pkg/logger"
	"github.com/rdhawladar/google-scraper/pkg/monitor"
	"github.com/rdhawladar/google-scraper/pkg/proxy"
	"github.com/rdhawladar/google-scraper/pkg/ratelimit"
	"github.com/rdhawladar/google-scraper/pkg/scraper"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config")
	seed := flag.String("seed", "", "CSV of keywords to enqueue on start")
	owner := flag.Int64("owner", 1, "owner id for seeded keywords")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("fatal: couldn't load config", slog.Any("err", err))
		os.Exit(1)
	}

	logger.InitLogger(cfg, "scraper")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		slog.Error("fatal: couldn't open backends", slog.Any("err", err))
		os.Exit(1)
	}
	defer b.Close()

	mon := monitor.New(b.KV, monitor.Config{
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Cooldown:         cfg.Monitor.GetCooldown(),
		Window:           cfg.Monitor.GetWindow(),
		RecoveryRate:     cfg.Monitor.RecoveryRate,
	})

	if *seed != "" {
		if err := seedKeywords(ctx, keywords.NewService(b.Storage, b.Queue, mon), *seed, *owner); err != nil {
			slog.Error("fatal: couldn't seed keywords", slog.String("path", *seed), slog.Any("err", err))
			os.Exit(1)
		}
	}

	limiter := ratelimit.New(b.KV, ratelimit.Config{
		Limit:            cfg.RateLimit.Requests,
		Window:           cfg.RateLimit.GetWindow(),
		FailureThreshold: cfg.RateLimit.FailureThreshold,
		FailurePenalty:   cfg.RateLimit.FailurePenalty,
	})

	var proxies *proxy.Manager
	if list := cfg.Proxy.Proxies(); len(list) > 0 {
		prober := &proxy.HTTPProber{
			URL:      cfg.Proxy.ProbeURL,
			Timeout:  cfg.Proxy.GetProbeTimeout(),
			Insecure: cfg.Scraper.InsecureProxyTLS,
		}
		proxies = proxy.NewManager(list, b.KV, prober, cfg.Proxy.GetHealthTTL())
		slog.Info("proxy pool configured", slog.Int("proxies", len(proxies.Proxies())))
	} else {
		slog.Info("no proxies configured, using direct connections")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scraper.NewMetrics(reg)

	lo, hi := cfg.Scraper.GetReleaseDelay()
	pipeline := scraper.New(b.Storage, limiter, proxies, mon, &scraper.HTTPFetcher{
		SearchURL:        cfg.Scraper.SearchURL,
		ResultsPerPage:   cfg.Scraper.ResultsPerPage,
		Language:         cfg.Scraper.Language,
		Country:          cfg.Scraper.Country,
		Timeout:          cfg.Scraper.GetRequestTimeout(),
		InsecureProxyTLS: cfg.Scraper.InsecureProxyTLS,
		UserAgents:       scraper.NewUserAgents(cfg.Scraper.UserAgents),
	}, scraper.Options{
		RateKey: cfg.Scraper.RateKey,
		Metrics: metrics,
		Policy: scraper.RetryPolicy{
			MaxAttempts: cfg.Scraper.MaxAttempts,
			Backoff:     scraper.Backoff{Schedule: cfg.Scraper.GetBackoff()},
			ReleaseMin:  lo,
			ReleaseMax:  hi,
		},
	})

	runner := scraper.NewRunner(scraper.RunnerConfig{
		Workers:      cfg.Scraper.Workers,
		JobTimeout:   cfg.Scraper.GetJobTimeout(),
		DispatchRate: cfg.Scraper.DispatchRate,
	}, b.Queue, pipeline)

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	appSignal := make(chan os.Signal, 1)
	signal.Notify(appSignal, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	if cfg.Metrics.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("err", err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.PurgeExpired(ctx, time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchCircuit(ctx, mon, metrics)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Start(ctx)
		stop()
	}()

	select {
	case s := <-appSignal:
		slog.Info("received system signal", slog.String("signal", s.String()))
		stop()
	case <-ctx.Done():
		slog.Info("context done, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown", slog.Any("err", err))
	}

	wg.Wait()
	slog.Info("shutdown complete")
}

func seedKeywords(ctx context.Context, svc *keywords.Service, path string, owner int64) error {
	slog.Info("loading keywords", slog.String("path", path))
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	kws, err := svc.Upload(ctx, owner, f)
	if err != nil {
		return err
	}
	slog.Info("loaded keywords", slog.Int("count", len(kws)))
	return nil
}

func watchCircuit(ctx context.Context, mon *monitor.Monitor, metrics *scraper.Metrics) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			state, err := mon.Status(ctx)
			if err != nil {
				slog.Warn("couldn't read circuit state", slog.Any("err", err))
				continue
			}
			metrics.ObserveCircuit(state)
		}
	}
}

package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	DSN       string          `toml:"dsn"`
	Scraper   ScraperConfig   `toml:"scraper"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Cache     BackendConfig   `toml:"cache"`
	Queue     QueueConfig     `toml:"queue"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type ScraperConfig struct {
	SearchURL        string   `toml:"search_url"`
	ResultsPerPage   int      `toml:"results_per_page"`
	Language         string   `toml:"language"`
	Country          string   `toml:"country"`
	UserAgents       []string `toml:"user_agents"`
	Workers          int      `toml:"workers"`
	MaxAttempts      int      `toml:"max_attempts"`
	Backoff          []string `toml:"backoff"`
	RequestTimeout   string   `toml:"request_timeout"`
	JobTimeout       string   `toml:"job_timeout"`
	ReleaseDelayMin  string   `toml:"release_delay_min"`
	ReleaseDelayMax  string   `toml:"release_delay_max"`
	DispatchRate     float64  `toml:"dispatch_rate"`
	InsecureProxyTLS bool     `toml:"insecure_proxy_tls"`
	RateKey          string   `toml:"rate_key"`
}

type RateLimitConfig struct {
	Requests         int     `toml:"requests"`
	Window           string  `toml:"window"`
	FailureThreshold int     `toml:"failure_threshold"`
	FailurePenalty   float64 `toml:"failure_penalty"`
}

type ProxyConfig struct {
	List         string `toml:"list"`
	HealthTTL    string `toml:"health_ttl"`
	ProbeURL     string `toml:"probe_url"`
	ProbeTimeout string `toml:"probe_timeout"`
}

type MonitorConfig struct {
	FailureThreshold int     `toml:"failure_threshold"`
	Cooldown         string  `toml:"cooldown"`
	Window           string  `toml:"window"`
	RecoveryRate     float64 `toml:"recovery_rate"`
}

// Backend is "memory" or "postgres". Empty follows the DSN: postgres when
// one is configured, memory otherwise.
type BackendConfig struct {
	Backend string `toml:"backend"`
}

type QueueConfig struct {
	Backend string `toml:"backend"` // same rules as BackendConfig

	Lease   string `toml:"lease"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns a config populated with the values used when a key is
// missing from the TOML file.
func Default() *Config {
	var cfg Config
	cfg.Scraper.SearchURL = "https://www.google.com/search"
	cfg.Scraper.ResultsPerPage = 10
	cfg.Scraper.Language = "en"
	cfg.Scraper.Workers = 4
	cfg.Scraper.MaxAttempts = 3
	cfg.Scraper.Backoff = []string{"30s", "60s", "120s"}
	cfg.Scraper.RequestTimeout = "30s"
	cfg.Scraper.JobTimeout = "120s"
	cfg.Scraper.ReleaseDelayMin = "30s"
	cfg.Scraper.ReleaseDelayMax = "60s"
	cfg.Scraper.DispatchRate = 2
	cfg.Scraper.RateKey = "google"
	cfg.RateLimit.Requests = 60
	cfg.RateLimit.Window = "60s"
	cfg.RateLimit.FailureThreshold = 5
	cfg.RateLimit.FailurePenalty = 0.2
	cfg.Proxy.HealthTTL = "5m"
	cfg.Proxy.ProbeURL = "https://www.google.com/robots.txt"
	cfg.Proxy.ProbeTimeout = "5s"
	cfg.Monitor.FailureThreshold = 5
	cfg.Monitor.Cooldown = "5m"
	cfg.Monitor.Window = "5m"
	cfg.Monitor.RecoveryRate = 0.8
	cfg.Queue.Lease = "5m"
	cfg.Logging.Format = "text"
	cfg.Logging.Level = "info"
	cfg.Metrics.Addr = ":9090"
	return &cfg
}

// Load reads the TOML file at path on top of Default, then applies .env and
// environment overrides. A missing file is not an error: the defaults and
// environment are enough to run against in-memory backends.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("couldn't load .env", slog.Any("err", err))
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("config file not found, using defaults", slog.String("path", path))
	case err != nil:
		return nil, err
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SCRAPER_DSN"); v != "" {
		c.DSN = v
	}
	if v, ok := os.LookupEnv("PROXY_LIST"); ok {
		c.Proxy.List = v
	}
	if v := os.Getenv("SCRAPER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scraper.Workers = n
		}
	}
	if v := os.Getenv("SCRAPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Proxies splits the comma separated proxy list, dropping blanks.
func (c *ProxyConfig) Proxies() []string {
	var out []string
	for _, p := range strings.Split(c.List, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *ProxyConfig) GetHealthTTL() time.Duration {
	return parseDuration(c.HealthTTL, 5*time.Minute)
}

func (c *ProxyConfig) GetProbeTimeout() time.Duration {
	return parseDuration(c.ProbeTimeout, 5*time.Second)
}

func (c *RateLimitConfig) GetWindow() time.Duration {
	return parseDuration(c.Window, time.Minute)
}

func (c *MonitorConfig) GetCooldown() time.Duration {
	return parseDuration(c.Cooldown, 5*time.Minute)
}

func (c *MonitorConfig) GetWindow() time.Duration {
	return parseDuration(c.Window, 5*time.Minute)
}

func (c *ScraperConfig) GetRequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeout, 30*time.Second)
}

func (c *ScraperConfig) GetJobTimeout() time.Duration {
	return parseDuration(c.JobTimeout, 120*time.Second)
}

func (c *ScraperConfig) GetReleaseDelay() (time.Duration, time.Duration) {
	lo := parseDuration(c.ReleaseDelayMin, 30*time.Second)
	hi := parseDuration(c.ReleaseDelayMax, 60*time.Second)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// GetBackoff returns the per-attempt retry schedule. Entries that fail to
// parse are skipped.
func (c *ScraperConfig) GetBackoff() []time.Duration {
	var out []time.Duration
	for _, s := range c.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			slog.Warn("ignoring bad backoff entry", slog.String("value", s))
			continue
		}
		out = append(out, d)
	}
	return out
}

func (c *QueueConfig) GetLease() time.Duration {
	return parseDuration(c.Lease, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/benjaminestes/robots"
)

const maxProbeBody = 512 << 10

// guardedPath is disallowed for every agent by the upstream robots.txt. A
// body that allows it came from something other than the upstream, such as
// a captive portal or a proxy rewriting responses.
const guardedPath = "/search"

// HTTPProber fetches a robots.txt through the proxy. The proxy is healthy
// when the request succeeds with a 2xx and the body is a robots.txt that
// disallows guardedPath.
type HTTPProber struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
}

func (p *HTTPProber) Probe(ctx context.Context, proxy string) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic while probing proxy", slog.String("proxy", proxy), slog.Any("panic", r))
			healthy = false
		}
	}()

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: p.Insecure},
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("proxy health check failed", slog.String("proxy", proxy), slog.Any("err", err))
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return false
	}

	slog.Debug("proxy probe response",
		slog.String("proxy", proxy),
		slog.Int("status_code", resp.StatusCode),
		slog.Int("body_length", len(body)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	r, err := robots.From(resp.StatusCode, bytes.NewReader(body))
	if err != nil {
		slog.Warn("proxy returned unreadable robots.txt", slog.String("proxy", proxy), slog.Any("err", err))
		return false
	}
	if r.Test("*", guardedPath) {
		slog.Warn("proxy returned an unexpected robots.txt", slog.String("proxy", proxy))
		return false
	}
	return true
}

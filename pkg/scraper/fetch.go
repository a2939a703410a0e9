package scraper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const defaultMaxBody = 5 << 20

var ErrEmptyResults = errors.New("no results found in page")

// Fetcher retrieves the results page for query, through proxy when it is
// not empty.
type Fetcher interface {
	Fetch(ctx context.Context, query, proxy string) (string, error)
}

// StatusError is a response that arrived with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "HTTP " + strconv.Itoa(e.StatusCode)
}

// Reason classifies err into the short key tallied by the monitor.
func Reason(err error) string {
	var se *StatusError
	var ne net.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Error()
	case errors.Is(err, ErrEmptyResults):
		return "empty_results"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	}
	return "transport"
}

type HTTPFetcher struct {
	SearchURL      string
	ResultsPerPage int
	Language       string
	Country        string
	Timeout        time.Duration
	// InsecureProxyTLS turns off certificate checks for requests routed
	// through a proxy. Direct requests always verify.
	InsecureProxyTLS bool
	MaxBody          int64
	UserAgents       *UserAgents

	mu         sync.Mutex
	transports map[string]*http.Transport
	direct     *http.Transport
}

func (f *HTTPFetcher) transport(proxy string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if proxy == "" {
		if f.direct == nil {
			f.direct = http.DefaultTransport.(*http.Transport).Clone()
		}
		return f.direct, nil
	}

	if t, ok := f.transports[proxy]; ok {
		return t, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("bad proxy address %q: %w", proxy, err)
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = http.ProxyURL(u)
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: f.InsecureProxyTLS}
	if f.transports == nil {
		f.transports = make(map[string]*http.Transport)
	}
	f.transports[proxy] = t
	return t, nil
}

func (f *HTTPFetcher) userAgents() *UserAgents {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UserAgents == nil {
		f.UserAgents = NewUserAgents(nil)
	}
	return f.UserAgents
}

func (f *HTTPFetcher) searchURL(query string) (string, error) {
	u, err := url.Parse(f.SearchURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("q", query)
	if f.ResultsPerPage > 0 {
		q.Set("num", strconv.Itoa(f.ResultsPerPage))
	}
	if f.Language != "" {
		q.Set("hl", f.Language)
	}
	if f.Country != "" {
		q.Set("gl", f.Country)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *HTTPFetcher) acceptLanguage() string {
	lang := f.Language
	if lang == "" {
		lang = "en"
	}
	if f.Country != "" {
		return lang + "-" + f.Country + "," + lang + ";q=0.5"
	}
	return lang + ";q=0.9,*;q=0.5"
}

func (f *HTTPFetcher) Fetch(ctx context.Context, query, proxy string) (string, error) {
	target, err := f.searchURL(query)
	if err != nil {
		return "", err
	}
	t, err := f.transport(proxy)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}

	req.Header.Set("User-Agent", f.userAgents().Next())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.acceptLanguage())
	req.Header.Set("Connection", "keep-alive")

	client := &http.Client{Transport: t, Timeout: f.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("search request failed",
			slog.Int("status_code", resp.StatusCode),
			slog.String("proxy", proxy),
			slog.String("body_preview", string(preview)),
		)
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	limit := f.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", err
	}

	slog.Debug("search response",
		slog.Int("status_code", resp.StatusCode),
		slog.Int("body_length", len(body)),
		slog.String("proxy", proxy),
	)
	return string(body), nil
}

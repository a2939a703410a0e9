package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_BuildsSearchRequest(t *testing.T) {
	reqs := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	f := &HTTPFetcher{
		SearchURL:      srv.URL + "/search",
		ResultsPerPage: 10,
		Language:       "en",
		Country:        "US",
		Timeout:        5 * time.Second,
		UserAgents:     NewUserAgents([]string{"test-agent/1.0"}),
	}
	body, err := f.Fetch(context.Background(), "wireless earbuds", "")
	require.NoError(t, err)
	assert.Equal(t, resultsPage, body)

	got := <-reqs
	assert.Equal(t, "/search", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "wireless earbuds", q.Get("q"))
	assert.Equal(t, "10", q.Get("num"))
	assert.Equal(t, "en", q.Get("hl"))
	assert.Equal(t, "US", q.Get("gl"))
	assert.Equal(t, "test-agent/1.0", got.Header.Get("User-Agent"))
	assert.Equal(t, "en-US,en;q=0.5", got.Header.Get("Accept-Language"))
	assert.Contains(t, got.Header.Get("Accept"), "text/html")
}

func TestHTTPFetcher_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unusual traffic", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := &HTTPFetcher{SearchURL: srv.URL}
	_, err := f.Fetch(context.Background(), "q", "")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "HTTP 429", Reason(err))
}

func TestHTTPFetcher_LimitsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	f := &HTTPFetcher{SearchURL: srv.URL, MaxBody: 100}
	body, err := f.Fetch(context.Background(), "q", "")
	require.NoError(t, err)
	assert.Len(t, body, 100)
}

func TestHTTPFetcher_RoutesThroughProxy(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	px := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.String())
		mu.Unlock()
		fmt.Fprint(w, resultsPage)
	}))
	defer px.Close()

	// the search host never resolves; only the proxy can answer
	f := &HTTPFetcher{SearchURL: "http://search.invalid/search", Timeout: 5 * time.Second}
	body, err := f.Fetch(context.Background(), "standing desk", px.URL)
	require.NoError(t, err)
	assert.Equal(t, resultsPage, body)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.True(t, strings.HasPrefix(seen[0], "http://search.invalid/search?"), seen[0])

	t1, err := f.transport(px.URL)
	require.NoError(t, err)
	t2, err := f.transport(px.URL)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&StatusError{StatusCode: 503}, "HTTP 503"},
		{fmt.Errorf("fetch: %w", &StatusError{StatusCode: 403}), "HTTP 403"},
		{ErrEmptyResults, "empty_results"},
		{context.DeadlineExceeded, "timeout"},
		{timeoutErr{}, "timeout"},
		{errors.New("connection refused"), "transport"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err), "%v", tt.err)
	}
}

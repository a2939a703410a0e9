package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rdhawladar/google-scraper/pkg/serp"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned when a keyword is no longer held by the
	// token that tried to finish it.
	ErrClaimLost = errors.New("keyword claim lost")
	// ErrResultFinal is returned when a search result has already been
	// marked success or failed.
	ErrResultFinal = errors.New("search result already final")
)

type KeywordStatus string

const (
	KeywordPending    KeywordStatus = "pending"
	KeywordProcessing KeywordStatus = "processing"
	KeywordCompleted  KeywordStatus = "completed"
	KeywordFailed     KeywordStatus = "failed"
)

type Keyword struct {
	ID         int64         `json:"id"`
	OwnerID    int64         `json:"owner_id"`
	Text       string        `json:"keyword"`
	Status     KeywordStatus `json:"status"`
	ClaimToken string        `json:"-"`
	// Results is the denormalized outcome of the last attempt: the organic
	// list on success, {"error": msg} on failure.
	Results       json.RawMessage `json:"results,omitempty"`
	LastScrapedAt *time.Time      `json:"last_scraped_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

type SearchResult struct {
	ID              int64         `json:"id"`
	KeywordID       int64         `json:"keyword_id"`
	Status          ResultStatus  `json:"status"`
	TotalAds        int           `json:"total_ads"`
	TotalLinks      int           `json:"total_links"`
	OrganicResults  []serp.Result `json:"organic_results"`
	FeaturedSnippet *serp.Result  `json:"featured_snippet,omitempty"`
	HTMLSnapshot    string        `json:"-"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ScrapedAt       *time.Time    `json:"scraped_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

type KeywordCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Bucket is a count over the period starting at Start.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

type Storage interface {
	CreateKeywords(ctx context.Context, ownerID int64, texts []string) ([]Keyword, error)
	GetKeyword(ctx context.Context, id int64) (Keyword, error)
	ListKeywords(ctx context.Context, ownerID int64) ([]Keyword, error)
	// ClaimKeyword moves a pending keyword to processing under token. It also
	// succeeds when the keyword is already processing under the same token,
	// which is how a requeued job resumes its own claim.
	ClaimKeyword(ctx context.Context, id int64, token string) (bool, error)
	CompleteKeyword(ctx context.Context, id int64, token string, results json.RawMessage) error
	FailKeyword(ctx context.Context, id int64, token, message string) error
	// ResetKeyword moves a failed keyword back to pending.
	ResetKeyword(ctx context.Context, id int64) (bool, error)

	CreateSearchResult(ctx context.Context, keywordID int64) (SearchResult, error)
	CompleteSearchResult(ctx context.Context, r SearchResult) error
	FailSearchResult(ctx context.Context, id int64, message string) error
	ListSearchResults(ctx context.Context, keywordID int64) ([]SearchResult, error)

	KeywordCounts(ctx context.Context) (KeywordCounts, error)
	HourlyResults(ctx context.Context, since time.Time) ([]Bucket, error)
	DailyFailures(ctx context.Context, since time.Time) ([]Bucket, error)
	RecentFailures(ctx context.Context, limit int) ([]Keyword, error)

	Close() error
}

// ErrorResults is the denormalized payload stored on a failed keyword.
func ErrorResults(message string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": message})
	return b
}

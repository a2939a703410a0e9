package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
)

// PostgresStorage wraps every statement in a circuit breaker and a short
// retry loop so a database blip does not fail a whole scrape.
type PostgresStorage struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("storage circuit breaker changed state",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &PostgresStorage{db: db, cb: cb}
}

// isTransient reports whether err is worth retrying: connection trouble and
// server-side failures, not missing rows, lost claims, constraint violations
// or a cancelled caller.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrClaimLost),
		errors.Is(err, ErrResultFinal),
		errors.Is(err, sql.ErrNoRows),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return false
		}
	}
	return true
}

func run[T any](ctx context.Context, s *PostgresStorage, op string, fn func() (T, error)) (T, error) {
	var out T
	err := retry.Do(
		func() error {
			res, err := s.cb.Execute(func() (interface{}, error) {
				return fn()
			})
			if err != nil {
				return err
			}
			out = res.(T)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("retrying storage operation", slog.String("op", op), slog.Uint64("attempt", uint64(n+1)), slog.Any("err", err))
		}),
	)
	return out, err
}

const keywordColumns = `id, owner_id, keyword, status, COALESCE(claim_token, ''), results, last_scraped_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanKeyword(row scanner) (Keyword, error) {
	var k Keyword
	var results []byte
	var scraped sql.NullTime
	if err := row.Scan(&k.ID, &k.OwnerID, &k.Text, &k.Status, &k.ClaimToken, &results, &scraped, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return k, err
	}
	if len(results) > 0 {
		k.Results = json.RawMessage(results)
	}
	if scraped.Valid {
		k.LastScrapedAt = &scraped.Time
	}
	return k, nil
}

func (s *PostgresStorage) queryKeywords(ctx context.Context, op, query string, args ...any) ([]Keyword, error) {
	return run(ctx, s, op, func() ([]Keyword, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []Keyword
		for rows.Next() {
			k, err := scanKeyword(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
		return out, rows.Err()
	})
}

func (s *PostgresStorage) CreateKeywords(ctx context.Context, ownerID int64, texts []string) ([]Keyword, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := s.queryKeywords(ctx, "create_keywords", `
		INSERT INTO keywords (owner_id, keyword)
		SELECT $1, t FROM unnest($2::text[]) WITH ORDINALITY AS u(t, n)
		ORDER BY n
		RETURNING `+keywordColumns,
		ownerID, pq.Array(texts),
	)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	slog.Info("saved keywords", slog.Int64("owner_id", ownerID), slog.Int("count", len(out)))
	return out, nil
}

func (s *PostgresStorage) GetKeyword(ctx context.Context, id int64) (Keyword, error) {
	return run(ctx, s, "get_keyword", func() (Keyword, error) {
		k, err := scanKeyword(s.db.QueryRowContext(ctx, `SELECT `+keywordColumns+` FROM keywords WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return k, fmt.Errorf("keyword %d: %w", id, ErrNotFound)
		}
		return k, err
	})
}

func (s *PostgresStorage) ListKeywords(ctx context.Context, ownerID int64) ([]Keyword, error) {
	return s.queryKeywords(ctx, "list_keywords",
		`SELECT `+keywordColumns+` FROM keywords WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
}

func (s *PostgresStorage) update(ctx context.Context, op, query string, args ...any) (int64, error) {
	return run(ctx, s, op, func() (int64, error) {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

func (s *PostgresStorage) ClaimKeyword(ctx context.Context, id int64, token string) (bool, error) {
	n, err := s.update(ctx, "claim_keyword", `
		UPDATE keywords
		SET status = 'processing', claim_token = $2, updated_at = now()
		WHERE id = $1
		  AND (status = 'pending' OR (status = 'processing' AND claim_token = $2))`,
		id, token,
	)
	return n == 1, err
}

func (s *PostgresStorage) finishKeyword(ctx context.Context, op string, id int64, token string, status KeywordStatus, results json.RawMessage) error {
	n, err := s.update(ctx, op, `
		UPDATE keywords
		SET status = $3, results = $4, claim_token = NULL, last_scraped_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND claim_token = $2`,
		id, token, status, []byte(results),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("keyword %d: %w", id, ErrClaimLost)
	}
	return nil
}

func (s *PostgresStorage) CompleteKeyword(ctx context.Context, id int64, token string, results json.RawMessage) error {
	return s.finishKeyword(ctx, "complete_keyword", id, token, KeywordCompleted, results)
}

func (s *PostgresStorage) FailKeyword(ctx context.Context, id int64, token, message string) error {
	return s.finishKeyword(ctx, "fail_keyword", id, token, KeywordFailed, ErrorResults(message))
}

func (s *PostgresStorage) ResetKeyword(ctx context.Context, id int64) (bool, error) {
	n, err := s.update(ctx, "reset_keyword", `
		UPDATE keywords
		SET status = 'pending', claim_token = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'`,
		id,
	)
	return n == 1, err
}

func (s *PostgresStorage) CreateSearchResult(ctx context.Context, keywordID int64) (SearchResult, error) {
	return run(ctx, s, "create_search_result", func() (SearchResult, error) {
		r := SearchResult{KeywordID: keywordID}
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO search_results (keyword_id, status)
			VALUES ($1, 'pending')
			RETURNING id, status, created_at`,
			keywordID,
		).Scan(&r.ID, &r.Status, &r.CreatedAt)
		return r, err
	})
}

func nullJSON(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *PostgresStorage) CompleteSearchResult(ctx context.Context, r SearchResult) error {
	organic, err := json.Marshal(r.OrganicResults)
	if err != nil {
		return err
	}
	featured, err := nullJSON(r.FeaturedSnippet, r.FeaturedSnippet != nil)
	if err != nil {
		return err
	}

	n, err := s.update(ctx, "complete_search_result", `
		UPDATE search_results
		SET status = 'success', total_ads = $2, total_links = $3, organic_results = $4,
			featured_snippet = $5, html_snapshot = $6, error_message = NULL, scraped_at = now()
		WHERE id = $1 AND status = 'pending'`,
		r.ID, r.TotalAds, r.TotalLinks, organic, featured, r.HTMLSnapshot,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.notPending(ctx, r.ID)
	}
	return nil
}

func (s *PostgresStorage) FailSearchResult(ctx context.Context, id int64, message string) error {
	n, err := s.update(ctx, "fail_search_result", `
		UPDATE search_results
		SET status = 'failed', error_message = $2, scraped_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, message,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.notPending(ctx, id)
	}
	return nil
}

// notPending explains why an update guarded on status = 'pending' touched
// no row.
func (s *PostgresStorage) notPending(ctx context.Context, id int64) error {
	exists, err := run(ctx, s, "search_result_exists", func() (bool, error) {
		var found bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM search_results WHERE id = $1)`, id).Scan(&found)
		return found, err
	})
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("search result %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("search result %d: %w", id, ErrResultFinal)
}

func (s *PostgresStorage) ListSearchResults(ctx context.Context, keywordID int64) ([]SearchResult, error) {
	return run(ctx, s, "list_search_results", func() ([]SearchResult, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, keyword_id, status, total_ads, total_links, organic_results, featured_snippet,
				COALESCE(html_snapshot, ''), COALESCE(error_message, ''), scraped_at, created_at
			FROM search_results
			WHERE keyword_id = $1
			ORDER BY id DESC`,
			keywordID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []SearchResult
		for rows.Next() {
			var r SearchResult
			var organic, featured []byte
			var scraped sql.NullTime
			if err := rows.Scan(&r.ID, &r.KeywordID, &r.Status, &r.TotalAds, &r.TotalLinks, &organic, &featured,
				&r.HTMLSnapshot, &r.ErrorMessage, &scraped, &r.CreatedAt); err != nil {
				return nil, err
			}
			if len(organic) > 0 {
				if err := json.Unmarshal(organic, &r.OrganicResults); err != nil {
					return nil, fmt.Errorf("decode organic results of %d: %w", r.ID, err)
				}
			}
			if len(featured) > 0 {
				if err := json.Unmarshal(featured, &r.FeaturedSnippet); err != nil {
					return nil, fmt.Errorf("decode featured snippet of %d: %w", r.ID, err)
				}
			}
			if scraped.Valid {
				r.ScrapedAt = &scraped.Time
			}
			out = append(out, r)
		}
		return out, rows.Err()
	})
}

func (s *PostgresStorage) KeywordCounts(ctx context.Context) (KeywordCounts, error) {
	return run(ctx, s, "keyword_counts", func() (KeywordCounts, error) {
		var c KeywordCounts
		rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM keywords GROUP BY status`)
		if err != nil {
			return c, err
		}
		defer rows.Close()

		for rows.Next() {
			var status KeywordStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return c, err
			}
			c.add(status, n)
		}
		return c, rows.Err()
	})
}

func (c *KeywordCounts) add(status KeywordStatus, n int) {
	c.Total += n
	switch status {
	case KeywordPending:
		c.Pending += n
	case KeywordProcessing:
		c.Processing += n
	case KeywordCompleted:
		c.Completed += n
	case KeywordFailed:
		c.Failed += n
	}
}

func (s *PostgresStorage) buckets(ctx context.Context, op, query string, args ...any) ([]Bucket, error) {
	return run(ctx, s, op, func() ([]Bucket, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []Bucket
		for rows.Next() {
			var b Bucket
			if err := rows.Scan(&b.Start, &b.Count); err != nil {
				return nil, err
			}
			b.Start = b.Start.UTC()
			out = append(out, b)
		}
		return out, rows.Err()
	})
}

func (s *PostgresStorage) HourlyResults(ctx context.Context, since time.Time) ([]Bucket, error) {
	return s.buckets(ctx, "hourly_results", `
		SELECT date_trunc('hour', created_at AT TIME ZONE 'UTC') AS h, count(*)
		FROM search_results
		WHERE created_at >= $1
		GROUP BY h
		ORDER BY h`,
		since,
	)
}

func (s *PostgresStorage) DailyFailures(ctx context.Context, since time.Time) ([]Bucket, error) {
	return s.buckets(ctx, "daily_failures", `
		SELECT date_trunc('day', updated_at AT TIME ZONE 'UTC') AS d, count(*)
		FROM keywords
		WHERE status = 'failed' AND updated_at >= $1
		GROUP BY d
		ORDER BY d`,
		since,
	)
}

func (s *PostgresStorage) RecentFailures(ctx context.Context, limit int) ([]Keyword, error) {
	return s.queryKeywords(ctx, "recent_failures",
		`SELECT `+keywordColumns+` FROM keywords WHERE status = 'failed' ORDER BY updated_at DESC, id DESC LIMIT $1`,
		limit,
	)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

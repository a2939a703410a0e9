package kv

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// PostgresStore keeps entries in the kv_entries table created by the storage
// migrations. Each operation is a single statement, so row-level locking in
// Postgres provides the per-key atomicity.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func seconds(ttl time.Duration) float64 {
	if ttl <= 0 {
		return 0
	}
	return ttl.Seconds()
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::double precision > 0 THEN now() + make_interval(secs => $3::double precision) END)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, seconds(ttl),
	)
	return err
}

func (s *PostgresStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2::bigint::text, CASE WHEN $3::double precision > 0 THEN now() + make_interval(secs => $3::double precision) END)
		ON CONFLICT (key) DO UPDATE
		SET value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now() THEN EXCLUDED.value
				ELSE (kv_entries.value::bigint + $2::bigint)::text
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now() THEN EXCLUDED.expires_at
				ELSE kv_entries.expires_at
			END
		RETURNING value::bigint`,
		key, delta, seconds(ttl),
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	var res sql.Result
	var err error
	if old == "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kv_entries (key, value, expires_at)
			VALUES ($1, $2, CASE WHEN $3::double precision > 0 THEN now() + make_interval(secs => $3::double precision) END)
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()`,
			key, new, seconds(ttl),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE kv_entries
			SET value = $3,
				expires_at = CASE WHEN $4::double precision > 0 THEN now() + make_interval(secs => $4::double precision) END
			WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`,
			key, old, new, seconds(ttl),
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv_entries
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > now())`,
		prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Purge deletes expired rows. Reads already ignore them; this only reclaims
// space.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	slog.Debug("purged expired kv entries", slog.Int64("count", n))
	return n, nil
}

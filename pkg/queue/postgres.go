package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue stores jobs in the jobs table. Dequeue leases a row with
// FOR UPDATE SKIP LOCKED; a job whose worker died before Ack or Requeue
// becomes visible again once the lease runs out, so delivery is
// at-least-once.
type PostgresQueue struct {
	db    *sql.DB
	lease time.Duration
	poll  time.Duration
}

func NewPostgresQueue(db *sql.DB, lease time.Duration) *PostgresQueue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &PostgresQueue{db: db, lease: lease, poll: time.Second}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, keyword_id, attempt, enqueued_at, available_at)
		VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5::double precision))
		ON CONFLICT (id) DO UPDATE
		SET attempt = EXCLUDED.attempt, available_at = EXCLUDED.available_at, leased_until = NULL`,
		job.ID, job.KeywordID, job.Attempt, job.EnqueuedAt, max(delay, 0).Seconds(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *PostgresQueue) claim(ctx context.Context) (Job, bool, error) {
	var job Job
	err := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET leased_until = now() + make_interval(secs => $1::double precision)
		WHERE id = (
			SELECT id FROM jobs
			WHERE available_at <= now() AND (leased_until IS NULL OR leased_until <= now())
			ORDER BY available_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, keyword_id, attempt, enqueued_at`,
		q.lease.Seconds(),
	).Scan(&job.ID, &job.KeywordID, &job.Attempt, &job.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	return job, true, nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (Job, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		job, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			slog.Error("failed to lease job", slog.Any("err", err))
		}
		if ok {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, job Job) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (q *PostgresQueue) Requeue(ctx context.Context, job Job, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET attempt = $2, available_at = now() + make_interval(secs => $3::double precision), leased_until = NULL
		WHERE id = $1`,
		job.ID, job.Attempt, max(delay, 0).Seconds(),
	)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue job %s: no such job", job.ID)
	}
	return nil
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs`).Scan(&n)
	return n, err
}

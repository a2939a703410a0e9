// Package queue dispatches keyword scrape jobs to workers with per-job
// delays.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("queue closed")

// Job is one unit of work for a keyword. ID doubles as the claim token on
// the keyword, so every redelivery of the same job resumes the same claim.
type Job struct {
	ID         string    `json:"id"`
	KeywordID  int64     `json:"keyword_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewJob(keywordID int64) Job {
	return Job{
		ID:         uuid.NewString(),
		KeywordID:  keywordID,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}
}

type Queue interface {
	// Enqueue makes job available after delay.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is due or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Ack removes a delivered job for good.
	Ack(ctx context.Context, job Job) error
	// Requeue hands a delivered job back, available again after delay. The
	// stored attempt is replaced by job.Attempt.
	Requeue(ctx context.Context, job Job, delay time.Duration) error
	Len(ctx context.Context) (int, error)
}

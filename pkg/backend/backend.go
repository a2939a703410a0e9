// Package backend opens the storage, kv and queue implementations selected
// in the config.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rdhawladar/google-scraper/pkg/config"
	"github.com/rdhawladar/google-scraper/pkg/kv"
	"github.com/rdhawladar/google-scraper/pkg/queue"
	"github.com/rdhawladar/google-scraper/pkg/storage"
)

const (
	Memory   = "memory"
	Postgres = "postgres"
)

var (
	ErrNoDSN = errors.New("postgres backend selected but dsn is empty")
	// ErrSplitQueue rejects a process-local queue next to keywords kept in
	// Postgres: jobs queued by one process would never reach the workers.
	ErrSplitQueue = errors.New("memory queue cannot serve keywords stored in postgres")
)

type Backends struct {
	DB      *sql.DB
	Storage storage.Storage
	KV      kv.Store
	Queue   queue.Queue
}

// resolve fills in unset backends from the DSN and rejects combinations
// that would strand keywords.
func resolve(cfg *config.Config) (cacheBackend, queueBackend string, err error) {
	auto := Memory
	if cfg.DSN != "" {
		auto = Postgres
	}
	cacheBackend, queueBackend = cfg.Cache.Backend, cfg.Queue.Backend
	if cacheBackend == "" {
		cacheBackend = auto
	}
	if queueBackend == "" {
		queueBackend = auto
	}

	for _, name := range []string{cacheBackend, queueBackend} {
		if name != Memory && name != Postgres {
			return "", "", fmt.Errorf("unknown backend %q", name)
		}
	}
	if cfg.DSN == "" && (cacheBackend == Postgres || queueBackend == Postgres) {
		return "", "", ErrNoDSN
	}
	if cfg.DSN != "" && queueBackend == Memory {
		return "", "", ErrSplitQueue
	}
	if cfg.DSN != "" && cacheBackend == Memory {
		slog.Warn("cache backend is memory: rate limits, circuit state and proxy health stay per process")
	}
	return cacheBackend, queueBackend, nil
}

// Open connects to Postgres when a DSN is configured, runs migrations, and
// builds each backend. Keywords live in Postgres whenever a DSN is set.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	cache, queueBackend, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	b := &Backends{}
	if cfg.DSN != "" {
		db, err := storage.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := storage.RunMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		b.DB = db
		b.Storage = storage.NewPostgresStorage(db)
	} else {
		b.Storage = storage.NewMemoryStorage()
	}

	if cache == Postgres {
		b.KV = kv.NewPostgresStore(b.DB)
	} else {
		b.KV = kv.NewMemoryStore()
	}
	if queueBackend == Postgres {
		b.Queue = queue.NewPostgresQueue(b.DB, cfg.Queue.GetLease())
	} else {
		b.Queue = queue.NewMemoryQueue()
	}

	slog.Info("backends ready",
		slog.Bool("postgres", b.DB != nil),
		slog.String("cache", cache),
		slog.String("queue", queueBackend),
	)
	return b, nil
}

// PurgeExpired deletes expired kv rows every interval until ctx is done.
// In-memory entries expire lazily and need no sweep.
func (b *Backends) PurgeExpired(ctx context.Context, every time.Duration) {
	pg, ok := b.KV.(*kv.PostgresStore)
	if !ok {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := pg.Purge(ctx)
			if err != nil {
				slog.Warn("kv purge failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				slog.Debug("kv purged", slog.Int64("rows", n))
			}
		}
	}
}

func (b *Backends) Close() error {
	if mq, ok := b.Queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
	// the Postgres storage owns the shared *sql.DB
	if b.Storage != nil {
		return b.Storage.Close()
	}
	return nil
}

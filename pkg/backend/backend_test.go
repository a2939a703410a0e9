package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdhawladar/google-scraper/pkg/config"
	"github.com/rdhawladar/google-scraper/pkg/kv"
	"github.com/rdhawladar/google-scraper/pkg/queue"
	"github.com/rdhawladar/google-scraper/pkg/storage"
)

func TestOpen_MemoryDefaults(t *testing.T) {
	b, err := Open(context.Background(), config.Default())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.DB)
	assert.IsType(t, &storage.MemoryStorage{}, b.Storage)
	assert.IsType(t, &kv.MemoryStore{}, b.KV)
	assert.IsType(t, &queue.MemoryQueue{}, b.Queue)
}

func TestOpen_PostgresWithoutDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Backend = Postgres

	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoDSN)
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Backend = "redis"

	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, `unknown backend "redis"`)
}

func TestResolve(t *testing.T) {
	const dsn = "postgres://scraper@localhost/scraper?sslmode=disable"
	cases := []struct {
		name         string
		dsn          string
		cache, queue string
		wantCache    string
		wantQueue    string
		wantErr      error
	}{
		{name: "no dsn", wantCache: Memory, wantQueue: Memory},
		{name: "dsn only", dsn: dsn, wantCache: Postgres, wantQueue: Postgres},
		{name: "dsn with explicit postgres", dsn: dsn, cache: Postgres, queue: Postgres, wantCache: Postgres, wantQueue: Postgres},
		{name: "dsn with local cache", dsn: dsn, cache: Memory, wantCache: Memory, wantQueue: Postgres},
		{name: "dsn with memory queue", dsn: dsn, queue: Memory, wantErr: ErrSplitQueue},
		{name: "postgres queue without dsn", queue: Postgres, wantErr: ErrNoDSN},
		{name: "postgres cache without dsn", cache: Postgres, wantErr: ErrNoDSN},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.DSN = c.dsn
			cfg.Cache.Backend = c.cache
			cfg.Queue.Backend = c.queue

			cache, q, err := resolve(cfg)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.wantCache, cache)
			assert.Equal(t, c.wantQueue, q)
		})
	}
}

func TestOpen_MemoryQueueWithDSNRejected(t *testing.T) {
	cfg := config.Default()
	cfg.DSN = "postgres://scraper@localhost/scraper?sslmode=disable"
	cfg.Queue.Backend = Memory

	// rejected before any connection is attempted
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrSplitQueue)
}

func TestClose_ClosesMemoryQueue(t *testing.T) {
	b, err := Open(context.Background(), config.Default())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Queue.Dequeue(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

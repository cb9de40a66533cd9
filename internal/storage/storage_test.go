package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"ugc/server/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Load(ctx, "history:u1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Save(ctx, "history:u1", []byte(`[{"id":"a"}]`)))
	v, err := b.Load(ctx, "history:u1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"}]`, string(v))

	require.NoError(t, b.Save(ctx, "history:u1", []byte(`[]`)))
	v, err = b.Load(ctx, "history:u1")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(v))

	require.NoError(t, b.Delete(ctx, "history:u1"))
	_, err = b.Load(ctx, "history:u1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Save(context.Background(), "k", buf))
	buf[0] = 'x'
	v, err := m.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ugc.db")
	s, err := NewSQLite(path, telemetry.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseBackend(t, s)
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ugc.db")
	s, err := NewSQLite(path, telemetry.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "batches:u1", []byte(`[1,2]`)))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path, telemetry.Discard())
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Load(context.Background(), "batches:u1")
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(v))
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("UGC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("UGC_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(context.Background(), &redis.Options{Addr: addr, DB: 15}, telemetry.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	exerciseBackend(t, r)
}

func TestQuotaRejectsOversizedWrites(t *testing.T) {
	ctx := context.Background()
	q := WithQuota(NewMemory(), 10)

	require.NoError(t, q.Save(ctx, "a", []byte("123456")))
	err := q.Save(ctx, "b", []byte("12345"))
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Rewriting an existing key only counts its new size.
	require.NoError(t, q.Save(ctx, "a", []byte("1234567890")))
	require.NoError(t, q.Delete(ctx, "a"))
	require.NoError(t, q.Save(ctx, "b", []byte("12345")))

	_, err = q.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuotaCountsDataWrittenBeforeStart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ugc.db")
	s, err := NewSQLite(path, telemetry.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "history:u1", []byte("12345678")))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path, telemetry.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	q := WithQuota(s, 10)

	used, err := q.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, used)

	err = q.Save(ctx, "history:u2", []byte("12345"))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.NoError(t, q.Save(ctx, "history:u2", []byte("12")))
}

func TestQuotaSerializesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	q := WithQuota(mem, 10)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.Save(ctx, fmt.Sprintf("k%d", i), []byte("1234"))
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrQuotaExceeded)
		}
	}
	assert.Equal(t, 2, accepted)
	sizes, err := mem.Sizes(ctx)
	require.NoError(t, err)
	assert.Len(t, sizes, 2)
}

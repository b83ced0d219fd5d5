package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

func newFlushFixture(t *testing.T) (*CacheFlushJob, *rbac.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := rbac.NewCache(client, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	return NewCacheFlushJob(cache, logger, metrics), cache
}

func TestCacheFlushJobFullFlush(t *testing.T) {
	job, cache := newFlushFixture(t)
	ctx := context.Background()

	before, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, before, true))

	task, err := NewCacheFlushTask(CacheFlushPayload{Reason: "test"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))

	after, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestCacheFlushJobUserScoped(t *testing.T) {
	job, cache := newFlushFixture(t)
	ctx := context.Background()

	k7, err := cache.Key(ctx, 7, "documents", "read", "-")
	require.NoError(t, err)
	k8, err := cache.Key(ctx, 8, "documents", "read", "-")
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, k7, true))
	require.NoError(t, cache.Set(ctx, k8, true))

	task, err := NewCacheFlushTask(CacheFlushPayload{UserID: 7, Reason: "test"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))

	_, ok, err := cache.Get(ctx, k7)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = cache.Get(ctx, k8)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheFlushJobBadPayload(t *testing.T) {
	job, _ := newFlushFixture(t)
	task := asynq.NewTask(TaskRBACCacheFlush, []byte("{not json"))
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

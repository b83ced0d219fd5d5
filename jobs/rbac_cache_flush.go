package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CacheFlushJob flushes the permission cache on demand or on schedule. The
// scheduled run is a safety net against invalidations missed during outages.
type CacheFlushJob struct {
	Cache   *rbac.Cache
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCacheFlushJob wires dependencies for the cache flush handler.
func NewCacheFlushJob(cache *rbac.Cache, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheFlushJob {
	return &CacheFlushJob{Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes cache flush tasks.
func (j *CacheFlushJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cache == nil {
		return errors.New("cache flush: handler not configured")
	}
	var payload CacheFlushPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRBACCacheFlush)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("reason", payload.Reason))
	if payload.UserID > 0 {
		resultErr = j.Cache.InvalidateUser(ctx, payload.UserID)
		if resultErr != nil {
			logger.Error("invalidate user cache", slog.Int64("user_id", payload.UserID), slog.Any("error", resultErr))
			return resultErr
		}
		logger.Info("user permission cache invalidated", slog.Int64("user_id", payload.UserID))
		return nil
	}

	resultErr = j.Cache.InvalidateAll(ctx)
	if resultErr != nil {
		logger.Error("flush permission cache", slog.Any("error", resultErr))
		return resultErr
	}
	logger.Info("permission cache flushed")
	return nil
}

func (j *CacheFlushJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CacheFlushJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

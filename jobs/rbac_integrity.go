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

// IntegrityScanJob walks every role's ancestor chain and raises a
// data-integrity alarm when a hierarchy cycle is found. Cycles should be
// impossible through the admin API; this guards against direct data edits.
type IntegrityScanJob struct {
	Service *rbac.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIntegrityScanJob wires dependencies for the integrity scan handler.
func NewIntegrityScanJob(service *rbac.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityScanJob {
	return &IntegrityScanJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes integrity scan tasks.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRBACIntegrityScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	roles, err := j.Service.ListRoles(ctx)
	if err != nil {
		resultErr = err
		return resultErr
	}

	cycles := 0
	for _, role := range roles {
		if _, err := j.Service.Hierarchy().Ancestors(ctx, role.ID); err != nil {
			if errors.Is(err, rbac.ErrCycleDetected) {
				cycles++
				j.logger().Error("role hierarchy cycle",
					slog.Int64("role_id", role.ID),
					slog.String("role", role.Name),
					slog.Any("error", err))
				continue
			}
			resultErr = err
			return resultErr
		}
	}
	j.metrics().AddHierarchyCycles(cycles)
	j.logger().Info("role hierarchy scan finished",
		slog.Int("roles", len(roles)),
		slog.Int("cycles", cycles))
	return nil
}

func (j *IntegrityScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACCacheFlush forces a logical flush of the permission cache.
	TaskRBACCacheFlush = "rbac:cache_flush"
	// TaskRBACIntegrityScan walks the role hierarchy looking for cycles.
	TaskRBACIntegrityScan = "rbac:integrity_scan"
)

// CacheFlushPayload describes a permission cache flush request.
type CacheFlushPayload struct {
	// UserID limits the flush to one user; zero flushes everything.
	UserID int64  `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewCacheFlushTask constructs an Asynq task for a cache flush.
func NewCacheFlushTask(payload CacheFlushPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACCacheFlush, data), nil
}

// IntegrityScanPayload describes a hierarchy integrity scan request.
type IntegrityScanPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewIntegrityScanTask constructs an Asynq task for an integrity scan.
func NewIntegrityScanTask(payload IntegrityScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACIntegrityScan, data), nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"auth-guard/internal/domain"

	"github.com/go-redis/redis/v8"
)

// DeletionQueueKey is the Redis list the deferred file deletion worker consumes
const DeletionQueueKey = "deletion:queue"

// DeletionJob is one queued account deletion
type DeletionJob struct {
	UserID      string    `json:"userId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// RedisDeletionQueue implements domain.DeletionTrigger by pushing jobs on a Redis list
type RedisDeletionQueue struct {
	client redis.Cmdable
	logger domain.Logger
	now    func() time.Time
}

// NewRedisDeletionQueue wraps an existing client
func NewRedisDeletionQueue(client redis.Cmdable, logger domain.Logger) *RedisDeletionQueue {
	return &RedisDeletionQueue{client: client, logger: logger, now: time.Now}
}

// Trigger enqueues the user's files for deletion
func (q *RedisDeletionQueue) Trigger(ctx context.Context, userID string) error {
	payload, err := json.Marshal(DeletionJob{UserID: userID, RequestedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode deletion job: %w", err)
	}

	if err := q.client.LPush(ctx, DeletionQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue deletion of %s: %w", userID, err)
	}

	if q.logger != nil {
		q.logger.Info("Account deletion queued", map[string]interface{}{
			"user_id": userID,
			"queue":   DeletionQueueKey,
		})
	}
	return nil
}

// LogDeletionTrigger only records the request; used when no queue backend is configured
type LogDeletionTrigger struct {
	logger domain.Logger
}

// NewLogDeletionTrigger creates a trigger that logs
func NewLogDeletionTrigger(logger domain.Logger) *LogDeletionTrigger {
	return &LogDeletionTrigger{logger: logger}
}

// Trigger logs the deletion request
func (l *LogDeletionTrigger) Trigger(ctx context.Context, userID string) error {
	if l.logger != nil {
		l.logger.Warn("Account deletion requested without a deletion queue", map[string]interface{}{
			"user_id": userID,
		})
	}
	return nil
}

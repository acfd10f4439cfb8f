package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threadline-ai/threadline/internal/customer"
)

// ContextStore persists customer contexts in Redis.
type ContextStore struct {
	core core
}

// NewContextStore wraps a connected client. maxAge <= 0 keeps records
// for 72 hours.
func NewContextStore(client *redis.Client, maxAge time.Duration, logger *slog.Logger) *ContextStore {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextStore{core: core{client: client, keys: contextKeys, maxAge: maxAge, logger: logger}}
}

// Init verifies connectivity. Redis needs no schema, so this is a ping.
func (s *ContextStore) Init(ctx context.Context) error {
	return s.core.client.Ping(ctx).Err()
}

// Save persists a context with the store TTL.
func (s *ContextStore) Save(ctx context.Context, subjectID string, c *customer.Context) error {
	if c == nil {
		return fmt.Errorf("save context for %s: nil context", subjectID)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context for %s: %w", subjectID, err)
	}
	return s.core.save(ctx, subjectID, string(payload))
}

// Load returns the stored context, or nil when absent or corrupted.
// TTL handles expiry; corrupted payloads are deleted and read as a
// miss.
func (s *ContextStore) Load(ctx context.Context, subjectID string) (*customer.Context, error) {
	payload, err := s.core.load(ctx, subjectID)
	if err != nil || payload == "" {
		return nil, err
	}
	var c customer.Context
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		s.core.logger.Warn("corrupted context record, discarding",
			"subject", subjectID, "error", err)
		if delErr := s.core.delete(ctx, subjectID); delErr != nil {
			s.core.logger.Warn("corrupted context not removed", "subject", subjectID, "error", delErr)
		}
		return nil, nil
	}
	return &c, nil
}

// Delete removes a context and its index entry.
func (s *ContextStore) Delete(ctx context.Context, subjectID string) error {
	return s.core.delete(ctx, subjectID)
}

// CleanupExpired reconciles the index and removes anything older than
// maxAge (0 = store default).
func (s *ContextStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.core.cleanup(ctx, maxAge)
}

// RunStateStore persists opaque paused-execution blobs in Redis.
type RunStateStore struct {
	core core
}

// NewRunStateStore wraps a connected client. maxAge <= 0 keeps blobs
// for 2 hours.
func NewRunStateStore(client *redis.Client, maxAge time.Duration, logger *slog.Logger) *RunStateStore {
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunStateStore{core: core{client: client, keys: runstateKeys, maxAge: maxAge, logger: logger}}
}

// Init verifies connectivity.
func (s *RunStateStore) Init(ctx context.Context) error {
	return s.core.client.Ping(ctx).Err()
}

// Save persists a blob with the store TTL.
func (s *RunStateStore) Save(ctx context.Context, subjectID string, state string) error {
	if state == "" {
		return fmt.Errorf("save runstate for %s: empty state", subjectID)
	}
	return s.core.save(ctx, subjectID, state)
}

// Load returns the stored blob, or "" on miss. The blob is opaque;
// structural validation happens at the engine boundary.
func (s *RunStateStore) Load(ctx context.Context, subjectID string) (string, error) {
	return s.core.load(ctx, subjectID)
}

// Delete removes a blob and its index entry.
func (s *RunStateStore) Delete(ctx context.Context, subjectID string) error {
	return s.core.delete(ctx, subjectID)
}

// CleanupExpired reconciles the index and removes anything older than
// maxAge (0 = store default).
func (s *RunStateStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.core.cleanup(ctx, maxAge)
}

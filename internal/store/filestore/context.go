package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
)

// DefaultContextMaxAge is the customer-continuity window: how long an
// idle customer context survives before expiry.
const DefaultContextMaxAge = 72 * time.Hour

// contextRecord is the on-disk envelope for one customer context.
type contextRecord struct {
	SubjectID string            `json:"subjectId"`
	Context   *customer.Context `json:"context"`
	Timestamp int64             `json:"timestamp"` // epoch-ms last write
}

// ContextStore is the file-backed long-lived context store. Records
// live at context-{subjectID}.json with context-index.json alongside.
type ContextStore struct {
	fs *fileStore
}

// NewContextStore creates a context store rooted at dir. maxAge <= 0
// uses DefaultContextMaxAge.
func NewContextStore(dir string, maxAge time.Duration, logger *slog.Logger) *ContextStore {
	if maxAge <= 0 {
		maxAge = DefaultContextMaxAge
	}
	return &ContextStore{
		fs: newFileStore(dir, "context", "context-index.json", maxAge, logger),
	}
}

// Init creates the backing directory and loads the index.
func (s *ContextStore) Init(_ context.Context) error {
	return s.fs.init()
}

// Save persists a customer context and updates the index.
func (s *ContextStore) Save(_ context.Context, subjectID string, c *customer.Context) error {
	if c == nil {
		return fmt.Errorf("save context for %s: nil context", subjectID)
	}
	now := time.Now().UnixMilli()
	data, err := json.Marshal(contextRecord{
		SubjectID: subjectID,
		Context:   c,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("marshal context for %s: %w", subjectID, err)
	}
	return s.fs.writeRecord(subjectID, data, now)
}

// Load returns the stored context, or nil when absent, expired, or
// corrupted. Expired and corrupted records are deleted on the way out.
func (s *ContextStore) Load(_ context.Context, subjectID string) (*customer.Context, error) {
	if err := s.fs.init(); err != nil {
		return nil, err
	}
	data, ok := s.fs.readRecord(subjectID)
	if !ok {
		return nil, nil
	}

	var rec contextRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Context == nil {
		s.fs.logger.Warn("corrupted context record, discarding",
			"subject", subjectID, "error", err)
		if rmErr := s.fs.remove(subjectID); rmErr != nil {
			s.fs.logger.Warn("corrupted context not removed", "subject", subjectID, "error", rmErr)
		}
		return nil, nil
	}

	if s.fs.expired(rec.Timestamp) {
		if rmErr := s.fs.remove(subjectID); rmErr != nil {
			s.fs.logger.Warn("expired context not removed", "subject", subjectID, "error", rmErr)
		}
		return nil, nil
	}

	return rec.Context, nil
}

// Delete removes a context record and its index entry.
func (s *ContextStore) Delete(_ context.Context, subjectID string) error {
	return s.fs.remove(subjectID)
}

// CleanupExpired sweeps contexts older than maxAge (0 = store default).
func (s *ContextStore) CleanupExpired(_ context.Context, maxAge time.Duration) (int, error) {
	return s.fs.cleanup(maxAge)
}

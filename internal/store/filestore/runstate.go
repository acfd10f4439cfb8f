package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRunStateMaxAge is the approval-pending window: how long a
// paused execution waits for a human decision before expiry. Much
// shorter than the context window — a stale pause should never outlive
// the conversation it belongs to.
const DefaultRunStateMaxAge = 2 * time.Hour

// runstateRecord is the on-disk envelope for one paused-execution blob.
type runstateRecord struct {
	SubjectID string `json:"subjectId"`
	RunState  string `json:"runState"`
	Timestamp int64  `json:"timestamp"` // epoch-ms last write
}

// RunStateStore is the file-backed paused-execution store. Records
// live at runstate-{subjectID}.json with index.json alongside.
type RunStateStore struct {
	fs *fileStore
}

// NewRunStateStore creates a runstate store rooted at dir. maxAge <= 0
// uses DefaultRunStateMaxAge.
func NewRunStateStore(dir string, maxAge time.Duration, logger *slog.Logger) *RunStateStore {
	if maxAge <= 0 {
		maxAge = DefaultRunStateMaxAge
	}
	return &RunStateStore{
		fs: newFileStore(dir, "runstate", "index.json", maxAge, logger),
	}
}

// Init creates the backing directory and loads the index.
func (s *RunStateStore) Init(_ context.Context) error {
	return s.fs.init()
}

// Save persists an opaque paused-execution blob.
func (s *RunStateStore) Save(_ context.Context, subjectID string, state string) error {
	if state == "" {
		return fmt.Errorf("save runstate for %s: empty state", subjectID)
	}
	now := time.Now().UnixMilli()
	data, err := json.Marshal(runstateRecord{
		SubjectID: subjectID,
		RunState:  state,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("marshal runstate for %s: %w", subjectID, err)
	}
	return s.fs.writeRecord(subjectID, data, now)
}

// Load returns the stored blob, or "" when absent, expired, or
// corrupted. Expired and corrupted records are deleted on the way out.
func (s *RunStateStore) Load(_ context.Context, subjectID string) (string, error) {
	if err := s.fs.init(); err != nil {
		return "", err
	}
	data, ok := s.fs.readRecord(subjectID)
	if !ok {
		return "", nil
	}

	var rec runstateRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.RunState == "" {
		s.fs.logger.Warn("corrupted runstate record, discarding",
			"subject", subjectID, "error", err)
		if rmErr := s.fs.remove(subjectID); rmErr != nil {
			s.fs.logger.Warn("corrupted runstate not removed", "subject", subjectID, "error", rmErr)
		}
		return "", nil
	}

	if s.fs.expired(rec.Timestamp) {
		if rmErr := s.fs.remove(subjectID); rmErr != nil {
			s.fs.logger.Warn("expired runstate not removed", "subject", subjectID, "error", rmErr)
		}
		return "", nil
	}

	return rec.RunState, nil
}

// Delete removes a runstate record and its index entry.
func (s *RunStateStore) Delete(_ context.Context, subjectID string) error {
	return s.fs.remove(subjectID)
}

// CleanupExpired sweeps runstates older than maxAge (0 = store default).
func (s *RunStateStore) CleanupExpired(_ context.Context, maxAge time.Duration) (int, error) {
	return s.fs.cleanup(maxAge)
}

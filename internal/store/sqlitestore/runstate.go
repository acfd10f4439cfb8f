package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RunStateStore persists opaque paused-execution blobs in the
// runstates table.
type RunStateStore struct {
	db     *sql.DB
	maxAge time.Duration
	logger *slog.Logger
}

// NewRunStateStore wraps an opened database. maxAge <= 0 keeps blobs
// for 2 hours.
func NewRunStateStore(db *sql.DB, maxAge time.Duration, logger *slog.Logger) *RunStateStore {
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunStateStore{db: db, maxAge: maxAge, logger: logger}
}

// Init creates the schema. Idempotent.
func (s *RunStateStore) Init(_ context.Context) error {
	if err := migrate(s.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Save upserts a blob with a fresh write timestamp.
func (s *RunStateStore) Save(ctx context.Context, subjectID string, state string) error {
	if state == "" {
		return fmt.Errorf("save runstate for %s: empty state", subjectID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runstates (subject_id, payload, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at_ms = excluded.updated_at_ms
	`, subjectID, state, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save runstate for %s: %w", subjectID, err)
	}
	return nil
}

// Load returns the stored blob with lazy expiry. The blob is opaque to
// this layer, so there is no structural corruption to detect here —
// the orchestrator validates it against the engine and deletes it if
// the engine rejects it.
func (s *RunStateStore) Load(ctx context.Context, subjectID string) (string, error) {
	var payload string
	var updatedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at_ms FROM runstates WHERE subject_id = ?`,
		subjectID).Scan(&payload, &updatedMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		s.logger.Warn("runstate read failed, treating as missing",
			"subject", subjectID, "error", err)
		return "", nil
	}

	if time.UnixMilli(updatedMs).Before(time.Now().Add(-s.maxAge)) {
		if err := s.Delete(ctx, subjectID); err != nil {
			s.logger.Warn("expired runstate not removed", "subject", subjectID, "error", err)
		}
		return "", nil
	}
	return payload, nil
}

// Delete removes a runstate row. Missing rows are a no-op.
func (s *RunStateStore) Delete(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runstates WHERE subject_id = ?`, subjectID)
	if err != nil {
		return fmt.Errorf("delete runstate for %s: %w", subjectID, err)
	}
	return nil
}

// CleanupExpired removes every blob older than maxAge (0 = store
// default) in one indexed DELETE.
func (s *RunStateStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runstates WHERE updated_at_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup runstates: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
)

// ContextStore persists customer contexts in the contexts table.
type ContextStore struct {
	db     *sql.DB
	maxAge time.Duration
	logger *slog.Logger
}

// NewContextStore wraps an opened database. maxAge <= 0 keeps records
// for 72 hours.
func NewContextStore(db *sql.DB, maxAge time.Duration, logger *slog.Logger) *ContextStore {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextStore{db: db, maxAge: maxAge, logger: logger}
}

// Init creates the schema. Idempotent.
func (s *ContextStore) Init(_ context.Context) error {
	if err := migrate(s.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Save upserts a context with a fresh write timestamp.
func (s *ContextStore) Save(ctx context.Context, subjectID string, c *customer.Context) error {
	if c == nil {
		return fmt.Errorf("save context for %s: nil context", subjectID)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context for %s: %w", subjectID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (subject_id, payload, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at_ms = excluded.updated_at_ms
	`, subjectID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save context for %s: %w", subjectID, err)
	}
	return nil
}

// Load returns the stored context, applying lazy expiry and corruption
// self-heal. Query failures degrade to a miss — a read problem must
// not stall the conversation.
func (s *ContextStore) Load(ctx context.Context, subjectID string) (*customer.Context, error) {
	var payload string
	var updatedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at_ms FROM contexts WHERE subject_id = ?`,
		subjectID).Scan(&payload, &updatedMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.Warn("context read failed, treating as missing",
			"subject", subjectID, "error", err)
		return nil, nil
	}

	if time.UnixMilli(updatedMs).Before(time.Now().Add(-s.maxAge)) {
		if err := s.Delete(ctx, subjectID); err != nil {
			s.logger.Warn("expired context not removed", "subject", subjectID, "error", err)
		}
		return nil, nil
	}

	var c customer.Context
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		s.logger.Warn("corrupted context record, discarding",
			"subject", subjectID, "error", err)
		if delErr := s.Delete(ctx, subjectID); delErr != nil {
			s.logger.Warn("corrupted context not removed", "subject", subjectID, "error", delErr)
		}
		return nil, nil
	}
	return &c, nil
}

// Delete removes a context row. Missing rows are a no-op.
func (s *ContextStore) Delete(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE subject_id = ?`, subjectID)
	if err != nil {
		return fmt.Errorf("delete context for %s: %w", subjectID, err)
	}
	return nil
}

// CleanupExpired removes every context older than maxAge (0 = store
// default) in one indexed DELETE.
func (s *ContextStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE updated_at_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup contexts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "threadline_test.db"))
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContextRoundTrip(t *testing.T) {
	db := testDB(t)
	s := NewContextStore(db, time.Hour, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	c := customer.NewContext("phone_+14155550100")
	c.Append("user", "hello")
	if err := s.Save(ctx, c.SubjectID, c); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load(ctx, c.SubjectID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got == nil || len(got.Messages) != 1 {
		t.Fatalf("Load() = %+v, want round-tripped context", got)
	}
}

func TestContextUpsert(t *testing.T) {
	db := testDB(t)
	s := NewContextStore(db, time.Hour, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	c := customer.NewContext("subject")
	if err := s.Save(ctx, "subject", c); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	c.Append("user", "second write")
	if err := s.Save(ctx, "subject", c); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	got, err := s.Load(ctx, "subject")
	if err != nil || got == nil {
		t.Fatalf("Load() = (%v, %v)", got, err)
	}
	if len(got.Messages) != 1 {
		t.Errorf("len(Messages) = %d after upsert, want 1", len(got.Messages))
	}
}

func TestContextLoadMissing(t *testing.T) {
	db := testDB(t)
	s := NewContextStore(db, time.Hour, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	got, err := s.Load(ctx, "nobody")
	if err != nil {
		t.Fatalf("Load() error: %v, want nil for missing row", err)
	}
	if got != nil {
		t.Errorf("Load() = %+v, want nil", got)
	}
}

func TestContextCorruptedPayloadSelfHeals(t *testing.T) {
	db := testDB(t)
	s := NewContextStore(db, time.Hour, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	_, err := db.Exec(`INSERT INTO contexts (subject_id, payload, updated_at_ms) VALUES (?, ?, ?)`,
		"subject", "{broken", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("insert corrupted row: %v", err)
	}

	got, err := s.Load(ctx, "subject")
	if err != nil || got != nil {
		t.Fatalf("Load() = (%+v, %v), want clean miss for corrupted row", got, err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM contexts WHERE subject_id = ?`, "subject").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Error("corrupted row not deleted after Load")
	}
}

func TestRunStateLazyExpiry(t *testing.T) {
	db := testDB(t)
	s := NewRunStateStore(db, time.Hour, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	// Insert a blob with an aged timestamp directly.
	aged := time.Now().Add(-2 * time.Hour).UnixMilli()
	_, err := db.Exec(`INSERT INTO runstates (subject_id, payload, updated_at_ms) VALUES (?, ?, ?)`,
		"subject", "blob", aged)
	if err != nil {
		t.Fatalf("insert aged row: %v", err)
	}

	got, err := s.Load(ctx, "subject")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got != "" {
		t.Errorf("Load() = %q for aged row, want empty via lazy expiry", got)
	}
}

func TestCleanupExpiredBothTables(t *testing.T) {
	db := testDB(t)
	cs := NewContextStore(db, time.Hour, nil)
	rs := NewRunStateStore(db, time.Minute, nil)
	ctx := context.Background()
	if err := cs.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := cs.Save(ctx, "live", customer.NewContext("live")); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	aged := time.Now().Add(-3 * time.Hour).UnixMilli()
	if _, err := db.Exec(`INSERT INTO contexts (subject_id, payload, updated_at_ms) VALUES (?, ?, ?)`,
		"stale", "{}", aged); err != nil {
		t.Fatalf("insert aged context: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO runstates (subject_id, payload, updated_at_ms) VALUES (?, ?, ?)`,
		"stale", "blob", aged); err != nil {
		t.Fatalf("insert aged runstate: %v", err)
	}

	removed, err := cs.CleanupExpired(ctx, 0)
	if err != nil {
		t.Fatalf("context CleanupExpired() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("context CleanupExpired() = %d, want 1", removed)
	}

	removed, err = rs.CleanupExpired(ctx, 0)
	if err != nil {
		t.Fatalf("runstate CleanupExpired() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("runstate CleanupExpired() = %d, want 1", removed)
	}

	if got, _ := cs.Load(ctx, "live"); got == nil {
		t.Error("live context removed by sweep")
	}
}

func TestRunStateDeleteAfterResolution(t *testing.T) {
	db := testDB(t)
	s := NewRunStateStore(db, time.Hour, nil)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := s.Save(ctx, "subject", "opaque"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Delete(ctx, "subject"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if got, _ := s.Load(ctx, "subject"); got != "" {
		t.Errorf("Load() = %q after delete, want empty", got)
	}
	// Idempotent.
	if err := s.Delete(ctx, "subject"); err != nil {
		t.Fatalf("second Delete() error: %v", err)
	}
}

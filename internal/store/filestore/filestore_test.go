package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
)

func testContextStore(t *testing.T, maxAge time.Duration) (*ContextStore, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewContextStore(dir, maxAge, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return s, dir
}

func testRunStateStore(t *testing.T, maxAge time.Duration) (*RunStateStore, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewRunStateStore(dir, maxAge, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return s, dir
}

func TestInitIdempotent(t *testing.T) {
	s, _ := testContextStore(t, 0)
	for i := 0; i < 3; i++ {
		if err := s.Init(context.Background()); err != nil {
			t.Fatalf("Init() call %d error: %v", i+1, err)
		}
	}
}

func TestContextSaveLoadRoundTrip(t *testing.T) {
	s, _ := testContextStore(t, 0)
	ctx := context.Background()

	c := customer.NewContext("phone_+14155550100")
	c.Append("user", "hello")
	c.EscalationLevel = 1

	if err := s.Save(ctx, c.SubjectID, c); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load(ctx, c.SubjectID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got == nil {
		t.Fatal("Load() = nil, want saved context")
	}
	if got.SubjectID != c.SubjectID || len(got.Messages) != 1 || got.EscalationLevel != 1 {
		t.Errorf("Load() = %+v, want round-tripped context", got)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s, _ := testContextStore(t, 0)
	got, err := s.Load(context.Background(), "phone_+10000000000")
	if err != nil {
		t.Fatalf("Load() error: %v, want nil for missing record", err)
	}
	if got != nil {
		t.Errorf("Load() = %+v, want nil for missing record", got)
	}
}

func TestCorruptedContextSelfHeals(t *testing.T) {
	s, dir := testContextStore(t, 0)
	ctx := context.Background()
	const id = "phone_+14155550100"

	path := filepath.Join(dir, "context-"+id+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupted record: %v", err)
	}

	// First load discards the corrupted record.
	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error: %v, corruption must not propagate", err)
	}
	if got != nil {
		t.Errorf("Load() = %+v, want nil for corrupted record", got)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("corrupted record file still present after Load")
	}

	// Subsequent loads stay clean — no repeated failures.
	got, err = s.Load(ctx, id)
	if err != nil || got != nil {
		t.Errorf("second Load() = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestCorruptedRunStateSelfHeals(t *testing.T) {
	s, dir := testRunStateStore(t, 0)
	ctx := context.Background()
	const id = "phone_+14155550100"

	path := filepath.Join(dir, "runstate-"+id+".json")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write corrupted record: %v", err)
	}

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error: %v, corruption must not propagate", err)
	}
	if got != "" {
		t.Errorf("Load() = %q, want empty for corrupted record", got)
	}
	if got, err := s.Load(ctx, id); err != nil || got != "" {
		t.Errorf("second Load() = (%q, %v), want clean miss", got, err)
	}
}

func TestLazyExpiryOnLoad(t *testing.T) {
	s, _ := testRunStateStore(t, 50*time.Millisecond)
	ctx := context.Background()
	const id = "phone_+14155550100"

	if err := s.Save(ctx, id, "opaque-blob"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got != "" {
		t.Errorf("Load() = %q after max-age, want empty via lazy expiry", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := testRunStateStore(t, 0)
	ctx := context.Background()
	const id = "phone_+14155550100"

	if err := s.Save(ctx, id, "blob"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete() error: %v, want no-op", err)
	}
	if got, _ := s.Load(ctx, id); got != "" {
		t.Errorf("Load() = %q after delete, want empty", got)
	}
}

func TestCleanupExpiredSweep(t *testing.T) {
	s, dir := testContextStore(t, time.Hour)
	ctx := context.Background()

	// Two live contexts, one artificially aged via the index and
	// record timestamps.
	for _, id := range []string{"phone_+11111111111", "phone_+12222222222"} {
		if err := s.Save(ctx, id, customer.NewContext(id)); err != nil {
			t.Fatalf("Save(%s) error: %v", id, err)
		}
	}

	const oldID = "phone_+13333333333"
	oldTs := time.Now().Add(-2 * time.Hour).UnixMilli()
	rec, _ := json.Marshal(contextRecord{
		SubjectID: oldID,
		Context:   customer.NewContext(oldID),
		Timestamp: oldTs,
	})
	if err := os.WriteFile(filepath.Join(dir, "context-"+oldID+".json"), rec, 0o644); err != nil {
		t.Fatalf("write aged record: %v", err)
	}
	s.fs.mu.Lock()
	s.fs.index[oldID] = oldTs
	if err := s.fs.flushIndexLocked(); err != nil {
		t.Fatalf("flush index: %v", err)
	}
	s.fs.mu.Unlock()

	removed, err := s.CleanupExpired(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", removed)
	}

	// Index/record consistency: every surviving index entry loads, the
	// expired one is unloadable.
	if got, _ := s.Load(ctx, oldID); got != nil {
		t.Errorf("Load(%s) = %+v after sweep, want nil", oldID, got)
	}
	for _, id := range []string{"phone_+11111111111", "phone_+12222222222"} {
		if got, _ := s.Load(ctx, id); got == nil {
			t.Errorf("Load(%s) = nil after sweep, want surviving context", id)
		}
	}
}

func TestCleanupHealsOrphanIndexEntry(t *testing.T) {
	s, _ := testRunStateStore(t, time.Hour)
	ctx := context.Background()
	const id = "phone_+14155550100"

	// Simulate a crash after the index write but before record
	// deletion completed: index entry with no record file.
	s.fs.mu.Lock()
	s.fs.index[id] = time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := s.fs.flushIndexLocked(); err != nil {
		t.Fatalf("flush index: %v", err)
	}
	s.fs.mu.Unlock()

	removed, err := s.CleanupExpired(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired() = %d, want orphan entry reclaimed", removed)
	}

	s.fs.mu.Lock()
	_, still := s.fs.index[id]
	s.fs.mu.Unlock()
	if still {
		t.Error("orphan index entry survived cleanup")
	}
}

func TestUnindexedRecordStillExpiresLazily(t *testing.T) {
	s, dir := testRunStateStore(t, time.Hour)
	ctx := context.Background()
	const id = "phone_+14155550100"

	// A record written without an index entry (crash between the two
	// writes) is still found by Load and expired on its own timestamp.
	rec, _ := json.Marshal(runstateRecord{
		SubjectID: id,
		RunState:  "blob",
		Timestamp: time.Now().Add(-2 * time.Hour).UnixMilli(),
	})
	if err := os.WriteFile(filepath.Join(dir, "runstate-"+id+".json"), rec, 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}

	if got, err := s.Load(ctx, id); err != nil || got != "" {
		t.Errorf("Load() = (%q, %v), want lazy expiry of unindexed record", got, err)
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	const id = "phone_+14155550100"

	s1 := NewRunStateStore(dir, time.Hour, nil)
	if err := s1.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := s1.Save(ctx, id, "blob"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// New store instance over the same directory — the index reloads.
	s2 := NewRunStateStore(dir, time.Hour, nil)
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	got, err := s2.Load(ctx, id)
	if err != nil || got != "blob" {
		t.Errorf("Load() after restart = (%q, %v), want (blob, nil)", got, err)
	}

	s2.fs.mu.Lock()
	_, indexed := s2.fs.index[id]
	s2.fs.mu.Unlock()
	if !indexed {
		t.Error("index entry not reloaded after restart")
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"phone_+14155550100", "phone_+14155550100"},
		{"crm_abc-123", "crm_abc-123"},
		{"../../etc/passwd", "..~..~etc~passwd"},
		{"id with spaces", "id~with~spaces"},
	}
	for _, tt := range tests {
		if got := sanitizeID(tt.in); got != tt.want {
			t.Errorf("sanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

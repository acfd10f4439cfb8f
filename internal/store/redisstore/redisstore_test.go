package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
)

// These tests need a live Redis. Set THREADLINE_TEST_REDIS_URL to run
// them, e.g. THREADLINE_TEST_REDIS_URL=redis://localhost:6379/15.
// Database contents under the threadline: prefix are modified.

func testClient(t *testing.T) *ContextStore {
	t.Helper()
	url := os.Getenv("THREADLINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("THREADLINE_TEST_REDIS_URL not set")
	}
	client, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewContextStore(client, time.Hour, nil)
}

func TestContextRoundTrip(t *testing.T) {
	s := testClient(t)
	ctx := context.Background()
	const id = "phone_+19995550100"
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	c := customer.NewContext(id)
	c.Append("user", "hello")
	if err := s.Save(ctx, id, c); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got == nil || len(got.Messages) != 1 {
		t.Fatalf("Load() = %+v, want round-tripped context", got)
	}
}

func TestCorruptedPayloadSelfHeals(t *testing.T) {
	s := testClient(t)
	ctx := context.Background()
	const id = "phone_+19995550101"
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	if err := s.core.save(ctx, id, "{broken"); err != nil {
		t.Fatalf("raw save: %v", err)
	}

	got, err := s.Load(ctx, id)
	if err != nil || got != nil {
		t.Fatalf("Load() = (%+v, %v), want clean miss for corrupted payload", got, err)
	}
	if got, _ := s.Load(ctx, id); got != nil {
		t.Error("corrupted payload not deleted")
	}
}

func TestCleanupReconcilesIndex(t *testing.T) {
	s := testClient(t)
	ctx := context.Background()
	const id = "phone_+19995550102"
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	if err := s.Save(ctx, id, customer.NewContext(id)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Nothing is older than an hour; cleanup removes nothing.
	removed, err := s.CleanupExpired(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if removed != 0 {
		t.Errorf("CleanupExpired() = %d, want 0 for fresh records", removed)
	}

	// With an aggressive threshold the record and index entry go
	// together.
	time.Sleep(5 * time.Millisecond)
	removed, err = s.CleanupExpired(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if removed < 1 {
		t.Errorf("CleanupExpired() = %d, want the record removed", removed)
	}
	if got, _ := s.Load(ctx, id); got != nil {
		t.Error("record still loadable after sweep")
	}
}

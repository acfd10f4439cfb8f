package customer

import (
	"strings"
	"testing"
)

func TestProfileSummary(t *testing.T) {
	c := NewContext("subject")
	c.Metadata[profileKey] = map[string]any{
		"name": "Jane Doe",
		"tier": "gold",
	}

	got := c.ProfileSummary()
	if !strings.HasPrefix(got, ProfileMarker) {
		t.Errorf("ProfileSummary() = %q, want prefix %q", got, ProfileMarker)
	}
	if !strings.Contains(got, "name=Jane Doe") || !strings.Contains(got, "tier=gold") {
		t.Errorf("ProfileSummary() = %q, missing profile fields", got)
	}
}

func TestProfileSummaryDeterministicOrder(t *testing.T) {
	c := NewContext("subject")
	c.Metadata[profileKey] = map[string]string{
		"zeta": "1", "alpha": "2", "mid": "3",
	}

	first := c.ProfileSummary()
	for i := 0; i < 10; i++ {
		if got := c.ProfileSummary(); got != first {
			t.Fatalf("ProfileSummary() unstable: %q vs %q", got, first)
		}
	}
	if strings.Index(first, "alpha") > strings.Index(first, "zeta") {
		t.Errorf("ProfileSummary() = %q, want sorted field order", first)
	}
}

func TestProfileSummaryAbsent(t *testing.T) {
	tests := []struct {
		name string
		c    *Context
	}{
		{"nil context", nil},
		{"no metadata", &Context{SubjectID: "s"}},
		{"no profile key", NewContext("s")},
		{"wrong type", func() *Context {
			c := NewContext("s")
			c.Metadata[profileKey] = "not a map"
			return c
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.ProfileSummary(); got != "" {
				t.Errorf("ProfileSummary() = %q, want empty", got)
			}
		})
	}
}

func TestHasProfileSummary(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "system", Content: ProfileMarker + " name=Jane"},
	}
	if !HasProfileSummary(msgs) {
		t.Error("HasProfileSummary() = false, want true")
	}
	if HasProfileSummary(msgs[:1]) {
		t.Error("HasProfileSummary() = true for history without marker")
	}
	// A user quoting the marker text must not count as injected.
	quoted := []Message{{Role: "user", Content: ProfileMarker}}
	if HasProfileSummary(quoted) {
		t.Error("HasProfileSummary() = true for user-role marker, want false")
	}
}

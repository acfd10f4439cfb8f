package customer

import (
	"testing"
	"time"
)

func TestNewContextTimestamps(t *testing.T) {
	before := time.Now().UTC()
	c := NewContext("phone_+14155550100")
	after := time.Now().UTC()

	if c.SessionStart.Before(before) || c.SessionStart.After(after) {
		t.Errorf("SessionStart = %v, want between %v and %v", c.SessionStart, before, after)
	}
	if !c.LastActive.Equal(c.SessionStart) {
		t.Errorf("LastActive = %v, want equal to SessionStart %v", c.LastActive, c.SessionStart)
	}
	if c.EscalationLevel != 0 {
		t.Errorf("EscalationLevel = %d, want 0", c.EscalationLevel)
	}
}

func TestAppendTouchesLastActive(t *testing.T) {
	c := NewContext("subject")
	start := c.LastActive

	time.Sleep(2 * time.Millisecond)
	c.Append("user", "hello")

	if len(c.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(c.Messages))
	}
	if !c.LastActive.After(start) {
		t.Errorf("LastActive = %v, want after %v", c.LastActive, start)
	}
	if c.Messages[0].Role != "user" || c.Messages[0].Content != "hello" {
		t.Errorf("Messages[0] = %+v, want role=user content=hello", c.Messages[0])
	}
}

func TestEligibleDropsMalformedEntries(t *testing.T) {
	c := NewContext("subject")
	c.Messages = []Message{
		{Role: "user", Content: "first"},
		{Role: "", Content: "no role"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "second"},
	}

	got := c.Eligible()
	if len(got) != 2 {
		t.Fatalf("len(Eligible()) = %d, want 2", len(got))
	}
	if got[0].Content != "first" || got[1].Content != "second" {
		t.Errorf("Eligible() = %+v, want well-formed entries only", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := NewContext("subject")
	c.Append("user", "original")
	c.Metadata["email"] = "a@example.com"

	clone := c.Clone()
	clone.Append("user", "added to clone")
	clone.Metadata["email"] = "b@example.com"

	if len(c.Messages) != 1 {
		t.Errorf("original has %d messages after clone mutation, want 1", len(c.Messages))
	}
	if c.Metadata["email"] != "a@example.com" {
		t.Errorf("original metadata mutated through clone: %v", c.Metadata["email"])
	}
}

func TestCloneNil(t *testing.T) {
	var c *Context
	if got := c.Clone(); got != nil {
		t.Errorf("Clone() on nil = %v, want nil", got)
	}
}

func TestInfoProjection(t *testing.T) {
	c := NewContext("subject")
	c.Append("user", "one")
	c.Append("assistant", "two")
	c.EscalationLevel = 2

	info := c.Info()
	if info.SubjectID != "subject" {
		t.Errorf("Info().SubjectID = %q, want %q", info.SubjectID, "subject")
	}
	if info.MessageCount != 2 {
		t.Errorf("Info().MessageCount = %d, want 2", info.MessageCount)
	}
	if info.EscalationLevel != 2 {
		t.Errorf("Info().EscalationLevel = %d, want 2", info.EscalationLevel)
	}
}

func TestInfoNil(t *testing.T) {
	var c *Context
	if got := c.Info(); got != nil {
		t.Errorf("Info() on nil context = %v, want nil", got)
	}
}

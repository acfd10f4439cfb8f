// Package customer defines the long-lived conversation state for one
// subject: the message history, activity timestamps, escalation level,
// and free-form metadata that survives across channels and restarts.
package customer

import (
	"time"
)

// Message is a single entry in a subject's conversation history.
type Message struct {
	Role      string    `json:"role"` // system, user, assistant, tool
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Context is the durable per-subject conversation record. It is owned
// by the orchestrator's in-memory cache while a session is active and
// by the context store across restarts and idle periods. Only the
// orchestrator mutates it.
type Context struct {
	SubjectID       string         `json:"subjectId"`
	Messages        []Message      `json:"messages"`
	SessionStart    time.Time      `json:"sessionStartTime"`
	LastActive      time.Time      `json:"lastActiveAt"`
	EscalationLevel int            `json:"escalationLevel"`
	ResolvedIssues  []string       `json:"resolvedIssues,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewContext creates a fresh context for a subject with both timestamps
// set to now.
func NewContext(subjectID string) *Context {
	now := time.Now().UTC()
	return &Context{
		SubjectID:    subjectID,
		Messages:     []Message{},
		SessionStart: now,
		LastActive:   now,
		Metadata:     make(map[string]any),
	}
}

// Append adds a message to the history and touches LastActive.
func (c *Context) Append(role, content string) {
	now := time.Now().UTC()
	c.Messages = append(c.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	c.LastActive = now
}

// Touch updates LastActive without modifying the history.
func (c *Context) Touch() {
	c.LastActive = time.Now().UTC()
}

// Eligible returns the subset of the history that is safe to forward to
// the execution engine: entries with both a role and content. Entries
// missing either are dropped silently — partial tool output and other
// non-transferable records must not reach the engine.
func (c *Context) Eligible() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == "" || m.Content == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Clone returns a deep copy so cached contexts can be handed out
// without aliasing the orchestrator's mutable state.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.ResolvedIssues = append([]string(nil), c.ResolvedIssues...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Info is a read-only projection of a Context for external inspection.
// It is derived on demand and never stored.
type Info struct {
	SubjectID       string    `json:"subject_id"`
	SessionStart    time.Time `json:"session_start"`
	LastActive      time.Time `json:"last_active"`
	EscalationLevel int       `json:"escalation_level"`
	MessageCount    int       `json:"message_count"`
}

// Info returns the session projection for this context.
func (c *Context) Info() *Info {
	if c == nil {
		return nil
	}
	return &Info{
		SubjectID:       c.SubjectID,
		SessionStart:    c.SessionStart,
		LastActive:      c.LastActive,
		EscalationLevel: c.EscalationLevel,
		MessageCount:    len(c.Messages),
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
	"github.com/threadline-ai/threadline/internal/engine"
	"github.com/threadline-ai/threadline/internal/events"
)

// contextFor returns the subject's session context, consulting the
// in-memory cache, then the store, then creating a fresh one. The
// conversation_start event fires only on creation, so it is seen at
// most once per stored-context lifetime.
func (o *Orchestrator) contextFor(ctx context.Context, subjectID, channel string) *customer.Context {
	o.mu.Lock()
	if c, ok := o.sessions[subjectID]; ok {
		o.mu.Unlock()
		return c
	}
	o.mu.Unlock()

	c, err := o.contexts.Load(ctx, subjectID)
	if err != nil {
		o.logger.Warn("context load failed, starting fresh", "subject", subjectID, "error", err)
		c = nil
	}
	created := false
	if c == nil {
		c = customer.NewContext(subjectID)
		created = true
	}

	o.mu.Lock()
	// Another turn may have won the race; its context is authoritative.
	if existing, ok := o.sessions[subjectID]; ok {
		o.mu.Unlock()
		return existing
	}
	o.sessions[subjectID] = c
	o.mu.Unlock()

	if created {
		o.bus.Publish(events.KindConversationStart, events.ConversationStart{
			SubjectID: subjectID, Channel: channel,
		})
	}
	return c
}

// handleFor returns the cached engine handle for a subject, creating
// one on demand. When the cache crosses its ceiling it is cleared
// wholesale; handles are cheap to recreate and the ceiling exists only
// to bound memory, not to optimize reuse.
func (o *Orchestrator) handleFor(agentRef, subjectID string) engine.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.handles) > o.opts.HandleCacheCeiling {
		o.logger.Info("engine handle cache cleared", "size", len(o.handles))
		o.handles = make(map[string]engine.Handle)
	}
	h, ok := o.handles[subjectID]
	if !ok {
		h = o.eng.Handle(agentRef)
		o.handles[subjectID] = h
	}
	return h
}

// buildInput assembles the engine input from the eligible transcript,
// injecting the profile summary as a system message when known and not
// already present. Injection is idempotent across turns.
func (o *Orchestrator) buildInput(c *customer.Context) engine.Input {
	msgs := c.Eligible()
	if summary := c.ProfileSummary(); summary != "" && !customer.HasProfileSummary(msgs) {
		injected := make([]customer.Message, 0, len(msgs)+1)
		injected = append(injected, customer.Message{
			Role:      "system",
			Content:   summary,
			Timestamp: time.Now().UTC(),
		})
		msgs = append(injected, msgs...)
	}
	return engine.Input{Messages: msgs}
}

// invoke races one engine call against the turn deadline. First to
// settle wins; on timeout the in-flight call is abandoned, its eventual
// result discarded by the buffered channel.
func (o *Orchestrator) invoke(ctx context.Context, call func(context.Context) (engine.Outcome, error)) (engine.Outcome, error) {
	type settled struct {
		outcome engine.Outcome
		err     error
	}
	ch := make(chan settled, 1)
	go func() {
		outcome, err := call(ctx)
		ch <- settled{outcome, err}
	}()

	timer := time.NewTimer(o.opts.EngineTimeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		return s.outcome, s.err
	case <-timer.C:
		return nil, ErrEngineTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// interpret applies an engine outcome to the session: transcripts
// updated, the paused state saved or cleared, events emitted, and the
// turn result shaped for the channel adapter.
func (o *Orchestrator) interpret(ctx context.Context, turnID, subjectID string, c *customer.Context, outcome engine.Outcome) (*TurnResult, error) {
	switch out := outcome.(type) {
	case engine.Completed:
		appendItems(c, out.NewItems)
		if err := o.contexts.Save(ctx, subjectID, c); err != nil {
			return nil, fmt.Errorf("persist context for %s: %w", subjectID, err)
		}
		// A completed turn must never leave a resumable state behind.
		if err := o.runstates.Delete(ctx, subjectID); err != nil {
			o.logger.Warn("runstate delete after completion failed", "subject", subjectID, "error", err)
		}
		return &TurnResult{
			TurnID:     turnID,
			SubjectID:  subjectID,
			Reply:      out.Output,
			FinalAgent: out.FinalAgent,
		}, nil

	case engine.AwaitingApproval:
		appendItems(c, out.PartialItems)
		if err := o.runstates.Save(ctx, subjectID, out.State); err != nil {
			return nil, fmt.Errorf("persist paused state for %s: %w", subjectID, err)
		}
		if err := o.contexts.Save(ctx, subjectID, c); err != nil {
			return nil, fmt.Errorf("persist context for %s: %w", subjectID, err)
		}
		o.bus.Publish(events.KindApprovalPending, events.ApprovalPending{
			SubjectID: subjectID, Requests: len(out.Pending),
		})
		return &TurnResult{
			TurnID:           turnID,
			SubjectID:        subjectID,
			AwaitingApproval: true,
			PendingApprovals: out.Pending,
		}, nil

	default:
		return nil, fmt.Errorf("unknown engine outcome %T for %s", outcome, subjectID)
	}
}

// appendItems adds engine-produced transcript items, stamping any
// missing timestamps, and refreshes activity.
func appendItems(c *customer.Context, items []customer.Message) {
	now := time.Now().UTC()
	for _, m := range items {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		c.Messages = append(c.Messages, m)
	}
	c.Touch()
}

func (o *Orchestrator) endSessionBestEffort(ctx context.Context, subjectID string) {
	if err := o.EndSession(ctx, subjectID); err != nil {
		o.logger.Warn("session teardown after failure incomplete", "subject", subjectID, "error", err)
	}
}

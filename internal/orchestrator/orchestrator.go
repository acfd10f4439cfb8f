// Package orchestrator implements the turn-processing state machine.
// It owns the in-memory session cache and the per-subject engine
// handles, decides whether a turn resumes a paused execution or starts
// fresh, manages approval workflows, and emits lifecycle events.
//
// Per-subject states: FRESH (no context, no paused execution) → ACTIVE
// (context exists) → AWAITING_APPROVAL (paused execution persisted) →
// back to ACTIVE on approval or rejection, or expired out by the sweep
// from any state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/customer"
	"github.com/threadline-ai/threadline/internal/engine"
	"github.com/threadline-ai/threadline/internal/events"
	"github.com/threadline-ai/threadline/internal/store"
)

// ErrNoPendingState is returned when approvals are submitted for a
// subject with no paused execution. A client-usage error, surfaced.
var ErrNoPendingState = errors.New("no pending approval state for subject")

// ErrEngineTimeout is returned when the engine does not settle within
// the configured turn deadline. The in-flight call is abandoned, not
// cancelled.
var ErrEngineTimeout = errors.New("engine invocation timed out")

// Replies authored by this layer. Everything else a user sees comes
// from the engine.
const (
	// rejectedReply answers a turn whose pending action was declined.
	rejectedReply = "Understood — I won't take that action. How else can I help?"
	// resumeFailedReply answers a resume that could not be completed.
	// The paused state is gone at this point; the next turn starts
	// fresh.
	resumeFailedReply = "Sorry, I couldn't pick up where we left off. Could you tell me again what you need?"
)

// TurnResult is what a channel adapter gets back for one turn.
type TurnResult struct {
	TurnID     string                   `json:"turn_id"`
	SubjectID  string                   `json:"subject_id"`
	Reply      string                   `json:"reply"`
	FinalAgent string                   `json:"final_agent,omitempty"`
	// AwaitingApproval marks a turn that paused instead of completing.
	// The adapter should present the pending requests for a human
	// decision.
	AwaitingApproval bool                     `json:"awaiting_approval"`
	PendingApprovals []engine.ApprovalRequest `json:"pending_approvals,omitempty"`
}

// Options tune orchestrator behavior.
type Options struct {
	// EngineTimeout bounds one engine invocation. Zero means 60s.
	EngineTimeout time.Duration
	// HandleCacheCeiling is the size at which the engine-handle cache
	// is cleared wholesale. Not an LRU — a blunt safety valve against
	// unbounded growth. Zero means 1024.
	HandleCacheCeiling int
}

// Orchestrator coordinates turns for all subjects. Construct with New;
// the zero value is not usable.
type Orchestrator struct {
	contexts  store.ContextStore
	runstates store.RunStateStore
	eng       engine.Engine
	bus       *events.Bus
	logger    *slog.Logger
	opts      Options

	// mu guards the two caches. It is held only for map access, never
	// across I/O, so concurrent turns for the same subject can still
	// interleave their store reads and writes — a known lost-update
	// window, see the package tests for what IS guaranteed.
	mu       sync.Mutex
	sessions map[string]*customer.Context
	handles  map[string]engine.Handle
}

// New creates an orchestrator with injected collaborators. bus may be
// nil (events are dropped), logger may be nil (slog default).
func New(contexts store.ContextStore, runstates store.RunStateStore, eng engine.Engine, bus *events.Bus, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 60 * time.Second
	}
	if opts.HandleCacheCeiling <= 0 {
		opts.HandleCacheCeiling = 1024
	}
	return &Orchestrator{
		contexts:  contexts,
		runstates: runstates,
		eng:       eng,
		bus:       bus,
		logger:    logger,
		opts:      opts,
		sessions:  make(map[string]*customer.Context),
		handles:   make(map[string]engine.Handle),
	}
}

// ProcessTurn runs one user-message-in, result-out cycle for a subject.
// channel is a label for lifecycle events ("sms", "web", ...). Any
// fatal error ends the session best-effort first so the subject never
// lingers half-paused in memory.
func (o *Orchestrator) ProcessTurn(ctx context.Context, agentRef, subjectID, userText, channel string) (*TurnResult, error) {
	turnID := uuid.NewString()
	log := o.logger.With("turn", turnID, "subject", subjectID)

	c := o.contextFor(ctx, subjectID, channel)
	c.MergeHints(customer.ExtractHints(userText))
	c.Append("user", userText)

	handle := o.handleFor(agentRef, subjectID)

	// A persisted paused execution wins over a fresh start — unless the
	// engine no longer recognizes it, in which case the blob is dead
	// weight and the turn proceeds as if it never existed.
	state, err := o.runstates.Load(ctx, subjectID)
	if err != nil {
		log.Warn("runstate load failed, starting fresh", "error", err)
		state = ""
	}
	if state != "" {
		if err := handle.CheckState(state); err != nil {
			log.Warn("paused state rejected by engine, discarding", "error", err)
			if delErr := o.runstates.Delete(ctx, subjectID); delErr != nil {
				log.Warn("stale runstate not removed", "error", delErr)
			}
			state = ""
		}
	}

	var outcome engine.Outcome
	if state != "" {
		log.Debug("resuming paused execution")
		outcome, err = o.invoke(ctx, func(ictx context.Context) (engine.Outcome, error) {
			return handle.Resume(ictx, state, nil)
		})
	} else {
		outcome, err = o.invoke(ctx, func(ictx context.Context) (engine.Outcome, error) {
			return handle.Run(ictx, o.buildInput(c))
		})
	}
	if err != nil {
		log.Error("engine invocation failed", "error", err)
		o.endSessionBestEffort(ctx, subjectID)
		return nil, fmt.Errorf("process turn for %s: %w", subjectID, err)
	}

	result, err := o.interpret(ctx, turnID, subjectID, c, outcome)
	if err != nil {
		o.endSessionBestEffort(ctx, subjectID)
		return nil, err
	}
	return result, nil
}

// ResolveApprovals applies human decisions to a paused execution.
func (o *Orchestrator) ResolveApprovals(ctx context.Context, agentRef, subjectID string, decisions []engine.Decision) (*TurnResult, error) {
	turnID := uuid.NewString()
	log := o.logger.With("turn", turnID, "subject", subjectID)

	state, err := o.runstates.Load(ctx, subjectID)
	if err != nil || state == "" {
		return nil, fmt.Errorf("resolve approvals for %s: %w", subjectID, ErrNoPendingState)
	}

	for _, d := range decisions {
		if !d.Approved {
			// One rejection voids the whole pause. The state must go
			// so the next turn cannot spuriously resume it.
			log.Info("approval rejected, discarding paused state",
				"request", d.RequestID, "reason", d.Reason)
			if delErr := o.runstates.Delete(ctx, subjectID); delErr != nil {
				log.Warn("rejected runstate not removed", "error", delErr)
			}
			o.bus.Publish(events.KindApprovalResolved, events.ApprovalResolved{
				SubjectID: subjectID, Approved: false,
			})
			return &TurnResult{
				TurnID:    turnID,
				SubjectID: subjectID,
				Reply:     rejectedReply,
			}, nil
		}
	}

	handle := o.handleFor(agentRef, subjectID)
	outcome, err := o.invoke(ctx, func(ictx context.Context) (engine.Outcome, error) {
		return handle.Resume(ictx, state, decisions)
	})
	if err != nil {
		// Never leave an unresumable blob behind: delete and degrade to
		// a recoverable user-facing reply.
		log.Error("resume after approval failed, discarding paused state", "error", err)
		if delErr := o.runstates.Delete(ctx, subjectID); delErr != nil {
			log.Warn("unresumable runstate not removed", "error", delErr)
		}
		return &TurnResult{
			TurnID:    turnID,
			SubjectID: subjectID,
			Reply:     resumeFailedReply,
		}, nil
	}

	o.bus.Publish(events.KindApprovalResolved, events.ApprovalResolved{
		SubjectID: subjectID, Approved: true,
	})

	c := o.contextFor(ctx, subjectID, "")
	return o.interpret(ctx, turnID, subjectID, c, outcome)
}

// EndSession flushes and drops a subject's session. Idempotent: ending
// an already-ended or never-started subject is a no-op, not an error.
func (o *Orchestrator) EndSession(ctx context.Context, subjectID string) error {
	o.mu.Lock()
	c := o.sessions[subjectID]
	delete(o.sessions, subjectID)
	delete(o.handles, subjectID)
	o.mu.Unlock()

	wasActive := c != nil
	if c == nil {
		// Recover from storage so a session ended without being touched
		// in this process still gets its timestamps flushed.
		var err error
		c, err = o.contexts.Load(ctx, subjectID)
		if err != nil {
			o.logger.Warn("context load during end failed", "subject", subjectID, "error", err)
		}
	}

	if c != nil {
		c.Touch()
		if err := o.contexts.Save(ctx, subjectID, c); err != nil {
			o.logger.Warn("context flush during end failed", "subject", subjectID, "error", err)
		}
	}

	if err := o.runstates.Delete(ctx, subjectID); err != nil {
		o.logger.Warn("runstate delete during end failed", "subject", subjectID, "error", err)
	}

	// The end event fires only for sessions that were live in this
	// process; re-ending a flushed session stays silent.
	if wasActive {
		o.bus.Publish(events.KindConversationEnd, events.ConversationEnd{
			SubjectID: subjectID,
			Duration:  time.Since(c.SessionStart),
			Messages:  len(c.Messages),
		})
	}
	return nil
}

// UpdateEscalationLevel raises a subject's escalation level. A
// monotonic ratchet: values at or below the current level are ignored
// and emit nothing.
func (o *Orchestrator) UpdateEscalationLevel(ctx context.Context, subjectID string, level int) error {
	o.mu.Lock()
	c := o.sessions[subjectID]
	o.mu.Unlock()

	cached := c != nil
	if c == nil {
		var err error
		c, err = o.contexts.Load(ctx, subjectID)
		if err != nil || c == nil {
			return nil
		}
	}

	if level <= c.EscalationLevel {
		return nil
	}
	c.EscalationLevel = level
	c.Touch()

	if err := o.contexts.Save(ctx, subjectID, c); err != nil {
		return fmt.Errorf("persist escalation for %s: %w", subjectID, err)
	}
	if !cached {
		// Keep the raised level visible to the next turn this process
		// serves.
		o.mu.Lock()
		o.sessions[subjectID] = c
		o.mu.Unlock()
	}

	o.bus.Publish(events.KindEscalation, events.Escalation{
		SubjectID: subjectID, Level: level,
	})
	return nil
}

// Info returns the session projection for an in-memory session, or nil
// when the subject has no active session in this process.
func (o *Orchestrator) Info(subjectID string) *customer.Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[subjectID].Info()
}

// ActiveSubjects lists the subjects with in-memory sessions.
func (o *Orchestrator) ActiveSubjects() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

// EndIdleSessions ends every in-memory session idle for longer than
// the retention window and returns how many were ended. Called by the
// lifecycle sweeper.
func (o *Orchestrator) EndIdleSessions(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	o.mu.Lock()
	var idle []string
	for id, c := range o.sessions {
		if c.LastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	o.mu.Unlock()

	for _, id := range idle {
		if err := o.EndSession(ctx, id); err != nil {
			o.logger.Warn("idle session not ended", "subject", id, "error", err)
		}
	}
	return len(idle)
}

// Transcript returns a copy of the in-memory or stored context for a
// subject, or nil when none exists anywhere.
func (o *Orchestrator) Transcript(ctx context.Context, subjectID string) *customer.Context {
	o.mu.Lock()
	c := o.sessions[subjectID]
	o.mu.Unlock()
	if c != nil {
		return c.Clone()
	}
	stored, err := o.contexts.Load(ctx, subjectID)
	if err != nil {
		return nil
	}
	return stored
}

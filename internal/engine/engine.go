// Package engine defines the boundary to the external agent-execution
// service. The engine performs the actual reasoning for a turn; this
// layer only hands it conversation input or a previously serialized
// paused state, and interprets what comes back. Paused state is opaque
// here — only the engine can deserialize it, and only against the
// agent reference that produced it.
package engine

import (
	"context"

	"github.com/threadline-ai/threadline/internal/customer"
)

// Input is a fresh-start invocation payload: the eligible conversation
// history including the newest user message.
type Input struct {
	Messages []customer.Message
}

// ApprovalRequest describes one side-effecting action the engine wants
// a human to approve before it proceeds.
type ApprovalRequest struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

// Decision is a human verdict on one approval request.
type Decision struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// Outcome is the tagged result of an engine invocation. Exactly two
// variants exist; engine failure is the error return, not a variant.
type Outcome interface {
	isOutcome()
}

// Completed is a turn the engine finished normally.
type Completed struct {
	// Output is the final text answer for the user.
	Output string
	// NewItems are the conversation items the run produced, in order,
	// for appending to the customer context.
	NewItems []customer.Message
	// FinalAgent identifies the specialist that produced the output,
	// for channel-adapter routing and logging.
	FinalAgent string
}

func (Completed) isOutcome() {}

// AwaitingApproval is a turn the engine paused mid-run because one or
// more pending actions need human approval. State is the serialized
// snapshot that Resume accepts; PartialItems are whatever conversation
// items the run produced before pausing.
type AwaitingApproval struct {
	Pending      []ApprovalRequest
	State        string
	PartialItems []customer.Message
}

func (AwaitingApproval) isOutcome() {}

// Handle is a per-subject execution handle bound to one agent
// reference. The orchestrator caches handles so repeated turns for the
// same subject reuse whatever per-conversation setup the engine did.
type Handle interface {
	// Run starts a fresh turn from conversation input.
	Run(ctx context.Context, input Input) (Outcome, error)
	// Resume continues a paused turn from serialized state with the
	// human decisions applied.
	Resume(ctx context.Context, state string, decisions []Decision) (Outcome, error)
	// CheckState verifies that a serialized state can be reconstructed
	// by this handle's agent. A non-nil error means the blob is
	// unusable and should be discarded.
	CheckState(state string) error
}

// Engine creates handles. Implementations are external collaborators;
// the production one speaks JSON over HTTP to the execution service.
type Engine interface {
	Handle(agentRef string) Handle
}

// Package events provides a typed publish/subscribe bus for
// conversation lifecycle notifications. Events flow from the
// orchestrator and the sweeper to observability consumers (WebSocket
// handler, log forwarders). The bus is nil-safe: Publish on a nil *Bus
// is a no-op, so components do not need guard checks. Delivery is
// non-blocking — a slow subscriber misses events rather than stalling
// the publisher, so one misbehaving listener can never hold up the
// others.
package events

import (
	"sync"
	"time"
)

// Kind identifies the event type. Each kind has exactly one payload
// shape.
type Kind string

const (
	// KindConversationStart fires once per subject when its context is
	// first created. Payload: ConversationStart.
	KindConversationStart Kind = "conversation_start"
	// KindConversationEnd fires when a session is flushed and dropped.
	// Payload: ConversationEnd.
	KindConversationEnd Kind = "conversation_end"
	// KindEscalation fires on each strict increase of a subject's
	// escalation level. Payload: Escalation.
	KindEscalation Kind = "escalation"
	// KindApprovalPending fires when a turn pauses awaiting human
	// approval. Payload: ApprovalPending.
	KindApprovalPending Kind = "approval_pending"
	// KindApprovalResolved fires when pending approvals are decided.
	// Payload: ApprovalResolved.
	KindApprovalResolved Kind = "approval_resolved"
	// KindSweepComplete fires after each lifecycle sweep tick.
	// Payload: SweepComplete.
	KindSweepComplete Kind = "sweep_complete"
)

// ConversationStart reports a subject's first turn.
type ConversationStart struct {
	SubjectID string `json:"subject_id"`
	Channel   string `json:"channel,omitempty"`
}

// ConversationEnd reports a session teardown.
type ConversationEnd struct {
	SubjectID string        `json:"subject_id"`
	Duration  time.Duration `json:"duration"`
	Messages  int           `json:"messages"`
}

// Escalation reports a new escalation level for a subject.
type Escalation struct {
	SubjectID string `json:"subject_id"`
	Level     int    `json:"level"`
}

// ApprovalPending reports a turn paused for human approval.
type ApprovalPending struct {
	SubjectID string `json:"subject_id"`
	Requests  int    `json:"requests"`
}

// ApprovalResolved reports the outcome of an approval decision set.
type ApprovalResolved struct {
	SubjectID string `json:"subject_id"`
	Approved  bool   `json:"approved"`
}

// SweepComplete reports the counts from one lifecycle sweep.
type SweepComplete struct {
	SessionsEnded    int `json:"sessions_ended"`
	RunStatesRemoved int `json:"runstates_removed"`
	ContextsRemoved  int `json:"contexts_removed"`
}

// Event is one published notification. Payload holds the kind's fixed
// payload struct.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish stamps and broadcasts an event. Safe on a nil receiver.
func (b *Bus) Publish(kind Kind, payload any) {
	if b == nil {
		return
	}
	e := Event{Timestamp: time.Now().UTC(), Kind: kind, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually Unsubscribe to avoid leaks. bufSize controls
// the channel buffer; 64 suits WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice for the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Package event provides a synchronous, push-based publish/subscribe bus for
// a single Agent Session.
//
// Unlike the teacher's package-level bus, there is no process-wide global
// here: every Agent Session owns its own *Bus, created with New() and
// threaded explicitly through the components it wires together. This is
// what lets a single process embed multiple independent sessions (§9 of
// SPEC_FULL.md — avoid process-wide globals).
//
// Publish is always synchronous: every subscriber runs on the emitter's
// goroutine before Publish returns, subscribers of the event's type first,
// then SubscribeAll subscribers, each group in registration order. A slow
// subscriber blocks the emitter — that is intentional (§5 Ordering
// guarantees) so the on-disk log order and the subscriber-observed order
// never diverge. The teacher's separate async Publish (one goroutine per
// subscriber, unordered) is dropped entirely rather than kept alongside;
// see DESIGN.md.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	SessionCreated      Type = "session.created"
	SessionUpdated      Type = "session.updated"
	SessionDeleted      Type = "session.deleted"
	SessionSwitched     Type = "session.switched"
	SessionCompacted    Type = "session.compacted"
	MessageStart        Type = "message.start"
	MessageUpdated      Type = "message.updated"
	MessageEnd          Type = "message.end"
	PartUpdated         Type = "part.updated"
	AgentStart          Type = "agent.start"
	AgentEnd            Type = "agent.end"
	ToolExecutionStart  Type = "tool_execution.start"
	ToolExecutionUpdate Type = "tool_execution.update"
	ToolExecutionEnd    Type = "tool_execution.end"
	RetryStart          Type = "retry.start"
	RetryEnd            Type = "retry.end"
	FileEdited          Type = "file.edited"
	VcsBranchUpdated    Type = "vcs.branch_updated"
	PermissionRequired  Type = "permission.required"
	PermissionResolved  Type = "permission.resolved"

	// EntryAppended fires once per line appended to an Agent Session's
	// append-only log (C1/C7), in the same order as the on-disk file, so a
	// subscriber can replay a session purely from this stream (§5 Ordering
	// guarantees).
	EntryAppended Type = "entry.appended"
)

// Event is a single published occurrence. Data is a concrete,
// event-specific payload.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives events published on a Bus.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an instance-owned, synchronous event bus. The zero value is not
// usable; construct with New().
type Bus struct {
	mu sync.RWMutex

	// pubsub is retained from the teacher's watermill-backed bus for its
	// bounded, closeable channel — a consumer that wants to bridge into a
	// watermill Router can still reach it via PubSub(). Dispatch to direct
	// Go subscribers never goes through it; that path is always the
	// synchronous loop in Publish below.
	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry
	nextID      uint64
	closed      bool
}

// New creates a fresh, independent event bus owned by its caller.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100, Persistent: false},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 { return atomic.AddUint64(&b.nextID, 1) }

// Subscribe registers fn for a single event type. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id, fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event type published on this bus.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id, fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, e := range subs {
		if e.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every matching subscriber synchronously on the
// calling goroutine: subscribers of evt.Type first, then SubscribeAll
// subscribers, each group in registration order. This is the bus's only publish
// mode (see package doc).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[evt.Type])+len(b.global))
	for _, e := range b.subscribers[evt.Type] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(evt)
	}
}

// Close stops the bus and drops all subscribers. Safe to call more than
// once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel for a consumer that
// wants to bridge bus events into watermill middleware/routing.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

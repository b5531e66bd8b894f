/*
Package event provides the instance-owned, synchronous-only publish/
subscribe bus each Agent Session uses to notify its subscribers.

There is deliberately no process-wide global bus: every Bus is a value
its owner constructs and threads through explicitly, so multiple sessions
can run in the same process without cross-talk (§9 design note).

# Event Types

Session events: SessionCreated, SessionUpdated, SessionDeleted,
SessionSwitched, SessionCompacted.

Message/turn events: MessageStart, MessageUpdated, MessageEnd, PartUpdated,
AgentStart, AgentEnd.

Tool execution events: ToolExecutionStart, ToolExecutionUpdate,
ToolExecutionEnd.

Retry events: RetryStart, RetryEnd.

File and permission events: FileEdited, PermissionRequired,
PermissionResolved.

# Basic usage

	bus := event.New()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, func(e event.Event) {
		data := e.Data.(event.SessionCreatedData)
		log.Info("session created", "id", data.Info.ID)
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: session}})

# Ordering and blocking

Publish is always synchronous: it calls every matching subscriber (those
of the event's type, then SubscribeAll ones, each in registration order)
on the calling goroutine, before returning (§5). A slow
subscriber therefore blocks the emitter — subscribers must return quickly
and must never call Publish re-entrantly from within a handler.

# Watermill bridge

Bus retains a watermill gochannel pub/sub reachable via PubSub(), kept
only as an optional bridge for callers that want watermill's routing or
middleware; the bus's own dispatch never goes through it.
*/
package event

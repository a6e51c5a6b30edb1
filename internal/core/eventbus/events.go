// Package eventbus defines the typed event kinds published by the core and
// the Bus interface its components are driven through.
package eventbus

import "time"

// Kind identifies the shape of an Event's Payload.
type Kind string

const (
	KindSessionCreated        Kind = "session-created"
	KindSessionStatusChanged  Kind = "session-status-changed"
	KindProcessStateChanged   Kind = "process-state-changed"
	KindSessionAborted        Kind = "session-aborted"
	KindWorkerActivityChanged Kind = "worker-activity-changed"
	KindQueueRequestAdded     Kind = "queue-request-added"
	KindQueueRequestRemoved   Kind = "queue-request-removed"
	KindQueuePositionChanged  Kind = "queue-position-changed"
	KindFileActivity          Kind = "file-activity"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// Ownership mirrors the core's ownership tag, duplicated here (rather than
// imported from the process/supervisor packages) so the event bus has no
// dependency on its publishers.
type Ownership string

const (
	OwnershipSelf     Ownership = "self"
	OwnershipExternal Ownership = "external"
	OwnershipNone     Ownership = "none"
)

type SessionCreated struct {
	SessionID string
	ProjectID string
}

type SessionStatusChanged struct {
	SessionID       string
	ProjectID       string
	Ownership       Ownership
	ProcessID       string
	PermissionMode  string
	ModeVersion     int
}

type ProcessStateChanged struct {
	SessionID string
	ProjectID string
	State     string // "running" or "waiting-input"
}

type SessionAborted struct {
	SessionID string
	ProjectID string
}

type WorkerActivityChanged struct {
	ActiveWorkers int
	QueueLength   int
	HasActiveWork bool
}

type QueueRequestAdded struct {
	QueueID   string
	SessionID string
	ProjectID string
	Position  int
}

type QueueRequestRemoved struct {
	QueueID   string
	SessionID string
	Reason    string // "started" or "cancelled"
}

type QueuePositionChanged struct {
	QueueID   string
	SessionID string
	Position  int
}

type FileActivity struct {
	SessionID string
	ProjectID string
	Timestamp time.Time
}

// Handler is invoked for every event a subscriber receives. A panicking
// Handler is recovered and discarded by the Bus; it must never propagate.
type Handler func(Event)

// Subscription is returned by Subscribe and allows the caller to detach.
type Subscription interface {
	Unsubscribe()
}

// Bus is the publish/subscribe contract the core depends on. Both the
// in-memory (membus) and NATS-backed (natsbus) implementations satisfy it.
type Bus interface {
	Publish(kind Kind, payload any)
	Subscribe(kind Kind, handler Handler) Subscription
	// SubscribeAll receives every event kind, in publish order per publisher.
	SubscribeAll(handler Handler) Subscription
}

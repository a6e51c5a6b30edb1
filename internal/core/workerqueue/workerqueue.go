// Package workerqueue implements the FIFO holding pen for admission
// requests the Supervisor could not start immediately.
package workerqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/sessionsup/internal/common/errors"
	"github.com/kandev/sessionsup/internal/core/eventbus"
)

// Kind distinguishes a brand new session from a resume of an existing one.
type Kind string

const (
	KindNewSession    Kind = "new-session"
	KindResumeSession Kind = "resume-session"
)

// Outcome is the terminal result delivered to whoever enqueued a request.
type Outcome struct {
	Started   bool
	ProcessID string
	Cancelled bool
	Reason    string
}

// Request describes one pending admission.
type Request struct {
	Kind           Kind
	ProjectID      string
	ProjectPath    string
	SessionID      string // required when Kind == KindResumeSession
	Message        string
	PermissionMode string
	EnqueuedAt     time.Time
}

// Entry is a queued Request plus its identity and single-shot resolver.
type Entry struct {
	QueueID string
	Request Request

	resultCh chan Outcome
	resolved bool
}

// Await blocks until the entry is resolved, returning its terminal Outcome.
func (e *Entry) Await() Outcome {
	return <-e.resultCh
}

// Queue is a FIFO of pending Entries with O(1) cancel-by-id, backed by a
// doubly linked list plus an id->node map; GetPosition and FindBySessionID
// walk the list.
type Queue struct {
	bus     eventbus.Bus
	maxSize int // 0 means unlimited

	mu    sync.Mutex
	order *list.List
	byID  map[string]*list.Element
}

// New constructs an empty Queue. maxSize of 0 means unbounded.
func New(bus eventbus.Bus, maxSize int) *Queue {
	return &Queue{
		bus:     bus,
		maxSize: maxSize,
		order:   list.New(),
		byID:    make(map[string]*list.Element),
	}
}

// Enqueue appends req to the tail and returns its Entry. Returns
// errors.ErrQueueFull if a configured maximum has been reached.
func (q *Queue) Enqueue(req Request) (*Entry, error) {
	q.mu.Lock()
	if q.maxSize > 0 && q.order.Len() >= q.maxSize {
		q.mu.Unlock()
		return nil, errors.ErrQueueFull
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	entry := &Entry{
		QueueID:  uuid.NewString(),
		Request:  req,
		resultCh: make(chan Outcome, 1),
	}
	el := q.order.PushBack(entry)
	q.byID[entry.QueueID] = el
	position := q.order.Len()
	q.mu.Unlock()

	q.bus.Publish(eventbus.KindQueueRequestAdded, eventbus.QueueRequestAdded{
		QueueID:   entry.QueueID,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		Position:  position,
	})

	return entry, nil
}

// Dequeue pops the head entry, if any, and emits queue-position-changed for
// every entry left behind.
func (q *Queue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	front := q.order.Front()
	if front == nil {
		q.mu.Unlock()
		return nil, false
	}
	entry := front.Value.(*Entry)
	q.order.Remove(front)
	delete(q.byID, entry.QueueID)
	remaining := q.snapshotLocked()
	q.mu.Unlock()

	q.emitPositions(remaining)
	return entry, true
}

// Cancel removes the entry with queueID, resolving its future with a
// cancellation outcome. Returns false if no such entry exists.
func (q *Queue) Cancel(queueID string, reason string) bool {
	q.mu.Lock()
	el, ok := q.byID[queueID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	entry := el.Value.(*Entry)
	q.order.Remove(el)
	delete(q.byID, queueID)
	remaining := q.snapshotLocked()
	q.mu.Unlock()

	q.resolve(entry, Outcome{Cancelled: true, Reason: reason})
	q.bus.Publish(eventbus.KindQueueRequestRemoved, eventbus.QueueRequestRemoved{
		QueueID:   queueID,
		SessionID: entry.Request.SessionID,
		Reason:    "cancelled",
	})
	q.emitPositions(remaining)
	return true
}

// Resolve marks entry as started, to be called by the Supervisor once it has
// dequeued and successfully admitted it.
func (q *Queue) Resolve(entry *Entry, processID string) {
	q.resolve(entry, Outcome{Started: true, ProcessID: processID})
	q.bus.Publish(eventbus.KindQueueRequestRemoved, eventbus.QueueRequestRemoved{
		QueueID:   entry.QueueID,
		SessionID: entry.Request.SessionID,
		Reason:    "started",
	})
}

// ResolveFailure marks entry as cancelled due to a post-dequeue admission failure.
func (q *Queue) ResolveFailure(entry *Entry, reason string) {
	q.resolve(entry, Outcome{Cancelled: true, Reason: reason})
}

func (q *Queue) resolve(entry *Entry, outcome Outcome) {
	q.mu.Lock()
	already := entry.resolved
	entry.resolved = true
	q.mu.Unlock()
	if already {
		return
	}
	entry.resultCh <- outcome
}

// FindBySessionID returns the entry whose Request.SessionID matches, if any.
func (q *Queue) FindBySessionID(sessionID string) (*Entry, bool) {
	if sessionID == "" {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for el := q.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if entry.Request.SessionID == sessionID {
			return entry, true
		}
	}
	return nil, false
}

// GetPosition returns the 1-based position of queueID, if present.
func (q *Queue) GetPosition(queueID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	position := 1
	for el := q.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if entry.QueueID == queueID {
			return position, true
		}
		position++
	}
	return 0, false
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

func (q *Queue) snapshotLocked() []*Entry {
	out := make([]*Entry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry))
	}
	return out
}

func (q *Queue) emitPositions(entries []*Entry) {
	for i, entry := range entries {
		q.bus.Publish(eventbus.KindQueuePositionChanged, eventbus.QueuePositionChanged{
			QueueID:   entry.QueueID,
			SessionID: entry.Request.SessionID,
			Position:  i + 1,
		})
	}
}

// Package mockrt is a deterministic, in-process agentruntime.Factory used by
// tests and by cmd/orchestratord's smoke sequence. It never raises both the
// legacy input_request path and the callback-based OnToolApproval for one
// session (§9 Open Question 2): a Script picks one mechanism per fixture.
package mockrt

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/kandev/sessionsup/internal/agentruntime"
)

var errAborted = errors.New("mock agent aborted")

// Step is one scripted action the mock agent takes after receiving a turn.
type Step struct {
	// Emit, if non-nil, is sent on Output() as-is.
	Emit *agentruntime.AgentMessage
	// RequestApproval, if set, invokes the OnToolApproval callback with this
	// tool name/input before continuing (the callback-based path).
	RequestApproval string
	ApprovalInput   map[string]any
}

// Script is a fixed sequence of Steps run once per session: after the
// initial message, or after the first pushed message when the session starts
// without one. Output then closes; later pushes are only recorded in the
// write queue.
type Script struct {
	SessionID string
	Steps     []Step
}

// Factory is a mockrt agentruntime.Factory driven by a fixed Script.
type Factory struct {
	script Script
}

// New builds a Factory that replays script for every started session.
func New(script Script) *Factory {
	return &Factory{script: script}
}

func (f *Factory) StartSession(ctx context.Context, params agentruntime.StartSessionParams) (agentruntime.AgentHandle, error) {
	h := &handle{
		out:      make(chan agentruntime.AgentMessage, 16),
		queue:    &memQueue{},
		approval: params.OnToolApproval,
		script:   f.script,
		abortCh:  make(chan struct{}),
	}
	sessionID := f.script.SessionID
	if sessionID == "" {
		sessionID = "mock-" + uuid.NewString()
	}
	h.sessionID = sessionID

	h.out <- agentruntime.AgentMessage{
		Type:      agentruntime.MessageSystem,
		Subtype:   agentruntime.SubtypeInit,
		SessionID: sessionID,
		Raw:       map[string]any{"type": "system", "subtype": "init", "session_id": sessionID},
	}

	if params.InitialMessage != "" {
		go h.runScript(ctx)
	} else {
		// Created with no initial message: wait for the first queued push.
		go h.waitThenRunScript(ctx)
	}

	return h, nil
}

type queuedMessage struct {
	ID   string
	Text string
}

type memQueue struct {
	mu     sync.Mutex
	items  []queuedMessage
	onPush func(id, message string)
}

func (q *memQueue) Push(id, message string) int {
	q.mu.Lock()
	q.items = append(q.items, queuedMessage{ID: id, Text: message})
	n := len(q.items)
	cb := q.onPush
	q.mu.Unlock()
	if cb != nil {
		cb(id, message)
	}
	return n
}

func (q *memQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type handle struct {
	sessionID string
	out       chan agentruntime.AgentMessage
	queue     *memQueue
	approval  agentruntime.OnToolApproval
	script    Script
	err       error

	abortOnce sync.Once
	abortCh   chan struct{}
}

func (h *handle) Output() <-chan agentruntime.AgentMessage { return h.out }
func (h *handle) Err() error                                { return h.err }
func (h *handle) WriteQueue() agentruntime.WriteQueue        { return h.queue }

func (h *handle) Abort() {
	h.abortOnce.Do(func() {
		close(h.abortCh)
	})
}

func (h *handle) waitThenRunScript(ctx context.Context) {
	ready := make(chan struct{})
	h.queue.mu.Lock()
	h.queue.onPush = func(id, message string) {
		select {
		case <-ready:
		default:
			close(ready)
		}
	}
	h.queue.mu.Unlock()

	select {
	case <-ready:
		h.runScript(ctx)
	case <-h.abortCh:
		h.err = errAborted
		close(h.out)
	}
}

func (h *handle) runScript(ctx context.Context) {
	defer close(h.out)

	for _, step := range h.script.Steps {
		select {
		case <-h.abortCh:
			h.err = errAborted
			return
		case <-ctx.Done():
			h.err = ctx.Err()
			return
		default:
		}

		if step.RequestApproval != "" && h.approval != nil {
			outcome, err := h.approval(ctx, step.RequestApproval, step.ApprovalInput, h.abortCh)
			if err != nil || outcome.Disposition == agentruntime.ApprovalDeny {
				continue
			}
		}
		if step.Emit != nil {
			select {
			case h.out <- *step.Emit:
			case <-h.abortCh:
				h.err = errAborted
				return
			}
		}
	}

	h.out <- agentruntime.AgentMessage{Type: agentruntime.MessageResult, Raw: map[string]any{"type": "result"}}
}

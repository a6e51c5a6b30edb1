// Package acp is a real agentruntime.Factory backed by the Agent Client
// Protocol: it launches an ACP-speaking CLI agent as a subprocess and
// adapts its JSON-RPC session lifecycle into the core's
// {iterator, writeQueue, abort} contract and OnToolApproval callback.
package acp

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/common/appctx"
	"github.com/kandev/sessionsup/internal/common/logger"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// sessionDetachTimeout is the outer safety net for a detached session
// context: a live ACP session is expected to be torn down by the
// Supervisor's idle timeout long before this elapses.
const sessionDetachTimeout = 24 * time.Hour

// Factory launches Command as a subprocess per session, speaking ACP over
// its stdio.
type Factory struct {
	Command string
	Args    []string
}

// New builds a Factory invoking command (with args) as the ACP agent.
func New(command string, args ...string) *Factory {
	return &Factory{Command: command, Args: args}
}

func (f *Factory) StartSession(ctx context.Context, params agentruntime.StartSessionParams) (agentruntime.AgentHandle, error) {
	if params.ResumeSessionID != "" && !sessionIDPattern.MatchString(params.ResumeSessionID) {
		return nil, fmt.Errorf("acp: invalid session id %q", params.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, f.Command, f.Args...)
	cmd.Dir = params.CWD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stdout pipe: %w", err)
	}

	conn := acpsdk.NewConnection(stdin, stdout)

	if err := cmd.Start(); err != nil {
		return nil, wrapSpawnError(err)
	}

	h := &handle{
		cmd:    cmd,
		conn:   conn,
		output: make(chan agentruntime.AgentMessage, 32),
		done:   make(chan struct{}),
		queue:  &pushQueue{},
		log:    logger.Default(),
	}
	// The session must outlive the StartSession call's own context (the
	// caller's request scope), but still dies with the process: detach from
	// ctx, cancel when h.done closes (Abort/finish), per the teacher's
	// appctx.Detached pattern for long-lived agent turns.
	h.ctx, h.cancel = appctx.Detached(ctx, h.done, sessionDetachTimeout)

	if err := h.handshake(h.ctx, params); err != nil {
		h.kill()
		return nil, err
	}

	go h.readLoop(params.OnToolApproval)
	go h.consumeQueue()

	return h, nil
}

// queuedMessage is one turn waiting to be sent as a session/prompt call,
// carrying the same id the core recorded it under in its own history so the
// agent's persistent log can echo it back for de-dup.
type queuedMessage struct {
	ID   string
	Text string
}

// pushQueue is the write-side queue passed to the Process; it feeds the
// handle's consumeQueue goroutine, which serializes ACP session/prompt calls.
type pushQueue struct {
	mu    sync.Mutex
	items []queuedMessage
	ready chan struct{}
}

func (q *pushQueue) Push(id, message string) int {
	q.mu.Lock()
	q.items = append(q.items, queuedMessage{ID: id, Text: message})
	n := len(q.items)
	if q.ready != nil {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	return n
}

func (q *pushQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *pushQueue) pop() (queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queuedMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

type handle struct {
	cmd       *exec.Cmd
	conn      *acpsdk.Connection
	sessionID string

	output       chan agentruntime.AgentMessage
	outputMu     sync.Mutex
	outputClosed bool
	done         chan struct{}

	queue *pushQueue
	log   *logger.Logger

	err        error
	stopping   atomic.Bool
	stopOnce   sync.Once
	finishOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func (h *handle) Output() <-chan agentruntime.AgentMessage { return h.output }
func (h *handle) Err() error                                { return h.err }
func (h *handle) WriteQueue() agentruntime.WriteQueue        { return h.queue }

// Abort is idempotent: terminate the subprocess, then finish the stream.
// Grounded on dmora-agentrun's sync.Once-guarded Stop.
func (h *handle) Abort() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.cancel()
		_ = h.cmd.Process.Kill()
		h.finish(nil)
	})
}

func (h *handle) kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// emit sends msg to Output(), holding outputMu for the whole check+send to
// avoid a race with finish() closing the channel concurrently.
func (h *handle) emit(msg agentruntime.AgentMessage) {
	h.outputMu.Lock()
	defer h.outputMu.Unlock()
	if h.outputClosed {
		return
	}
	select {
	case h.output <- msg:
	case <-h.done:
	}
}

// finish is called exactly once: it cancels ctx, then closes done before
// taking outputMu, so a concurrent emit() blocked sending on a full output
// channel (while holding outputMu) returns and releases the lock; finish
// then marks output closed and closes it.
func (h *handle) finish(err error) {
	h.finishOnce.Do(func() {
		h.err = err
		h.cancel()
		close(h.done)
		h.outputMu.Lock()
		h.outputClosed = true
		close(h.output)
		h.outputMu.Unlock()
	})
}

func (h *handle) handshake(ctx context.Context, params agentruntime.StartSessionParams) error {
	if _, err := h.conn.Initialize(ctx, acpsdk.InitializeParams{}); err != nil {
		return fmt.Errorf("acp: initialize: %w", err)
	}

	if params.ResumeSessionID != "" {
		if err := h.conn.LoadSession(ctx, acpsdk.LoadSessionParams{
			SessionID: params.ResumeSessionID,
			CWD:       params.CWD,
		}); err != nil {
			return fmt.Errorf("acp: session/load: %w", err)
		}
		h.sessionID = params.ResumeSessionID
	} else {
		result, err := h.conn.NewSession(ctx, acpsdk.NewSessionParams{CWD: params.CWD})
		if err != nil {
			return fmt.Errorf("acp: session/new: %w", err)
		}
		h.sessionID = result.SessionID
	}

	h.emit(agentruntime.AgentMessage{
		Type:      agentruntime.MessageSystem,
		Subtype:   agentruntime.SubtypeInit,
		SessionID: h.sessionID,
		Raw:       map[string]any{"type": "system", "subtype": "init", "session_id": h.sessionID},
	})

	if params.PermissionMode != "" {
		if err := h.conn.SetMode(ctx, h.sessionID, params.PermissionMode); err != nil {
			h.log.WithError(err).Warn("acp: set_mode failed, continuing with agent default")
		}
	}

	if params.InitialMessage != "" {
		h.queue.Push(uuid.NewString(), params.InitialMessage)
	}

	return nil
}

// consumeQueue serializes session/prompt calls, matching dmora-agentrun's
// turn-serializing mutex discipline (one in-flight turn at a time).
func (h *handle) consumeQueue() {
	h.queue.mu.Lock()
	h.queue.ready = make(chan struct{}, 1)
	h.queue.mu.Unlock()

	for {
		msg, ok := h.queue.pop()
		if !ok {
			select {
			case <-h.queue.ready:
				continue
			case <-h.done:
				return
			}
		}
		if err := h.conn.Prompt(h.ctx, h.sessionID, msg.Text); err != nil {
			if h.stopping.Load() {
				return
			}
			h.finish(fmt.Errorf("acp: session/prompt: %w", err))
			return
		}
	}
}

// readLoop drains the connection's session/update notifications, translates
// them into agentruntime.AgentMessage, and routes session/request_permission
// calls into the supplied callback.
func (h *handle) readLoop(onApproval agentruntime.OnToolApproval) {
	h.conn.OnRequestPermission(func(ctx context.Context, req acpsdk.RequestPermissionParams) (acpsdk.RequestPermissionResult, error) {
		if onApproval == nil {
			return acpsdk.RequestPermissionResult{Outcome: "denied"}, nil
		}
		outcome, err := onApproval(ctx, req.ToolName, req.ToolInput, h.done)
		if err != nil {
			return acpsdk.RequestPermissionResult{Outcome: "denied"}, err
		}
		if outcome.Disposition == agentruntime.ApprovalAllow {
			return acpsdk.RequestPermissionResult{Outcome: "allowed", UpdatedInput: outcome.UpdatedInput}, nil
		}
		return acpsdk.RequestPermissionResult{Outcome: "denied", Message: outcome.Message}, nil
	})

	updates := h.conn.Updates()
	for {
		select {
		case <-h.done:
			return
		case update, ok := <-updates:
			if !ok {
				h.finish(wrapExitError(h.cmd.Wait()))
				return
			}
			h.emit(translateUpdate(update))
		}
	}
}

func translateUpdate(update acpsdk.SessionUpdate) agentruntime.AgentMessage {
	if update.Kind == acpsdk.SessionUpdateResult {
		return agentruntime.AgentMessage{Type: agentruntime.MessageResult, Raw: update}
	}
	return agentruntime.AgentMessage{Raw: update}
}

func wrapSpawnError(err error) error {
	return fmt.Errorf("acp: executable not found or failed to spawn: %w", err)
}

func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("acp: transport closed: %w", err)
}

// Package process implements the per-session state machine: message
// history, the tool-approval protocol, stream consumption, and idle/
// termination lifecycle for one live agent session.
package process

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/common/errors"
	"github.com/kandev/sessionsup/internal/common/logger"
)

// Process is the Supervisor's in-memory handle to a live session. It is not
// the operating-system process; it wraps an agentruntime.AgentHandle.
type Process struct {
	id          string
	projectID   string
	projectPath string
	startedAt   time.Time
	idleTimeout time.Duration

	handle agentruntime.AgentHandle
	log    *logger.Logger

	mu             sync.Mutex
	sessionID      string
	sessionIDReady chan struct{}
	sessionIDOnce  sync.Once

	state          State
	permissionMode PermissionMode
	modeVersion    int
	history        []HistoryItem

	pending      map[string]*pendingEntry
	pendingOrder []string

	listeners   []listenerEntry
	listenerSeq int

	idleTimer *time.Timer

	abortOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a Process around an already-started agentruntime.AgentHandle.
// provisionalSessionID is used until the runtime reports an authoritative one
// via a system/init message. If initialMessage is non-empty it is recorded in
// history immediately and the starting state is running; otherwise the
// starting state is idle.
func New(id string, handle agentruntime.AgentHandle, provisionalSessionID, projectID, projectPath string,
	mode PermissionMode, idleTimeout time.Duration, initialMessage string) *Process {

	p := &Process{
		id:             id,
		projectID:      projectID,
		projectPath:    projectPath,
		startedAt:      time.Now(),
		idleTimeout:    idleTimeout,
		handle:         handle,
		log:            logger.Default().WithProcessID(id),
		sessionID:      provisionalSessionID,
		sessionIDReady: make(chan struct{}),
		permissionMode: mode,
		pending:        make(map[string]*pendingEntry),
		doneCh:         make(chan struct{}),
	}

	if initialMessage != "" {
		p.state = runningState()
		p.appendHistory("user", initialMessage, nil)
	} else {
		p.state = idleState(p.startedAt)
	}

	return p
}

// ID returns the process's own locally-generated identifier.
func (p *Process) ID() string { return p.id }

// SessionID returns the current (possibly provisional) session identifier.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns a snapshot of the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setStateLocked must be called with p.mu held. It installs the new state
// and manages the idle timer's lifecycle.
func (p *Process) setStateLocked(s State) {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.state = s
	if s.Tag == StateIdle {
		p.idleTimer = time.AfterFunc(p.idleTimeout, p.onIdleTimeout)
	}
}

func (p *Process) onIdleTimeout() {
	p.mu.Lock()
	if p.state.Tag != StateIdle {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.emit(Event{Kind: EventComplete})
}

// Start launches the stream-consumption loop. Must be called exactly once.
func (p *Process) Start() {
	go p.consumeStream()
}

// QueueMessage appends a normalized user turn (text plus any attachment
// descriptors) to history, emits it to subscribers, and pushes it to the
// runtime's write-side queue under the same id the history entry carries, so
// the runtime's own persistent log can echo it back for de-dup (§4.3.3).
// Returns errors.ErrProcessTerminated if the Process has already terminated.
func (p *Process) QueueMessage(text string, attachments []Attachment) (messageID string, err error) {
	p.mu.Lock()
	if p.state.Tag == StateTerminated {
		p.mu.Unlock()
		return "", errors.ErrProcessTerminated
	}
	wasIdle := p.state.Tag == StateIdle
	if wasIdle {
		p.setStateLocked(runningState())
	}
	p.mu.Unlock()

	rendered := normalizeMessage(text, attachments)
	item := p.appendHistory("user", rendered, nil)

	p.handle.WriteQueue().Push(item.ID, rendered)

	if wasIdle {
		p.emit(Event{Kind: EventStateChange, State: p.State()})
	}

	return item.ID, nil
}

// normalizeMessage renders text plus attachment descriptors the same
// deterministic way every time, so the recorded history entry matches what
// the agent runtime later writes to its own persistent log.
func normalizeMessage(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		b.WriteString("\n[attachment: ")
		b.WriteString(a.Name)
		if a.MIMEType != "" {
			b.WriteString(" (")
			b.WriteString(a.MIMEType)
			b.WriteString(")")
		}
		if a.URI != "" {
			b.WriteString(" ")
			b.WriteString(a.URI)
		}
		b.WriteString("]")
	}
	return b.String()
}

func (p *Process) appendHistory(role, text string, raw any) HistoryItem {
	item := HistoryItem{ID: uuid.NewString(), Role: role, Text: text, Raw: raw, Timestamp: time.Now()}
	p.mu.Lock()
	p.history = append(p.history, item)
	p.mu.Unlock()
	p.emit(Event{Kind: EventMessage, Message: &item})
	return item
}

// SetPermissionMode updates the mode and bumps the mode version.
func (p *Process) SetPermissionMode(mode PermissionMode) {
	p.mu.Lock()
	p.permissionMode = mode
	p.modeVersion++
	version := p.modeVersion
	p.mu.Unlock()
	p.emit(Event{Kind: EventModeChange, Mode: mode, ModeVersion: version})
}

// PermissionMode returns the current mode and its version.
func (p *Process) PermissionMode() (PermissionMode, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permissionMode, p.modeVersion
}

// WaitForSessionID blocks until the runtime reports an authoritative session
// id, or timeout elapses, in which case the provisional id is returned.
func (p *Process) WaitForSessionID(timeout time.Duration) string {
	select {
	case <-p.sessionIDReady:
	case <-time.After(timeout):
	case <-p.doneCh:
	}
	return p.SessionID()
}

// adoptSessionID replaces the provisional session id with the authoritative
// one reported by the runtime's system/init message. If it differs from the
// id the Process was registered under, it emits EventSessionIDAdopted so the
// Supervisor can re-key its sessionID -> Process index (§3 Invariant 7).
func (p *Process) adoptSessionID(sessionID string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	old := p.sessionID
	changed := old != sessionID
	if changed {
		p.sessionID = sessionID
	}
	p.mu.Unlock()
	p.sessionIDOnce.Do(func() { close(p.sessionIDReady) })
	if changed {
		p.emit(Event{Kind: EventSessionIDAdopted, OldSessionID: old, NewSessionID: sessionID})
	}
}

// GetMessageHistory returns a defensive copy of the recorded history.
func (p *Process) GetMessageHistory() []HistoryItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HistoryItem, len(p.history))
	copy(out, p.history)
	return out
}

// GetInfo projects the Process's public-facing summary.
func (p *Process) GetInfo() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ProcessID:      p.id,
		SessionID:      p.sessionID,
		ProjectID:      p.projectID,
		ProjectPath:    p.projectPath,
		StateTag:       p.state.Tag,
		PermissionMode: p.permissionMode,
		ModeVersion:    p.modeVersion,
		StartedAt:      p.startedAt,
		QueueDepth:     p.handle.WriteQueue().Depth(),
	}
}

// Abort ends the underlying agent stream promptly, emits EventComplete, and
// then drops all subscribers. Idempotent: subsequent calls are no-ops.
func (p *Process) Abort() {
	p.abortOnce.Do(func() {
		p.mu.Lock()
		if p.idleTimer != nil {
			p.idleTimer.Stop()
		}
		wasTerminated := p.state.Tag == StateTerminated
		if !wasTerminated {
			p.setStateLocked(terminatedState(errors.TerminationAborted, nil))
		}
		p.mu.Unlock()

		p.handle.Abort()
		close(p.doneCh)
		p.resolveAllPending(errors.TerminationAborted)
		p.emit(Event{Kind: EventComplete})

		p.mu.Lock()
		p.listeners = nil
		p.mu.Unlock()
	})
}

// Done returns a channel that Abort closes, after stopping the agent handle
// and before pending approvals are resolved.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

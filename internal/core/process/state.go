package process

import (
	"time"

	"github.com/kandev/sessionsup/internal/common/errors"
)

// PermissionMode governs which tool calls auto-allow versus prompt the user.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModePlan              PermissionMode = "plan"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// StateTag is the discriminant of State.
type StateTag string

const (
	StateRunning      StateTag = "running"
	StateIdle         StateTag = "idle"
	StateWaitingInput StateTag = "waiting-input"
	StateTerminated   StateTag = "terminated"
)

// State is a tagged variant; only the field matching Tag is meaningful.
type State struct {
	Tag StateTag

	IdleSince time.Time // StateIdle

	PendingRequest *InputRequest // StateWaitingInput

	TerminationReason errors.TerminationReason // StateTerminated
	TerminationError  error                    // StateTerminated
}

func runningState() State { return State{Tag: StateRunning} }

func idleState(since time.Time) State { return State{Tag: StateIdle, IdleSince: since} }

func waitingInputState(req *InputRequest) State {
	return State{Tag: StateWaitingInput, PendingRequest: req}
}

func terminatedState(reason errors.TerminationReason, err error) State {
	return State{Tag: StateTerminated, TerminationReason: reason, TerminationError: err}
}

// InputRequest describes one pending tool-approval (or legacy inline
// input-request) blocking the agent, as shown to the user.
type InputRequest struct {
	ID        string
	SessionID string
	Type      string // "tool-approval" or the legacy input_request's Type
	ToolName  string
	ToolInput map[string]any
	Prompt    string
	Options   []string
	Timestamp time.Time
}

// HistoryItem is one entry in a Process's in-memory message history.
type HistoryItem struct {
	ID        string
	Role      string // "user" or "agent"
	Text      string
	Raw       any
	Timestamp time.Time
}

// Attachment is an optional file or blob reference accompanying a queued
// user message (§4.3.3).
type Attachment struct {
	Name     string
	MIMEType string
	URI      string
}

// Info is the public projection returned by GetInfo.
type Info struct {
	ProcessID      string
	SessionID      string
	ProjectID      string
	ProjectPath    string
	StateTag       StateTag
	PermissionMode PermissionMode
	ModeVersion    int
	StartedAt      time.Time
	QueueDepth     int
}

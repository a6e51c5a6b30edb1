// Package agentruntime declares the contract between the core and the
// external agent runtime collaborator (§6): the factory that starts a
// session, the shape of the messages it streams back, and the tool-approval
// callback it invokes mid-turn. Concrete adapters (acp, mockrt) live in
// sibling packages; the core depends only on this contract.
package agentruntime

import "context"

// MessageType narrows the small set of message shapes the core inspects;
// anything else is treated as opaque and only ever forwarded.
type MessageType string

const (
	MessageSystem MessageType = "system"
	MessageResult MessageType = "result"
)

// SystemSubtype narrows system messages further.
type SystemSubtype string

const (
	SubtypeInit         SystemSubtype = "init"
	SubtypeInputRequest SystemSubtype = "input_request"
)

// InputRequest is the legacy inline approval request carried by a
// system/input_request message (§6.2, used by the mock runtime).
type InputRequest struct {
	ID      string
	Type    string
	Prompt  string
	Options []string
}

// AgentMessage is the minimum shape the core inspects; Raw carries the full
// original message for history and forwarding to subscribers.
type AgentMessage struct {
	Type         MessageType
	Subtype      SystemSubtype
	SessionID    string // set on system/init messages
	InputRequest *InputRequest
	Raw          any
}

// ApprovalDisposition is the outcome of a tool-approval decision.
type ApprovalDisposition string

const (
	ApprovalAllow ApprovalDisposition = "allow"
	ApprovalDeny  ApprovalDisposition = "deny"
)

// ApprovalOutcome is returned from OnToolApproval and from the legacy
// input-request resolution path.
type ApprovalOutcome struct {
	Disposition  ApprovalDisposition
	UpdatedInput map[string]any // merged answers, e.g. for AskUserQuestion
	Interrupt    bool           // request the agent stop retrying
	Message      string         // user-facing denial reason, if any
}

// OnToolApproval is invoked by the runtime once per tool call needing a
// decision. cancel fires if the caller gives up waiting (e.g. the Process
// aborts); implementations must select on it alongside their own resolution.
type OnToolApproval func(ctx context.Context, toolName string, input map[string]any, cancel <-chan struct{}) (ApprovalOutcome, error)

// WriteQueue is the write-side queue a Process pushes user turns through.
// id is the same id the core recorded the turn under in its own history, so
// the runtime can echo it back in its persistent log for de-dup (§4.3.3).
type WriteQueue interface {
	Push(id, message string) int
	Depth() int
}

// AgentHandle is what a factory call returns: a live, running agent session.
type AgentHandle interface {
	Output() <-chan AgentMessage
	// Err returns the terminal stream error, valid only after Output is closed.
	Err() error
	WriteQueue() WriteQueue
	Abort()
}

// StartSessionParams parameterizes a new agent session.
type StartSessionParams struct {
	CWD             string
	InitialMessage  string
	ResumeSessionID string
	PermissionMode  string
	OnToolApproval  OnToolApproval
}

// Factory starts a new agent session, the one collaborator the Supervisor
// depends on to create Processes.
type Factory interface {
	StartSession(ctx context.Context, params StartSessionParams) (AgentHandle, error)
}

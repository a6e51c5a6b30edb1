package process

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/sessionsup/internal/agentruntime"
	internalerrors "github.com/kandev/sessionsup/internal/common/errors"
)

var planReadOnlyTools = map[string]bool{
	"Read": true, "Glob": true, "Grep": true, "LSP": true,
	"WebFetch": true, "WebSearch": true, "Task": true, "TaskOutput": true,
}

var acceptEditsTools = map[string]bool{
	"Edit": true, "Write": true, "NotebookEdit": true,
}

const planDirPrefix = ".claude/plans/"

// autoDecision reports whether mode auto-allows toolName/input without
// prompting the user. The second return distinguishes "no decision" (fall
// through to a user prompt) from an explicit allow.
func autoDecision(mode PermissionMode, toolName string, input map[string]any) (agentruntime.ApprovalOutcome, bool) {
	switch mode {
	case ModeBypassPermissions:
		return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalAllow}, true

	case ModePlan:
		if planReadOnlyTools[toolName] {
			return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalAllow}, true
		}
		if (toolName == "Write" || toolName == "Edit") && writesUnderPlanDir(input) {
			return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalAllow}, true
		}
		return agentruntime.ApprovalOutcome{}, false

	case ModeAcceptEdits:
		if acceptEditsTools[toolName] {
			return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalAllow}, true
		}
		return agentruntime.ApprovalOutcome{}, false

	default: // ModeDefault
		return agentruntime.ApprovalOutcome{}, false
	}
}

func writesUnderPlanDir(input map[string]any) bool {
	path, _ := input["file_path"].(string)
	return strings.HasPrefix(path, planDirPrefix)
}

// HandleToolApproval is the runtime-facing hot path invoked once per tool
// call needing a decision. It applies the per-mode auto-allow policy first;
// failing that, it registers a pending approval and blocks until the user
// responds, cancel fires, or the Process terminates.
func (p *Process) HandleToolApproval(ctx context.Context, toolName string, input map[string]any, cancel <-chan struct{}) (agentruntime.ApprovalOutcome, error) {
	p.mu.Lock()
	mode := p.permissionMode
	p.mu.Unlock()

	if outcome, ok := autoDecision(mode, toolName, input); ok {
		return outcome, nil
	}

	req := &InputRequest{
		ID:        uuid.NewString(),
		SessionID: p.SessionID(),
		Type:      "tool-approval",
		ToolName:  toolName,
		ToolInput: input,
		Timestamp: time.Now(),
	}
	resultCh := make(chan agentruntime.ApprovalOutcome, 1)

	p.mu.Lock()
	if p.state.Tag == StateTerminated {
		reason := p.state.TerminationReason
		p.mu.Unlock()
		return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny, Interrupt: true,
			Message: "Process terminated: " + string(reason)}, nil
	}
	p.pending[req.ID] = &pendingEntry{request: req, resultCh: resultCh}
	p.pendingOrder = append(p.pendingOrder, req.ID)
	first := len(p.pendingOrder) == 1
	if first {
		p.setStateLocked(waitingInputState(req))
	}
	p.mu.Unlock()

	if first {
		p.emit(Event{Kind: EventStateChange, State: p.State()})
	}

	select {
	case outcome := <-resultCh:
		return outcome, nil
	case <-cancel:
		p.cancelPending(req.ID)
		return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny, Interrupt: true}, nil
	case <-p.doneCh:
		return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny, Interrupt: true,
			Message: "Process terminated"}, nil
	}
}

type pendingEntry struct {
	request  *InputRequest
	resultCh chan agentruntime.ApprovalOutcome
}

// GetPendingInputRequest returns the approval currently shown to the user, if any.
func (p *Process) GetPendingInputRequest() (*InputRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingOrder) == 0 {
		return nil, false
	}
	return p.pending[p.pendingOrder[0]].request, true
}

// RespondToInput resolves the pending approval identified by requestID.
// Returns false if no such pending approval exists.
func (p *Process) RespondToInput(requestID string, approve bool, answers map[string]any, feedback string) bool {
	p.mu.Lock()
	entry, ok := p.pending[requestID]
	if !ok {
		p.mu.Unlock()
		return false
	}

	outcome := composeOutcome(approve, entry.request.ToolInput, answers, feedback)
	toolName := entry.request.ToolName

	delete(p.pending, requestID)
	for i, id := range p.pendingOrder {
		if id == requestID {
			p.pendingOrder = append(p.pendingOrder[:i], p.pendingOrder[i+1:]...)
			break
		}
	}

	var nextReq *InputRequest
	if len(p.pendingOrder) > 0 {
		nextReq = p.pending[p.pendingOrder[0]].request
	}
	p.mu.Unlock()

	if approve {
		switch toolName {
		case "EnterPlanMode":
			p.SetPermissionMode(ModePlan)
		case "ExitPlanMode":
			p.SetPermissionMode(ModeDefault)
		}
	}

	entry.resultCh <- outcome

	p.mu.Lock()
	if nextReq != nil {
		p.setStateLocked(waitingInputState(nextReq))
	} else if p.state.Tag != StateTerminated {
		p.setStateLocked(runningState())
	}
	newState := p.state
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChange, State: newState})

	return true
}

// composeOutcome builds the result handed back to the agent runtime. An
// approval carrying answers (e.g. to an AskUserQuestion tool call) merges
// them into a copy of the original tool input rather than replacing it, so
// fields the agent didn't ask about survive the round trip.
func composeOutcome(approve bool, originalInput, answers map[string]any, feedback string) agentruntime.ApprovalOutcome {
	if approve {
		outcome := agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalAllow}
		if len(answers) > 0 {
			outcome.UpdatedInput = mergeInput(originalInput, answers)
		}
		return outcome
	}
	if feedback != "" {
		return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny, Message: feedback}
	}
	return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny, Interrupt: true,
		Message: "User denied permission"}
}

func mergeInput(original, answers map[string]any) map[string]any {
	merged := make(map[string]any, len(original)+len(answers))
	for k, v := range original {
		merged[k] = v
	}
	for k, v := range answers {
		merged[k] = v
	}
	return merged
}

// cancelPending removes a pending approval after its caller gave up, and
// surfaces the next one (if any) as the new waiting-input state.
func (p *Process) cancelPending(requestID string) {
	p.mu.Lock()
	if _, ok := p.pending[requestID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, requestID)
	for i, id := range p.pendingOrder {
		if id == requestID {
			p.pendingOrder = append(p.pendingOrder[:i], p.pendingOrder[i+1:]...)
			break
		}
	}
	var nextReq *InputRequest
	if len(p.pendingOrder) > 0 {
		nextReq = p.pending[p.pendingOrder[0]].request
	}
	if nextReq != nil {
		p.setStateLocked(waitingInputState(nextReq))
	} else if p.state.Tag != StateTerminated {
		p.setStateLocked(runningState())
	}
	newState := p.state
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChange, State: newState})
}

// resolveAllPending resolves every outstanding approval with a terminal
// deny/interrupt outcome, used when the Process terminates.
func (p *Process) resolveAllPending(reason internalerrors.TerminationReason) {
	p.mu.Lock()
	entries := make([]*pendingEntry, 0, len(p.pendingOrder))
	for _, id := range p.pendingOrder {
		entries = append(entries, p.pending[id])
	}
	p.pending = map[string]*pendingEntry{}
	p.pendingOrder = nil
	p.mu.Unlock()

	for _, e := range entries {
		e.resultCh <- agentruntime.ApprovalOutcome{
			Disposition: agentruntime.ApprovalDeny,
			Interrupt:   true,
			Message:     "Process terminated: " + string(reason),
		}
	}
}

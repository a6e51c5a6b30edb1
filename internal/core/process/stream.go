package process

import (
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/common/errors"
)

// consumeStream is the single long-lived loop reading the agent runtime's
// message stream (§4.3.2). It runs on its own goroutine for the lifetime of
// the Process, started once by Start.
func (p *Process) consumeStream() {
	out := p.handle.Output()
	for {
		select {
		case <-p.doneCh:
			return
		case msg, ok := <-out:
			if !ok {
				p.handleStreamEnd()
				return
			}
			p.handleMessage(msg)
		}
	}
}

func (p *Process) handleMessage(msg agentruntime.AgentMessage) {
	p.appendHistory("agent", "", msg.Raw)

	switch {
	case msg.Type == agentruntime.MessageSystem && msg.Subtype == agentruntime.SubtypeInit:
		p.adoptSessionID(msg.SessionID)

	case msg.Type == agentruntime.MessageSystem && msg.Subtype == agentruntime.SubtypeInputRequest && msg.InputRequest != nil:
		p.acceptLegacyInputRequest(msg.InputRequest)

	case msg.Type == agentruntime.MessageResult:
		p.transitionToIdleIfNotWaiting()
	}
}

// acceptLegacyInputRequest mirrors the callback-based approval's queueing
// behavior (§9 Open Question 2): it goes through the same pending map and
// ordered queue, so it composes safely even if a callback-based approval is
// already pending.
func (p *Process) acceptLegacyInputRequest(ir *agentruntime.InputRequest) {
	req := &InputRequest{
		ID:        ir.ID,
		SessionID: p.SessionID(),
		Type:      ir.Type,
		Prompt:    ir.Prompt,
		Options:   ir.Options,
	}

	resultCh := make(chan agentruntime.ApprovalOutcome, 1)
	p.mu.Lock()
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

	// The legacy path has no blocking caller to resume; the outcome is
	// consumed (and discarded) here only to free the channel once RespondToInput fires.
	go func() { <-resultCh }()
}

func (p *Process) transitionToIdleIfNotWaiting() {
	p.mu.Lock()
	if p.state.Tag == StateWaitingInput || p.state.Tag == StateTerminated {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(idleState(nowFunc()))
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChange, State: p.State()})
}

// handleStreamEnd runs once the agent's output channel closes. A known
// termination signature reclassifies the Process as terminated; anything
// else surfaces as an error event, and (unless waiting-input) moves to idle.
func (p *Process) handleStreamEnd() {
	err := p.handle.Err()

	p.mu.Lock()
	alreadyTerminated := p.state.Tag == StateTerminated
	p.mu.Unlock()
	if alreadyTerminated {
		return
	}

	if err == nil {
		p.mu.Lock()
		if p.state.Tag != StateWaitingInput {
			p.setStateLocked(idleState(nowFunc()))
		}
		p.mu.Unlock()
		p.emit(Event{Kind: EventStateChange, State: p.State()})
		return
	}

	if reason, ok := classifyTermination(err); ok {
		p.mu.Lock()
		p.setStateLocked(terminatedState(reason, err))
		p.mu.Unlock()
		p.resolveAllPending(reason)
		p.emit(Event{Kind: EventStateChange, State: p.State()})
		p.emit(Event{Kind: EventComplete})
		return
	}

	p.log.WithError(err).Warn("agent stream ended with error", zap.String("process_id", p.id))
	p.emit(Event{Kind: EventError, Err: err})

	p.mu.Lock()
	if p.state.Tag != StateWaitingInput {
		p.setStateLocked(idleState(nowFunc()))
	}
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChange, State: p.State()})
}

// classifyTermination recognizes the small set of exception signatures that
// mean the underlying agent process is gone for good, as opposed to a
// recoverable mid-stream error.
func classifyTermination(err error) (errors.TerminationReason, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "transport closed") || strings.Contains(msg, "connection closed") || strings.Contains(msg, "broken pipe"):
		return errors.TerminationTransport, true
	case strings.Contains(msg, "executable not found") || strings.Contains(msg, "spawn") || strings.Contains(msg, "no such file"):
		return errors.TerminationSpawnFailure, true
	case strings.Contains(msg, "killed") || strings.Contains(msg, "signal: "):
		return errors.TerminationExternalKill, true
	default:
		return "", false
	}
}

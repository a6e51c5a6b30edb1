package mockrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionsup/internal/agentruntime"
)

func drain(t *testing.T, h agentruntime.AgentHandle, timeout time.Duration) []agentruntime.AgentMessage {
	t.Helper()
	var out []agentruntime.AgentMessage
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-h.Output():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatal("timed out draining output")
			return nil
		}
	}
}

func TestStartSessionWithInitialMessageEmitsInitThenResult(t *testing.T) {
	f := New(Script{SessionID: "sess-1"})
	h, err := f.StartSession(context.Background(), agentruntime.StartSessionParams{InitialMessage: "go"})
	require.NoError(t, err)

	msgs := drain(t, h, time.Second)
	require.Len(t, msgs, 2)
	assert.Equal(t, agentruntime.MessageSystem, msgs[0].Type)
	assert.Equal(t, agentruntime.SubtypeInit, msgs[0].Subtype)
	assert.Equal(t, "sess-1", msgs[0].SessionID)
	assert.Equal(t, agentruntime.MessageResult, msgs[1].Type)
}

func TestStartSessionWithoutInitialMessageWaitsForPush(t *testing.T) {
	f := New(Script{})
	h, err := f.StartSession(context.Background(), agentruntime.StartSessionParams{})
	require.NoError(t, err)

	// Only the init message should be available until something is pushed.
	select {
	case msg := <-h.Output():
		assert.Equal(t, agentruntime.MessageSystem, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected the init message immediately")
	}

	select {
	case <-h.Output():
		t.Fatal("no further messages should arrive before a write-queue push")
	case <-time.After(50 * time.Millisecond):
	}

	h.WriteQueue().Push("msg-1", "go")

	msgs := drain(t, h, time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, agentruntime.MessageResult, msgs[0].Type)
}

func TestScriptedStepsEmitInOrder(t *testing.T) {
	step1 := agentruntime.AgentMessage{Raw: map[string]any{"n": 1}}
	step2 := agentruntime.AgentMessage{Raw: map[string]any{"n": 2}}
	f := New(Script{Steps: []Step{{Emit: &step1}, {Emit: &step2}}})

	h, err := f.StartSession(context.Background(), agentruntime.StartSessionParams{InitialMessage: "go"})
	require.NoError(t, err)

	msgs := drain(t, h, time.Second)
	require.Len(t, msgs, 4) // init, step1, step2, result
	assert.Equal(t, 1, msgs[1].Raw.(map[string]any)["n"])
	assert.Equal(t, 2, msgs[2].Raw.(map[string]any)["n"])
}

func TestScriptedApprovalDenySkipsEmit(t *testing.T) {
	emitted := agentruntime.AgentMessage{Raw: map[string]any{"should": "not-appear"}}
	f := New(Script{Steps: []Step{{RequestApproval: "Bash", Emit: &emitted}}})

	approvalCalls := 0
	onApproval := func(ctx context.Context, toolName string, input map[string]any, cancel <-chan struct{}) (agentruntime.ApprovalOutcome, error) {
		approvalCalls++
		return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny}, nil
	}

	h, err := f.StartSession(context.Background(), agentruntime.StartSessionParams{
		InitialMessage: "go",
		OnToolApproval: onApproval,
	})
	require.NoError(t, err)

	msgs := drain(t, h, time.Second)
	require.Len(t, msgs, 2) // init, result -- the scripted emit is skipped on deny
	assert.Equal(t, 1, approvalCalls)
	assert.Equal(t, agentruntime.MessageResult, msgs[1].Type)
}

func TestAbortStopsScriptAndSetsErr(t *testing.T) {
	f := New(Script{})
	h, err := f.StartSession(context.Background(), agentruntime.StartSessionParams{})
	require.NoError(t, err)

	<-h.Output() // consume init message

	h.Abort()

	_, ok := <-h.Output()
	assert.False(t, ok, "output must be closed after Abort")
	assert.Error(t, h.Err())
}

func TestWriteQueueDepthTracksPendingPushes(t *testing.T) {
	q := &memQueue{}
	assert.Equal(t, 0, q.Depth())
	q.Push("id-a", "a")
	q.Push("id-b", "b")
	assert.Equal(t, 2, q.Depth())
}

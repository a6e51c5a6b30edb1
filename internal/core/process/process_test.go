package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/agentruntime/mockrt"
	internalerrors "github.com/kandev/sessionsup/internal/common/errors"
)

func startMock(t *testing.T, script mockrt.Script, mode PermissionMode, initialMessage string) (*Process, agentruntime.AgentHandle) {
	t.Helper()
	factory := mockrt.New(script)
	handle, err := factory.StartSession(t.Context(), agentruntime.StartSessionParams{
		InitialMessage: initialMessage,
	})
	require.NoError(t, err)

	proc := New("proc-1", handle, "provisional", "project-1", "/tmp/project", mode, time.Minute, initialMessage)
	proc.Start()
	return proc, handle
}

// userHistory returns the user-role entries of proc's history; agent messages
// consumed from the stream (such as the mock's init message) are recorded too.
func userHistory(proc *Process) []HistoryItem {
	var out []HistoryItem
	for _, item := range proc.GetMessageHistory() {
		if item.Role == "user" {
			out = append(out, item)
		}
	}
	return out
}

func TestNewWithInitialMessageStartsRunning(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "hello")
	assert.Equal(t, StateRunning, proc.State().Tag)

	history := userHistory(proc)
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hello", history[0].Text)
}

func TestNewWithoutInitialMessageStartsIdle(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "")
	assert.Equal(t, StateIdle, proc.State().Tag)
}

func TestAdoptsSessionIDFromInitMessage(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{SessionID: "real-session-id"}, ModeDefault, "hello")

	got := proc.WaitForSessionID(time.Second)
	assert.Equal(t, "real-session-id", got)
	assert.Equal(t, "real-session-id", proc.SessionID())
}

func TestQueueMessageTransitionsIdleToRunning(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "")
	require.Equal(t, StateIdle, proc.State().Tag)

	_, err := proc.QueueMessage("go", nil)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, proc.State().Tag)

	history := userHistory(proc)
	require.Len(t, history, 1)
	assert.Equal(t, "go", history[0].Text)
}

func TestQueueMessageAfterTerminationFails(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "")
	proc.Abort()

	_, err := proc.QueueMessage("too late", nil)
	assert.ErrorIs(t, err, internalerrors.ErrProcessTerminated)
}

func TestQueueMessageNormalizesAttachmentDescriptors(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "")

	id, err := proc.QueueMessage("see attached", []Attachment{
		{Name: "diff.patch", MIMEType: "text/plain", URI: "file:///tmp/diff.patch"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	history := userHistory(proc)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)
	assert.Contains(t, history[0].Text, "see attached")
	assert.Contains(t, history[0].Text, "diff.patch")
	assert.Contains(t, history[0].Text, "text/plain")
	assert.Contains(t, history[0].Text, "file:///tmp/diff.patch")
}

func TestAbortIsIdempotentAndClosesDone(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "hello")

	assert.NotPanics(t, func() {
		proc.Abort()
		proc.Abort()
		proc.Abort()
	})

	select {
	case <-proc.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() channel was never closed")
	}
	assert.Equal(t, StateTerminated, proc.State().Tag)
}

func TestSetPermissionModeBumpsVersion(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeDefault, "")

	mode, version := proc.PermissionMode()
	assert.Equal(t, ModeDefault, mode)
	assert.Equal(t, 0, version)

	proc.SetPermissionMode(ModeAcceptEdits)

	mode, version = proc.PermissionMode()
	assert.Equal(t, ModeAcceptEdits, mode)
	assert.Equal(t, 1, version)
}

func TestResultMessageTransitionsRunningToIdle(t *testing.T) {
	script := mockrt.Script{
		Steps: []mockrt.Step{
			{Emit: &agentruntime.AgentMessage{Raw: map[string]any{"type": "assistant"}}},
		},
	}
	proc, _ := startMock(t, script, ModeDefault, "hello")

	require.Eventually(t, func() bool {
		return proc.State().Tag == StateIdle
	}, 2*time.Second, 10*time.Millisecond, "process must return to idle after the scripted result message")
}

func TestGetInfoReflectsLiveState(t *testing.T) {
	proc, _ := startMock(t, mockrt.Script{}, ModeBypassPermissions, "hi")
	info := proc.GetInfo()

	assert.Equal(t, "proc-1", info.ProcessID)
	assert.Equal(t, "project-1", info.ProjectID)
	assert.Equal(t, ModeBypassPermissions, info.PermissionMode)
	assert.Equal(t, StateRunning, info.StateTag)
}

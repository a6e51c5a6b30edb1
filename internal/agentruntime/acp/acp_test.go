package acp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/common/logger"
)

func TestPushQueueFIFOOrderAndDepth(t *testing.T) {
	q := &pushQueue{}

	assert.Equal(t, 1, q.Push("id-a", "a"))
	assert.Equal(t, 2, q.Push("id-b", "b"))
	assert.Equal(t, 2, q.Depth())

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "id-a", msg.ID)
	assert.Equal(t, "a", msg.Text)
	assert.Equal(t, 1, q.Depth())

	msg, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "id-b", msg.ID)
	assert.Equal(t, "b", msg.Text)
	assert.Equal(t, 0, q.Depth())

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPushQueueSignalsReadyChannel(t *testing.T) {
	q := &pushQueue{ready: make(chan struct{}, 1)}
	q.Push("id-a", "a")

	select {
	case <-q.ready:
	default:
		t.Fatal("expected Push to signal the ready channel")
	}
}

func TestWrapSpawnErrorWrapsUnderlying(t *testing.T) {
	cause := errors.New("exec: not found")
	err := wrapSpawnError(cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestWrapExitErrorNilPassesThrough(t *testing.T) {
	assert.NoError(t, wrapExitError(nil))
}

func TestWrapExitErrorWrapsUnderlying(t *testing.T) {
	cause := errors.New("exit status 1")
	err := wrapExitError(cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func newTestHandle() *handle {
	return &handle{
		output: make(chan agentruntime.AgentMessage, 8),
		done:   make(chan struct{}),
		queue:  &pushQueue{},
		log:    logger.Default(),
		cancel: func() {},
	}
}

func TestHandleEmitDeliversBeforeFinish(t *testing.T) {
	h := newTestHandle()
	h.emit(agentruntime.AgentMessage{Type: agentruntime.MessageResult})

	select {
	case msg := <-h.Output():
		assert.Equal(t, agentruntime.MessageResult, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected emitted message on Output()")
	}
}

func TestHandleEmitAfterFinishDoesNotPanic(t *testing.T) {
	h := newTestHandle()
	h.finish(nil)

	assert.NotPanics(t, func() {
		h.emit(agentruntime.AgentMessage{Type: agentruntime.MessageResult})
	})
}

func TestHandleFinishClosesOutputAndIsIdempotent(t *testing.T) {
	h := newTestHandle()
	cause := errors.New("boom")

	h.finish(cause)
	h.finish(errors.New("second call is a no-op"))

	assert.Equal(t, cause, h.Err())

	_, ok := <-h.output
	assert.False(t, ok, "output channel should be closed after finish")

	select {
	case <-h.done:
	default:
		t.Fatal("expected done channel to be closed after finish")
	}
}

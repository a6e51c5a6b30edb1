package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionsup/internal/core/eventbus"
	"github.com/kandev/sessionsup/internal/core/eventbus/membus"
)

type fakeOwner struct {
	owned map[string]bool
}

func (f *fakeOwner) IsOwned(sessionID string) bool { return f.owned[sessionID] }

func TestIsExternalFalseWhenSupervisorOwnsSession(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{owned: map[string]bool{"s1": true}}
	trk := New(bus, owner, Config{Decay: time.Minute})

	bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{SessionID: "s1", Timestamp: time.Now()})

	assert.False(t, trk.IsExternal("s1"), "a session the Supervisor owns is never external regardless of file activity")
}

func TestIsExternalFalseWithNoRecordedActivity(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{}
	trk := New(bus, owner, Config{Decay: time.Minute})

	assert.False(t, trk.IsExternal("unknown"))
}

func TestIsExternalTrueWithinDecayWindow(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{}
	trk := New(bus, owner, Config{Decay: time.Minute})

	bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{SessionID: "s1", Timestamp: time.Now()})

	assert.True(t, trk.IsExternal("s1"))
}

func TestIsExternalFalseAfterDecayWindowElapses(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{}
	trk := New(bus, owner, Config{Decay: 20 * time.Millisecond})

	bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{SessionID: "s1", Timestamp: time.Now()})
	require.True(t, trk.IsExternal("s1"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, trk.IsExternal("s1"), "external classification must decay once the window elapses")
}

func TestInstallGraceSuppressesExternalClassificationAfterAbort(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{}
	trk := New(bus, owner, Config{Decay: time.Minute, Grace: 50 * time.Millisecond})

	bus.Publish(eventbus.KindSessionAborted, eventbus.SessionAborted{SessionID: "s1"})
	bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{SessionID: "s1", Timestamp: time.Now()})

	assert.False(t, trk.IsExternal("s1"), "writes during the post-abort grace window must not flip ownership to external")
}

func TestExternalClassificationResumesAfterGraceExpires(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{}
	trk := New(bus, owner, Config{Decay: time.Minute, Grace: 20 * time.Millisecond})

	bus.Publish(eventbus.KindSessionAborted, eventbus.SessionAborted{SessionID: "s1"})
	time.Sleep(40 * time.Millisecond)
	bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{SessionID: "s1", Timestamp: time.Now()})

	assert.True(t, trk.IsExternal("s1"))
}

func TestIsExternalClampsNegativeDeltaFromFutureTimestamp(t *testing.T) {
	bus := membus.New()
	owner := &fakeOwner{}
	trk := New(bus, owner, Config{Decay: time.Minute})

	bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{
		SessionID: "s1",
		Timestamp: time.Now().Add(time.Hour), // clock skew: a write stamped in the future
	})

	assert.True(t, trk.IsExternal("s1"), "a future timestamp must clamp to zero elapsed, not be treated as already stale")
}

// Package tracker implements the External Session Tracker (§4.5): it
// consumes file-activity events and classifies sessions as externally owned
// when a write arrives that the Supervisor cannot attribute to a live
// Process, with a decay window and a post-abort grace/suppression window.
package tracker

import (
	"sync"
	"time"

	"github.com/kandev/sessionsup/internal/core/eventbus"
)

// OwnerChecker reports whether the Supervisor currently owns a session. The
// Tracker depends on this rather than the concrete Supervisor type;
// cmd/orchestratord passes the Supervisor in as the OwnerChecker.
type OwnerChecker interface {
	IsOwned(sessionID string) bool
}

// Config tunes decay and grace windows.
type Config struct {
	Decay time.Duration // default 30s
	Grace time.Duration // post-abort suppression window
}

type record struct {
	lastExternalWrite time.Time
	suppressedUntil   time.Time
}

// Tracker classifies sessions as external based on recent file-activity
// events it receives from a file-activity source (e.g. internal/agentruntime/filewatch).
type Tracker struct {
	owner OwnerChecker
	cfg   Config

	mu      sync.Mutex
	records map[string]*record
}

// New constructs a Tracker and subscribes it to file-activity events on bus.
func New(bus eventbus.Bus, owner OwnerChecker, cfg Config) *Tracker {
	if cfg.Decay <= 0 {
		cfg.Decay = 30 * time.Second
	}
	t := &Tracker{owner: owner, cfg: cfg, records: make(map[string]*record)}

	bus.Subscribe(eventbus.KindFileActivity, func(evt eventbus.Event) {
		fa, ok := evt.Payload.(eventbus.FileActivity)
		if !ok {
			return
		}
		t.observe(fa.SessionID, fa.Timestamp)
	})
	bus.Subscribe(eventbus.KindSessionAborted, func(evt eventbus.Event) {
		sa, ok := evt.Payload.(eventbus.SessionAborted)
		if !ok {
			return
		}
		t.installGrace(sa.SessionID)
	})

	return t
}

// observe records a file-activity write for sessionID at ts as external,
// unless the Supervisor owns the session or its post-abort grace window is
// still active.
func (t *Tracker) observe(sessionID string, ts time.Time) {
	if t.owner.IsOwned(sessionID) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[sessionID]
	if r == nil {
		r = &record{}
		t.records[sessionID] = r
	}
	if time.Now().Before(r.suppressedUntil) {
		return
	}
	if ts.After(r.lastExternalWrite) {
		r.lastExternalWrite = ts
	}
}

// installGrace suppresses external classification for sessionID for the
// configured grace window, so the writes that follow a clean abort do not
// flap the UI back into "external" during shutdown (§4.4.4/§4.5).
func (t *Tracker) installGrace(sessionID string) {
	if t.cfg.Grace <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[sessionID]
	if r == nil {
		r = &record{}
		t.records[sessionID] = r
	}
	r.suppressedUntil = time.Now().Add(t.cfg.Grace)
}

// IsExternal reports whether sessionID should currently be classified as
// externally owned: the Supervisor does not own it, a write arrived inside
// the decay window, and no grace suppression is active.
func (t *Tracker) IsExternal(sessionID string) bool {
	if t.owner.IsOwned(sessionID) {
		return false
	}

	t.mu.Lock()
	r := t.records[sessionID]
	t.mu.Unlock()
	if r == nil {
		return false
	}

	now := time.Now()
	if now.Before(r.suppressedUntil) {
		return false
	}

	delta := now.Sub(r.lastExternalWrite)
	if delta < 0 {
		delta = 0 // clock-skew robustness: never treat a future timestamp as stale
	}
	return delta < t.cfg.Decay
}

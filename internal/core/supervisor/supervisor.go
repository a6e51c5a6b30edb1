// Package supervisor implements the worker pool that admits, queues, and
// preempts agent sessions: the Supervisor described in §4.4 of the
// specification.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kandev/sessionsup/internal/agentruntime"
	"github.com/kandev/sessionsup/internal/common/logger"
	"github.com/kandev/sessionsup/internal/core/eventbus"
	"github.com/kandev/sessionsup/internal/core/process"
	"github.com/kandev/sessionsup/internal/core/workerqueue"
)

var tracer = otel.Tracer("sessionsup/supervisor")

// Config tunes admission and preemption.
type Config struct {
	MaxWorkers             int // 0 disables admission control entirely
	IdlePreemptThreshold   time.Duration
	DefaultPermissionMode  process.PermissionMode
	DefaultIdleTimeout     time.Duration
	SessionIDWait          time.Duration
	MaxQueueSize           int // 0 means unbounded
}

// Admission is the result of starting, creating, or resuming a session: the
// request was either admitted and a Process started, or it was queued.
type Admission struct {
	Process  *process.Process
	Queued   bool
	QueueID  string
	Position int
}

// Supervisor is the worker pool. It owns the WorkerQueue and publishes
// lifecycle events to the given Bus.
type Supervisor struct {
	factory agentruntime.Factory
	bus     eventbus.Bus
	queue   *workerqueue.Queue
	log     *logger.Logger
	cfg     Config

	mu               sync.RWMutex
	processes        map[string]*process.Process // processID -> Process
	sessionToProcess map[string]string           // sessionID -> processID
	everOwned        map[string]bool
}

// New constructs a Supervisor.
func New(factory agentruntime.Factory, bus eventbus.Bus, cfg Config) *Supervisor {
	if cfg.DefaultPermissionMode == "" {
		cfg.DefaultPermissionMode = process.ModeDefault
	}
	if cfg.DefaultIdleTimeout <= 0 {
		cfg.DefaultIdleTimeout = 15 * time.Minute
	}
	if cfg.SessionIDWait <= 0 {
		cfg.SessionIDWait = 5 * time.Second
	}

	return &Supervisor{
		factory:          factory,
		bus:              bus,
		queue:            workerqueue.New(bus, cfg.MaxQueueSize),
		log:              logger.Default(),
		cfg:              cfg,
		processes:        make(map[string]*process.Process),
		sessionToProcess: make(map[string]string),
		everOwned:        make(map[string]bool),
	}
}

// StartSession admits a brand new session with an initial user message.
func (s *Supervisor) StartSession(ctx context.Context, projectID, projectPath, message string, mode process.PermissionMode) (Admission, error) {
	ctx, span := tracer.Start(ctx, "Supervisor.StartSession")
	defer span.End()
	return s.admit(ctx, workerqueue.Request{
		Kind:           workerqueue.KindNewSession,
		ProjectID:      projectID,
		ProjectPath:    projectPath,
		Message:        message,
		PermissionMode: string(s.resolveMode(mode)),
	})
}

// CreateSession admits a brand new session with no initial message; the
// agent will block on its own first turn until QueueMessage is called.
func (s *Supervisor) CreateSession(ctx context.Context, projectID, projectPath string, mode process.PermissionMode) (Admission, error) {
	ctx, span := tracer.Start(ctx, "Supervisor.CreateSession")
	defer span.End()
	return s.admit(ctx, workerqueue.Request{
		Kind:           workerqueue.KindNewSession,
		ProjectID:      projectID,
		ProjectPath:    projectPath,
		PermissionMode: string(s.resolveMode(mode)),
	})
}

// ResumeSession attaches to a previously persisted session id.
func (s *Supervisor) ResumeSession(ctx context.Context, sessionID, projectID, projectPath, message string, mode process.PermissionMode) (Admission, error) {
	ctx, span := tracer.Start(ctx, "Supervisor.ResumeSession")
	defer span.End()

	s.mu.RLock()
	processID, live := s.sessionToProcess[sessionID]
	s.mu.RUnlock()

	if live {
		s.mu.RLock()
		proc := s.processes[processID]
		s.mu.RUnlock()
		if proc != nil && proc.State().Tag != process.StateTerminated {
			if mode != "" {
				proc.SetPermissionMode(mode)
			}
			if message != "" {
				_, _ = proc.QueueMessage(message, nil)
			}
			return Admission{Process: proc}, nil
		}
		s.unregister(processID, proc)
	}

	if entry, ok := s.queue.FindBySessionID(sessionID); ok {
		position, _ := s.queue.GetPosition(entry.QueueID)
		return Admission{Queued: true, QueueID: entry.QueueID, Position: position}, nil
	}

	return s.admit(ctx, workerqueue.Request{
		Kind:           workerqueue.KindResumeSession,
		SessionID:      sessionID,
		ProjectID:      projectID,
		ProjectPath:    projectPath,
		Message:        message,
		PermissionMode: string(s.resolveMode(mode)),
	})
}

func (s *Supervisor) resolveMode(mode process.PermissionMode) process.PermissionMode {
	if mode == "" {
		return s.cfg.DefaultPermissionMode
	}
	return mode
}

// admit implements §4.4.1: try immediate start, then preemption, then queue.
func (s *Supervisor) admit(ctx context.Context, req workerqueue.Request) (Admission, error) {
	if s.hasCapacity() {
		proc, err := s.startProcess(ctx, req)
		if err != nil {
			return Admission{}, err
		}
		return Admission{Process: proc}, nil
	}

	if victim, ok := s.findPreemptionCandidate(); ok {
		s.abortAndUnregister(victim)
		proc, err := s.startProcess(ctx, req)
		if err != nil {
			return Admission{}, err
		}
		return Admission{Process: proc}, nil
	}

	entry, err := s.queue.Enqueue(req)
	if err != nil {
		return Admission{}, err
	}
	position, _ := s.queue.GetPosition(entry.QueueID)
	s.log.Info("admission queued", zap.String("queue_id", entry.QueueID), zap.Int("position", position))

	go s.awaitQueuedAdmission(entry)

	return Admission{Queued: true, QueueID: entry.QueueID, Position: position}, nil
}

func (s *Supervisor) hasCapacity() bool {
	if s.cfg.MaxWorkers <= 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes) < s.cfg.MaxWorkers
}

// findPreemptionCandidate returns the live idle Process with the largest
// idle duration, provided it meets the configured threshold. Never returns
// a running or waiting-input Process.
func (s *Supervisor) findPreemptionCandidate() (*process.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *process.Process
	var bestIdle time.Duration

	for _, proc := range s.processes {
		st := proc.State()
		if st.Tag != process.StateIdle {
			continue
		}
		idleFor := time.Since(st.IdleSince)
		if idleFor < s.cfg.IdlePreemptThreshold {
			continue
		}
		if best == nil || idleFor > bestIdle {
			best = proc
			bestIdle = idleFor
		}
	}
	return best, best != nil
}

func (s *Supervisor) abortAndUnregister(proc *process.Process) {
	s.log.Info("aborting process", zap.String("process_id", proc.ID()))
	s.publishAbort(proc)
	proc.Abort()
	s.unregister(proc.ID(), proc)
}

func (s *Supervisor) publishAbort(proc *process.Process) {
	info := proc.GetInfo()
	// Emit session-aborted before Process.abort() so the External Session
	// Tracker can install its grace window before termination writes land (§4.4.4).
	s.bus.Publish(eventbus.KindSessionAborted, eventbus.SessionAborted{
		SessionID: info.SessionID,
		ProjectID: info.ProjectID,
	})
}

// Abort aborts a known process by id.
func (s *Supervisor) Abort(processID string) bool {
	s.mu.RLock()
	proc, ok := s.processes[processID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.abortAndUnregister(proc)
	return true
}

// CancelQueued cancels a pending (not yet started) admission request.
func (s *Supervisor) CancelQueued(queueID string) bool {
	return s.queue.Cancel(queueID, "client_cancelled")
}

func (s *Supervisor) awaitQueuedAdmission(entry *workerqueue.Entry) {
	outcome := entry.Await()
	_ = outcome // the caller already has the queueID/position; this goroutine
	// exists solely to keep the Entry's channel drained so Resolve never blocks.
}

// drainQueue is invoked whenever a worker slot frees up.
func (s *Supervisor) drainQueue(ctx context.Context) {
	if !s.hasCapacity() {
		return
	}
	entry, ok := s.queue.Dequeue()
	if !ok {
		return
	}
	proc, err := s.startProcess(ctx, entry.Request)
	if err != nil {
		s.queue.ResolveFailure(entry, err.Error())
		return
	}
	s.queue.Resolve(entry, proc.ID())
}

// startProcess obtains a stream from the factory and registers a Process.
func (s *Supervisor) startProcess(ctx context.Context, req workerqueue.Request) (*process.Process, error) {
	processID := uuid.NewString()
	provisionalSessionID := req.SessionID
	if provisionalSessionID == "" {
		provisionalSessionID = "provisional-" + uuid.NewString()
	}

	// Holder cell: the factory needs an OnToolApproval callback before the
	// Process it will call into exists. holder is populated immediately
	// after construction, breaking the cycle (§4.4.2/§9).
	var holder struct {
		mu   sync.Mutex
		proc *process.Process
	}
	onApproval := func(approvalCtx context.Context, toolName string, input map[string]any, cancel <-chan struct{}) (agentruntime.ApprovalOutcome, error) {
		holder.mu.Lock()
		proc := holder.proc
		holder.mu.Unlock()
		if proc == nil {
			return agentruntime.ApprovalOutcome{Disposition: agentruntime.ApprovalDeny, Interrupt: true}, nil
		}
		return proc.HandleToolApproval(approvalCtx, toolName, input, cancel)
	}

	handle, err := s.factory.StartSession(ctx, agentruntime.StartSessionParams{
		CWD:             req.ProjectPath,
		InitialMessage:  req.Message,
		ResumeSessionID: req.SessionID,
		PermissionMode:  string(req.PermissionMode),
		OnToolApproval:  onApproval,
	})
	if err != nil {
		return nil, err
	}

	proc := process.New(processID, handle, provisionalSessionID, req.ProjectID, req.ProjectPath,
		process.PermissionMode(req.PermissionMode), s.cfg.DefaultIdleTimeout, req.Message)

	holder.mu.Lock()
	holder.proc = proc
	holder.mu.Unlock()

	if req.Kind == workerqueue.KindResumeSession {
		proc.WaitForSessionID(s.cfg.SessionIDWait)
	}

	s.register(proc)
	proc.Start()

	return proc, nil
}

func (s *Supervisor) register(proc *process.Process) {
	info := proc.GetInfo()

	s.mu.Lock()
	_, existed := s.sessionToProcess[info.SessionID]
	s.processes[proc.ID()] = proc
	s.sessionToProcess[info.SessionID] = proc.ID()
	s.everOwned[info.SessionID] = true
	activeWorkers := len(s.processes)
	s.mu.Unlock()

	if !existed {
		s.bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{
			SessionID: info.SessionID, ProjectID: info.ProjectID,
		})
	}
	s.publishOwnershipSelf(proc)
	s.publishProcessState(proc, proc.State())
	s.bus.Publish(eventbus.KindWorkerActivityChanged, eventbus.WorkerActivityChanged{
		ActiveWorkers: activeWorkers,
		QueueLength:   s.queue.Len(),
		HasActiveWork: activeWorkers > 0,
	})

	proc.Subscribe(func(evt process.Event) {
		s.handleProcessEvent(proc, evt)
	})
}

func (s *Supervisor) handleProcessEvent(proc *process.Process, evt process.Event) {
	switch evt.Kind {
	case process.EventStateChange:
		s.publishProcessState(proc, evt.State)
	case process.EventComplete:
		s.unregister(proc.ID(), proc)
	case process.EventSessionIDAdopted:
		s.adoptSessionID(proc, evt.OldSessionID, evt.NewSessionID)
	}
}

// adoptSessionID re-keys sessionToProcess when a Process's provisional
// session id is replaced by the runtime's authoritative one, so
// GetProcessBySessionID/IsOwned/ResumeSession see the process under the id
// external observers (e.g. the External Session Tracker) actually use.
func (s *Supervisor) adoptSessionID(proc *process.Process, oldSessionID, newSessionID string) {
	s.mu.Lock()
	if s.sessionToProcess[oldSessionID] == proc.ID() {
		delete(s.sessionToProcess, oldSessionID)
	}
	_, existed := s.sessionToProcess[newSessionID]
	s.sessionToProcess[newSessionID] = proc.ID()
	s.everOwned[newSessionID] = true
	s.mu.Unlock()

	info := proc.GetInfo()
	if !existed {
		s.bus.Publish(eventbus.KindSessionCreated, eventbus.SessionCreated{
			SessionID: newSessionID, ProjectID: info.ProjectID,
		})
	}
	s.publishOwnershipSelf(proc)
}

func (s *Supervisor) publishProcessState(proc *process.Process, st process.State) {
	if st.Tag != process.StateRunning && st.Tag != process.StateWaitingInput {
		return
	}
	info := proc.GetInfo()
	s.bus.Publish(eventbus.KindProcessStateChanged, eventbus.ProcessStateChanged{
		SessionID: info.SessionID,
		ProjectID: info.ProjectID,
		State:     string(st.Tag),
	})
}

func (s *Supervisor) publishOwnershipSelf(proc *process.Process) {
	info := proc.GetInfo()
	s.bus.Publish(eventbus.KindSessionStatusChanged, eventbus.SessionStatusChanged{
		SessionID:      info.SessionID,
		ProjectID:      info.ProjectID,
		Ownership:      eventbus.OwnershipSelf,
		ProcessID:      info.ProcessID,
		PermissionMode: string(info.PermissionMode),
		ModeVersion:    info.ModeVersion,
	})
}

func (s *Supervisor) unregister(processID string, proc *process.Process) {
	if proc == nil {
		return
	}
	info := proc.GetInfo()

	s.mu.Lock()
	delete(s.processes, processID)
	if s.sessionToProcess[info.SessionID] == processID {
		delete(s.sessionToProcess, info.SessionID)
	}
	activeWorkers := len(s.processes)
	s.mu.Unlock()

	s.bus.Publish(eventbus.KindSessionStatusChanged, eventbus.SessionStatusChanged{
		SessionID: info.SessionID, ProjectID: info.ProjectID, Ownership: eventbus.OwnershipNone,
	})
	s.bus.Publish(eventbus.KindWorkerActivityChanged, eventbus.WorkerActivityChanged{
		ActiveWorkers: activeWorkers,
		QueueLength:   s.queue.Len(),
		HasActiveWork: activeWorkers > 0,
	})

	s.drainQueue(context.Background())
}

// HasEverOwned reports whether the Supervisor has ever registered a Process
// for sessionID at any point in its lifetime (§4.6, §2.2).
func (s *Supervisor) HasEverOwned(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.everOwned[sessionID]
}

// Stats is a point-in-time snapshot for ad hoc inspection (§2.2).
type Stats struct {
	ActiveWorkers  int
	QueueLength    int
	EverOwnedCount int
}

func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		ActiveWorkers:  len(s.processes),
		QueueLength:    s.queue.Len(),
		EverOwnedCount: len(s.everOwned),
	}
}

// GetProcess looks up a live Process by id.
func (s *Supervisor) GetProcess(processID string) (*process.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.processes[processID]
	return proc, ok
}

// GetProcessBySessionID looks up a live Process by session id.
func (s *Supervisor) GetProcessBySessionID(sessionID string) (*process.Process, bool) {
	s.mu.RLock()
	processID, ok := s.sessionToProcess[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetProcess(processID)
}

// IsOwned implements tracker.OwnerChecker.
func (s *Supervisor) IsOwned(sessionID string) bool {
	_, ok := s.GetProcessBySessionID(sessionID)
	return ok
}

// Owner reports the current ownership classification for sessionID, from the
// Supervisor's point of view only (it has no notion of external ownership;
// see internal/core/tracker for that classification).
func (s *Supervisor) Owner(sessionID string) (eventbus.Ownership, string) {
	if proc, ok := s.GetProcessBySessionID(sessionID); ok {
		return eventbus.OwnershipSelf, proc.ID()
	}
	return eventbus.OwnershipNone, ""
}

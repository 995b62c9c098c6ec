// Package session defines the Session data model and the orchestrator that
// drives its state machine.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Host identifies which machine a value pertains to.
type Host string

const (
	HostSource       Host = "source"
	HostTarget       Host = "target"
	HostOrchestrator Host = "orchestrator"
)

// State is the closed set of session states. Terminal states are
// Completed, Aborted, and Failed.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateValidating   State = "VALIDATING"
	StateExecuting    State = "EXECUTING"
	StateCleanup      State = "CLEANUP"
	StateCompleted    State = "COMPLETED"
	StateAborted      State = "ABORTED"
	StateFailed       State = "FAILED"
)

// IsTerminal reports whether s is one of the terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateFailed:
		return true
	default:
		return false
	}
}

// JobResult is the terminal outcome recorded for a single job.
type JobResult string

const (
	JobSuccess JobResult = "SUCCESS"
	JobSkipped JobResult = "SKIPPED"
	JobFailed  JobResult = "FAILED"
)

// Session is the single mutable record of one sync invocation. All field
// mutations after construction go through the locked setters below — the
// orchestrator goroutine is the sole writer, but the interrupt controller
// and the log sink read and write has_errors/abort_requested concurrently,
// so every accessor is mutex-guarded.
type Session struct {
	mu sync.Mutex

	ID             string
	CreatedAt      time.Time
	SourceHostname string
	TargetHostname string
	EnabledJobs    []string
	State          State
	JobResults     map[string]JobResult
	hasErrors      bool
	abortRequested bool
	SourceLockPath string
	TargetLockPath string
	DryRun         bool
}

// New creates a freshly INITIALIZING session. id should come from NewID().
func New(id, sourceHostname, targetHostname string, enabledJobs []string, dryRun bool) *Session {
	return &Session{
		ID:             id,
		CreatedAt:      time.Now().UTC(),
		SourceHostname: sourceHostname,
		TargetHostname: targetHostname,
		EnabledJobs:    enabledJobs,
		State:          StateInitializing,
		JobResults:     make(map[string]JobResult, len(enabledJobs)),
		DryRun:         dryRun,
	}
}

// SetState transitions the session to newState. Not validated against the
// state machine here — the orchestrator is the sole caller and is
// responsible for only calling legal transitions (see session.Orchestrator).
func (s *Session) SetState(newState State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = newState
}

// GetState returns the current state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SetJobResult records the terminal result for a job name.
func (s *Session) SetJobResult(job string, result JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.JobResults[job] = result
}

// SetHasErrors is monotonic: once true, further calls with false are no-ops.
// This is the sole mechanism by which a log record at ERROR/CRITICAL (via
// internal/logsink) or a failed job marks the session as errored.
func (s *Session) SetHasErrors(v bool) {
	if !v {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasErrors = true
}

// HasErrors reports the monotonic error flag.
func (s *Session) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasErrors
}

// SetAbortRequested is monotonic: once true, it never clears (spec invariant 3).
func (s *Session) SetAbortRequested(v bool) {
	if !v {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortRequested = true
}

// AbortRequested reports the monotonic abort latch.
func (s *Session) AbortRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortRequested
}

// SessionFolderName is the fixed "<timestamp>-<session_id>" naming contract
// used for the snapshot session folder (spec.md §3).
func (s *Session) SessionFolderName() string {
	return fmt.Sprintf("%s-%s", s.CreatedAt.Format("20060102T150405"), s.ID)
}

// LockHolder formats the "<role>:<hostname>:<session_id>" triple written
// into a lock file (spec.md §3 LockHolder).
func LockHolder(role Host, hostname, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", role, hostname, sessionID)
}

// Package job defines the pluggable job contract (spec.md §4.7) and a
// static registry of concrete implementations, following spec.md §9's
// guidance to represent the original's dynamic class registration as a
// capability interface dispatched through a static table rather than
// runtime reflection.
package job

import (
	"context"
	"fmt"

	"github.com/flaksit/pc-switcher/internal/command"
	"github.com/flaksit/pc-switcher/internal/eventbus"
)

// SyncError is the expected, recoverable failure category a job declares
// for its own operation (spec.md §4.7). It is distinguished from an
// unhandled error/panic, which the orchestrator treats as CRITICAL but
// otherwise folds into the same FAILED-job bookkeeping (spec.md §9
// "Exceptions as control flow").
type SyncError struct {
	Job     string
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Job, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Job, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Cause }

// NewSyncError constructs a SyncError attributed to job.
func NewSyncError(job, message string, cause error) *SyncError {
	return &SyncError{Job: job, Message: message, Cause: cause}
}

// ValidationError is a single finding from Validate — accumulated across
// all jobs before the orchestrator decides pass/fail (spec.md §4.10
// VALIDATING).
type ValidationError struct {
	Job     string
	Message string
}

func (e ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Job, e.Message) }

// Context is the read-only bundle handed to every job at construction. Jobs
// must not retain it across sessions (spec.md §4.7).
type Context struct {
	Config           map[string]any
	SourceExecutor   command.Executor
	TargetExecutor   command.Executor
	EventBus         *eventbus.Bus
	SessionID        string
	SourceHostname   string
	TargetHostname   string
	DryRun           bool
	SnapshotsEnabled bool

	// SourceVersion is this binary's own version, consulted by the
	// version-gate job (spec.md §4.9). Left empty, Validate treats it as
	// unknown and skips the gate.
	SourceVersion string
}

// Log publishes a Log event attributed to this job — jobs must not write to
// the terminal directly (spec.md §4.7).
func (c *Context) Log(level eventbus.LogLevel, job, host, message string, kv map[string]any) {
	c.EventBus.Publish(eventbus.NewLog(level, job, host, message, kv))
}

// EmitProgress publishes a Progress event attributed to this job.
func (c *Context) EmitProgress(job string, percent *float64, current, total int, item string) {
	c.EventBus.Publish(eventbus.NewProgress(job, percent, current, total, item, false))
}

// Job is the lifecycle contract every pluggable sync step implements.
type Job interface {
	// Name is a stable identifier used for configuration keys, logging,
	// and job_results bookkeeping.
	Name() string

	// Required reports whether a failure of this job is fatal to the
	// session (spec.md §4.10 EXECUTING).
	Required() bool

	// ConfigSchema returns the job's configuration JSON Schema as a raw
	// document, validated (Phase 1 of VALIDATING) before Validate is
	// ever called.
	ConfigSchema() string

	// Validate performs read-only checks (Phase 2 of VALIDATING), which
	// may probe the remote host. No side effects.
	Validate(ctx context.Context) []ValidationError

	// PreSync performs source-side preparation.
	PreSync(ctx context.Context) error

	// Sync performs the main work, streaming Progress events via its
	// bound Context.
	Sync(ctx context.Context) error

	// PostSync performs target-side finalisation.
	PostSync(ctx context.Context) error

	// Abort co-operatively cancels an in-flight Sync within deadline.
	Abort(deadline context.Context) error
}

// Factory constructs a Job bound to jc for one session. Registered
// factories must not be reused across sessions (spec.md §4.7).
type Factory func(jc *Context) Job

// Registry is the static table of known job names to factories, populated
// by each job implementation's init() via Register — mirroring spec.md
// §9's "static table keyed by job name" guidance.
var Registry = map[string]Factory{}

// Register adds name to the static registry. Called from each concrete
// job's init().
func Register(name string, factory Factory) {
	Registry[name] = factory
}

// Lookup constructs the named job bound to jc, or reports an error if name
// is not registered.
func Lookup(name string, jc *Context) (Job, error) {
	factory, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("job: unknown job %q", name)
	}
	return factory(jc), nil
}

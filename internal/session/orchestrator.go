package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flaksit/pc-switcher/internal/command"
	"github.com/flaksit/pc-switcher/internal/diskmonitor"
	"github.com/flaksit/pc-switcher/internal/eventbus"
	"github.com/flaksit/pc-switcher/internal/interrupt"
	"github.com/flaksit/pc-switcher/internal/job"
	"github.com/flaksit/pc-switcher/internal/lock"
	"github.com/flaksit/pc-switcher/internal/snapshot"
)

// abortDeadline bounds how long the orchestrator waits for a job's Abort
// to return before reaping stragglers, matching spec.md §5's
// "Cancellation" paragraph.
const abortDeadline = 5 * time.Second

// Orchestrator drives one Session through the state machine described in
// spec.md §4.10, dispatching jobs from internal/job's registry and
// coordinating internal/lock, internal/snapshot, internal/interrupt, and
// internal/diskmonitor. Grounded on the original implementation's
// core/session.py (state machine) and
// arkeep/agent/internal/executor/executor.go's numbered-step, named-closure
// commenting idiom for how the EXECUTING loop below is structured.
type Orchestrator struct {
	Session *Session
	Bus     *eventbus.Bus

	SourceExecutor command.Executor
	TargetExecutor command.Executor

	SourceLock     *lock.Lock
	TargetLockPath string // remote path; acquired/held via a persistent SSH session

	Snapshot snapshot.Envelope // nil disables the safety envelope entirely
	Retention snapshot.RetentionPolicy

	Interrupt *interrupt.Controller

	DiskPreflightPath     string
	DiskPreflightThreshold diskmonitor.Threshold
	DiskRuntimeThreshold   diskmonitor.Threshold
	DiskCheckInterval      time.Duration

	JobConfigs    map[string]map[string]any
	SourceVersion string

	currentJob        job.Job
	releaseTargetLock func() error

	// jobs holds the instances built and validated during VALIDATING, so
	// EXECUTING runs each job's remaining lifecycle on the same instance.
	jobs map[string]job.Job
}

// remoteLocker is satisfied by *transport.Transport: acquiring a persistent
// remote flock requires a long-lived SSH session (see transport.go), which
// the generic command.Executor interface does not expose. Executors that
// don't implement it (e.g. a local stand-in used in tests) fall back to a
// single-shot best-effort script, which releases as soon as that command
// returns — adequate for same-process test doubles where there is no
// second party to race against.
type remoteLocker interface {
	AcquireRemoteLock(ctx context.Context, path, holder string) (func() error, bool, error)
}

// jobOrder returns the dispatch order: version_gate first (spec.md §4.9
// glossary), then the session's configured jobs.
func (o *Orchestrator) jobOrder() []string {
	order := make([]string, 0, len(o.Session.EnabledJobs)+1)
	order = append(order, "version_gate")
	order = append(order, o.Session.EnabledJobs...)
	return order
}

func (o *Orchestrator) buildContext() *job.Context {
	return &job.Context{
		SourceExecutor:   o.SourceExecutor,
		TargetExecutor:   o.TargetExecutor,
		EventBus:         o.Bus,
		SessionID:        o.Session.ID,
		SourceHostname:   o.Session.SourceHostname,
		TargetHostname:   o.Session.TargetHostname,
		DryRun:           o.Session.DryRun,
		SnapshotsEnabled: o.Snapshot != nil,
		SourceVersion:    o.SourceVersion,
	}
}

func (o *Orchestrator) log(level eventbus.LogLevel, jobName, host, message string) {
	o.Bus.Publish(eventbus.NewLog(level, jobName, host, message, nil))
}

// Run drives the full INITIALIZING→VALIDATING→EXECUTING→CLEANUP→{COMPLETED,
// ABORTED,FAILED} state machine and returns the final state. It always
// reaches a terminal state before returning, per spec.md §7's "process
// always reaches a terminal state before exiting."
func (o *Orchestrator) Run(ctx context.Context) State {
	if !o.initializing(ctx) {
		o.Bus.Close()
		o.Session.SetState(StateFailed)
		return StateFailed
	}

	if !o.validating(ctx) {
		o.releaseLocks(ctx)
		o.Bus.Close()
		o.Session.SetState(StateFailed)
		return StateFailed
	}

	o.executing(ctx)

	return o.cleanup(ctx)
}

// initializing acquires both locks. Failure here means lock contention —
// spec.md §7: "FAILED at INITIALIZING with the remote/local holder's
// triple included in the message."
func (o *Orchestrator) initializing(ctx context.Context) bool {
	o.Session.SetState(StateInitializing)

	holder := LockHolder(HostSource, o.Session.SourceHostname, o.Session.ID)
	ok, err := o.SourceLock.Acquire(holder)
	if err != nil {
		o.log(eventbus.LevelCritical, "", "source", fmt.Sprintf("failed to acquire local lock: %v", err))
		return false
	}
	if !ok {
		existing, _ := o.SourceLock.Holder()
		o.log(eventbus.LevelCritical, "", "source", fmt.Sprintf("local lock is held by %q", existing))
		return false
	}

	remoteHolder := LockHolder(HostTarget, o.Session.TargetHostname, o.Session.ID)
	if rl, isRemote := o.TargetExecutor.(remoteLocker); isRemote {
		release, ok, err := rl.AcquireRemoteLock(ctx, o.TargetLockPath, remoteHolder)
		if err != nil || !ok {
			held, _ := o.TargetExecutor.Run(ctx, lock.RemoteHolderScript(o.TargetLockPath), 10)
			o.log(eventbus.LevelCritical, "", "target", fmt.Sprintf("target lock is held by %q", held.Stdout))
			o.SourceLock.Release()
			return false
		}
		o.releaseTargetLock = release
		return true
	}

	res, err := o.TargetExecutor.Run(ctx, lock.RemoteAcquireScript(o.TargetLockPath, remoteHolder), 10)
	if err != nil || !res.Success() {
		held, _ := o.TargetExecutor.Run(ctx, lock.RemoteHolderScript(o.TargetLockPath), 10)
		o.log(eventbus.LevelCritical, "", "target", fmt.Sprintf("target lock is held by %q", held.Stdout))
		o.SourceLock.Release()
		return false
	}

	return true
}

// validating runs schema validation (phase 1) and job.Validate (phase 2)
// for every job in dispatch order, plus the disk preflight check,
// accumulating all failures before deciding.
func (o *Orchestrator) validating(ctx context.Context) bool {
	o.Session.SetState(StateValidating)

	var failures []string
	o.jobs = make(map[string]job.Job)

	if o.DiskPreflightPath != "" {
		if err := diskmonitor.Check(ctx, o.SourceExecutor, "source", o.DiskPreflightPath, o.DiskPreflightThreshold); err != nil {
			failures = append(failures, err.Error())
		}
		if err := diskmonitor.Check(ctx, o.TargetExecutor, "target", o.DiskPreflightPath, o.DiskPreflightThreshold); err != nil {
			failures = append(failures, err.Error())
		}
	}

	for _, name := range o.jobOrder() {
		jc := o.buildContext()
		jc.Config = configOrEmpty(o.JobConfigs[name])

		j, err := job.Lookup(name, jc)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}

		if schemaErrs := validateSchema(name, j.ConfigSchema(), jc.Config); len(schemaErrs) > 0 {
			failures = append(failures, schemaErrs...)
			continue
		}

		for _, ve := range j.Validate(ctx) {
			failures = append(failures, ve.Error())
		}
		o.jobs[name] = j
	}

	for _, f := range failures {
		o.log(eventbus.LevelError, "", "orchestrator", f)
	}
	return len(failures) == 0
}

// configOrEmpty substitutes an empty map for an absent job config block, so
// schema validation sees "{}" rather than JSON "null" for jobs with no
// configured block (e.g. version_gate, or any job a user enables with no
// overrides).
func configOrEmpty(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}

// validateSchema validates config against schemaDoc (phase 1, spec.md
// §4.10), reporting each violation prefixed with the job name.
func validateSchema(jobName, schemaDoc string, config map[string]any) []string {
	if schemaDoc == "" {
		return nil
	}
	docJSON, err := json.Marshal(config)
	if err != nil {
		return []string{fmt.Sprintf("%s: failed to marshal config: %v", jobName, err)}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaDoc),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return []string{fmt.Sprintf("%s: schema error: %v", jobName, err)}
	}
	if result.Valid() {
		return nil
	}
	var errs []string
	for _, re := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", jobName, re.String()))
	}
	return errs
}

// executing creates the PRE snapshots, then runs every job's
// pre_sync/sync/post_sync in order, honoring required/optional failure
// semantics and the abort latch (spec.md §4.10 EXECUTING).
func (o *Orchestrator) executing(ctx context.Context) {
	o.Session.SetState(StateExecuting)

	if o.Snapshot != nil {
		if err := o.Snapshot.Create(snapshot.PhasePre, o.Session.SessionFolderName()); err != nil {
			o.log(eventbus.LevelCritical, "", "orchestrator", fmt.Sprintf("PRE snapshot failed: %v", err))
			o.Session.SetHasErrors(true)
			return
		}
	}

	if o.DiskCheckInterval > 0 && o.DiskPreflightPath != "" {
		monitorCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for _, h := range []struct {
			name string
			exec command.Executor
		}{{"source", o.SourceExecutor}, {"target", o.TargetExecutor}} {
			host := h.name
			monitor := &diskmonitor.Monitor{
				Exec:      h.exec,
				Host:      host,
				Path:      o.DiskPreflightPath,
				Threshold: o.DiskRuntimeThreshold,
				Interval:  o.DiskCheckInterval,
				OnBreach: func(err error) {
					o.log(eventbus.LevelCritical, "", host, err.Error())
					o.Session.SetAbortRequested(true)
				},
			}
			go monitor.Run(monitorCtx)
		}
	}

	for _, name := range o.jobOrder() {
		if o.Session.AbortRequested() {
			break
		}
		if !o.runJob(ctx, name) {
			break
		}
	}
}

// runJob executes one job's pre_sync/sync/post_sync on the instance that
// validating built and validated, recording its result and mapping
// SyncError/unhandled-error outcomes onto session bookkeeping exactly as
// spec.md §4.10 and §7 describe. It returns false when a required job
// failed, so no further jobs are dispatched and the session ends FAILED.
func (o *Orchestrator) runJob(ctx context.Context, name string) bool {
	j, ok := o.jobs[name]
	if !ok {
		o.Session.SetJobResult(name, JobFailed)
		o.Session.SetHasErrors(true)
		return true
	}

	required := j.Required()
	o.currentJob = j
	if o.Interrupt != nil {
		o.Interrupt.SetCurrentJob(j)
	}
	defer func() {
		o.currentJob = nil
		if o.Interrupt != nil {
			o.Interrupt.SetCurrentJob(nil)
		}
	}()

	runErr := o.runJobLifecycle(ctx, j)
	if runErr == nil {
		o.Session.SetJobResult(name, JobSuccess)
		return true
	}

	var syncErr *job.SyncError
	isSyncErr := asSyncError(runErr, &syncErr)

	level := eventbus.LevelError
	if !isSyncErr {
		level = eventbus.LevelCritical
	}
	o.log(level, name, "orchestrator", runErr.Error())

	o.Session.SetJobResult(name, JobFailed)
	o.Session.SetHasErrors(true)
	return !required
}

func asSyncError(err error, target **job.SyncError) bool {
	if se, ok := err.(*job.SyncError); ok {
		*target = se
		return true
	}
	return false
}

// runJobLifecycle recovers a panic from any lifecycle method and turns it
// into a plain (non-SyncError) error, so runJob logs it at CRITICAL and
// records the job FAILED with the same bookkeeping as a SyncError, matching
// spec.md §7's "unhandled exception from a job: logged at CRITICAL, treated
// as SyncError for state-machine purposes" and §9's "exceptions as control
// flow" design note.
func (o *Orchestrator) runJobLifecycle(ctx context.Context, j job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", j.Name(), r)
		}
	}()

	if err := j.PreSync(ctx); err != nil {
		return err
	}
	if err := j.Sync(ctx); err != nil {
		return err
	}
	if err := j.PostSync(ctx); err != nil {
		return err
	}
	return nil
}

// cleanup aborts the current job if one is still running, creates POST
// snapshots if the session completed without abort, retains old snapshots,
// releases both locks, closes the event bus, and returns the final state
// (spec.md §4.10 CLEANUP).
func (o *Orchestrator) cleanup(ctx context.Context) State {
	o.Session.SetState(StateCleanup)

	if o.currentJob != nil {
		deadline, cancel := context.WithTimeout(context.Background(), abortDeadline)
		done := make(chan struct{})
		go func() {
			o.currentJob.Abort(deadline)
			close(done)
		}()
		select {
		case <-done:
		case <-deadline.Done():
			o.TargetExecutor.TerminateAll(context.Background())
		}
		cancel()
	}

	aborted := o.Session.AbortRequested()

	if o.Snapshot != nil && !aborted && !o.Session.HasErrors() {
		if err := o.Snapshot.Create(snapshot.PhasePost, o.Session.SessionFolderName()); err != nil {
			o.log(eventbus.LevelError, "", "orchestrator", fmt.Sprintf("POST snapshot failed: %v", err))
			o.Session.SetHasErrors(true)
		}
	}
	if o.Snapshot != nil {
		if err := o.Snapshot.Retain(o.Retention); err != nil {
			o.log(eventbus.LevelWarning, "", "orchestrator", fmt.Sprintf("snapshot retention failed: %v", err))
		}
	}

	o.releaseLocks(ctx)
	o.Bus.Close()

	final := o.finalState(aborted)
	o.Session.SetState(final)
	return final
}

func (o *Orchestrator) finalState(aborted bool) State {
	if aborted {
		return StateAborted
	}
	if o.Session.HasErrors() {
		return StateFailed
	}
	for _, name := range o.Session.EnabledJobs {
		result := o.Session.JobResults[name]
		if result != JobSuccess && result != JobSkipped {
			return StateFailed
		}
	}
	return StateCompleted
}

// releaseLocks releases the remote lock first, then the local one, per
// spec.md §4.10 CLEANUP's ordering.
func (o *Orchestrator) releaseLocks(ctx context.Context) {
	if o.releaseTargetLock != nil {
		o.releaseTargetLock()
		o.releaseTargetLock = nil
	}
	o.SourceLock.Release()
}

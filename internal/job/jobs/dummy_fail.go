package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/flaksit/pc-switcher/internal/eventbus"
	"github.com/flaksit/pc-switcher/internal/job"
)

func init() {
	job.Register("dummy_fail", func(jc *job.Context) job.Job {
		return &DummyFailJob{ctx: jc, duration: 20}
	})
}

const dummyFailSchema = `{
	"type": "object",
	"properties": {
		"duration_seconds": {"type": "integer", "minimum": 1, "default": 20}
	},
	"additionalProperties": false
}`

// DummyFailJob simulates a job that always raises an unhandled error once
// it reaches 60% progress — ported directly from the original
// implementation's jobs/dummy_fail.py, which is the authoritative
// lifecycle-contract example this repo's Job interface is modeled on.
// Used by spec.md §8 scenario S2.
type DummyFailJob struct {
	ctx      *job.Context
	aborted  bool
	duration int
}

func (j *DummyFailJob) Name() string         { return "dummy_fail" }
func (j *DummyFailJob) Required() bool       { return false }
func (j *DummyFailJob) ConfigSchema() string { return dummyFailSchema }

func (j *DummyFailJob) Validate(ctx context.Context) []job.ValidationError {
	if d, ok := j.ctx.Config["duration_seconds"].(int); ok && d > 0 {
		j.duration = d
	}
	return nil
}

func (j *DummyFailJob) PreSync(ctx context.Context) error {
	j.ctx.Log(eventbus.LevelInfo, j.Name(), "source", "dummy_fail: starting", nil)
	return nil
}

// Sync raises a plain (non-SyncError) error once progress reaches 60%,
// matching jobs/dummy_fail.py's "Simulated unhandled exception at 60%
// progress for testing" exactly — the original raises a bare RuntimeError,
// not the job's own expected-failure type, so the orchestrator must log it
// at CRITICAL rather than ERROR (spec.md §8 scenario S2: "a log record at
// CRITICAL with event containing '60'").
func (j *DummyFailJob) Sync(ctx context.Context) error {
	for i := 0; i < j.duration; i++ {
		if j.aborted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}

		progress := float64(i+1) / float64(j.duration)
		percent := progress * 100
		j.ctx.EmitProgress(j.Name(), &percent, i+1, j.duration, fmt.Sprintf("Step %d/%d", i+1, j.duration))

		if progress >= 0.6 {
			return fmt.Errorf("dummy_fail: simulated unhandled exception at 60%% progress for testing")
		}
	}
	return nil
}

// PostSync is never actually reached — Sync always fails before this
// point, matching the original's comment.
func (j *DummyFailJob) PostSync(ctx context.Context) error {
	return nil
}

func (j *DummyFailJob) Abort(deadline context.Context) error {
	j.ctx.Log(eventbus.LevelWarning, j.Name(), "orchestrator", "Dummy job abort called", nil)
	j.aborted = true
	return nil
}

// Package jobs holds the concrete Job implementations shipped with
// pc-switcher: the dummy demo jobs used for smoke-testing a session end to
// end, and the version-gate job that wraps internal/versiongate so it
// participates in the normal dispatch alongside user-configured jobs. The
// snapshot envelope is not a job; the orchestrator calls it directly.
//
// dummy_success.go's timed-phase content (two phases that split
// duration_seconds, default 20, between source and target, a WARNING 6s
// into the first, 0/25/50/75/100% progress milestones) is ported
// from the original implementation's jobs/dummy.py / jobs/dummy_success.py,
// re-expressed on the authoritative synchronous lifecycle exported by
// jobs/__init__.py (validate/pre_sync/sync/post_sync/abort, as exemplified
// by jobs/dummy_fail.py) rather than that file's superseded async shape.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/flaksit/pc-switcher/internal/eventbus"
	"github.com/flaksit/pc-switcher/internal/job"
)

func init() {
	job.Register("dummy_success", func(jc *job.Context) job.Job {
		return &DummySuccessJob{ctx: jc}
	})
}

const dummySuccessSchema = `{
	"type": "object",
	"properties": {
		"duration_seconds": {"type": "integer", "minimum": 1, "default": 20}
	},
	"additionalProperties": false
}`

// DummySuccessJob simulates a two-phase sync (source then target) that
// always completes, used to exercise the full session state machine
// without touching real data.
type DummySuccessJob struct {
	ctx      *job.Context
	aborted  bool
	duration int
}

func (j *DummySuccessJob) Name() string         { return "dummy_success" }
func (j *DummySuccessJob) Required() bool       { return false }
func (j *DummySuccessJob) ConfigSchema() string { return dummySuccessSchema }

func (j *DummySuccessJob) Validate(ctx context.Context) []job.ValidationError {
	j.duration = 20
	if d, ok := j.ctx.Config["duration_seconds"].(int); ok && d > 0 {
		j.duration = d
	}
	return nil
}

func (j *DummySuccessJob) PreSync(ctx context.Context) error {
	j.ctx.Log(eventbus.LevelInfo, j.Name(), "source", "dummy_success: starting source phase", nil)
	return nil
}

func (j *DummySuccessJob) Sync(ctx context.Context) error {
	half := j.duration / 2
	if half < 1 {
		half = 1
	}

	if err := j.runPhase(ctx, "source", half, 6); err != nil {
		return err
	}
	if err := j.runPhase(ctx, "target", half, -1); err != nil {
		return err
	}
	return nil
}

func (j *DummySuccessJob) PostSync(ctx context.Context) error {
	j.ctx.Log(eventbus.LevelInfo, j.Name(), "target", "dummy_success: target phase finalised", nil)
	return nil
}

func (j *DummySuccessJob) Abort(deadline context.Context) error {
	j.ctx.Log(eventbus.LevelWarning, j.Name(), "orchestrator", "dummy_success: abort called", nil)
	j.aborted = true
	return nil
}

// runPhase simulates work over `seconds`, emitting progress milestones at
// 0/25/50/75/100% and a WARNING at warnAtSecond if warnAtSecond >= 0,
// matching the timed-phase content of the original dummy jobs.
func (j *DummySuccessJob) runPhase(ctx context.Context, host string, seconds, warnAtSecond int) error {
	milestones := []float64{0, 25, 50, 75, 100}
	for i := 0; i <= seconds; i++ {
		if j.aborted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}

		if warnAtSecond >= 0 && i == warnAtSecond {
			j.ctx.Log(eventbus.LevelWarning, j.Name(), host,
				fmt.Sprintf("dummy_success: simulated warning at %ds into %s phase", i, host), nil)
		}

		for _, m := range milestones {
			expectedAt := int(m / 100 * float64(seconds))
			if i == expectedAt {
				percent := m
				j.ctx.EmitProgress(j.Name(), &percent, i, seconds, fmt.Sprintf("%s phase", host))
			}
		}
	}
	return nil
}

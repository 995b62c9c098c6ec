package jobs

import (
	"context"
	"fmt"

	"github.com/flaksit/pc-switcher/internal/eventbus"
	"github.com/flaksit/pc-switcher/internal/job"
	"github.com/flaksit/pc-switcher/internal/versiongate"
)

// VersionGateJobName is the fixed registry key for the version-compatibility
// gate. The orchestrator always prepends this job to the configured list
// (spec.md §4.9 glossary: "the first job of every session") rather than
// requiring it in sync_jobs configuration.
const VersionGateJobName = "version_gate"

func init() {
	job.Register(VersionGateJobName, func(jc *job.Context) job.Job {
		return &VersionGateJob{ctx: jc}
	})
}

const versionGateSchema = `{"type": "object", "additionalProperties": false}`

// VersionGateJob wraps internal/versiongate as a Job so version compatibility
// is checked and, if needed, installed/upgraded through the same
// validate/pre_sync/sync/post_sync lifecycle as every other job, instead of
// a bespoke orchestrator special case. Ported from the original
// implementation's jobs/install_on_target.py.
type VersionGateJob struct {
	ctx      *job.Context
	decision versiongate.Decision
}

func (j *VersionGateJob) Name() string         { return VersionGateJobName }
func (j *VersionGateJob) Required() bool       { return true }
func (j *VersionGateJob) ConfigSchema() string { return versionGateSchema }

// Validate determines the decision (noop/install/upgrade) by querying the
// target. A target newer than source is reported as a validation error,
// matching spec.md §8 scenario S5's exact message.
func (j *VersionGateJob) Validate(ctx context.Context) []job.ValidationError {
	if j.ctx.SourceVersion == "" {
		j.decision = versiongate.DecisionNoop
		return nil
	}
	decision, err := versiongate.Check(ctx, j.ctx.TargetExecutor, j.ctx.SourceVersion)
	if err != nil {
		if newer, ok := err.(*versiongate.ErrTargetNewer); ok {
			return []job.ValidationError{{
				Job: j.Name(),
				Message: fmt.Sprintf("Target version %s is newer than source %s",
					newer.Target, newer.Source),
			}}
		}
		return []job.ValidationError{{Job: j.Name(), Message: err.Error()}}
	}
	j.decision = decision
	return nil
}

func (j *VersionGateJob) PreSync(ctx context.Context) error { return nil }

// Sync installs or upgrades pc-switcher on the target when Validate found it
// absent or older than source. A noop decision does nothing.
func (j *VersionGateJob) Sync(ctx context.Context) error {
	if j.decision == versiongate.DecisionNoop || j.decision == "" {
		return nil
	}
	if j.ctx.DryRun {
		j.ctx.Log(eventbus.LevelInfo, j.Name(), "target",
			fmt.Sprintf("dry-run: would %s pc-switcher %s on target", j.decision, j.ctx.SourceVersion), nil)
		return nil
	}
	j.ctx.Log(eventbus.LevelInfo, j.Name(), "target",
		fmt.Sprintf("%s pc-switcher %s on target", j.decision, j.ctx.SourceVersion), nil)
	if err := versiongate.Install(ctx, j.ctx.TargetExecutor, j.ctx.SourceVersion); err != nil {
		return job.NewSyncError(j.Name(), "failed to install pc-switcher on target", err)
	}
	return nil
}

func (j *VersionGateJob) PostSync(ctx context.Context) error { return nil }

func (j *VersionGateJob) Abort(deadline context.Context) error { return nil }

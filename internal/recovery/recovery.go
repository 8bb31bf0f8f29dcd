// Package recovery reconstitutes the runtime view from the store on
// startup, before discovery or the orchestrator resume (C12, spec
// §4.12). There is no teacher analog for crash recovery; the sweep
// logic is new, grounded directly on spec §4.12's numbered steps and
// on fsadapter's staging-path conventions for identifying orphans.
package recovery

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/hasher"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/types"
)

// Target names one destination root whose staging directory must be
// swept for orphans.
type Target struct {
	ID   types.TargetID
	Root string
}

// Runner executes the startup reconciliation sequence.
type Runner struct {
	store      store.Store
	adapter    *fsadapter.Adapter
	targets    []Target
	engineName string
	log        zerolog.Logger
}

// New constructs a Runner.
func New(s store.Store, adapter *fsadapter.Adapter, targets []Target, engineName string, log zerolog.Logger) *Runner {
	return &Runner{store: s, adapter: adapter, targets: targets, engineName: engineName, log: log.With().Str("component", "recovery").Logger()}
}

// Run executes spec §4.12 steps 2-5. Step 1 (schema migration) already
// happened when the store was opened.
func (r *Runner) Run(ctx context.Context) error {
	inFlight, err := r.store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}

	recordedStaging := make(map[string]bool)

	for _, jt := range inFlight {
		for _, target := range jt.Targets {
			switch target.State {
			case types.TargetCopying, types.TargetVerifying:
				if target.StagingPath != "" {
					recordedStaging[target.StagingPath] = true
					if err := r.adapter.RemoveStaging(target.StagingPath); err != nil {
						r.log.Warn().Err(err).Str("path", target.StagingPath).Msg("remove orphaned staging file failed")
					}
				}
				reset := *target
				reset.State = types.TargetPending
				reset.StagingPath = ""
				reset.LastTransitionAt = time.Now()
				if err := r.store.UpsertTargetOutcome(ctx, &reset); err != nil {
					return err
				}
			case types.TargetCopied:
				if err := r.reconcileCopied(ctx, jt.Job, target); err != nil {
					r.log.Warn().Err(err).Str("job_id", string(jt.Job.ID)).Msg("reconcile copied target failed")
				}
			default:
				if target.StagingPath != "" {
					recordedStaging[target.StagingPath] = true
				}
			}
		}

		if err := r.recomputeJobState(ctx, jt.Job.ID); err != nil {
			return err
		}
	}

	for _, target := range r.targets {
		if err := r.sweepOrphans(target, recordedStaging); err != nil {
			r.log.Warn().Err(err).Str("target_id", string(target.ID)).Msg("sweep orphans failed")
		}
	}

	return nil
}

// reconcileCopied handles spec §4.13's startup reconciliation rule:
// if the final file exists and its digest matches the source digest
// (re-hashed), it's Verified; otherwise delete it and restart the copy
// from Pending.
func (r *Runner) reconcileCopied(ctx context.Context, job *types.Job, target *types.TargetOutcome) error {
	if target.FinalPath == "" || job.SourceDigest == "" {
		return r.resetToPending(ctx, target)
	}

	f, err := r.adapter.OpenRead(target.FinalPath)
	if err != nil {
		return r.resetToPending(ctx, target)
	}
	digest, _, err := hasher.Compute(f, 0)
	_ = f.Close()
	if err != nil {
		return r.resetToPending(ctx, target)
	}

	next := *target
	next.LastTransitionAt = time.Now()
	if digest == job.SourceDigest {
		next.State = types.TargetVerified
		next.TargetDigest = digest
	} else {
		if err := r.adapter.RemoveStaging(target.FinalPath); err != nil {
			r.log.Warn().Err(err).Str("path", target.FinalPath).Msg("remove stale final file failed")
		}
		next.State = types.TargetPending
		next.FinalPath = ""
		next.TargetDigest = ""
	}
	return r.store.UpsertTargetOutcome(ctx, &next)
}

func (r *Runner) resetToPending(ctx context.Context, target *types.TargetOutcome) error {
	next := *target
	next.State = types.TargetPending
	next.LastTransitionAt = time.Now()
	return r.store.UpsertTargetOutcome(ctx, &next)
}

// recomputeJobState re-derives a job's aggregate state from its
// targets (I4, I20) and persists it if it changed.
func (r *Runner) recomputeJobState(ctx context.Context, jobID types.JobID) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	outcomes, err := r.store.ListTargetOutcomes(ctx, jobID)
	if err != nil {
		return err
	}

	allVerified, anyVerified := true, false
	for _, o := range outcomes {
		if o.State == types.TargetVerified {
			anyVerified = true
		} else {
			allVerified = false
		}
	}

	next := types.JobInProgress
	switch {
	case allVerified && len(outcomes) > 0:
		next = types.JobVerified
	case anyVerified:
		next = types.JobPartial
	}

	if next == job.State {
		return nil
	}
	if !types.JobTransitionAllowed(job.State, next) {
		return nil
	}
	_, err = r.store.UpdateJobCAS(ctx, jobID, func(j *types.Job) error {
		j.State = next
		return nil
	})
	return err
}

// sweepOrphans deletes staging files under target's tmp directory that
// match no recorded staging path (spec §4.12 step 4).
func (r *Runner) sweepOrphans(target Target, recorded map[string]bool) error {
	tmpRoot := filepath.Join(target.Root, "."+r.engineName, "tmp")
	candidates, err := r.adapter.EnumerateStaging(tmpRoot)
	if err != nil {
		return err
	}
	for _, path := range candidates {
		if recorded[path] {
			continue
		}
		if err := r.adapter.RemoveStaging(path); err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("remove orphaned staging file failed")
		}
	}
	return nil
}

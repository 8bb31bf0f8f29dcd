// Package orchestrator implements the per-job state machine and
// target fan-out (C10, spec §4.10). It is the composition point for
// every other core component: discovery admits work into it, it drives
// the copier and verifier through the retry policy and concurrency
// controller, and persists every transition through the store's
// optimistic-CAS guard. There is no teacher analog for a durable,
// multi-target state machine like this one; its event-emission and
// atomic-counter aggregation idiom still follows the teacher's
// collector pattern (ivoronin-dupedog/internal/scanner/scanner.go),
// generalized from a one-shot fan-in to a durable, resumable one.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/johnnywatts/forker/internal/concurrency"
	"github.com/johnnywatts/forker/internal/copier"
	"github.com/johnnywatts/forker/internal/ferrors"
	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/metrics"
	"github.com/johnnywatts/forker/internal/quarantine"
	"github.com/johnnywatts/forker/internal/retry"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/types"
	"github.com/johnnywatts/forker/internal/verifier"
)

// Target names one configured destination root.
type Target struct {
	ID   types.TargetID
	Root string
}

// Orchestrator owns the job lifecycle from Queued through a terminal
// state. One instance per engine.
type Orchestrator struct {
	store       store.Store
	adapter     *fsadapter.Adapter
	targets     map[types.TargetID]Target
	targetOrder []types.TargetID
	concurrency *concurrency.Controller
	retryPolicy retry.Policy
	quarantine  *quarantine.Service
	chunkBytes  int
	engineName  string
	perTargetN  int
	log         zerolog.Logger

	perTargetSem map[types.TargetID]types.Semaphore
	claimed      sync.Map // types.JobID -> struct{}, jobs currently being processed
}

// Config bundles an Orchestrator's dependencies.
type Config struct {
	Store                store.Store
	Adapter              *fsadapter.Adapter
	Targets              []Target
	Concurrency          *concurrency.Controller
	RetryPolicy          retry.Policy
	Quarantine           *quarantine.Service
	ChunkBytes           int
	EngineName           string
	PerTargetParallelism int
	Log                  zerolog.Logger
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	targets := make(map[types.TargetID]Target, len(cfg.Targets))
	order := make([]types.TargetID, 0, len(cfg.Targets))
	perTargetSem := make(map[types.TargetID]types.Semaphore, len(cfg.Targets))
	perTargetN := cfg.PerTargetParallelism
	if perTargetN < 1 {
		perTargetN = 2
	}
	for _, t := range cfg.Targets {
		targets[t.ID] = t
		order = append(order, t.ID)
		perTargetSem[t.ID] = types.NewSemaphore(perTargetN)
	}
	return &Orchestrator{
		store:        cfg.Store,
		adapter:      cfg.Adapter,
		targets:      targets,
		targetOrder:  order,
		concurrency:  cfg.Concurrency,
		retryPolicy:  cfg.RetryPolicy,
		quarantine:   cfg.Quarantine,
		chunkBytes:   cfg.ChunkBytes,
		engineName:   cfg.EngineName,
		perTargetN:   perTargetN,
		log:          cfg.Log.With().Str("component", "orchestrator").Logger(),
		perTargetSem: perTargetSem,
	}
}

// Exists implements discovery.Sink: a path is already spoken for if any
// non-terminal job references it.
func (o *Orchestrator) Exists(ctx context.Context, path string) (bool, error) {
	jobs, err := o.store.ListJobsByState(ctx,
		types.JobDiscovered, types.JobQueued, types.JobInProgress, types.JobPartial)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.SourcePath == path {
			return true, nil
		}
	}
	return false, nil
}

// Admit implements discovery.Sink: it inserts a new job and immediately
// queues it, per spec §4.5.
func (o *Orchestrator) Admit(ctx context.Context, path string) error {
	stat, err := o.adapter.StatPath(path)
	if err != nil {
		return err
	}

	targetIDs := append([]types.TargetID(nil), o.targetOrder...)
	job := &types.Job{
		ID:         types.NewJobID(),
		SourcePath: path,
		SourceSize: stat.Size,
		TargetIDs:  targetIDs,
		State:      types.JobDiscovered,
		CreatedAt:  time.Now(),
		Version:    1,
	}
	if err := o.store.InsertJob(ctx, job); err != nil {
		return err
	}
	metrics.JobsTotal.WithLabelValues(string(types.JobDiscovered)).Inc()
	o.emitJobEvent(ctx, job.ID, types.JobDiscovered, types.JobDiscovered)

	for _, tid := range targetIDs {
		if err := o.store.UpsertTargetOutcome(ctx, &types.TargetOutcome{
			JobID: job.ID, TargetID: tid, State: types.TargetPending, LastTransitionAt: time.Now(),
		}); err != nil {
			return err
		}
		metrics.TargetsTotal.WithLabelValues(string(types.TargetPending)).Inc()
	}

	updated, err := o.transitionJob(ctx, job.ID, types.JobQueued)
	if err != nil {
		return err
	}
	o.log.Info().
		Str("job_id", string(updated.ID)).
		Str("source", path).
		Str("size", humanize.Bytes(uint64(stat.Size))).
		Msg("job queued")
	return nil
}

// Run polls for Queued jobs and drives them to a terminal (or Partial)
// state, and periodically re-evaluates the adaptive concurrency limit,
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	evalInterval := o.concurrency.EvaluationInterval()
	if evalInterval <= 0 {
		evalInterval = pollInterval
	}
	evalTicker := time.NewTicker(evalInterval)
	defer evalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.admitQueuedJobs(ctx)
		case <-evalTicker.C:
			o.evaluateConcurrency()
		}
	}
}

// evaluateConcurrency samples process memory and feeds it, alongside
// the rolling copy-latency window RecordLatency maintains, into one
// AIMD step (spec §4.11). Disk IOPS is left unset: no component in this
// engine estimates it, and concurrency.DefaultConfig leaves the disk
// watermark at 0 so it does not gate.
func (o *Orchestrator) evaluateConcurrency() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPercent := 0.0
	if mem.Sys > 0 {
		memPercent = float64(mem.HeapAlloc) / float64(mem.Sys) * 100
	}
	limit := o.concurrency.Evaluate(concurrency.Signals{MemoryPercent: memPercent})
	o.log.Debug().Int("limit", limit).Float64("mem_percent", memPercent).Msg("concurrency evaluated")
}

func (o *Orchestrator) admitQueuedJobs(ctx context.Context) {
	jobs, err := o.store.ListJobsByState(ctx, types.JobQueued)
	if err != nil {
		o.log.Warn().Err(err).Msg("list queued jobs failed")
		return
	}
	for _, job := range jobs {
		if _, already := o.claimed.LoadOrStore(job.ID, struct{}{}); already {
			continue
		}
		go func(j *types.Job) {
			defer o.claimed.Delete(j.ID)
			o.processJob(ctx, j)
		}(job)
	}
}

// processJob claims one job (Queued -> InProgress), fans out copy+
// verify work across every target, and aggregates the final state.
func (o *Orchestrator) processJob(ctx context.Context, job *types.Job) {
	updated, err := o.transitionJob(ctx, job.ID, types.JobInProgress)
	if err != nil {
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			o.log.Warn().Err(err).Str("job_id", string(job.ID)).Msg("claim failed")
		}
		return
	}
	job = updated

	outcomes, err := o.store.ListTargetOutcomes(ctx, job.ID)
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", string(job.ID)).Msg("list targets failed")
		return
	}

	var wg sync.WaitGroup
	for _, outcome := range outcomes {
		if outcome.State.Terminal() {
			continue
		}
		wg.Add(1)
		go func(o2 *types.TargetOutcome) {
			defer wg.Done()
			o.runTarget(ctx, job, o2)
			o.aggregateJob(ctx, job.ID)
		}(outcome)
	}
	wg.Wait()

	o.aggregateJob(ctx, job.ID)
}

// runTarget drives a single (job, target) through Pending -> ... ->
// Verified|FailedPermanent, retrying transient failures per the retry
// policy and routing integrity failures straight to quarantine.
func (o *Orchestrator) runTarget(ctx context.Context, job *types.Job, outcome *types.TargetOutcome) {
	target, ok := o.targets[outcome.TargetID]
	if !ok {
		o.log.Error().Str("target_id", string(outcome.TargetID)).Msg("unknown target id")
		return
	}
	sem := o.perTargetSem[outcome.TargetID]
	sem.Acquire()
	defer sem.Release()

	// One backoff sequence per (job, target) retry lifetime, matching
	// the pack's shardqueue idiom of a single *backoff.ExponentialBackOff
	// advanced once per attempt rather than a per-call delay formula.
	backoffSeq := o.retryPolicy.NewBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := o.concurrency.Admit(ctx); err != nil {
			return
		}
		start := time.Now()
		kind, done := o.attemptCopyAndVerify(ctx, job, outcome, target)
		o.concurrency.RecordLatency(time.Since(start))
		o.concurrency.Release()
		if done {
			return
		}

		attempts := outcome.Attempts
		if !o.retryPolicy.Allow(kind, attempts) {
			o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
				t.State = types.TargetFailedPermanent
				t.Attempts++
			})
			return
		}

		metrics.RetriesTotal.WithLabelValues(string(kind)).Inc()

		// ConcurrencyConflict retries unlimited times and never counts
		// against the per-target attempt cap (spec §4.6/§7), nor does it
		// advance the backoff sequence used by counted kinds.
		countsAgainstCap := kind != ferrors.KindConcurrencyConflict

		o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
			t.State = types.TargetFailedRetryable
			if countsAgainstCap {
				t.Attempts++
			}
		})

		var delay time.Duration
		if countsAgainstCap {
			d, err := backoffSeq.NextBackOff()
			if err != nil {
				d = o.retryPolicy.MaxInterval
			}
			delay = d
		} else {
			delay = o.retryPolicy.InitialInterval
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
			t.State = types.TargetPending
		})
		refreshed, err := o.store.GetTargetOutcome(ctx, outcome.JobID, outcome.TargetID)
		if err != nil {
			return
		}
		outcome = refreshed
	}
}

// attemptCopyAndVerify runs one copy+verify cycle. done=true means the
// target reached a terminal state (Verified, FailedPermanent via
// quarantine, or the caller's own FailedPermanent assignment already
// happened); the returned Kind is meaningful only when done=false, to
// drive the retry decision.
func (o *Orchestrator) attemptCopyAndVerify(ctx context.Context, job *types.Job, outcome *types.TargetOutcome, target Target) (ferrors.Kind, bool) {
	finalPath := filepath.Join(target.Root, filepath.Base(job.SourcePath))
	stagingPath := fsadapter.StagingPath(target.Root, o.engineName, string(job.ID), filepath.Base(job.SourcePath))

	o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
		t.State = types.TargetCopying
		t.StagingPath = stagingPath
		t.FinalPath = finalPath
	})

	copyTimer := metrics.NewTimer()
	result, err := copier.Copy(ctx, o.adapter, job.SourcePath, stagingPath, finalPath, o.chunkBytes)
	copyTimer.ObserveDuration(metrics.CopyDuration)
	if err != nil {
		kind := retry.Classify(err)
		_ = o.adapter.RemoveStaging(stagingPath)
		if retry.ShouldQuarantine(kind) {
			o.quarantineTarget(ctx, job.ID, outcome.TargetID, job.SourceDigest, "")
			return kind, true
		}
		return kind, false
	}

	sourceDigest, mismatch, err := o.reconcileSourceDigest(ctx, job, result.Digest)
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", string(job.ID)).Msg("source digest reconciliation failed")
		return ferrors.KindConcurrencyConflict, false
	}
	if mismatch {
		o.quarantineTarget(ctx, job.ID, outcome.TargetID, sourceDigest, result.Digest)
		return ferrors.KindIntegrityFailure, true
	}

	o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
		t.State = types.TargetCopied
		t.TargetDigest = result.Digest
	})

	o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
		t.State = types.TargetVerifying
	})

	pool := verifier.New(o.adapter, 1, o.chunkBytes)
	verifyTimer := metrics.NewTimer()
	verifyOutcomes := pool.Run(ctx, []verifier.Job{{
		JobID: string(job.ID), TargetID: string(outcome.TargetID),
		FinalPath: finalPath, WantDigest: sourceDigest,
	}})
	verifyTimer.ObserveDuration(metrics.VerifyDuration)
	vo := verifyOutcomes[0]
	if vo.Err != nil {
		kind := retry.Classify(vo.Err)
		if retry.ShouldQuarantine(kind) {
			o.quarantineTarget(ctx, job.ID, outcome.TargetID, sourceDigest, "")
			return kind, true
		}
		return kind, false
	}
	if !vo.Match {
		o.quarantineTarget(ctx, job.ID, outcome.TargetID, sourceDigest, vo.GotDigest)
		return ferrors.KindIntegrityFailure, true
	}

	o.markTargetOutcome(ctx, outcome.JobID, outcome.TargetID, func(t *types.TargetOutcome) {
		t.State = types.TargetVerified
	})
	return "", true
}

// reconcileSourceDigest sets the job's source digest the first time
// any target observes it, or compares against the already-set value
// (I10, spec §4.7 step 6).
func (o *Orchestrator) reconcileSourceDigest(ctx context.Context, job *types.Job, observed string) (sourceDigest string, mismatch bool, err error) {
	updated, err := o.store.UpdateJobCAS(ctx, job.ID, func(j *types.Job) error {
		if j.SourceDigest == "" {
			j.SourceDigest = observed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateDigest) {
			current, getErr := o.store.GetJob(ctx, job.ID)
			if getErr != nil {
				return "", false, getErr
			}
			return current.SourceDigest, current.SourceDigest != observed, nil
		}
		return "", false, err
	}
	job.SourceDigest = updated.SourceDigest
	return updated.SourceDigest, updated.SourceDigest != observed, nil
}

func (o *Orchestrator) quarantineTarget(ctx context.Context, jobID types.JobID, targetID types.TargetID, expected, observed string) {
	o.markTargetOutcome(ctx, jobID, targetID, func(t *types.TargetOutcome) {
		t.State = types.TargetFailedPermanent
	})
	if err := o.quarantine.Record(ctx, jobID, targetID, expected, observed); err != nil {
		o.log.Error().Err(err).Str("job_id", string(jobID)).Msg("quarantine record failed")
	}
	if _, err := o.transitionJob(ctx, jobID, types.JobQuarantined); err != nil {
		o.log.Error().Err(err).Str("job_id", string(jobID)).Msg("quarantine transition failed")
	}
}

// aggregateJob recomputes a job's state from its current targets, per
// spec §4.10's aggregation rule, and persists the result if it changed.
func (o *Orchestrator) aggregateJob(ctx context.Context, jobID types.JobID) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job.State.Terminal() {
		return
	}
	outcomes, err := o.store.ListTargetOutcomes(ctx, jobID)
	if err != nil {
		return
	}

	next := aggregateState(outcomes)
	if next == job.State {
		return
	}
	if _, err := o.transitionJob(ctx, jobID, next); err != nil {
		o.log.Warn().Err(err).Str("job_id", string(jobID)).Msg("aggregate transition failed")
	}
}

// aggregateState implements the promotion rule in spec §4.10: all
// Verified -> Verified; some Verified and the rest non-terminal ->
// Partial; any FailedPermanent (non-integrity; integrity already
// routed the job to Quarantined directly) once every target has a
// terminal fate -> Failed.
func aggregateState(outcomes []*types.TargetOutcome) types.JobState {
	allVerified := true
	anyVerified := false
	allTerminal := true
	anyFailedPermanent := false

	for _, o := range outcomes {
		switch o.State {
		case types.TargetVerified:
			anyVerified = true
		default:
			allVerified = false
		}
		if !o.State.Terminal() {
			allTerminal = false
		}
		if o.State == types.TargetFailedPermanent {
			anyFailedPermanent = true
		}
	}

	switch {
	case allVerified:
		return types.JobVerified
	case anyFailedPermanent && allTerminal:
		return types.JobFailed
	case anyVerified:
		return types.JobPartial
	default:
		return types.JobInProgress
	}
}

func (o *Orchestrator) markTargetOutcome(ctx context.Context, jobID types.JobID, targetID types.TargetID, mutate func(*types.TargetOutcome)) {
	current, err := o.store.GetTargetOutcome(ctx, jobID, targetID)
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", string(jobID)).Msg("read target outcome failed")
		return
	}
	next := *current
	mutate(&next)
	if !types.TargetTransitionAllowed(current.State, next.State) {
		o.log.Error().Str("job_id", string(jobID)).Str("from", string(current.State)).Str("to", string(next.State)).
			Msg("rejected illegal target transition")
		return
	}
	next.LastTransitionAt = time.Now()
	if err := o.store.UpsertTargetOutcome(ctx, &next); err != nil {
		o.log.Warn().Err(err).Str("job_id", string(jobID)).Msg("persist target outcome failed")
		return
	}
	metrics.TargetsTotal.WithLabelValues(string(current.State)).Dec()
	metrics.TargetsTotal.WithLabelValues(string(next.State)).Inc()
	o.emitTargetEvent(ctx, jobID, targetID, current.State, next.State)
}

// transitionJob guards a job transition with the legal-predecessor
// table (spec §4.10) before persisting it.
func (o *Orchestrator) transitionJob(ctx context.Context, jobID types.JobID, to types.JobState) (*types.Job, error) {
	current, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !types.JobTransitionAllowed(current.State, to) {
		return nil, ferrors.New(ferrors.KindInvalidStateTransition,
			fmt.Errorf("job %s: %s -> %s not allowed", jobID, current.State, to))
	}
	updated, err := o.store.UpdateJobCAS(ctx, jobID, func(j *types.Job) error {
		j.State = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsTotal.WithLabelValues(string(current.State)).Dec()
	metrics.JobsTotal.WithLabelValues(string(to)).Inc()
	o.emitJobEvent(ctx, jobID, current.State, to)
	return updated, nil
}

func (o *Orchestrator) emitJobEvent(ctx context.Context, jobID types.JobID, from, to types.JobState) {
	payload, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})
	if err := o.store.AppendEvent(ctx, &types.Event{
		JobID: jobID, Kind: types.EventJobTransition, Payload: string(payload), Timestamp: time.Now(),
	}); err != nil {
		o.log.Warn().Err(err).Str("job_id", string(jobID)).Msg("append event failed")
	}
}

func (o *Orchestrator) emitTargetEvent(ctx context.Context, jobID types.JobID, targetID types.TargetID, from, to types.TargetState) {
	payload, _ := json.Marshal(map[string]string{"target_id": string(targetID), "from": string(from), "to": string(to)})
	if err := o.store.AppendEvent(ctx, &types.Event{
		JobID: jobID, Kind: types.EventTargetTransition, Payload: string(payload), Timestamp: time.Now(),
	}); err != nil {
		o.log.Warn().Err(err).Str("job_id", string(jobID)).Msg("append event failed")
	}
}

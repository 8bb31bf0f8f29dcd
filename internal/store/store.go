// Package store provides durable, transactional persistence for jobs,
// per-target outcomes, the audit event log, and quarantine entries
// (C4, spec §4.4). It defines a capability-set interface with one
// production implementation over an embedded WAL-mode SQLite database
// and one in-memory implementation for tests, per the Design Notes
// §9 guidance ("repository polymorphism ... one production
// implementation, one in-memory implementation for tests").
package store

import (
	"context"
	"errors"

	"github.com/johnnywatts/forker/internal/types"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConcurrencyConflict is returned when an optimistic-concurrency
// update's version predicate matches no row (spec §4.4, I-version-CAS).
var ErrConcurrencyConflict = errors.New("store: concurrency conflict")

// ErrDuplicateDigest is returned when a second, different value is
// assigned to a job's already-set source digest (I10).
var ErrDuplicateDigest = errors.New("store: source digest already set to a different value")

// ErrNotQuarantined is returned by ReleaseQuarantineAndRequeue when the
// job is not currently in JobQuarantined state.
var ErrNotQuarantined = errors.New("store: job is not quarantined")

// Store is the durable persistence capability set the rest of the
// engine depends on. All operations are individually transactional;
// no operation spans more than one of them, so inserting a job and
// queuing it are two separate transactions.
type Store interface {
	// InsertJob persists a brand new job in whatever state the caller
	// set on it; it never changes that state.
	InsertJob(ctx context.Context, job *types.Job) error

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)

	// UpdateJobCAS applies mutate to the current row and persists it,
	// provided the row's version still equals the job's Version after
	// mutate: the value read inside the same call, unless mutate set it
	// to the version the caller expects. On success the returned job's
	// Version is that value plus one.
	// Returns ErrConcurrencyConflict if another writer updated the job
	// first.
	UpdateJobCAS(ctx context.Context, id types.JobID, mutate func(*types.Job) error) (*types.Job, error)

	// ListJobsByState enumerates jobs currently in any of the given states.
	ListJobsByState(ctx context.Context, states ...types.JobState) ([]*types.Job, error)

	// CountJobsByState returns the number of jobs in each given state.
	CountJobsByState(ctx context.Context, states ...types.JobState) (map[types.JobState]int, error)

	// UpsertTargetOutcome inserts or updates a (job,target) outcome row.
	UpsertTargetOutcome(ctx context.Context, outcome *types.TargetOutcome) error

	// GetTargetOutcome fetches a single (job,target) outcome.
	GetTargetOutcome(ctx context.Context, jobID types.JobID, targetID types.TargetID) (*types.TargetOutcome, error)

	// ListTargetOutcomes enumerates every outcome for a job.
	ListTargetOutcomes(ctx context.Context, jobID types.JobID) ([]*types.TargetOutcome, error)

	// AppendEvent appends an audit event, auto-assigning an ascending
	// sequence number (I7, I18).
	AppendEvent(ctx context.Context, event *types.Event) error

	// ListEvents returns every event for a job in ascending sequence
	// order (I18).
	ListEvents(ctx context.Context, jobID types.JobID) ([]*types.Event, error)

	// RecoverInFlight returns every job in InProgress/Partial together
	// with its target outcomes, for the recovery routine (C12).
	RecoverInFlight(ctx context.Context) ([]*JobWithTargets, error)

	// InsertQuarantine records an integrity failure.
	InsertQuarantine(ctx context.Context, entry *types.QuarantineEntry) error

	// ListActiveQuarantines enumerates quarantine entries with Active=true.
	ListActiveQuarantines(ctx context.Context) ([]*types.QuarantineEntry, error)

	// ReleaseQuarantineAndRequeue clears the active flag on jobID's
	// quarantine entry and transitions the job back to Queued, both in
	// one transaction (spec §4.9: the job must never be observable as
	// quarantined-but-also-queued). Returns ErrNotQuarantined if the
	// job's current state is not JobQuarantined.
	ReleaseQuarantineAndRequeue(ctx context.Context, jobID types.JobID) (*types.Job, error)

	// Close releases underlying resources.
	Close() error
}

// JobWithTargets pairs a job with its target outcomes, as returned by
// RecoverInFlight.
type JobWithTargets struct {
	Job     *types.Job
	Targets []*types.TargetOutcome
}

// Package types defines the shared data model for the replication engine:
// jobs, per-target outcomes, the audit event log, and quarantine entries,
// along with the state machines that govern their transitions.
package types

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a replication job.
type JobState string

const (
	JobDiscovered  JobState = "Discovered"
	JobQueued      JobState = "Queued"
	JobInProgress  JobState = "InProgress"
	JobPartial     JobState = "Partial"
	JobVerified    JobState = "Verified"
	JobFailed      JobState = "Failed"
	JobQuarantined JobState = "Quarantined"
)

// Terminal reports whether a job state is terminal (Quarantined counts
// as terminal for all purposes except the single manual reopen path).
func (s JobState) Terminal() bool {
	switch s {
	case JobVerified, JobFailed, JobQuarantined:
		return true
	default:
		return false
	}
}

// TargetState is the lifecycle state of a single (job, target) outcome.
type TargetState string

const (
	TargetPending         TargetState = "Pending"
	TargetCopying         TargetState = "Copying"
	TargetCopied          TargetState = "Copied"
	TargetVerifying       TargetState = "Verifying"
	TargetVerified        TargetState = "Verified"
	TargetFailedRetryable TargetState = "FailedRetryable"
	TargetFailedPermanent TargetState = "FailedPermanent"
)

// Terminal reports whether a target state is terminal.
func (s TargetState) Terminal() bool {
	return s == TargetVerified || s == TargetFailedPermanent
}

// jobTransitions is the authoritative job state transition table
// (spec §4.10). Kept as data so additions are declarative, per the
// Design Notes guidance on representing state machines as pure
// functions over a table rather than class hierarchies.
var jobTransitions = map[JobState]map[JobState]bool{
	JobDiscovered: {JobQueued: true, JobFailed: true},
	JobQueued:     {JobInProgress: true, JobFailed: true},
	JobInProgress: {JobPartial: true, JobVerified: true, JobFailed: true, JobQuarantined: true},
	JobPartial:    {JobVerified: true, JobFailed: true, JobQuarantined: true},
	// Quarantined -> Queued is the only manual, non-monotonic transition (I16).
	JobQuarantined: {JobQueued: true},
	JobVerified:    {},
	JobFailed:      {},
}

// JobTransitionAllowed reports whether (from -> to) is a legal job
// transition per the table in spec §4.10.
func JobTransitionAllowed(from, to JobState) bool {
	next, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// targetTransitions is the authoritative target state transition table.
var targetTransitions = map[TargetState]map[TargetState]bool{
	TargetPending:         {TargetCopying: true},
	TargetCopying:         {TargetCopied: true, TargetFailedRetryable: true, TargetFailedPermanent: true},
	TargetCopied:          {TargetVerifying: true, TargetFailedRetryable: true},
	TargetVerifying:       {TargetVerified: true, TargetFailedRetryable: true, TargetFailedPermanent: true},
	TargetFailedRetryable: {TargetPending: true},
	TargetVerified:        {},
	TargetFailedPermanent: {},
}

// TargetTransitionAllowed reports whether (from -> to) is a legal
// target transition per the table in spec §4.10.
func TargetTransitionAllowed(from, to TargetState) bool {
	next, ok := targetTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// JobID uniquely identifies a job, process-wide and across restarts.
type JobID string

// NewJobID generates a fresh, unique job identifier.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// TargetID names one configured destination.
type TargetID string

// Job is the aggregate root: one source file's replication to every
// required target (spec §3).
type Job struct {
	ID             JobID
	SourcePath     string // canonical, absolute
	SourceSize     int64  // observed at discovery time, bytes
	SourceDigest   string // lower-case hex sha256; empty until first set
	TargetIDs      []TargetID
	State          JobState
	CreatedAt      time.Time
	Version        int64 // optimistic concurrency counter, > 0
}

// HasDigest reports whether the source digest has been set (I10).
func (j *Job) HasDigest() bool {
	return j.SourceDigest != ""
}

// TargetOutcome is the per-(job,target) progress record (spec §3).
type TargetOutcome struct {
	JobID       JobID
	TargetID    TargetID
	State       TargetState
	Attempts    int
	TargetDigest string // empty until copy completes
	StagingPath string // empty outside an active copy
	FinalPath   string // empty until copy start / verified
	LastError   string
	LastTransitionAt time.Time
}

// EventKind tags an audit event.
type EventKind string

const (
	EventJobTransition    EventKind = "job_transition"
	EventTargetTransition EventKind = "target_transition"
	EventWarning          EventKind = "warning"
	EventSecurity         EventKind = "security"
)

// Event is an append-only audit record (spec §3, I7, I18).
type Event struct {
	Sequence  int64
	JobID     JobID
	Kind      EventKind
	Payload   string // JSON
	Timestamp time.Time
}

// QuarantineEntry records an integrity failure with full forensic
// context (spec §4.9).
type QuarantineEntry struct {
	JobID          JobID
	Reason         string
	ExpectedDigest string
	ObservedDigest string
	TargetID       TargetID
	Timestamp      time.Time
	Active         bool
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit
// is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent
// acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// TryAcquire claims a slot without blocking, reporting success.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }

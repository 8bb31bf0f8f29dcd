package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/types"
)

// factories returns every Store implementation under test, so the same
// behavioral suite runs against both the production and in-memory
// backends.
func factories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"sqlite": func() Store {
			db, err := Open(filepath.Join(t.TempDir(), "forker.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
	}
}

func newJob() *types.Job {
	return &types.Job{
		ID:         types.NewJobID(),
		SourcePath: "/src/a.dcm",
		SourceSize: 1024,
		TargetIDs:  []types.TargetID{"t1", "t2"},
		State:      types.JobDiscovered,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func TestStoreInsertAndGetJob(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			require.NoError(t, s.InsertJob(context.Background(), job))

			got, err := s.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			require.Equal(t, job.SourcePath, got.SourcePath)
			require.Equal(t, int64(1), got.Version)
		})
	}
}

func TestStoreGetJobNotFound(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			_, err := s.GetJob(context.Background(), types.NewJobID())
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdateJobCASBumpsVersion(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			require.NoError(t, s.InsertJob(context.Background(), job))

			updated, err := s.UpdateJobCAS(context.Background(), job.ID, func(j *types.Job) error {
				j.State = types.JobQueued
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, types.JobQueued, updated.State)
			require.Equal(t, int64(2), updated.Version)
		})
	}
}

func TestStoreUpdateJobCASConcurrentConflict(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			require.NoError(t, s.InsertJob(context.Background(), job))

			// Simulate a writer racing ahead by mutating inside the first
			// call's closure to leave the stored version committed, then
			// attempting a second mutate with a closure that expects the
			// stale version.
			_, err := s.UpdateJobCAS(context.Background(), job.ID, func(j *types.Job) error {
				j.State = types.JobQueued
				return nil
			})
			require.NoError(t, err)

			_, err = s.UpdateJobCAS(context.Background(), job.ID, func(j *types.Job) error {
				j.Version = 1 // stale, pretend we read an older snapshot
				j.State = types.JobInProgress
				return nil
			})
			require.ErrorIs(t, err, ErrConcurrencyConflict)
		})
	}
}

func TestStoreSourceDigestImmutable(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			require.NoError(t, s.InsertJob(context.Background(), job))

			_, err := s.UpdateJobCAS(context.Background(), job.ID, func(j *types.Job) error {
				j.SourceDigest = "abc123"
				return nil
			})
			require.NoError(t, err)

			_, err = s.UpdateJobCAS(context.Background(), job.ID, func(j *types.Job) error {
				j.SourceDigest = "different"
				return nil
			})
			require.ErrorIs(t, err, ErrDuplicateDigest)
		})
	}
}

func TestStoreListAndCountJobsByState(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			j1 := newJob()
			j1.CreatedAt = time.Unix(100, 0)
			j2 := newJob()
			j2.CreatedAt = time.Unix(200, 0)
			j2.State = types.JobQueued
			require.NoError(t, s.InsertJob(context.Background(), j1))
			require.NoError(t, s.InsertJob(context.Background(), j2))

			discovered, err := s.ListJobsByState(context.Background(), types.JobDiscovered)
			require.NoError(t, err)
			require.Len(t, discovered, 1)
			require.Equal(t, j1.ID, discovered[0].ID)

			counts, err := s.CountJobsByState(context.Background(), types.JobDiscovered, types.JobQueued, types.JobFailed)
			require.NoError(t, err)
			require.Equal(t, 1, counts[types.JobDiscovered])
			require.Equal(t, 1, counts[types.JobQueued])
			require.Equal(t, 0, counts[types.JobFailed])
		})
	}
}

func TestStoreTargetOutcomeRoundTrip(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			require.NoError(t, s.InsertJob(context.Background(), job))

			o := &types.TargetOutcome{
				JobID: job.ID, TargetID: "t1", State: types.TargetPending,
				LastTransitionAt: time.Unix(1700000000, 0).UTC(),
			}
			require.NoError(t, s.UpsertTargetOutcome(context.Background(), o))

			got, err := s.GetTargetOutcome(context.Background(), job.ID, "t1")
			require.NoError(t, err)
			require.Equal(t, types.TargetPending, got.State)

			o.State = types.TargetCopying
			o.Attempts = 1
			require.NoError(t, s.UpsertTargetOutcome(context.Background(), o))

			got, err = s.GetTargetOutcome(context.Background(), job.ID, "t1")
			require.NoError(t, err)
			require.Equal(t, types.TargetCopying, got.State)
			require.Equal(t, 1, got.Attempts)

			all, err := s.ListTargetOutcomes(context.Background(), job.ID)
			require.NoError(t, err)
			require.Len(t, all, 1)
		})
	}
}

func TestStoreEventsOrderedAscending(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			require.NoError(t, s.InsertJob(context.Background(), job))

			for i := 0; i < 3; i++ {
				e := &types.Event{JobID: job.ID, Kind: types.EventJobTransition, Payload: "{}", Timestamp: time.Now()}
				require.NoError(t, s.AppendEvent(context.Background(), e))
			}

			events, err := s.ListEvents(context.Background(), job.ID)
			require.NoError(t, err)
			require.Len(t, events, 3)
			require.True(t, events[0].Sequence < events[1].Sequence)
			require.True(t, events[1].Sequence < events[2].Sequence)
		})
	}
}

func TestStoreRecoverInFlight(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			inProgress := newJob()
			inProgress.State = types.JobInProgress
			require.NoError(t, s.InsertJob(context.Background(), inProgress))

			verified := newJob()
			verified.State = types.JobVerified
			require.NoError(t, s.InsertJob(context.Background(), verified))

			o := &types.TargetOutcome{JobID: inProgress.ID, TargetID: "t1", State: types.TargetCopying, LastTransitionAt: time.Now()}
			require.NoError(t, s.UpsertTargetOutcome(context.Background(), o))

			inFlight, err := s.RecoverInFlight(context.Background())
			require.NoError(t, err)
			require.Len(t, inFlight, 1)
			require.Equal(t, inProgress.ID, inFlight[0].Job.ID)
			require.Len(t, inFlight[0].Targets, 1)
		})
	}
}

func TestStoreQuarantineLifecycle(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			job := newJob()
			job.State = types.JobQuarantined
			require.NoError(t, s.InsertJob(context.Background(), job))

			q := &types.QuarantineEntry{
				JobID: job.ID, Reason: "digest mismatch", ExpectedDigest: "aaa",
				ObservedDigest: "bbb", TargetID: "t1", Timestamp: time.Now(), Active: true,
			}
			require.NoError(t, s.InsertQuarantine(context.Background(), q))

			active, err := s.ListActiveQuarantines(context.Background())
			require.NoError(t, err)
			require.Len(t, active, 1)

			requeued, err := s.ReleaseQuarantineAndRequeue(context.Background(), job.ID)
			require.NoError(t, err)
			require.Equal(t, types.JobQueued, requeued.State)

			active, err = s.ListActiveQuarantines(context.Background())
			require.NoError(t, err)
			require.Len(t, active, 0)

			_, err = s.ReleaseQuarantineAndRequeue(context.Background(), job.ID)
			require.ErrorIs(t, err, ErrNotQuarantined)
		})
	}
}

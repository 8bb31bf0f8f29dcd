package quarantine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/types"
)

func TestRecordAndListActive(t *testing.T) {
	s := store.NewMemory()
	q := New(s)

	job := &types.Job{ID: types.NewJobID(), SourcePath: "/src/a.dcm", State: types.JobQuarantined, CreatedAt: time.Now(), Version: 1}
	require.NoError(t, s.InsertJob(context.Background(), job))

	require.NoError(t, q.Record(context.Background(), job.ID, "t1", "aaa", "bbb"))

	active, err := q.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, job.ID, active[0].JobID)
}

func TestReleaseClearsActiveAndRequeues(t *testing.T) {
	s := store.NewMemory()
	q := New(s)

	job := &types.Job{ID: types.NewJobID(), SourcePath: "/src/a.dcm", State: types.JobQuarantined, CreatedAt: time.Now(), Version: 1}
	require.NoError(t, s.InsertJob(context.Background(), job))
	require.NoError(t, q.Record(context.Background(), job.ID, "t1", "aaa", "bbb"))

	updated, err := q.Release(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, updated.State)

	active, err := q.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 0)
}

func TestReleaseRejectsNonQuarantinedJob(t *testing.T) {
	s := store.NewMemory()
	q := New(s)

	job := &types.Job{ID: types.NewJobID(), SourcePath: "/src/a.dcm", State: types.JobQueued, CreatedAt: time.Now(), Version: 1}
	require.NoError(t, s.InsertJob(context.Background(), job))

	_, err := q.Release(context.Background(), job.ID)
	require.Error(t, err)
}

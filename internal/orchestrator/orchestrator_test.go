package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/concurrency"
	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/quarantine"
	"github.com/johnnywatts/forker/internal/retry"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/types"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, string, []string) {
	t.Helper()
	srcRoot := t.TempDir()
	dst1 := t.TempDir()
	dst2 := t.TempDir()

	adapter, err := fsadapter.New([]string{srcRoot, dst1, dst2})
	require.NoError(t, err)

	s := store.NewMemory()
	cc := concurrency.New(concurrency.DefaultConfig(4))
	q := quarantine.New(s)

	o := New(Config{
		Store:   s,
		Adapter: adapter,
		Targets: []Target{
			{ID: "t1", Root: dst1},
			{ID: "t2", Root: dst2},
		},
		Concurrency:          cc,
		RetryPolicy:          retry.DefaultPolicy(),
		Quarantine:           q,
		ChunkBytes:           4,
		EngineName:           "forker",
		PerTargetParallelism: 2,
		Log:                  zerolog.Nop(),
	})
	return o, srcRoot, []string{dst1, dst2}
}

func TestAdmitAndProcessJobReachesVerified(t *testing.T) {
	o, srcRoot, dstRoots := newTestOrchestrator(t)
	srcPath := filepath.Join(srcRoot, "scan.dcm")
	payload := []byte("a reasonably sized imaging payload")
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	ctx := context.Background()
	require.NoError(t, o.Admit(ctx, srcPath))

	jobs, err := o.store.ListJobsByState(ctx, types.JobQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	o.processJob(ctx, job)

	got, err := o.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobVerified, got.State)
	require.NotEmpty(t, got.SourceDigest)

	for _, root := range dstRoots {
		data, err := os.ReadFile(filepath.Join(root, "scan.dcm"))
		require.NoError(t, err)
		require.Equal(t, payload, data)
	}

	events, err := o.store.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestExistsSkipsNonTerminalJob(t *testing.T) {
	o, srcRoot, _ := newTestOrchestrator(t)
	srcPath := filepath.Join(srcRoot, "scan.dcm")
	require.NoError(t, os.WriteFile(srcPath, []byte("x"), 0o644))

	ctx := context.Background()
	require.NoError(t, o.Admit(ctx, srcPath))

	exists, err := o.Exists(ctx, srcPath)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRunAdmitsQueuedJobsUntilCancelled(t *testing.T) {
	o, srcRoot, _ := newTestOrchestrator(t)
	srcPath := filepath.Join(srcRoot, "scan.dcm")
	require.NoError(t, os.WriteFile(srcPath, []byte("short payload"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Admit(ctx, srcPath))

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	<-done

	jobs, err := o.store.ListJobsByState(context.Background(), types.JobVerified)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/hasher"
)

func TestPoolRunMatchesAndMismatches(t *testing.T) {
	root := t.TempDir()
	adapter, err := fsadapter.New([]string{root})
	require.NoError(t, err)

	goodPath := filepath.Join(root, "good.dcm")
	payload := []byte("imaging payload")
	require.NoError(t, os.WriteFile(goodPath, payload, 0o644))
	goodDigest, _, err := hasher.Compute(mustOpen(t, goodPath), 0)
	require.NoError(t, err)

	badPath := filepath.Join(root, "bad.dcm")
	require.NoError(t, os.WriteFile(badPath, payload, 0o644))

	pool := New(adapter, 2, 4)
	outcomes := pool.Run(context.Background(), []Job{
		{JobID: "j1", TargetID: "t1", FinalPath: goodPath, WantDigest: goodDigest},
		{JobID: "j1", TargetID: "t2", FinalPath: badPath, WantDigest: "0000000000000000000000000000000000000000000000000000000000000000"},
	})

	require.Len(t, outcomes, 2)
	byTarget := make(map[string]Outcome, 2)
	for _, o := range outcomes {
		byTarget[o.Job.TargetID] = o
	}
	require.True(t, byTarget["t1"].Match)
	require.False(t, byTarget["t2"].Match)
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

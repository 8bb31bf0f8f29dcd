package copier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/fsadapter"
)

func TestCopyHashesAndFinalizesAtomically(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()
	adapter, err := fsadapter.New([]string{srcRoot, dstRoot})
	require.NoError(t, err)

	srcPath := filepath.Join(srcRoot, "scan.dcm")
	payload := []byte("imaging payload bytes")
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	stagingPath := fsadapter.StagingPath(dstRoot, "forker", "job1", "scan.dcm")
	finalPath := filepath.Join(dstRoot, "scan.dcm")

	result, err := Copy(context.Background(), adapter, srcPath, stagingPath, finalPath, 4)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), result.BytesCopied)
	require.Len(t, result.Digest, 64)

	_, err = os.Stat(stagingPath)
	require.Error(t, err, "staging path should no longer exist after finalize")

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCopyObservesCancellation(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()
	adapter, err := fsadapter.New([]string{srcRoot, dstRoot})
	require.NoError(t, err)

	srcPath := filepath.Join(srcRoot, "scan.dcm")
	require.NoError(t, os.WriteFile(srcPath, make([]byte, 1<<16), 0o644))

	stagingPath := fsadapter.StagingPath(dstRoot, "forker", "job1", "scan.dcm")
	finalPath := filepath.Join(dstRoot, "scan.dcm")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Copy(ctx, adapter, srcPath, stagingPath, finalPath, 4096)
	require.Error(t, err)
}

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/fsadapter"
)

type fakeSink struct {
	mu      sync.Mutex
	known   map[string]bool
	admitted []string
}

func newFakeSink() *fakeSink { return &fakeSink{known: make(map[string]bool)} }

func (f *fakeSink) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[path], nil
}

func (f *fakeSink) Admit(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[path] = true
	f.admitted = append(f.admitted, path)
	return nil
}

func (f *fakeSink) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.admitted...)
}

func TestConsiderPathAndEvaluatePendingAdmitsStableFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.dcm")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	adapter, err := fsadapter.New([]string{root})
	require.NoError(t, err)

	sink := newFakeSink()
	cfg := DefaultConfig()
	cfg.Stability.Interval = time.Millisecond
	cfg.Stability.RequiredSamples = 1
	cfg.Stability.MinAge = 0

	d := New([]string{root}, adapter, sink, cfg, zerolog.Nop())

	ctx := context.Background()
	d.considerPath(ctx, path)
	require.Equal(t, 1, d.PendingCount())

	d.evaluatePending(ctx)
	require.Contains(t, sink.snapshot(), path)
	require.Equal(t, 0, d.PendingCount())
}

func TestConsiderPathSkipsKnownJob(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.dcm")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	adapter, err := fsadapter.New([]string{root})
	require.NoError(t, err)

	sink := newFakeSink()
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	sink.known[abs] = true

	d := New([]string{root}, adapter, sink, DefaultConfig(), zerolog.Nop())
	d.considerPath(context.Background(), path)
	require.Equal(t, 0, d.PendingCount())
}

func TestEvaluatePendingDropsInaccessibleAfterDeadline(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "missing.dcm")

	adapter, err := fsadapter.New([]string{root})
	require.NoError(t, err)

	sink := newFakeSink()
	cfg := DefaultConfig()
	cfg.Stability.Interval = time.Millisecond
	cfg.InaccessibleDeadline = 0

	d := New([]string{root}, adapter, sink, cfg, zerolog.Nop())
	d.considerPath(context.Background(), path)
	d.mu.Lock()
	d.pending[path].firstSeen = time.Now().Add(-time.Hour)
	d.mu.Unlock()

	d.evaluatePending(context.Background())
	require.Equal(t, 0, d.PendingCount())
	require.Empty(t, sink.snapshot())
}

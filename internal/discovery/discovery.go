// Package discovery watches configured source roots for new, settled
// files and turns each into a durable job (C5, spec §4.5). It combines
// an initial recursive walk, a continuous fsnotify watcher, and a
// periodic full rescan so no event is permanently missed, following the
// walker/collector fan-in shape of the teacher's directory scanner
// (internal/scanner/scanner.go) adapted from a one-shot batch scan to a
// long-running watch loop.
package discovery

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/johnnywatts/forker/internal/fsadapter"
	"github.com/johnnywatts/forker/internal/metrics"
	"github.com/johnnywatts/forker/internal/stability"
)

// Candidate is a source file under stability evaluation.
type Candidate struct {
	Path      string
	FirstSeen time.Time
}

// Sink receives a path once its file has settled (spec §4.5: "inserts
// a new job ... and immediately transitions it to Queued"). The
// orchestrator implements this to admit work; tests can stub it.
type Sink interface {
	// Admit is called with a canonicalized, stable source path. It
	// returns an error only for conditions that should be logged and
	// otherwise ignored — discovery never retries a failed admit
	// itself, the next rescan will pick the path up again if it is
	// still present and still not referenced by a non-terminal job.
	Admit(ctx context.Context, path string) error

	// Exists reports whether a non-terminal job already references
	// this canonical source path, so discovery can skip re-admitting
	// a file it has already queued.
	Exists(ctx context.Context, path string) (bool, error)
}

// Config controls discovery's polling cadence and patience.
type Config struct {
	RescanInterval     time.Duration
	InaccessibleDeadline time.Duration
	Stability          stability.Config
	IncludePatterns    []string
}

// DefaultConfig returns the defaults named in spec §4.5.
func DefaultConfig() Config {
	return Config{
		RescanInterval:       60 * time.Second,
		InaccessibleDeadline: 10 * time.Minute,
		Stability:            stability.DefaultConfig(),
	}
}

// Discoverer watches a set of root directories and admits stable files
// as jobs through a Sink. One instance per engine; not safe to Run
// twice concurrently.
type Discoverer struct {
	roots   []string
	adapter *fsadapter.Adapter
	sink    Sink
	cfg     Config
	log     zerolog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingEntry
	inRescan   atomic.Bool // guards against re-entrant rescan (spec §4.5)
	watcher    *fsnotify.Watcher
}

type pendingEntry struct {
	firstSeen  time.Time
	lastPolled time.Time
	detector   *stability.Detector
}

// New constructs a Discoverer over roots, dispatching admitted paths to
// sink.
func New(roots []string, adapter *fsadapter.Adapter, sink Sink, cfg Config, log zerolog.Logger) *Discoverer {
	return &Discoverer{
		roots:   roots,
		adapter: adapter,
		sink:    sink,
		cfg:     cfg,
		log:     log.With().Str("component", "discovery").Logger(),
		pending: make(map[string]*pendingEntry),
	}
}

// Run performs the initial walk, starts the fsnotify watcher, and
// blocks running the periodic rescan/evaluate loop until ctx is
// cancelled.
func (d *Discoverer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.watcher = watcher
	defer func() { _ = watcher.Close() }()

	for _, root := range d.roots {
		if err := watcher.Add(root); err != nil {
			d.log.Warn().Err(err).Str("root", root).Msg("watch root failed")
		}
	}

	d.initialScan(ctx)

	ticker := time.NewTicker(d.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.handleWatchEvent(ctx, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn().Err(err).Msg("watcher error")
		case <-ticker.C:
			d.rescan(ctx)
			d.evaluatePending(ctx)
		}
	}
}

func (d *Discoverer) handleWatchEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	d.considerPath(ctx, ev.Name)
	d.evaluatePending(ctx)
}

func (d *Discoverer) initialScan(ctx context.Context) {
	for _, root := range d.roots {
		paths, err := d.adapter.Enumerate(root, d.cfg.IncludePatterns)
		if err != nil {
			d.log.Warn().Err(err).Str("root", root).Msg("initial scan failed")
			continue
		}
		for _, p := range paths {
			d.considerPath(ctx, p)
		}
	}
}

// rescan re-walks every root to catch events fsnotify missed (spec
// §4.5: "periodic full rescan ... to catch any events missed by the
// watcher"). Guarded by inRescan so overlapping tickers never run two
// walks at once.
func (d *Discoverer) rescan(ctx context.Context) {
	if !d.inRescan.CompareAndSwap(false, true) {
		return
	}
	defer d.inRescan.Store(false)
	d.initialScan(ctx)
}

func (d *Discoverer) considerPath(ctx context.Context, path string) {
	canonical, err := filepath.Abs(path)
	if err != nil {
		return
	}

	exists, err := d.sink.Exists(ctx, canonical)
	if err != nil {
		d.log.Warn().Err(err).Str("path", canonical).Msg("exists check failed")
		return
	}
	if exists {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[canonical]; ok {
		return
	}
	now := time.Now()
	d.pending[canonical] = &pendingEntry{
		firstSeen: now,
		detector:  stability.New(d.adapter, canonical, now, d.cfg.Stability),
	}
	metrics.DiscoveryPending.Set(float64(len(d.pending)))
}

// evaluatePending walks the pending map and advances each candidate's
// stability detector, admitting stable files and dropping ones that
// have been inaccessible too long (spec §4.5). A candidate is only
// actually polled once cfg.Stability.Interval has elapsed since its
// last poll (spec §4.3's sampling cadence); evaluatePending can be
// driven more often than that by fsnotify events or rescans without
// over-sampling a single candidate.
func (d *Discoverer) evaluatePending(ctx context.Context) {
	d.mu.Lock()
	snapshot := make(map[string]*pendingEntry, len(d.pending))
	for k, v := range d.pending {
		snapshot[k] = v
	}
	d.mu.Unlock()

	now := time.Now()
	for path, entry := range snapshot {
		if !entry.lastPolled.IsZero() && now.Sub(entry.lastPolled) < d.cfg.Stability.Interval {
			continue
		}

		status := entry.detector.Poll(ctx)

		d.mu.Lock()
		if e, ok := d.pending[path]; ok {
			e.lastPolled = now
		}
		d.mu.Unlock()

		switch status {
		case stability.Stable:
			d.admit(ctx, path)
		case stability.Inaccessible:
			if time.Since(entry.firstSeen) > d.cfg.InaccessibleDeadline {
				d.drop(path, "inaccessible past deadline")
			}
		case stability.StillGrowing:
			// left pending, re-evaluated next cycle
		}
	}
}

func (d *Discoverer) admit(ctx context.Context, path string) {
	d.mu.Lock()
	delete(d.pending, path)
	metrics.DiscoveryPending.Set(float64(len(d.pending)))
	d.mu.Unlock()

	if err := d.sink.Admit(ctx, path); err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("admit failed")
	}
}

func (d *Discoverer) drop(path, reason string) {
	d.mu.Lock()
	delete(d.pending, path)
	metrics.DiscoveryPending.Set(float64(len(d.pending)))
	d.mu.Unlock()
	d.log.Warn().Str("path", path).Str("reason", reason).Msg("candidate dropped")
}

// PendingCount reports the number of candidates currently awaiting
// stability, for metrics/diagnostics.
func (d *Discoverer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

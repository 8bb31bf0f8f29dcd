// Package stability implements the stability detector (C3, spec §4.3):
// a growing file is reported Stable only once its size and mtime have
// held constant across N consecutive samples spaced T apart, a
// shared-read open has succeeded on the most recent sample, and the
// path's age exceeds a configured minimum.
package stability

import (
	"context"
	"time"

	"github.com/johnnywatts/forker/internal/fsadapter"
)

// Status is the outcome of a stability check.
type Status string

const (
	Stable       Status = "Stable"
	StillGrowing Status = "StillGrowing"
	Inaccessible Status = "Inaccessible"
)

// Config holds the stability detector's tunables (spec §6:
// stability.intervalSeconds, stability.requiredSamples,
// stability.minAgeSeconds).
type Config struct {
	Interval        time.Duration
	RequiredSamples int
	MinAge          time.Duration
}

// DefaultConfig returns spec §4.3's defaults: N=2, T=5s, minAge=5s.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, RequiredSamples: 2, MinAge: 5 * time.Second}
}

// sample records one observation.
type sample struct {
	size    int64
	modTime time.Time
}

// Detector tracks sampling state for a single candidate path across
// calls to Poll. It is not safe for concurrent use on the same
// instance; callers hold one Detector per candidate path.
type Detector struct {
	cfg        Config
	adapter    *fsadapter.Adapter
	path       string
	firstSeen  time.Time
	last       *sample
	consistent int
}

// New creates a Detector for path, first observed at firstSeen.
func New(adapter *fsadapter.Adapter, path string, firstSeen time.Time, cfg Config) *Detector {
	return &Detector{cfg: cfg, adapter: adapter, path: path, firstSeen: firstSeen}
}

// Poll takes one sample and returns the current status. Callers are
// expected to invoke Poll roughly every cfg.Interval; the detector does
// not sleep internally so it composes with an external scheduling loop
// (spec §5 suspension points).
func (d *Detector) Poll(ctx context.Context) Status {
	select {
	case <-ctx.Done():
		return Inaccessible
	default:
	}

	st, err := d.adapter.StatPath(d.path)
	if err != nil || !st.Readable {
		// Inability to open resets the counter (spec §4.3).
		d.consistent = 0
		d.last = nil
		return Inaccessible
	}

	if d.last != nil {
		switch {
		case st.Size < d.last.size:
			// Shrinkage invalidates previous samples (spec §4.3, §8).
			d.consistent = 0
		case st.Size == d.last.size && st.ModTime.Equal(d.last.modTime):
			d.consistent++
		default:
			d.consistent = 1
		}
	} else {
		d.consistent = 1
	}
	d.last = &sample{size: st.Size, modTime: st.ModTime}

	if d.consistent < d.cfg.RequiredSamples {
		return StillGrowing
	}
	if time.Since(d.firstSeen) < d.cfg.MinAge {
		// A path under the configured minimum age is never reported
		// stable, even if its size/mtime already look settled (spec §4.3).
		return StillGrowing
	}
	return Stable
}

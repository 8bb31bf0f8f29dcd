// Package quarantine records integrity failures with full forensic
// context and exposes the only two operator-facing operations on them:
// enumerate and release (C9, spec §4.9). Quarantine has no teacher
// analog — deduplication never needed an integrity-failure concept —
// so this package is new, following the engine's atomic-counter idiom
// for its own lightweight stats rather than any borrowed shape.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnnywatts/forker/internal/metrics"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/types"
)

// Service wraps the store's quarantine operations with the release
// side effect spec §4.9 requires: clearing the active flag and
// requeuing the job, atomically from the caller's point of view.
type Service struct {
	store store.Store
}

// New constructs a Service over store.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// Record files a new quarantine entry for a target whose digest failed
// to match the source (spec §4.8/§4.9).
func (s *Service) Record(ctx context.Context, jobID types.JobID, targetID types.TargetID, expectedDigest, observedDigest string) error {
	if err := s.store.InsertQuarantine(ctx, &types.QuarantineEntry{
		JobID:          jobID,
		Reason:         "digest mismatch",
		ExpectedDigest: expectedDigest,
		ObservedDigest: observedDigest,
		TargetID:       targetID,
		Timestamp:      time.Now(),
		Active:         true,
	}); err != nil {
		return err
	}
	metrics.IntegrityFailuresTotal.Inc()
	s.refreshActiveGauge(ctx)
	return nil
}

// ListActive enumerates every quarantine entry still awaiting operator
// review.
func (s *Service) ListActive(ctx context.Context) ([]*types.QuarantineEntry, error) {
	return s.store.ListActiveQuarantines(ctx)
}

// Release is the sole exit from Quarantined (I16): it clears the active
// flag and transitions the job back to Queued in one store transaction,
// so the job is never observably quarantined-but-also-queued.
func (s *Service) Release(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	job, err := s.store.ReleaseQuarantineAndRequeue(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotQuarantined) {
			return nil, fmt.Errorf("job %s is not quarantined: %w", jobID, err)
		}
		return nil, err
	}
	s.refreshActiveGauge(ctx)
	return job, nil
}

// refreshActiveGauge recounts active quarantine entries and publishes
// the total, rather than incrementing/decrementing independently —
// ListActiveQuarantines is cheap and this keeps the gauge exact even if
// a future caller inserts/releases entries outside this Service.
func (s *Service) refreshActiveGauge(ctx context.Context) {
	active, err := s.store.ListActiveQuarantines(ctx)
	if err != nil {
		return
	}
	metrics.QuarantineActive.Set(float64(len(active)))
}

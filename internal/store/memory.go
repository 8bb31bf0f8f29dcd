package store

import (
	"context"
	"sort"
	"sync"

	"github.com/johnnywatts/forker/internal/types"
)

// MemoryStore is an in-memory Store implementation for tests. It
// enforces the same optimistic-concurrency and digest-immutability
// rules as SQLiteStore so tests exercise real contention behavior
// without touching a file.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[types.JobID]*types.Job
	targets     map[types.JobID]map[types.TargetID]*types.TargetOutcome
	events      map[types.JobID][]*types.Event
	quarantines map[types.JobID]*types.QuarantineEntry
	nextSeq     int64
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[types.JobID]*types.Job),
		targets:     make(map[types.JobID]map[types.TargetID]*types.TargetOutcome),
		events:      make(map[types.JobID][]*types.Event),
		quarantines: make(map[types.JobID]*types.QuarantineEntry),
	}
}

func cloneJob(j *types.Job) *types.Job {
	cp := *j
	cp.TargetIDs = append([]types.TargetID(nil), j.TargetIDs...)
	return &cp
}

func (m *MemoryStore) InsertJob(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Version == 0 {
		job.Version = 1
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateJobCAS(_ context.Context, id types.JobID, mutate func(*types.Job) error) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := cloneJob(existing)
	prevDigest := working.SourceDigest

	if err := mutate(working); err != nil {
		return nil, err
	}
	if prevDigest != "" && working.SourceDigest != "" && working.SourceDigest != prevDigest {
		return nil, ErrDuplicateDigest
	}
	if working.Version != existing.Version {
		return nil, ErrConcurrencyConflict
	}
	working.Version++
	m.jobs[id] = cloneJob(working)
	return cloneJob(working), nil
}

func (m *MemoryStore) ListJobsByState(_ context.Context, states ...types.JobState) ([]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[types.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*types.Job
	for _, j := range m.jobs {
		if want[j.State] {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountJobsByState(_ context.Context, states ...types.JobState) (map[types.JobState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[types.JobState]int, len(states))
	for _, s := range states {
		result[s] = 0
	}
	for _, j := range m.jobs {
		if _, ok := result[j.State]; ok {
			result[j.State]++
		}
	}
	return result, nil
}

func cloneOutcome(o *types.TargetOutcome) *types.TargetOutcome {
	cp := *o
	return &cp
}

func (m *MemoryStore) UpsertTargetOutcome(_ context.Context, o *types.TargetOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget, ok := m.targets[o.JobID]
	if !ok {
		byTarget = make(map[types.TargetID]*types.TargetOutcome)
		m.targets[o.JobID] = byTarget
	}
	byTarget[o.TargetID] = cloneOutcome(o)
	return nil
}

func (m *MemoryStore) GetTargetOutcome(_ context.Context, jobID types.JobID, targetID types.TargetID) (*types.TargetOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget, ok := m.targets[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	o, ok := byTarget[targetID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOutcome(o), nil
}

func (m *MemoryStore) ListTargetOutcomes(_ context.Context, jobID types.JobID) ([]*types.TargetOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget := m.targets[jobID]
	out := make([]*types.TargetOutcome, 0, len(byTarget))
	for _, o := range byTarget {
		out = append(out, cloneOutcome(o))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TargetID < out[k].TargetID })
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	cp := *e
	cp.Sequence = m.nextSeq
	m.events[e.JobID] = append(m.events[e.JobID], &cp)
	e.Sequence = cp.Sequence
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, jobID types.JobID) ([]*types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.events[jobID]
	out := make([]*types.Event, len(src))
	copy(out, src)
	sort.Slice(out, func(i, k int) bool { return out[i].Sequence < out[k].Sequence })
	return out, nil
}

func (m *MemoryStore) RecoverInFlight(ctx context.Context) ([]*JobWithTargets, error) {
	jobs, err := m.ListJobsByState(ctx, types.JobInProgress, types.JobPartial)
	if err != nil {
		return nil, err
	}
	out := make([]*JobWithTargets, 0, len(jobs))
	for _, j := range jobs {
		targets, err := m.ListTargetOutcomes(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &JobWithTargets{Job: j, Targets: targets})
	}
	return out, nil
}

func (m *MemoryStore) InsertQuarantine(_ context.Context, q *types.QuarantineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.quarantines[q.JobID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveQuarantines(_ context.Context) ([]*types.QuarantineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.QuarantineEntry
	for _, q := range m.quarantines {
		if q.Active {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out, nil
}

// ReleaseQuarantineAndRequeue clears the quarantine entry and requeues
// the job under a single mutex hold, so no other goroutine ever
// observes the quarantine cleared but the job still Quarantined.
func (m *MemoryStore) ReleaseQuarantineAndRequeue(_ context.Context, jobID types.JobID) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.State != types.JobQuarantined {
		return nil, ErrNotQuarantined
	}

	if q, ok := m.quarantines[jobID]; ok {
		q.Active = false
	}

	working := cloneJob(job)
	working.State = types.JobQueued
	working.Version++
	m.jobs[jobID] = working
	return cloneJob(working), nil
}

func (m *MemoryStore) Close() error { return nil }

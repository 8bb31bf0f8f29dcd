package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/johnnywatts/forker/internal/types"
)

// SQLiteStore is the production Store implementation: a local embedded
// relational database opened with write-ahead logging and synchronous
// commits, so committed transactions survive abrupt termination
// (spec §4.4, §6).
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path,
// configures WAL journaling and full synchronous commits, and applies
// outstanding migrations.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows only one writer; a single connection avoids
	// SQLITE_BUSY under our own transaction serialization.
	db.SetMaxOpenConns(1)

	if err := migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) InsertJob(ctx context.Context, job *types.Job) error {
	targetIDs, err := json.Marshal(job.TargetIDs)
	if err != nil {
		return fmt.Errorf("marshal target ids: %w", err)
	}
	if job.Version == 0 {
		job.Version = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_path, source_size, source_digest, target_ids, state, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourcePath, job.SourceSize, job.SourceDigest, string(targetIDs),
		string(job.State), job.CreatedAt.UTC().Format(time.RFC3339Nano), job.Version)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type jobRow struct {
	ID           string `db:"id"`
	SourcePath   string `db:"source_path"`
	SourceSize   int64  `db:"source_size"`
	SourceDigest string `db:"source_digest"`
	TargetIDs    string `db:"target_ids"`
	State        string `db:"state"`
	CreatedAt    string `db:"created_at"`
	Version      int64  `db:"version"`
}

func (r *jobRow) toJob() (*types.Job, error) {
	var targetIDs []types.TargetID
	if err := json.Unmarshal([]byte(r.TargetIDs), &targetIDs); err != nil {
		return nil, fmt.Errorf("unmarshal target ids: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &types.Job{
		ID:           types.JobID(r.ID),
		SourcePath:   r.SourcePath,
		SourceSize:   r.SourceSize,
		SourceDigest: r.SourceDigest,
		TargetIDs:    targetIDs,
		State:        types.JobState(r.State),
		CreatedAt:    created,
		Version:      r.Version,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT id, source_path, source_size, source_digest, target_ids, state, created_at, version FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob()
}

// UpdateJobCAS reads the current row, applies mutate, and writes it
// back guarded by a WHERE version = ? predicate on the job's Version
// after mutate, so a mutate that sets a stale version fails with
// ErrConcurrencyConflict (spec §4.4). The whole
// sequence runs inside one transaction so the read-modify-write is
// atomic with respect to other writers.
func (s *SQLiteStore) UpdateJobCAS(ctx context.Context, id types.JobID, mutate func(*types.Job) error) (*types.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row jobRow
	if err := tx.GetContext(ctx, &row, `SELECT id, source_path, source_size, source_digest, target_ids, state, created_at, version FROM jobs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job for update: %w", err)
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}
	prevDigest := job.SourceDigest

	if err := mutate(job); err != nil {
		return nil, err
	}

	// I10: once set, the source digest is immutable.
	if prevDigest != "" && job.SourceDigest != "" && job.SourceDigest != prevDigest {
		return nil, ErrDuplicateDigest
	}

	expectedVersion := job.Version
	job.Version = expectedVersion + 1
	targetIDs, err := json.Marshal(job.TargetIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal target ids: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET source_path=?, source_size=?, source_digest=?, target_ids=?, state=?, version=?
		WHERE id=? AND version=?`,
		job.SourcePath, job.SourceSize, job.SourceDigest, string(targetIDs), string(job.State), job.Version,
		id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrConcurrencyConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobsByState(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, source_path, source_size, source_digest, target_ids, state, created_at, version FROM jobs WHERE state IN (?) ORDER BY created_at`, stateStrings(states))
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	query = s.db.Rebind(query)
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*types.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *SQLiteStore) CountJobsByState(ctx context.Context, states ...types.JobState) (map[types.JobState]int, error) {
	result := make(map[types.JobState]int, len(states))
	if len(states) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT state, COUNT(*) as n FROM jobs WHERE state IN (?) GROUP BY state`, stateStrings(states))
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	query = s.db.Rebind(query)
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		result[types.JobState(state)] = n
	}
	for _, s := range states {
		if _, ok := result[s]; !ok {
			result[s] = 0
		}
	}
	return result, rows.Err()
}

func stateStrings(states []types.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func (s *SQLiteStore) UpsertTargetOutcome(ctx context.Context, o *types.TargetOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO target_outcomes (job_id, target_id, state, attempts, target_digest, staging_path, final_path, last_error, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, target_id) DO UPDATE SET
			state=excluded.state, attempts=excluded.attempts, target_digest=excluded.target_digest,
			staging_path=excluded.staging_path, final_path=excluded.final_path,
			last_error=excluded.last_error, last_transition_at=excluded.last_transition_at`,
		o.JobID, o.TargetID, string(o.State), o.Attempts, o.TargetDigest, o.StagingPath, o.FinalPath,
		o.LastError, o.LastTransitionAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert target outcome: %w", err)
	}
	return nil
}

type targetRow struct {
	JobID            string `db:"job_id"`
	TargetID         string `db:"target_id"`
	State            string `db:"state"`
	Attempts         int    `db:"attempts"`
	TargetDigest     string `db:"target_digest"`
	StagingPath      string `db:"staging_path"`
	FinalPath        string `db:"final_path"`
	LastError        string `db:"last_error"`
	LastTransitionAt string `db:"last_transition_at"`
}

func (r *targetRow) toOutcome() (*types.TargetOutcome, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.LastTransitionAt)
	if err != nil {
		return nil, fmt.Errorf("parse last_transition_at: %w", err)
	}
	return &types.TargetOutcome{
		JobID:            types.JobID(r.JobID),
		TargetID:         types.TargetID(r.TargetID),
		State:            types.TargetState(r.State),
		Attempts:         r.Attempts,
		TargetDigest:     r.TargetDigest,
		StagingPath:      r.StagingPath,
		FinalPath:        r.FinalPath,
		LastError:        r.LastError,
		LastTransitionAt: ts,
	}, nil
}

func (s *SQLiteStore) GetTargetOutcome(ctx context.Context, jobID types.JobID, targetID types.TargetID) (*types.TargetOutcome, error) {
	var row targetRow
	err := s.db.GetContext(ctx, &row, `SELECT job_id, target_id, state, attempts, target_digest, staging_path, final_path, last_error, last_transition_at FROM target_outcomes WHERE job_id=? AND target_id=?`, jobID, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target outcome: %w", err)
	}
	return row.toOutcome()
}

func (s *SQLiteStore) ListTargetOutcomes(ctx context.Context, jobID types.JobID) ([]*types.TargetOutcome, error) {
	var rows []targetRow
	err := s.db.SelectContext(ctx, &rows, `SELECT job_id, target_id, state, attempts, target_digest, staging_path, final_path, last_error, last_transition_at FROM target_outcomes WHERE job_id=? ORDER BY target_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list target outcomes: %w", err)
	}
	out := make([]*types.TargetOutcome, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOutcome()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *types.Event) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO events (job_id, kind, payload, timestamp) VALUES (?, ?, ?, ?)`,
		e.JobID, string(e.Kind), e.Payload, e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.Sequence = seq
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, jobID types.JobID) ([]*types.Event, error) {
	type row struct {
		Sequence  int64  `db:"sequence"`
		JobID     string `db:"job_id"`
		Kind      string `db:"kind"`
		Payload   string `db:"payload"`
		Timestamp string `db:"timestamp"`
	}
	var rows []row
	// I18: ascending sequence order.
	err := s.db.SelectContext(ctx, &rows, `SELECT sequence, job_id, kind, payload, timestamp FROM events WHERE job_id=? ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*types.Event, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, &types.Event{
			Sequence: r.Sequence, JobID: types.JobID(r.JobID), Kind: types.EventKind(r.Kind),
			Payload: r.Payload, Timestamp: ts,
		})
	}
	return out, nil
}

func (s *SQLiteStore) RecoverInFlight(ctx context.Context) ([]*JobWithTargets, error) {
	jobs, err := s.ListJobsByState(ctx, types.JobInProgress, types.JobPartial)
	if err != nil {
		return nil, err
	}
	out := make([]*JobWithTargets, 0, len(jobs))
	for _, j := range jobs {
		targets, err := s.ListTargetOutcomes(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &JobWithTargets{Job: j, Targets: targets})
	}
	return out, nil
}

func (s *SQLiteStore) InsertQuarantine(ctx context.Context, q *types.QuarantineEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (job_id, reason, expected_digest, observed_digest, target_id, timestamp, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, target_id) DO UPDATE SET
			reason=excluded.reason, expected_digest=excluded.expected_digest,
			observed_digest=excluded.observed_digest, timestamp=excluded.timestamp, active=excluded.active`,
		q.JobID, q.Reason, q.ExpectedDigest, q.ObservedDigest, q.TargetID, q.Timestamp.UTC().Format(time.RFC3339Nano), q.Active)
	if err != nil {
		return fmt.Errorf("insert quarantine: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveQuarantines(ctx context.Context) ([]*types.QuarantineEntry, error) {
	type row struct {
		JobID          string `db:"job_id"`
		Reason         string `db:"reason"`
		ExpectedDigest string `db:"expected_digest"`
		ObservedDigest string `db:"observed_digest"`
		TargetID       string `db:"target_id"`
		Timestamp      string `db:"timestamp"`
		Active         bool   `db:"active"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT job_id, reason, expected_digest, observed_digest, target_id, timestamp, active FROM quarantine WHERE active=1`)
	if err != nil {
		return nil, fmt.Errorf("list active quarantines: %w", err)
	}
	out := make([]*types.QuarantineEntry, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, &types.QuarantineEntry{
			JobID: types.JobID(r.JobID), Reason: r.Reason, ExpectedDigest: r.ExpectedDigest,
			ObservedDigest: r.ObservedDigest, TargetID: types.TargetID(r.TargetID), Timestamp: ts, Active: r.Active,
		})
	}
	return out, nil
}

// ReleaseQuarantineAndRequeue clears the quarantine entry and requeues
// the job inside one transaction, so a crash between the two updates
// can never leave the job quarantined-but-also-queued (spec §4.9).
func (s *SQLiteStore) ReleaseQuarantineAndRequeue(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row jobRow
	if err := tx.GetContext(ctx, &row, `SELECT id, source_path, source_size, source_digest, target_ids, state, created_at, version FROM jobs WHERE id = ?`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job for release: %w", err)
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}
	if job.State != types.JobQuarantined {
		return nil, ErrNotQuarantined
	}

	if _, err := tx.ExecContext(ctx, `UPDATE quarantine SET active=0 WHERE job_id=?`, jobID); err != nil {
		return nil, fmt.Errorf("release quarantine: %w", err)
	}

	job.State = types.JobQueued
	job.Version++
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, version=? WHERE id=? AND version=?`,
		string(job.State), job.Version, jobID, job.Version-1)
	if err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrConcurrencyConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

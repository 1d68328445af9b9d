package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/transmute/errors"
)

// ErrCancelRequested is returned when a transition out of Running loses
// the race against a cancel request.
var ErrCancelRequested = errors.New("cancellation requested")

// Store persists jobs and their logs. Every state change is a
// compare-and-set on the current state.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates a store over an already-migrated database
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type jobRow struct {
	ID              string `db:"id"`
	Capability      string `db:"capability"`
	Artifact        string `db:"artifact"`
	Parameters      string `db:"parameters"`
	Policy          string `db:"policy"`
	CITrigger       string `db:"ci_trigger"`
	State           string `db:"state"`
	Message         string `db:"message"`
	ResultURL       string `db:"result_url"`
	WorkerID        string `db:"worker_id"`
	CancelRequested int    `db:"cancel_requested"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

const jobColumns = `id, capability, artifact, parameters, policy, ci_trigger, state,
	message, result_url, worker_id, cancel_requested, created_at, updated_at`

func (r jobRow) toJob() (*Job, error) {
	job := &Job{
		ID: r.ID,
		Request: Request{
			Artifact:   r.Artifact,
			Capability: r.Capability,
			Parameters: json.RawMessage(r.Parameters),
		},
		State:           State(r.State),
		Message:         r.Message,
		ResultURL:       r.ResultURL,
		WorkerID:        r.WorkerID,
		CancelRequested: r.CancelRequested != 0,
		CreatedAt:       time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:       time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.CITrigger != "" {
		job.Request.CITrigger = json.RawMessage(r.CITrigger)
	}
	if err := json.Unmarshal([]byte(r.Policy), &job.Request.Policy); err != nil {
		err = errors.Wrap(err, "failed to decode stored policy")
		return job, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", r.ID))
	}
	return job, nil
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	policy, err := json.Marshal(job.Request.Policy)
	if err != nil {
		return errors.Wrap(err, "failed to encode policy")
	}

	query := s.db.Rebind(`INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Request.Capability,
		job.Request.Artifact,
		string(job.Request.Parameters),
		string(policy),
		string(job.Request.CITrigger),
		string(job.State),
		job.Message,
		job.ResultURL,
		job.WorkerID,
		boolToInt(job.CancelRequested),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert job")
	}
	return nil
}

// GetJob loads a job with its full execution log
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	log, err := s.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Log = log
	return job, nil
}

// GetLog returns a job's log in append order
func (s *Store) GetLog(ctx context.Context, id string) ([]LogEntry, error) {
	var rows []struct {
		LoggedAt int64  `db:"logged_at"`
		Text     string `db:"text"`
	}
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT logged_at, text FROM job_log WHERE job_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load log for job %s", id)
	}
	entries := make([]LogEntry, len(rows))
	for i, r := range rows {
		entries[i] = LogEntry{Time: time.Unix(0, r.LoggedAt).UTC(), Text: r.Text}
	}
	return entries, nil
}

// ListJobs returns jobs newest first, without logs. A nil state lists all.
func (s *Store) ListJobs(ctx context.Context, state *State, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.selectJobs(ctx, query, args...)
}

func (s *Store) selectJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimNext moves the oldest pending job to Running for workerID.
// Returns nil when nothing is pending. Safe across processes: a lost
// race simply tries the next candidate.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	const candidates = 5
	for {
		var ids []string
		err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
			`SELECT id FROM jobs WHERE state = ? ORDER BY created_at, id LIMIT ?`),
			string(StatePending), candidates)
		if err != nil {
			return nil, errors.Wrap(err, "failed to find pending jobs")
		}
		if len(ids) == 0 {
			return nil, nil
		}

		for _, id := range ids {
			res, err := s.db.ExecContext(ctx, s.db.Rebind(
				`UPDATE jobs SET state = ?, worker_id = ?, updated_at = ? WHERE id = ? AND state = ?`),
				string(StateRunning), workerID, s.now().UnixNano(), id, string(StatePending))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to claim job %s", id)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return s.GetJob(ctx, id)
			}
		}
	}
}

// Transition moves a job from one state to another. It fails with
// ErrConflict if the job is no longer in from, and with ErrCancelRequested
// if a cancel request arrived before the job left Running.
func (s *Store) Transition(ctx context.Context, id string, from, to State, message, resultURL string) error {
	if !CanTransition(from, to) {
		return errors.NewConflictError("transition %s -> %s is not allowed", from, to)
	}

	query := `UPDATE jobs SET state = ?, message = ?, result_url = ?, updated_at = ? WHERE id = ? AND state = ?`
	// Leaving Running forward requires that nobody asked to cancel
	guarded := from == StateRunning && to != StateFailed && to != StateCancelled
	if guarded {
		query += ` AND cancel_requested = 0`
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		string(to), message, resultURL, s.now().UnixNano(), id, string(from))
	if err != nil {
		err = errors.Wrapf(err, "failed to move job to %s", to)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	current, cancelRequested, err := s.stateOf(ctx, id)
	if err != nil {
		return err
	}
	if guarded && current == from && cancelRequested {
		return ErrCancelRequested
	}
	return errors.NewConflictError("job %s is %s, expected %s", id, current, from)
}

// RequestCancel flags a running job for cancellation. Returns false if the
// job is not running.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND state = ?`),
		s.now().UnixNano(), id, string(StateRunning))
	if err != nil {
		return false, errors.Wrapf(err, "failed to request cancel for job %s", id)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Heartbeat refreshes updated_at for an in-flight job and reports whether
// cancellation was requested.
func (s *Store) Heartbeat(ctx context.Context, id string) (cancelRequested bool, err error) {
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE jobs SET updated_at = ? WHERE id = ? AND state IN (?, ?, ?)`),
		s.now().UnixNano(), id, string(StateRunning), string(StateCompiling), string(StateTesting))
	if err != nil {
		return false, errors.Wrapf(err, "failed to heartbeat job %s", id)
	}
	_, cancelRequested, err = s.stateOf(ctx, id)
	return cancelRequested, err
}

func (s *Store) stateOf(ctx context.Context, id string) (State, bool, error) {
	var row struct {
		State           string `db:"state"`
		CancelRequested int    `db:"cancel_requested"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT state, cancel_requested FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read state of job %s", id)
	}
	return State(row.State), row.CancelRequested != 0, nil
}

// AppendLog appends one entry to a job's log and bumps updated_at
func (s *Store) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin log append")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO job_log (job_id, seq, logged_at, text)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_log WHERE job_id = ?), ?, ?)`),
		id, id, entry.Time.UnixNano(), entry.Text)
	if err != nil {
		err = errors.Wrap(err, "failed to append log entry")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET updated_at = ? WHERE id = ?`),
		s.now().UnixNano(), id); err != nil {
		return errors.Wrap(err, "failed to touch job")
	}
	return errors.Wrap(tx.Commit(), "failed to commit log entry")
}

// ListStale returns in-flight jobs not updated since cutoff
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return s.selectJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?, ?) AND updated_at < ? ORDER BY updated_at LIMIT ?`,
		string(StateRunning), string(StateCompiling), string(StateTesting), cutoff.UnixNano(), limit)
}

// CountByState returns the number of jobs in each state
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	var rows []struct {
		State string `db:"state"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM jobs GROUP BY state`); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	counts := make(map[State]int, len(rows))
	for _, r := range rows {
		counts[State(r.State)] = r.Count
	}
	return counts, nil
}

// DeleteTerminalBefore removes finished jobs last updated before cutoff.
// Log rows go with them through the foreign key cascade.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin prune")
	}
	defer tx.Rollback()

	where := `state IN (?, ?, ?) AND updated_at < ?`
	args := []interface{}{string(StateSucceeded), string(StateFailed), string(StateCancelled), cutoff.UnixNano()}

	// Explicit delete for backends without cascading foreign keys enabled
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM job_log WHERE job_id IN (SELECT id FROM jobs WHERE `+where+`)`), args...); err != nil {
		return 0, errors.Wrap(err, "failed to prune job logs")
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE `+where), args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune jobs")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit prune")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

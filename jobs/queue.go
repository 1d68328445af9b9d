package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

const (
	// DefaultListLimit caps List when the caller passes no limit
	DefaultListLimit = 100
	// MaxListLimit is the largest page List will return
	MaxListLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// EventType distinguishes state changes from log lines
type EventType string

const (
	EventState EventType = "state"
	EventLog   EventType = "log"
)

// Event is delivered to subscribers for every persisted change
type Event struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id"`
	State   State     `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
	Line    string    `json:"line,omitempty"`
}

// Queue accepts submissions, hands jobs to workers and fans out updates.
type Queue struct {
	store  *Store
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers []chan Event

	// cancel hooks for jobs running in this process
	cancelMu  sync.Mutex
	cancelers map[string]func()
}

// NewQueue creates a new job queue
func NewQueue(db *sqlx.DB, logger *zap.SugaredLogger) *Queue {
	return &Queue{
		store:     NewStore(db),
		logger:    logger.Named("queue"),
		cancelers: make(map[string]func()),
	}
}

// Store exposes the underlying store
func (q *Queue) Store() *Store {
	return q.store
}

// Submit validates and persists a request as a Pending job and returns its
// id. It never waits for execution.
func (q *Queue) Submit(ctx context.Context, req Request) (string, error) {
	normalized, err := req.Normalize()
	if err != nil {
		return "", err
	}

	now := q.store.now()
	job := &Job{
		ID:        uuid.NewString(),
		Request:   normalized,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Capability: %s", job.Request.Capability))
		return "", err
	}

	q.logger.Infow("Job submitted", "job_id", job.ID, "capability", job.Request.Capability)
	q.notify(Event{Type: EventState, JobID: job.ID, State: StatePending})
	return job.ID, nil
}

// Get returns a job with its log. Unknown ids wrap ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// List returns jobs newest first, optionally filtered by state
func (q *Queue) List(ctx context.Context, state *State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return q.store.ListJobs(ctx, state, limit)
}

// Cancel cancels a Pending job outright or flags a Running job and
// interrupts it. Other states are a conflict. It returns the state the job
// is in afterwards (Cancelled, or Running while the worker winds down).
func (q *Queue) Cancel(ctx context.Context, id string) (State, error) {
	// A job may move between our read and write; re-evaluate a few times
	for attempt := 0; attempt < 3; attempt++ {
		state, _, err := q.store.stateOf(ctx, id)
		if err != nil {
			return "", err
		}

		switch state {
		case StatePending:
			err := q.store.Transition(ctx, id, StatePending, StateCancelled, "cancelled before start", "")
			if errors.IsConflictError(err) {
				continue
			}
			if err != nil {
				return "", err
			}
			q.logger.Infow("Cancelled pending job", "job_id", id)
			q.notify(Event{Type: EventState, JobID: id, State: StateCancelled, Message: "cancelled before start"})
			return StateCancelled, nil

		case StateRunning:
			flagged, err := q.store.RequestCancel(ctx, id)
			if err != nil {
				return "", err
			}
			if !flagged {
				continue
			}
			q.interrupt(id)
			q.logger.Infow("Cancellation requested for running job", "job_id", id)
			return StateRunning, nil

		default:
			if state.IsTerminal() {
				return "", errors.NewConflictError("job %s already finished (%s)", id, state)
			}
			return "", errors.WithHint(
				errors.NewConflictError("job %s is %s and can no longer be cancelled", id, state),
				"compile and test stages run to completion",
			)
		}
	}
	return "", errors.NewConflictError("job %s changed state while cancelling, retry", id)
}

// Claim hands the oldest pending job to workerID, or returns nil
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	job, err := q.store.ClaimNext(ctx, workerID)
	if err != nil || job == nil {
		return job, err
	}
	q.notify(Event{Type: EventState, JobID: job.ID, State: StateRunning})
	return job, nil
}

// Transition persists a state change and notifies subscribers
func (q *Queue) Transition(ctx context.Context, id string, from, to State, message, resultURL string) error {
	if err := q.store.Transition(ctx, id, from, to, message, resultURL); err != nil {
		return err
	}
	q.notify(Event{Type: EventState, JobID: id, State: to, Message: message})
	return nil
}

// AppendLog persists a log line and forwards it to subscribers
func (q *Queue) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if err := q.store.AppendLog(ctx, id, entry); err != nil {
		return err
	}
	q.notify(Event{Type: EventLog, JobID: id, Line: entry.String()})
	return nil
}

// Counts returns the number of jobs per state
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	return q.store.CountByState(ctx)
}

// Prune deletes terminal jobs not updated within olderThan
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.NewInvalidRequestError("prune age must be >= 0, got %s", olderThan)
	}
	n, err := q.store.DeleteTerminalBefore(ctx, q.store.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Infow("Pruned finished jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// FailStale fails in-flight jobs whose owner stopped making progress.
// Jobs only move forward, so a lost job is never re-queued.
func (q *Queue) FailStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	cutoff := q.store.now().Add(-staleAfter)
	stale, err := q.store.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range stale {
		msg := fmt.Sprintf("worker lost: no progress since %s", job.UpdatedAt.Format(time.RFC3339))
		if err := q.Transition(ctx, job.ID, job.State, StateFailed, msg, ""); err != nil {
			// Someone else finished or recovered it first
			q.logger.Debugw("Skipped stale job", "job_id", job.ID, "error", err)
			continue
		}
		_ = q.AppendLog(ctx, job.ID, LogEntry{Time: q.store.now(), Text: msg})
		failed++
	}
	return failed, nil
}

// registerCanceler records how to interrupt a job running in this process.
// The returned func removes the hook.
func (q *Queue) registerCanceler(id string, cancel func()) func() {
	q.cancelMu.Lock()
	q.cancelers[id] = cancel
	q.cancelMu.Unlock()
	return func() {
		q.cancelMu.Lock()
		delete(q.cancelers, id)
		q.cancelMu.Unlock()
	}
}

func (q *Queue) interrupt(id string) {
	q.cancelMu.Lock()
	cancel := q.cancelers[id]
	q.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe returns a channel receiving every job event
func (q *Queue) Subscribe() chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Event, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (q *Queue) Unsubscribe(ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// notify delivers without blocking; slow subscribers drop events
func (q *Queue) notify(ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

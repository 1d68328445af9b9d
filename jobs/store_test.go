package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/transmute/errors"
	transmutetest "github.com/teranos/transmute/internal/testing"
)

func newTestJob(id string, created time.Time) *Job {
	req, _ := Request{Artifact: "./repo", Capability: "noop.touch"}.Normalize()
	return &Job{ID: id, Request: req, State: StatePending, CreatedAt: created, UpdatedAt: created}
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(transmutetest.CreateTestDB(t))
	ctx := context.Background()

	job := newTestJob("j-1", time.Now().UTC())
	job.Request.CITrigger = []byte(`{"type":"jenkins","base_url":"http://ci"}`)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, job.Request.Policy, got.Request.Policy)
	assert.JSONEq(t, string(job.Request.CITrigger), string(got.Request.CITrigger))
	assert.Equal(t, job.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	assert.Empty(t, got.Log)

	_, err = store.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreLogOrder(t *testing.T) {
	store := NewStore(transmutetest.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newTestJob("j-1", time.Now().UTC())))

	base := time.Now().UTC()
	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendLog(ctx, "j-1", LogEntry{Time: base.Add(time.Duration(i) * time.Second), Text: text}))
	}

	log, err := store.GetLog(ctx, "j-1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, "first", log[0].Text)
	assert.Equal(t, "third", log[2].Text)
}

func TestStoreTransitionCompareAndSet(t *testing.T) {
	store := NewStore(transmutetest.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newTestJob("j-1", time.Now().UTC())))

	err := store.Transition(ctx, "j-1", StateRunning, StateCompiling, "", "")
	assert.True(t, errors.IsConflictError(err), "job is pending, not running")

	err = store.Transition(ctx, "j-1", StatePending, StateSucceeded, "", "")
	assert.True(t, errors.IsConflictError(err), "edge not allowed")

	claimed, err := store.ClaimNext(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, StateRunning, claimed.State)
	assert.Equal(t, "w-1", claimed.WorkerID)

	flagged, err := store.RequestCancel(ctx, "j-1")
	require.NoError(t, err)
	assert.True(t, flagged)

	err = store.Transition(ctx, "j-1", StateRunning, StateCompiling, "", "")
	assert.ErrorIs(t, err, ErrCancelRequested)

	require.NoError(t, store.Transition(ctx, "j-1", StateRunning, StateCancelled, "cancelled", ""))
	got, err := store.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.True(t, got.CancelRequested)
}

func TestStoreClaimOldestFirst(t *testing.T) {
	store := NewStore(transmutetest.CreateTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, store.CreateJob(ctx, newTestJob("newer", base.Add(time.Second))))
	require.NoError(t, store.CreateJob(ctx, newTestJob("older", base)))

	first, err := store.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "older", first.ID)

	second, err := store.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "newer", second.ID)

	none, err := store.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStorePrune(t *testing.T) {
	store := NewStore(transmutetest.CreateTestDB(t))
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	done := newTestJob("done", old)
	done.State = StateSucceeded
	require.NoError(t, store.CreateJob(ctx, done))
	require.NoError(t, store.CreateJob(ctx, newTestJob("waiting", old)))

	// AppendLog bumps updated_at, so pin the clock to the past while logging
	store.now = func() time.Time { return old }
	require.NoError(t, store.AppendLog(ctx, "done", LogEntry{Time: old, Text: "ok"}))
	store.now = func() time.Time { return time.Now().UTC() }

	n, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetJob(ctx, "done")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetJob(ctx, "waiting")
	assert.NoError(t, err, "non-terminal jobs are never pruned")
}

func TestStoreDatabaseErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewStore(sqlx.NewDb(mockDB, "sqlmock"))
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \?`).
		WithArgs("j-1").
		WillReturnError(errors.New("disk I/O error"))
	_, err = store.GetJob(ctx, "j-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load job j-1")
	assert.False(t, errors.IsNotFoundError(err))

	mock.ExpectExec(`INSERT INTO jobs`).WillReturnError(errors.New("database is locked"))
	err = store.CreateJob(ctx, newTestJob("j-2", time.Now().UTC()))
	assert.ErrorContains(t, err, "failed to insert job")

	mock.ExpectExec(`UPDATE jobs SET state = \?`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT state, cancel_requested FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"state", "cancel_requested"}).AddRow("testing", 0))
	err = store.Transition(ctx, "j-3", StateCompiling, StateTesting, "", "")
	assert.True(t, errors.IsConflictError(err))
	assert.Contains(t, err.Error(), "job j-3 is testing, expected compiling")

	assert.NoError(t, mock.ExpectationsWereMet())
}

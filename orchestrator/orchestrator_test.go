package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/capability/builtin"
	"github.com/teranos/transmute/errors"
	transmutetest "github.com/teranos/transmute/internal/testing"
	"github.com/teranos/transmute/jobs"
	"github.com/teranos/transmute/pipeline"
	"github.com/teranos/transmute/workspace"
)

type fakeCapability struct {
	name        string
	validateErr error
	execute     func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error)
	executed    atomic.Int32
}

func (f *fakeCapability) Info() capability.Info {
	return capability.Info{Name: f.name, Version: "1.0.0"}
}

func (f *fakeCapability) Validate(context.Context, json.RawMessage) error {
	return f.validateErr
}

func (f *fakeCapability) Execute(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
	f.executed.Add(1)
	if f.execute == nil {
		return &capability.Result{}, nil
	}
	return f.execute(ctx, exec)
}

type fakeWorkspaces struct {
	root     string
	mu       sync.Mutex
	released []string
}

func (f *fakeWorkspaces) Prepare(_ context.Context, jobID, artifact string) (*workspace.Workspace, error) {
	dir := filepath.Join(f.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &workspace.Workspace{JobID: jobID, Path: dir}, nil
}

func (f *fakeWorkspaces) Release(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
	return nil
}

type validatorFunc func(ctx context.Context, in pipeline.Input) *pipeline.Verdict

func (f validatorFunc) Run(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
	return f(ctx, in)
}

type fixture struct {
	queue      *jobs.Queue
	registry   *capability.Registry
	workspaces *fakeWorkspaces
	validated  atomic.Int32
	verdict    func(ctx context.Context, in pipeline.Input) *pipeline.Verdict
	orch       *Orchestrator
}

func newFixture(t *testing.T, caps ...capability.Capability) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	f := &fixture{
		queue:      jobs.NewQueue(transmutetest.CreateTestDB(t), log),
		registry:   capability.NewRegistry("1.0.0", log),
		workspaces: &fakeWorkspaces{root: t.TempDir()},
	}
	for _, c := range caps {
		require.NoError(t, f.registry.Register(c))
	}
	f.verdict = func(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
		return &pipeline.Verdict{Success: true, Message: "pull request opened", ResultURL: "https://example.com/pr/1"}
	}
	f.orch = New(f.queue, f.registry, f.workspaces, validatorFunc(func(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
		f.validated.Add(1)
		return f.verdict(ctx, in)
	}), log)
	return f
}

// claim submits a request and claims it, as a worker would
func (f *fixture) claim(t *testing.T, req jobs.Request) *jobs.Job {
	t.Helper()
	id, err := f.queue.Submit(context.Background(), req)
	require.NoError(t, err)
	job, err := f.queue.Claim(context.Background(), "test-worker")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	return job
}

func (f *fixture) reload(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func lines(job *jobs.Job) string {
	var b strings.Builder
	for _, e := range job.Log {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func TestUnknownCapabilityListsAvailable(t *testing.T) {
	f := newFixture(t, &fakeCapability{name: "rename"}, builtin.NewTouch())
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "extract"})

	out := f.orch.Execute(context.Background(), job, nil)

	assert.Equal(t, jobs.StateFailed, out.State)
	assert.Equal(t, KindConfiguration, out.Kind)
	assert.Equal(t, `unknown capability "extract" (available: noop.touch, rename)`, out.Message)

	stored := f.reload(t, job.ID)
	assert.Equal(t, jobs.StateFailed, stored.State)
	assert.Equal(t, out.Message, stored.Message)
	assert.Zero(t, f.validated.Load())
}

func TestValidationFailureNeverExecutes(t *testing.T) {
	c := &fakeCapability{name: "rename", validateErr: errors.New("parameter 'symbol' is required")}
	f := newFixture(t, c)
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "rename"})

	out := f.orch.Execute(context.Background(), job, nil)

	assert.Equal(t, jobs.StateFailed, out.State)
	assert.Equal(t, KindValidation, out.Kind)
	assert.Equal(t, "parameter 'symbol' is required", out.Message, "validation error is shown verbatim")
	assert.Zero(t, c.executed.Load())

	stored := f.reload(t, job.ID)
	require.GreaterOrEqual(t, len(stored.Log), 3)
	assert.Contains(t, stored.Log[0].Text, "started")
	assert.Equal(t, "Capability: rename", stored.Log[1].Text)
	assert.Equal(t, "Artifact: /src/app", stored.Log[2].Text)
	for i := 1; i < len(stored.Log); i++ {
		assert.False(t, stored.Log[i].Time.Before(stored.Log[i-1].Time), "log timestamps are monotonic")
	}
	assert.Contains(t, stored.Log[len(stored.Log)-1].Text, "(validation)")
}

func TestExecuteFailureKeepsLog(t *testing.T) {
	c := &fakeCapability{name: "rename", execute: func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
		exec.Report("resolving symbols")
		return nil, errors.New("symbol table corrupt")
	}}
	f := newFixture(t, c)
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "rename"})

	out := f.orch.Execute(context.Background(), job, nil)

	assert.Equal(t, jobs.StateFailed, out.State)
	assert.Equal(t, KindExecution, out.Kind)
	assert.Contains(t, out.Message, "symbol table corrupt")
	log := lines(f.reload(t, job.ID))
	assert.Contains(t, log, "resolving symbols")
	assert.Contains(t, log, "Artifact: /src/app")
	assert.Contains(t, f.workspaces.released, job.ID)
}

func TestConflictIsDistinct(t *testing.T) {
	c := &fakeCapability{name: "rename", execute: func(context.Context, capability.ExecContext) (*capability.Result, error) {
		return nil, errors.NewConflictError("name Foo already declared")
	}}
	f := newFixture(t, c)
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "rename"})

	out := f.orch.Execute(context.Background(), job, nil)
	assert.Equal(t, jobs.StateFailed, out.State)
	assert.True(t, strings.HasPrefix(out.Message, "conflict: "), out.Message)
}

func TestNoChangesSkipsPipeline(t *testing.T) {
	f := newFixture(t, &fakeCapability{name: "rename"})
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "rename"})

	out := f.orch.Execute(context.Background(), job, nil)

	assert.Equal(t, jobs.StateSucceeded, out.State)
	assert.Equal(t, "no changes produced", out.Message)
	assert.Zero(t, f.validated.Load())
	stored := f.reload(t, job.ID)
	assert.Equal(t, jobs.StateSucceeded, stored.State)
	assert.Empty(t, stored.ResultURL)
}

func TestChangesFlowThroughPipeline(t *testing.T) {
	f := newFixture(t, builtin.NewTouch())
	var seen pipeline.Input
	var states []jobs.State
	f.verdict = func(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
		seen = in
		in.Log("Compiling")
		for _, s := range []jobs.State{jobs.StateCompiling, jobs.StateTesting} {
			require.NoError(t, in.SetState(ctx, s))
			states = append(states, s)
		}
		return &pipeline.Verdict{Success: true, Message: "pull request opened", ResultURL: "https://example.com/pr/9"}
	}
	job := f.claim(t, jobs.Request{
		Artifact:   "/src/app",
		Capability: builtin.TouchName,
		Parameters: json.RawMessage(`{"path":"notes/touched.txt"}`),
	})

	out := f.orch.Execute(context.Background(), job, nil)

	require.Equal(t, jobs.StateSucceeded, out.State, out.Message)
	assert.Equal(t, "https://example.com/pr/9", out.ResultURL)
	assert.Equal(t, []jobs.State{jobs.StateCompiling, jobs.StateTesting}, states)
	assert.Equal(t, filepath.Join(f.workspaces.root, job.ID), seen.Dir)
	assert.Equal(t, job.Request.Policy, seen.Policy)

	_, err := os.Stat(filepath.Join(seen.Dir, "notes", "touched.txt"))
	assert.NoError(t, err, "changes are written into the workspace")

	stored := f.reload(t, job.ID)
	assert.Equal(t, jobs.StateSucceeded, stored.State)
	assert.Equal(t, "https://example.com/pr/9", stored.ResultURL)
	log := lines(stored)
	assert.Contains(t, log, "Changed notes/touched.txt")
	assert.Contains(t, log, "1 changed files")
	assert.Contains(t, log, "Compiling")
	assert.Empty(t, f.workspaces.released, "successful workspaces are kept")
}

func TestPipelineFailureMapsKind(t *testing.T) {
	f := newFixture(t, builtin.NewTouch())
	f.verdict = func(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
		require.NoError(t, in.SetState(ctx, jobs.StateCompiling))
		return &pipeline.Verdict{Reason: pipeline.ReasonCompileFailed, Message: "compile failed: 2 errors, 0 warnings"}
	}
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: builtin.TouchName})

	out := f.orch.Execute(context.Background(), job, nil)

	assert.Equal(t, jobs.StateFailed, out.State)
	assert.Equal(t, KindValidation, out.Kind)
	stored := f.reload(t, job.ID)
	assert.Equal(t, "compile failed: 2 errors, 0 warnings", stored.Message)
	assert.Contains(t, f.workspaces.released, job.ID)
}

func TestCancelDuringExecute(t *testing.T) {
	started := make(chan struct{})
	c := &fakeCapability{name: "slow", execute: func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, c)
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "slow"})

	cancel := make(chan struct{})
	go func() {
		<-started
		close(cancel)
	}()

	done := make(chan Outcome, 1)
	go func() { done <- f.orch.Execute(context.Background(), job, cancel) }()

	select {
	case out := <-done:
		assert.Equal(t, jobs.StateCancelled, out.State)
		assert.Equal(t, KindCancelled, out.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("execute did not observe cancellation")
	}
	assert.Equal(t, jobs.StateCancelled, f.reload(t, job.ID).State)
}

func TestCancelRequestStopsCompiling(t *testing.T) {
	f := newFixture(t)
	c := &fakeCapability{name: "rename", execute: func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
		return &capability.Result{Changes: []capability.Change{{Path: "a.go", Content: []byte("package a\n")}}}, nil
	}}
	require.NoError(t, f.registry.Register(c))
	f.verdict = func(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
		err := in.SetState(ctx, jobs.StateCompiling)
		require.ErrorIs(t, err, jobs.ErrCancelRequested)
		return &pipeline.Verdict{Reason: pipeline.ReasonCancelled, Message: "cancelled before compiling"}
	}
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "rename"})

	// Another process asks to cancel; this worker has no in-process hook
	state, err := f.queue.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateRunning, state)

	out := f.orch.Execute(context.Background(), job, nil)
	assert.Equal(t, jobs.StateCancelled, out.State)
	assert.Equal(t, jobs.StateCancelled, f.reload(t, job.ID).State)
}

func TestCancelRequestRefusesSuccess(t *testing.T) {
	f := newFixture(t)
	var q *jobs.Queue
	c := &fakeCapability{name: "rename", execute: func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
		_, err := q.Cancel(ctx, jobIDFrom(exec))
		return &capability.Result{}, err
	}}
	require.NoError(t, f.registry.Register(c))
	q = f.queue
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "rename"})

	out := f.orch.Execute(context.Background(), job, nil)
	assert.Equal(t, jobs.StateCancelled, out.State)
	assert.Equal(t, jobs.StateCancelled, f.reload(t, job.ID).State)
}

// jobIDFrom recovers the job id from the fake workspace path
func jobIDFrom(exec capability.ExecContext) string {
	return filepath.Base(exec.Artifact)
}

func TestChangeOutsideArtifactFails(t *testing.T) {
	c := &fakeCapability{name: "evil", execute: func(context.Context, capability.ExecContext) (*capability.Result, error) {
		return &capability.Result{Changes: []capability.Change{{Path: "../../etc/passwd", Content: []byte("x")}}}, nil
	}}
	f := newFixture(t, c)
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "evil"})

	out := f.orch.Execute(context.Background(), job, nil)
	assert.Equal(t, jobs.StateFailed, out.State)
	assert.Contains(t, out.Message, "escapes the artifact")
	assert.Zero(t, f.validated.Load())
}

func TestRunsInWorkerPool(t *testing.T) {
	t.Log("⭐ Kirby inhales a touch job and runs it to the end...")

	f := newFixture(t, builtin.NewTouch())
	pool := jobs.NewWorkerPool(context.Background(), f.queue, f.orch, jobs.WorkerPoolConfig{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		StopTimeout:       2 * time.Second,
	}, zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	id, err := f.queue.Submit(context.Background(), jobs.Request{Artifact: "/src/dreamland", Capability: builtin.TouchName})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := f.queue.Get(context.Background(), id)
		return err == nil && job.State == jobs.StateSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	t.Log("✓ Poyo! Job succeeded through the worker pool")
}

// slowTracker holds the append of one line so a second report races it
type slowTracker struct {
	*jobs.Queue
	hold    string
	entered chan struct{}
}

func (s *slowTracker) AppendLog(ctx context.Context, id string, entry jobs.LogEntry) error {
	if entry.Text == s.hold {
		close(s.entered)
		time.Sleep(50 * time.Millisecond)
	}
	return s.Queue.AppendLog(ctx, id, entry)
}

func TestConcurrentProgressKeepsLogOrder(t *testing.T) {
	f := newFixture(t)
	tracker := &slowTracker{Queue: f.queue, hold: "first", entered: make(chan struct{})}
	orch := New(tracker, f.registry, f.workspaces, validatorFunc(func(ctx context.Context, in pipeline.Input) *pipeline.Verdict {
		return &pipeline.Verdict{Success: true}
	}), zaptest.NewLogger(t).Sugar())

	c := &fakeCapability{name: "chatty", execute: func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			exec.Report("first")
		}()
		go func() {
			defer wg.Done()
			<-tracker.entered
			exec.Report("second")
		}()
		wg.Wait()
		return &capability.Result{}, nil
	}}
	require.NoError(t, f.registry.Register(c))
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "chatty"})

	out := orch.Execute(context.Background(), job, nil)
	require.Equal(t, jobs.StateSucceeded, out.State)

	stored := f.reload(t, job.ID)
	first, second := -1, -1
	for i, e := range stored.Log {
		switch e.Text {
		case "first":
			first = i
		case "second":
			second = i
		}
		if i > 0 {
			assert.False(t, e.Time.Before(stored.Log[i-1].Time),
				"line %d %q is older than the line before it", i, e.Text)
		}
	}
	require.NotEqual(t, -1, first, lines(stored))
	require.NotEqual(t, -1, second, lines(stored))
	assert.Less(t, first, second, "a report waits for the append in flight")
}

func TestProgressAfterExecuteIsDropped(t *testing.T) {
	started := make(chan struct{})
	late := make(chan struct{})
	c := &fakeCapability{name: "lingering", execute: func(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
		close(started)
		go func() {
			defer close(late)
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			exec.Report("late progress")
		}()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, c)
	job := f.claim(t, jobs.Request{Artifact: "/src/app", Capability: "lingering"})

	cancel := make(chan struct{})
	go func() {
		<-started
		close(cancel)
	}()
	out := f.orch.Execute(context.Background(), job, cancel)
	require.Equal(t, jobs.StateCancelled, out.State)

	select {
	case <-late:
	case <-time.After(3 * time.Second):
		t.Fatal("capability goroutine never reported")
	}

	stored := f.reload(t, job.ID)
	assert.Equal(t, jobs.StateCancelled, stored.State)
	assert.NotContains(t, lines(stored), "late progress")
}

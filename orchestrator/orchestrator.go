// Package orchestrator drives one job from a worker's claim to a terminal
// state: resolve and validate the capability, execute it against the job's
// working copy, write the changes and hand off to the validation pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/jobs"
	"github.com/teranos/transmute/logger"
	"github.com/teranos/transmute/pipeline"
	"github.com/teranos/transmute/workspace"
)

// FailureKind classifies why a job did not succeed
type FailureKind string

const (
	KindConfiguration FailureKind = "configuration"
	KindValidation    FailureKind = "validation"
	KindExecution     FailureKind = "execution"
	KindEnvironment   FailureKind = "environment"
	KindCancelled     FailureKind = "cancelled"
)

// persistTimeout bounds writes made after the job context ended
const persistTimeout = 10 * time.Second

// Outcome is the terminal result of Execute
type Outcome struct {
	State     jobs.State
	Message   string
	ResultURL string
	Kind      FailureKind // empty on success
	Verdict   *pipeline.Verdict
}

// Tracker persists job progress. *jobs.Queue implements it.
type Tracker interface {
	Transition(ctx context.Context, id string, from, to jobs.State, message, resultURL string) error
	AppendLog(ctx context.Context, id string, entry jobs.LogEntry) error
}

// Capabilities resolves capabilities by name. *capability.Registry
// implements it.
type Capabilities interface {
	Get(name string) (capability.Capability, bool)
	List() []string
}

// Workspaces prepares per-job working copies. *workspace.Manager
// implements it.
type Workspaces interface {
	Prepare(ctx context.Context, jobID, artifact string) (*workspace.Workspace, error)
	Release(jobID string) error
}

// Validator certifies a working copy. *pipeline.Pipeline implements it.
type Validator interface {
	Run(ctx context.Context, in pipeline.Input) *pipeline.Verdict
}

// Orchestrator runs jobs for the worker pool
type Orchestrator struct {
	tracker      Tracker
	capabilities Capabilities
	workspaces   Workspaces
	validator    Validator
	logger       *zap.SugaredLogger
	now          func() time.Time
}

// New creates an orchestrator
func New(tracker Tracker, capabilities Capabilities, workspaces Workspaces, validator Validator, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		tracker:      tracker,
		capabilities: capabilities,
		workspaces:   workspaces,
		validator:    validator,
		logger:       log.Named("orchestrator"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run implements jobs.Runner
func (o *Orchestrator) Run(ctx context.Context, job *jobs.Job, cancel <-chan struct{}) {
	o.Execute(ctx, job, cancel)
}

// jobRun is the mutable state of one execution
type jobRun struct {
	o      *Orchestrator
	ctx    context.Context
	job    *jobs.Job
	cancel <-chan struct{}
	state  jobs.State

	// mu orders timestamps and appends together
	mu     sync.Mutex
	last   time.Time
	sealed bool // capability progress is dropped once Execute returns
}

// log appends a line with a timestamp no earlier than the previous one.
// Progress may arrive from capability goroutines.
func (r *jobRun) log(format string, args ...interface{}) {
	r.appendLine(fmt.Sprintf(format, args...), false)
}

// progress is the capability's sink
func (r *jobRun) progress(msg string) {
	r.appendLine(msg, true)
}

func (r *jobRun) appendLine(text string, fromCapability bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fromCapability && r.sealed {
		logger.FromContext(r.ctx, r.o.logger).Debugw("Dropped progress after execution ended", "job_id", r.job.ID)
		return
	}

	ts := r.o.now()
	if ts.Before(r.last) {
		ts = r.last
	}
	r.last = ts

	ctx, cancel := persistContext(r.ctx)
	defer cancel()
	if err := r.o.tracker.AppendLog(ctx, r.job.ID, jobs.LogEntry{Time: ts, Text: text}); err != nil {
		logger.FromContext(r.ctx, r.o.logger).Warnw("Failed to persist log line", "job_id", r.job.ID, "error", err)
	}
}

func (r *jobRun) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *jobRun) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// Execute runs the job and persists its terminal state
func (o *Orchestrator) Execute(ctx context.Context, job *jobs.Job, cancel <-chan struct{}) Outcome {
	r := &jobRun{o: o, ctx: ctx, job: job, cancel: cancel, state: jobs.StateRunning}
	log := logger.FromContext(ctx, o.logger)
	start := time.Now()

	out := r.execute()
	out = r.finish(out)

	log.Infow("Job completed",
		"job_id", job.ID,
		"capability", job.Request.Capability,
		"state", out.State,
		"kind", out.Kind,
		"duration_ms", time.Since(start).Milliseconds())
	return out
}

func failed(kind FailureKind, format string, args ...interface{}) Outcome {
	return Outcome{State: jobs.StateFailed, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func cancelledOutcome(msg string) Outcome {
	return Outcome{State: jobs.StateCancelled, Kind: KindCancelled, Message: msg}
}

func (r *jobRun) execute() Outcome {
	o, job := r.o, r.job
	req := job.Request

	r.log("Job %s started", job.ID)
	r.log("Capability: %s", req.Capability)
	r.log("Artifact: %s", req.Artifact)

	c, ok := o.capabilities.Get(req.Capability)
	if !ok {
		available := o.capabilities.List()
		sort.Strings(available)
		list := strings.Join(available, ", ")
		if list == "" {
			list = "none"
		}
		return failed(KindConfiguration, "unknown capability %q (available: %s)", req.Capability, list)
	}
	if info := c.Info(); info.Version != "" {
		r.log("Using %s %s (%s)", info.Name, info.Version, info.Kind)
	}

	if err := c.Validate(r.ctx, req.Parameters); err != nil {
		return failed(KindValidation, "%s", err.Error())
	}
	r.log("Parameters valid")

	if r.cancelled() {
		return cancelledOutcome("cancelled before execution")
	}

	ws, err := o.workspaces.Prepare(r.ctx, job.ID, req.Artifact)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			return failed(KindConfiguration, "artifact unavailable: %v", err)
		}
		return failed(KindEnvironment, "artifact unavailable: %v", err)
	}
	r.log("Workspace: %s", ws.Path)

	r.log("Running %s", req.Capability)
	result, err := r.runCapability(c, ws)
	if err != nil {
		switch {
		case r.cancelled():
			return cancelledOutcome("cancelled during execution")
		case r.ctx.Err() != nil:
			return failed(KindEnvironment, "interrupted by shutdown: %v", err)
		case errors.IsConflictError(err):
			return failed(KindExecution, "conflict: %v", err)
		}
		return failed(KindExecution, "execution failed: %v", err)
	}

	if result == nil || len(result.Changes) == 0 {
		if r.cancelled() {
			return cancelledOutcome("cancelled during execution")
		}
		r.log("0 changed files")
		return Outcome{State: jobs.StateSucceeded, Message: "no changes produced"}
	}

	for _, change := range result.Changes {
		if err := ws.WriteFile(change.Path, change.Content); err != nil {
			return failed(KindExecution, "cannot write %s: %v", change.Path, err)
		}
		r.log("Changed %s", change.Path)
	}
	r.log("%d changed files", len(result.Changes))
	if result.Summary != "" {
		r.log("Summary: %s", result.Summary)
	}

	if r.cancelled() {
		return cancelledOutcome("cancelled before validation")
	}
	return r.validate(ws, result)
}

// runCapability calls Execute with a context ended by either the worker or
// the job's cancel signal.
func (r *jobRun) runCapability(c capability.Capability, ws *workspace.Workspace) (*capability.Result, error) {
	execCtx, stop := context.WithCancel(r.ctx)
	defer stop()
	defer r.seal()
	go func() {
		select {
		case <-r.cancel:
			stop()
		case <-execCtx.Done():
		}
	}()

	return c.Execute(execCtx, capability.ExecContext{
		Artifact:   ws.Path,
		Parameters: r.job.Request.Parameters,
		Progress:   r.progress,
	})
}

func (r *jobRun) validate(ws *workspace.Workspace, result *capability.Result) Outcome {
	o, job := r.o, r.job
	title := fmt.Sprintf("transmute: %s", job.Request.Capability)
	if result.Summary != "" {
		title = fmt.Sprintf("%s: %s", title, result.Summary)
	}

	verdict := o.validator.Run(r.ctx, pipeline.Input{
		JobID:     job.ID,
		Dir:       ws.Path,
		RemoteURL: ws.RemoteURL,
		Policy:    job.Request.Policy,
		CITrigger: job.Request.CITrigger,
		Title:     title,
		Log:       func(line string) { r.log("%s", line) },
		SetState:  r.setState,
	})

	out := Outcome{Verdict: verdict, Message: verdict.Message}
	switch {
	case verdict.Success:
		out.State = jobs.StateSucceeded
		out.ResultURL = verdict.ResultURL
	case verdict.Cancelled():
		out.State = jobs.StateCancelled
		out.Kind = KindCancelled
	default:
		out.State = jobs.StateFailed
		out.Kind = kindOf(verdict.Reason)
	}
	return out
}

// setState moves the job forward on the pipeline's behalf
func (r *jobRun) setState(ctx context.Context, to jobs.State) error {
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := r.o.tracker.Transition(pctx, r.job.ID, r.state, to, "", ""); err != nil {
		return err
	}
	r.state = to
	r.log("State: %s", to)
	return nil
}

func kindOf(reason pipeline.Reason) FailureKind {
	switch reason {
	case pipeline.ReasonConfiguration:
		return KindConfiguration
	case pipeline.ReasonEnvironment, pipeline.ReasonTimeout:
		return KindEnvironment
	case pipeline.ReasonCancelled:
		return KindCancelled
	}
	return KindValidation
}

// finish persists the terminal state. A Running job whose success is
// refused because of a cancel request ends Cancelled.
func (r *jobRun) finish(out Outcome) Outcome {
	ctx, cancel := persistContext(r.ctx)
	defer cancel()

	if out.State == jobs.StateCancelled && !jobs.CanTransition(r.state, jobs.StateCancelled) {
		// Cancellation is only honored up to Running
		out = failed(KindCancelled, "%s", out.Message)
	}

	switch out.State {
	case jobs.StateSucceeded:
		r.log("Job succeeded: %s", out.Message)
	case jobs.StateCancelled:
		r.log("Job cancelled: %s", out.Message)
	default:
		r.log("Job failed (%s): %s", out.Kind, out.Message)
	}

	err := r.o.tracker.Transition(ctx, r.job.ID, r.state, out.State, out.Message, out.ResultURL)
	if errors.Is(err, jobs.ErrCancelRequested) {
		out = cancelledOutcome("cancelled before completion")
		r.log("Job cancelled: %s", out.Message)
		err = r.o.tracker.Transition(ctx, r.job.ID, r.state, out.State, out.Message, "")
	}
	if err != nil {
		logger.FromContext(r.ctx, r.o.logger).Warnw("Failed to persist terminal state",
			"job_id", r.job.ID, "state", out.State, "error", err)
	}

	if out.State != jobs.StateSucceeded && r.job.Request.Policy.OnFailure == jobs.DeleteBranch {
		if err := r.o.workspaces.Release(r.job.ID); err != nil {
			logger.FromContext(r.ctx, r.o.logger).Warnw("Failed to release workspace", "job_id", r.job.ID, "error", err)
		}
	}
	return out
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

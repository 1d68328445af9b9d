// Package pipeline certifies a transformed working copy: it branches and
// commits, compiles and runs CI tests as the policy selects, then applies
// the policy's outcome action.
//
// Stages run in a fixed order and each is reached only if the previous one
// passed:
//
//	BranchCreated -> Committed -> [Compiled] -> [Pushed] -> [CiTriggered -> CiPolling -> CiResolved] -> Outcome
//
// The pipeline never retries. Transient HTTP failures are absorbed by the
// adapters' client.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/transmute/build"
	"github.com/teranos/transmute/ci"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/jobs"
	"github.com/teranos/transmute/vcs"
	"github.com/teranos/transmute/vcs/review"
)

// Stage is a pipeline checkpoint
type Stage string

const (
	StageBranchCreated Stage = "BranchCreated"
	StageCommitted     Stage = "Committed"
	StageCompiled      Stage = "Compiled"
	StagePushed        Stage = "Pushed"
	StageCiTriggered   Stage = "CiTriggered"
	StageCiPolling     Stage = "CiPolling"
	StageCiResolved    Stage = "CiResolved"
	StageOutcome       Stage = "Outcome"
)

// Reason classifies a failed verdict
type Reason string

const (
	ReasonCompileFailed Reason = "compile failed"
	ReasonTestsFailed   Reason = "tests failed"
	ReasonTimeout       Reason = "timeout"
	ReasonConfiguration Reason = "configuration"
	ReasonEnvironment   Reason = "environment"
	ReasonCancelled     Reason = "cancelled"
)

// cleanupTimeout bounds outcome actions once the job context is gone
const cleanupTimeout = 30 * time.Second

// Verdict is the pipeline's answer for one job
type Verdict struct {
	Success   bool
	Reason    Reason // empty on success
	Message   string
	ResultURL string
	Branch    string
	Commit    string
	Stages    []Stage
	Compile   *build.Result
	Build     *ci.BuildStatus
}

// Cancelled reports whether a cancel request stopped the pipeline
func (v *Verdict) Cancelled() bool {
	return v.Reason == ReasonCancelled
}

// Input is one pipeline run
type Input struct {
	JobID     string
	Dir       string // working copy
	RemoteURL string
	Policy    jobs.Policy
	CITrigger json.RawMessage
	Title     string // commit subject and merge request title

	// Log receives one line per notable step
	Log func(string)
	// SetState moves the job to Compiling or Testing. An error stops
	// the pipeline; jobs.ErrCancelRequested ends it cancelled.
	SetState func(ctx context.Context, state jobs.State) error
}

func (in *Input) log(format string, args ...interface{}) {
	if in.Log != nil {
		in.Log(fmt.Sprintf(format, args...))
	}
}

func (in *Input) setState(ctx context.Context, state jobs.State) error {
	if in.SetState == nil {
		return nil
	}
	return in.SetState(ctx, state)
}

// Config holds branch naming, attribution, compile and CI polling settings
type Config struct {
	BaseBranch     string
	BranchPrefix   string
	Remote         string // empty disables push
	AuthorName     string
	AuthorEmail    string
	Compile        build.Config
	CIPollInterval time.Duration
	CITimeout      time.Duration
}

// CIFactory builds the adapter for a parsed trigger
type CIFactory func(t *ci.Trigger) (ci.System, error)

// Pipeline runs validation with its collaborators
type Pipeline struct {
	cfg       Config
	vcs       vcs.VCS
	compiler  build.Compiler
	requester review.Requester
	newCI     CIFactory
	notifier  Notifier
	logger    *zap.SugaredLogger
}

// Deps are the pipeline's collaborators. Notifier defaults to a log
// notifier; NewCI defaults to ci.NewSystem with default options.
type Deps struct {
	VCS       vcs.VCS
	Compiler  build.Compiler
	Requester review.Requester
	NewCI     CIFactory
	Notifier  Notifier
}

// New creates a pipeline
func New(cfg Config, deps Deps, logger *zap.SugaredLogger) *Pipeline {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "transmute"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.CIPollInterval <= 0 {
		cfg.CIPollInterval = 15 * time.Second
	}
	if cfg.CITimeout <= 0 {
		cfg.CITimeout = 30 * time.Minute
	}
	logger = logger.Named("pipeline")
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}
	if deps.NewCI == nil {
		deps.NewCI = func(t *ci.Trigger) (ci.System, error) {
			return ci.NewSystem(t, nil, ci.DefaultOptions())
		}
	}
	return &Pipeline{
		cfg:       cfg,
		vcs:       deps.VCS,
		compiler:  deps.Compiler,
		requester: deps.Requester,
		newCI:     deps.NewCI,
		notifier:  deps.Notifier,
		logger:    logger,
	}
}

// BranchName returns the exclusive branch for a job
func (p *Pipeline) BranchName(jobID string) string {
	return p.cfg.BranchPrefix + "/" + jobID
}

// run carries the state of one pipeline execution
type run struct {
	p       *Pipeline
	in      *Input
	verdict *Verdict
	pushed  bool
	created bool
	cleaned bool
}

func (r *run) reach(stage Stage) {
	r.verdict.Stages = append(r.verdict.Stages, stage)
}

// Run executes the pipeline. It always returns a verdict; outcome actions
// are applied before it returns.
func (p *Pipeline) Run(ctx context.Context, in Input) *Verdict {
	r := &run{p: p, in: &in, verdict: &Verdict{Branch: p.BranchName(in.JobID)}}
	p.run(ctx, r)
	p.logger.Infow("Pipeline finished",
		"job_id", in.JobID,
		"branch", r.verdict.Branch,
		"success", r.verdict.Success,
		"reason", r.verdict.Reason,
		"stages", len(r.verdict.Stages))
	return r.verdict
}

func (p *Pipeline) run(ctx context.Context, r *run) {
	in, v := r.in, r.verdict
	if p.vcs == nil {
		r.fail(ctx, ReasonConfiguration, "no version control configured")
		return
	}

	in.log("Creating branch %s from %s", v.Branch, p.cfg.BaseBranch)
	if err := p.vcs.CreateBranch(ctx, in.Dir, v.Branch, p.cfg.BaseBranch); err != nil {
		r.fail(ctx, ReasonEnvironment, fmt.Sprintf("branch creation failed: %v", err))
		return
	}
	r.created = true
	r.reach(StageBranchCreated)

	author := vcs.Signature{Name: p.cfg.AuthorName, Email: p.cfg.AuthorEmail}
	commit, err := p.vcs.CommitAll(ctx, in.Dir, commitMessage(in), author)
	if err != nil {
		r.fail(ctx, ReasonEnvironment, fmt.Sprintf("commit failed: %v", err))
		return
	}
	v.Commit = commit
	in.log("Committed %s as %s <%s>", short(commit), author.Name, author.Email)
	r.reach(StageCommitted)

	compileSelected := in.Policy.Has(jobs.StepCompile)
	if compileSelected {
		if !r.compile(ctx) {
			return
		}
	} else {
		in.log("Compile step not selected")
	}

	var system ci.System
	if in.Policy.Has(jobs.StepTest) {
		switch {
		case !compileSelected:
			in.log("Test skipped: requires the Compile step")
		case !testsAfterCompile(in.Policy.Steps):
			in.log("Test skipped: listed before the Compile step")
		case len(in.CITrigger) == 0:
			in.log("Test skipped: no CI trigger configured")
		default:
			system, err = p.resolveCI(in.CITrigger)
			if err != nil {
				r.fail(ctx, ReasonConfiguration, err.Error())
				return
			}
		}
	}

	remoteOutcome := in.Policy.OnSuccess == jobs.CreatePullRequest || in.Policy.OnSuccess == jobs.MergeToBranch
	if p.cfg.Remote != "" && (system != nil || remoteOutcome) {
		in.log("Pushing %s to %s", v.Branch, p.cfg.Remote)
		if err := p.vcs.Push(ctx, in.Dir, p.cfg.Remote, v.Branch); err != nil {
			r.fail(ctx, ReasonEnvironment, fmt.Sprintf("push failed: %v", err))
			return
		}
		r.pushed = true
		r.reach(StagePushed)
	}

	if system != nil {
		if !r.test(ctx, system) {
			return
		}
	}

	r.succeed(ctx)
}

// testsAfterCompile reports whether Test follows Compile in steps; Test
// needs a compiled tree
func testsAfterCompile(steps []jobs.Step) bool {
	compiled := false
	for _, step := range steps {
		switch step {
		case jobs.StepCompile:
			compiled = true
		case jobs.StepTest:
			return compiled
		}
	}
	return false
}

func (r *run) compile(ctx context.Context) bool {
	p, in, v := r.p, r.in, r.verdict
	if err := in.setState(ctx, jobs.StateCompiling); err != nil {
		r.stateFailed(ctx, jobs.StateCompiling, err)
		return false
	}
	if p.compiler == nil {
		r.fail(ctx, ReasonConfiguration, "no compiler configured")
		return false
	}

	in.log("Compiling")
	result, err := p.compiler.Compile(ctx, in.Dir, p.cfg.Compile)
	v.Compile = result
	if err != nil {
		reason := ReasonEnvironment
		if errors.Is(err, errors.ErrTimeout) {
			reason = ReasonTimeout
		}
		r.fail(ctx, reason, fmt.Sprintf("compile could not run: %v", err))
		return false
	}
	in.log("Compile finished: %d errors, %d warnings", len(result.Errors), len(result.Warnings))
	if !result.Success {
		for _, line := range result.Errors {
			in.log("error: %s", line)
		}
		r.fail(ctx, ReasonCompileFailed,
			fmt.Sprintf("compile failed: %d errors, %d warnings", len(result.Errors), len(result.Warnings)))
		return false
	}
	r.reach(StageCompiled)
	return true
}

func (p *Pipeline) resolveCI(raw json.RawMessage) (ci.System, error) {
	trigger, err := ci.ParseTrigger(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid CI trigger")
	}
	system, err := p.newCI(trigger)
	if err != nil {
		return nil, errors.Wrap(err, "invalid CI trigger")
	}
	return system, nil
}

func (r *run) test(ctx context.Context, system ci.System) bool {
	p, in, v := r.p, r.in, r.verdict
	if err := in.setState(ctx, jobs.StateTesting); err != nil {
		r.stateFailed(ctx, jobs.StateTesting, err)
		return false
	}

	handle, err := system.Trigger(ctx, v.Branch)
	if err != nil {
		r.fail(ctx, ReasonEnvironment, fmt.Sprintf("CI trigger failed: %v", err))
		return false
	}
	r.reach(StageCiTriggered)
	in.log("Triggered %s build %s", handle.System, handle.ID)

	r.reach(StageCiPolling)
	status, err := ci.Await(ctx, system, handle, p.cfg.CIPollInterval, p.cfg.CITimeout, p.logger)
	if err != nil {
		if errors.Is(err, ci.ErrBuildTimeout) {
			r.fail(ctx, ReasonTimeout, fmt.Sprintf("timeout: build %s did not finish within %s", handle.ID, p.cfg.CITimeout))
		} else {
			r.fail(ctx, ReasonEnvironment, fmt.Sprintf("CI polling stopped: %v", err))
		}
		return false
	}
	v.Build = &status
	r.reach(StageCiResolved)
	in.log("Build %s %s (%s)", handle.ID, status.Status, status.NativeResult)

	if !status.Success {
		msg := fmt.Sprintf("tests failed: build %s result %s", handle.ID, status.NativeResult)
		if status.URL != "" {
			msg += " " + status.URL
		}
		r.fail(ctx, ReasonTestsFailed, msg)
		return false
	}
	return true
}

// stateFailed handles a rejected state transition
func (r *run) stateFailed(ctx context.Context, state jobs.State, err error) {
	if errors.Is(err, jobs.ErrCancelRequested) {
		r.fail(ctx, ReasonCancelled, "cancelled before "+string(state))
		return
	}
	r.fail(ctx, ReasonEnvironment, fmt.Sprintf("cannot enter %s: %v", state, err))
}

func (r *run) succeed(ctx context.Context) {
	p, in, v := r.p, r.in, r.verdict
	r.reach(StageOutcome)
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	switch in.Policy.OnSuccess {
	case jobs.MergeToBranch:
		remote := ""
		if r.pushed {
			remote = p.cfg.Remote
		}
		in.log("Fast-forwarding %s to %s", p.cfg.BaseBranch, v.Branch)
		if err := p.vcs.FastForward(cctx, in.Dir, p.cfg.BaseBranch, v.Branch, remote); err != nil {
			r.outcomeFailed(fmt.Sprintf("merge failed: %v", err))
			return
		}
		v.ResultURL = fmt.Sprintf("refs/heads/%s@%s", p.cfg.BaseBranch, short(v.Commit))
		v.Message = fmt.Sprintf("merged into %s", p.cfg.BaseBranch)

	case jobs.NotifyOnSuccess:
		v.ResultURL = "refs/heads/" + v.Branch
		if v.Build != nil && v.Build.URL != "" {
			v.ResultURL = v.Build.URL
		}
		v.Message = "validated on " + v.Branch
		p.notify(cctx, in, true, v.Message, v.ResultURL)

	default:
		if p.requester == nil {
			r.outcomeFailed("no review provider configured")
			return
		}
		url, err := p.requester.Open(cctx, review.Request{
			Title:     in.Title,
			Body:      reviewBody(in, v),
			Head:      v.Branch,
			Base:      p.cfg.BaseBranch,
			RemoteURL: in.RemoteURL,
		})
		if err != nil {
			r.outcomeFailed(fmt.Sprintf("pull request failed: %v", err))
			return
		}
		v.ResultURL = url
		v.Message = "pull request opened"
	}

	v.Success = true
	in.log("Outcome %s: %s", in.Policy.OnSuccess, v.ResultURL)
}

// outcomeFailed fails the verdict after validation passed. The validated
// branch is kept.
func (r *run) outcomeFailed(msg string) {
	r.verdict.Success = false
	r.verdict.Reason = ReasonEnvironment
	r.verdict.Message = msg
	r.in.log("Outcome failed: %s (branch %s kept)", msg, r.verdict.Branch)
}

// fail records the verdict and applies the failure action exactly once
func (r *run) fail(ctx context.Context, reason Reason, msg string) {
	p, in, v := r.p, r.in, r.verdict
	v.Success = false
	v.Reason = reason
	v.Message = msg
	in.log("Validation failed: %s", msg)

	if r.cleaned {
		return
	}
	r.cleaned = true
	r.reach(StageOutcome)

	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	switch in.Policy.OnFailure {
	case jobs.KeepBranch:
		if r.created {
			in.log("Keeping branch %s", v.Branch)
		}
	case jobs.NotifyOnFailure:
		p.notify(cctx, in, false, msg, "")
	default:
		if !r.created {
			return
		}
		remote := ""
		if r.pushed {
			remote = p.cfg.Remote
		}
		if err := p.vcs.DeleteBranch(cctx, in.Dir, v.Branch, p.cfg.BaseBranch, remote); err != nil {
			in.log("Failed to delete branch %s: %v", v.Branch, err)
			p.logger.Warnw("Branch cleanup failed", "job_id", in.JobID, "branch", v.Branch, "error", err)
			return
		}
		in.log("Deleted branch %s", v.Branch)
	}
}

func (p *Pipeline) notify(ctx context.Context, in *Input, success bool, msg, url string) {
	err := p.notifier.Notify(ctx, Notification{
		JobID:     in.JobID,
		Success:   success,
		Message:   msg,
		Branch:    p.BranchName(in.JobID),
		ResultURL: url,
	})
	if err != nil {
		p.logger.Warnw("Notification failed", "job_id", in.JobID, "error", err)
	}
}

// cleanupContext keeps outcome actions alive when the job's context ends
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func commitMessage(in *Input) string {
	title := in.Title
	if title == "" {
		title = "transmute changes"
	}
	return fmt.Sprintf("%s\n\nJob: %s\n", title, in.JobID)
}

func reviewBody(in *Input, v *Verdict) string {
	body := fmt.Sprintf("Job `%s`\n\nCommit: %s\n", in.JobID, v.Commit)
	if v.Build != nil {
		body += fmt.Sprintf("CI: %s %s\n", v.Build.NativeResult, v.Build.URL)
	}
	return body
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

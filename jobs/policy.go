package jobs

import (
	"strings"

	"github.com/teranos/transmute/errors"
)

// SuccessAction runs when every selected step passed
type SuccessAction string

const (
	CreatePullRequest SuccessAction = "CreatePullRequest"
	MergeToBranch     SuccessAction = "MergeToBranch"
	NotifyOnSuccess   SuccessAction = "NotifyOnly"
)

// FailureAction runs when a selected step failed
type FailureAction string

const (
	DeleteBranch    FailureAction = "DeleteBranch"
	KeepBranch      FailureAction = "KeepBranch"
	NotifyOnFailure FailureAction = "NotifyOnly"
)

// Step is a validation stage selectable by policy
type Step string

const (
	StepCompile Step = "Compile"
	StepTest    Step = "Test"
)

// Policy selects validation steps and the outcome actions.
// A nil Steps means the default steps; an empty non-nil slice means none.
type Policy struct {
	OnSuccess SuccessAction `json:"on_success,omitempty"`
	OnFailure FailureAction `json:"on_failure,omitempty"`
	Steps     []Step        `json:"steps"`
}

// DefaultPolicy opens a pull request on success, deletes the branch on
// failure, and runs Compile then Test.
func DefaultPolicy() Policy {
	return Policy{
		OnSuccess: CreatePullRequest,
		OnFailure: DeleteBranch,
		Steps:     []Step{StepCompile, StepTest},
	}
}

// Has reports whether step is selected
func (p Policy) Has(step Step) bool {
	for _, s := range p.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// Resolve fills defaults, canonicalizes case and rejects unknown or
// duplicated values.
func (p Policy) Resolve() (Policy, error) {
	def := DefaultPolicy()
	out := Policy{OnSuccess: def.OnSuccess, OnFailure: def.OnFailure}

	if p.OnSuccess != "" {
		switch {
		case strings.EqualFold(string(p.OnSuccess), string(CreatePullRequest)):
			out.OnSuccess = CreatePullRequest
		case strings.EqualFold(string(p.OnSuccess), string(MergeToBranch)):
			out.OnSuccess = MergeToBranch
		case strings.EqualFold(string(p.OnSuccess), string(NotifyOnSuccess)):
			out.OnSuccess = NotifyOnSuccess
		default:
			return p, errors.NewInvalidRequestError("unknown on_success action %q", p.OnSuccess)
		}
	}

	if p.OnFailure != "" {
		switch {
		case strings.EqualFold(string(p.OnFailure), string(DeleteBranch)):
			out.OnFailure = DeleteBranch
		case strings.EqualFold(string(p.OnFailure), string(KeepBranch)):
			out.OnFailure = KeepBranch
		case strings.EqualFold(string(p.OnFailure), string(NotifyOnFailure)):
			out.OnFailure = NotifyOnFailure
		default:
			return p, errors.NewInvalidRequestError("unknown on_failure action %q", p.OnFailure)
		}
	}

	if p.Steps == nil {
		out.Steps = def.Steps
		return out, nil
	}

	out.Steps = make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		var step Step
		switch {
		case strings.EqualFold(string(s), string(StepCompile)):
			step = StepCompile
		case strings.EqualFold(string(s), string(StepTest)):
			step = StepTest
		default:
			return p, errors.NewInvalidRequestError("unknown validation step %q", s)
		}
		if out.Has(step) {
			return p, errors.NewInvalidRequestError("validation step %s listed twice", step)
		}
		out.Steps = append(out.Steps, step)
	}
	return out, nil
}

// Package jobs holds the job model, its forward-only state machine, the
// persistent store, the queue and the worker pool that drains it.
package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/transmute/errors"
)

// State is the lifecycle position of a job
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompiling State = "compiling"
	StateTesting   State = "testing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// transitions lists every allowed edge. Anything not listed is a back-edge
// or leaves a terminal state.
var transitions = map[State][]State{
	StatePending:   {StateRunning, StateCancelled},
	StateRunning:   {StateCompiling, StateSucceeded, StateFailed, StateCancelled},
	StateCompiling: {StateTesting, StateSucceeded, StateFailed},
	StateTesting:   {StateSucceeded, StateFailed},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states no transition leaves
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Cancellable returns true while cancellation is still honored
func (s State) Cancellable() bool {
	return s == StatePending || s == StateRunning
}

// InFlight returns true for states owned by a worker
func (s State) InFlight() bool {
	return s == StateRunning || s == StateCompiling || s == StateTesting
}

// ParseState validates a state string, case-insensitively
func ParseState(s string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(s)))
	switch state {
	case StatePending, StateRunning, StateCompiling, StateTesting,
		StateSucceeded, StateFailed, StateCancelled:
		return state, nil
	}
	return "", errors.NewInvalidRequestError("unknown job state %q", s)
}

// LogTimeLayout is the second-precision prefix of every log line
const LogTimeLayout = "15:04:05"

// LogEntry is one line of a job's execution log
type LogEntry struct {
	Time time.Time `json:"timestamp"`
	Text string    `json:"text"`
}

// String renders the entry as "[HH:MM:SS] text"
func (e LogEntry) String() string {
	return "[" + e.Time.Format(LogTimeLayout) + "] " + e.Text
}

// Request is an immutable job submission
type Request struct {
	Artifact   string          `json:"artifact" validate:"required"`
	Capability string          `json:"capability" validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Policy     Policy          `json:"policy"`
	CITrigger  json.RawMessage `json:"ci_trigger,omitempty"`
}

var requestValidator = validator.New()

// Normalize trims identifiers, fills policy defaults and validates the
// request. The returned copy is what gets persisted.
func (r Request) Normalize() (Request, error) {
	r.Artifact = strings.TrimSpace(r.Artifact)
	r.Capability = strings.TrimSpace(r.Capability)

	if err := requestValidator.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return r, errors.NewInvalidRequestError("%s is required", strings.ToLower(fieldErrs[0].Field()))
		}
		return r, errors.Mark(errors.Wrap(err, "invalid job request"), errors.ErrInvalidRequest)
	}

	if len(r.Parameters) == 0 || string(r.Parameters) == "null" {
		r.Parameters = json.RawMessage("{}")
	}
	var params map[string]interface{}
	if err := json.Unmarshal(r.Parameters, &params); err != nil {
		return r, errors.NewInvalidRequestError("parameters must be a JSON object: %v", err)
	}

	if string(r.CITrigger) == "null" {
		r.CITrigger = nil
	}

	policy, err := r.Policy.Resolve()
	if err != nil {
		return r, err
	}
	r.Policy = policy
	return r, nil
}

// Job is a submitted request and its progress
type Job struct {
	ID              string     `json:"id"`
	Request         Request    `json:"request"`
	State           State      `json:"state"`
	Message         string     `json:"message,omitempty"`
	ResultURL       string     `json:"result_url,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Log             []LogEntry `json:"-"`
}

// Status is the externally visible view of a job
type Status struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Capability   string    `json:"capability"`
	Artifact     string    `json:"artifact"`
	Message      string    `json:"message"`
	ResultURL    string    `json:"result_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ExecutionLog []string  `json:"execution_log"`
}

// Status renders the job for API and CLI callers
func (j *Job) Status() Status {
	lines := make([]string, len(j.Log))
	for i, entry := range j.Log {
		lines[i] = entry.String()
	}
	return Status{
		ID:           j.ID,
		State:        j.State,
		Capability:   j.Request.Capability,
		Artifact:     j.Request.Artifact,
		Message:      j.Message,
		ResultURL:    j.ResultURL,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		ExecutionLog: lines,
	}
}

package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/transmute/errors"
)

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateRunning},
		{StatePending, StateCancelled},
		{StateRunning, StateCompiling},
		{StateRunning, StateSucceeded},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
		{StateCompiling, StateTesting},
		{StateCompiling, StateSucceeded},
		{StateCompiling, StateFailed},
		{StateTesting, StateSucceeded},
		{StateTesting, StateFailed},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	rejected := []struct{ from, to State }{
		{StateRunning, StatePending},
		{StateCompiling, StateRunning},
		{StateTesting, StateCompiling},
		{StateCompiling, StateCancelled},
		{StateTesting, StateCancelled},
		{StatePending, StateFailed},
		{StatePending, StateCompiling},
		{StateSucceeded, StateFailed},
		{StateFailed, StatePending},
		{StateCancelled, StateRunning},
	}
	for _, tt := range rejected {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []State{StatePending, StateRunning, StateCompiling, StateTesting,
		StateSucceeded, StateFailed, StateCancelled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s is terminal", from)
		}
	}
	assert.True(t, StatePending.Cancellable())
	assert.True(t, StateRunning.Cancellable())
	assert.False(t, StateCompiling.Cancellable())
	assert.False(t, StateTesting.Cancellable())
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" Running ")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s)

	_, err = ParseState("paused")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestLogEntryFormat(t *testing.T) {
	entry := LogEntry{
		Time: time.Date(2024, 3, 9, 7, 5, 3, 999, time.UTC),
		Text: "capability noop.touch found",
	}
	assert.Equal(t, "[07:05:03] capability noop.touch found", entry.String())
}

func TestRequestNormalize(t *testing.T) {
	req := Request{Artifact: "  ./repo ", Capability: " noop.touch "}
	out, err := req.Normalize()
	require.NoError(t, err)

	assert.Equal(t, "./repo", out.Artifact)
	assert.Equal(t, "noop.touch", out.Capability)
	assert.JSONEq(t, `{}`, string(out.Parameters))
	assert.Equal(t, DefaultPolicy(), out.Policy)
	assert.Nil(t, out.CITrigger)
}

func TestRequestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"missing artifact", Request{Capability: "x"}, "artifact is required"},
		{"blank capability", Request{Artifact: "a", Capability: "   "}, "capability is required"},
		{"array parameters", Request{Artifact: "a", Capability: "x", Parameters: json.RawMessage(`[1]`)}, "parameters must be a JSON object"},
		{"bad step", Request{Artifact: "a", Capability: "x", Policy: Policy{Steps: []Step{"Lint"}}}, "unknown validation step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Normalize()
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPolicyResolve(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, err := Policy{}.Resolve()
		require.NoError(t, err)
		assert.Equal(t, CreatePullRequest, p.OnSuccess)
		assert.Equal(t, DeleteBranch, p.OnFailure)
		assert.Equal(t, []Step{StepCompile, StepTest}, p.Steps)
	})

	t.Run("explicit empty steps stay empty", func(t *testing.T) {
		p, err := Policy{Steps: []Step{}}.Resolve()
		require.NoError(t, err)
		assert.NotNil(t, p.Steps)
		assert.Empty(t, p.Steps)
	})

	t.Run("case-insensitive", func(t *testing.T) {
		p, err := Policy{OnSuccess: "mergetobranch", OnFailure: "keepbranch", Steps: []Step{"test"}}.Resolve()
		require.NoError(t, err)
		assert.Equal(t, MergeToBranch, p.OnSuccess)
		assert.Equal(t, KeepBranch, p.OnFailure)
		assert.Equal(t, []Step{StepTest}, p.Steps)
		assert.False(t, p.Has(StepCompile))
	})

	t.Run("notify only", func(t *testing.T) {
		p, err := Policy{OnSuccess: "NotifyOnly", OnFailure: "notifyonly"}.Resolve()
		require.NoError(t, err)
		assert.Equal(t, NotifyOnSuccess, p.OnSuccess)
		assert.Equal(t, NotifyOnFailure, p.OnFailure)
	})

	t.Run("rejects", func(t *testing.T) {
		_, err := Policy{OnSuccess: "Deploy"}.Resolve()
		assert.True(t, errors.IsInvalidRequestError(err))
		_, err = Policy{OnFailure: "Revert"}.Resolve()
		assert.True(t, errors.IsInvalidRequestError(err))
		_, err = Policy{Steps: []Step{StepCompile, "compile"}}.Resolve()
		assert.ErrorContains(t, err, "listed twice")
	})
}

func TestJobStatus(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{
		ID:      "j-1",
		Request: Request{Artifact: "./repo", Capability: "noop.touch"},
		State:   StateSucceeded,
		Message: "pull request opened",
		Log: []LogEntry{
			{Time: created, Text: "job started"},
			{Time: created.Add(time.Second), Text: "done"},
		},
		CreatedAt: created,
	}

	st := job.Status()
	assert.Equal(t, "noop.touch", st.Capability)
	assert.Equal(t, []string{"[12:00:00] job started", "[12:00:01] done"}, st.ExecutionLog)

	encoded, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"execution_log":["[12:00:00] job started","[12:00:01] done"]`)
}

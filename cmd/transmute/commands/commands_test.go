package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/jobs"
)

func submitFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "submit"}
	addSubmitFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestRequestFromFlags(t *testing.T) {
	t.Run("defaults leave policy to the queue", func(t *testing.T) {
		cmd := submitFlags(t, "--artifact", "./app", "--capability", "noop.touch")

		req, err := requestFromFlags(cmd)
		require.NoError(t, err)
		assert.Equal(t, "./app", req.Artifact)
		assert.Equal(t, "noop.touch", req.Capability)
		assert.Nil(t, req.Policy.Steps, "unset steps mean the default steps")
		assert.Nil(t, req.CITrigger)
	})

	t.Run("steps none selects no validation", func(t *testing.T) {
		cmd := submitFlags(t, "--artifact", "./app", "--capability", "c", "--steps", "none")

		req, err := requestFromFlags(cmd)
		require.NoError(t, err)
		require.NotNil(t, req.Policy.Steps)
		assert.Empty(t, req.Policy.Steps)
	})

	t.Run("policy and params", func(t *testing.T) {
		cmd := submitFlags(t, "--artifact", "./app", "--capability", "c",
			"--steps", "Compile", "--on-success", "MergeToBranch", "--on-failure", "KeepBranch",
			"--params", `{"target":"net8.0"}`)

		req, err := requestFromFlags(cmd)
		require.NoError(t, err)
		assert.Equal(t, []jobs.Step{jobs.StepCompile}, req.Policy.Steps)
		assert.Equal(t, jobs.MergeToBranch, req.Policy.OnSuccess)
		assert.Equal(t, jobs.KeepBranch, req.Policy.OnFailure)
		assert.JSONEq(t, `{"target":"net8.0"}`, string(req.Parameters))
	})

	t.Run("trigger from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jenkins.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"type":"jenkins","base_url":"https://ci.example","job":"app"}`), 0o600))
		cmd := submitFlags(t, "--artifact", "./app", "--capability", "c", "--ci-trigger", "@"+path)

		req, err := requestFromFlags(cmd)
		require.NoError(t, err)
		assert.Contains(t, string(req.CITrigger), "jenkins")
	})

	t.Run("unsupported trigger is refused", func(t *testing.T) {
		cmd := submitFlags(t, "--artifact", "./app", "--capability", "c", "--ci-trigger", `{"type":"travis"}`)

		_, err := requestFromFlags(cmd)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrUnsupported))
	})

	t.Run("invalid json", func(t *testing.T) {
		cmd := submitFlags(t, "--artifact", "./app", "--capability", "c", "--params", `{oops`)

		_, err := requestFromFlags(cmd)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

func TestFormatError(t *testing.T) {
	err := errors.WithHint(errors.New("no workers configured"), "set workers.count")
	out := FormatError(err)

	assert.Contains(t, out, "Error: no workers configured")
	assert.Contains(t, out, "hint: set workers.count")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

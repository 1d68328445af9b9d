package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teranos/transmute/ci"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/jobs"
)

// SubmitCmd enqueues a job
var SubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a transformation job",
	Long: `Submit a job and print its id. The job runs on any worker sharing the
database; submit never waits for it.

Policy:
  --on-success  CreatePullRequest (default), MergeToBranch, NotifyOnly
  --on-failure  DeleteBranch (default), KeepBranch, NotifyOnly
  --steps       Compile,Test (default); "none" runs no validation

--ci-trigger takes inline JSON or @file:
  {"type": "azuredevops", "organization": "...", "project": "...", "definition_id": 12, ...}
  {"type": "jenkins", "base_url": "...", "job": "...", ...}

Examples:
  transmute submit --artifact ./app --capability noop.touch
  transmute submit --artifact https://github.com/acme/app.git --capability upgrade \
    --params '{"target":"net8.0"}' --ci-trigger @azure.json`,
	RunE: runSubmit,
}

// StatusCmd shows one job
var StatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its execution log",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// CancelCmd cancels one job
var CancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Long: `Cancel a job. A pending job is cancelled immediately; a running job is
flagged and its worker stops it at the next step. Jobs that are compiling
or testing run to completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

// JobsCmd groups job listing and maintenance
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List and prune jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	Long: `List jobs, optionally filtered by state.

States: pending, running, compiling, testing, succeeded, failed, cancelled

Examples:
  transmute jobs ls
  transmute jobs ls --state failed --limit 50`,
	RunE: runJobsLs,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs",
	Long: `Delete succeeded, failed and cancelled jobs not updated within --older-than.

Example:
  transmute jobs prune --older-than 72h`,
	RunE: runJobsPrune,
}

func init() {
	addSubmitFlags(SubmitCmd.Flags())

	StatusCmd.Flags().Bool("json", false, "Output status as JSON")

	jobsLsCmd.Flags().String("state", "", "Filter by state")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsPruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "Minimum age of pruned jobs")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
}

func addSubmitFlags(fs *pflag.FlagSet) {
	fs.String("artifact", "", "Artifact locator: path, git URL or archive URL")
	fs.String("capability", "", "Capability name")
	fs.String("params", "", "Capability parameters as a JSON object, or @file")
	fs.String("ci-trigger", "", "CI trigger as JSON, or @file")
	fs.String("on-success", "", "Action when validation passes")
	fs.String("on-failure", "", "Action when validation fails")
	fs.StringSlice("steps", nil, `Validation steps (Compile,Test) or "none"`)
	fs.Bool("json", false, "Print the id as JSON")
}

// withQueue opens the job store for one command
func withQueue(fn func(ctx context.Context, q *jobs.Queue) error) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	database, queue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(context.Background(), queue)
}

// readJSONFlag accepts inline JSON or @path
func readJSONFlag(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if strings.HasPrefix(value, "@") {
		var err error
		data, err = os.ReadFile(value[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read --%s file", name)
		}
	}
	if !json.Valid(data) {
		return nil, errors.NewInvalidRequestError("--%s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

func requestFromFlags(cmd *cobra.Command) (jobs.Request, error) {
	flags := cmd.Flags()
	artifact, _ := flags.GetString("artifact")
	capabilityName, _ := flags.GetString("capability")
	rawParams, _ := flags.GetString("params")
	rawTrigger, _ := flags.GetString("ci-trigger")
	onSuccess, _ := flags.GetString("on-success")
	onFailure, _ := flags.GetString("on-failure")

	req := jobs.Request{
		Artifact:   artifact,
		Capability: capabilityName,
		Policy: jobs.Policy{
			OnSuccess: jobs.SuccessAction(onSuccess),
			OnFailure: jobs.FailureAction(onFailure),
		},
	}

	if flags.Changed("steps") {
		steps, _ := flags.GetStringSlice("steps")
		req.Policy.Steps = []jobs.Step{}
		for _, s := range steps {
			if strings.EqualFold(s, "none") {
				continue
			}
			req.Policy.Steps = append(req.Policy.Steps, jobs.Step(s))
		}
	}

	var err error
	if req.Parameters, err = readJSONFlag("params", rawParams); err != nil {
		return req, err
	}
	if req.CITrigger, err = readJSONFlag("ci-trigger", rawTrigger); err != nil {
		return req, err
	}
	if req.CITrigger != nil {
		if _, err := ci.ParseTrigger(req.CITrigger); err != nil {
			return req, err
		}
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	return withQueue(func(ctx context.Context, q *jobs.Queue) error {
		id, err := q.Submit(ctx, req)
		if err != nil {
			return err
		}
		if asJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"id": id})
		}
		pterm.Success.Printfln("Submitted job %s", id)
		pterm.Info.Printfln("Follow it with: transmute status %s", id)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	return withQueue(func(ctx context.Context, q *jobs.Queue) error {
		job, err := q.Get(ctx, args[0])
		if err != nil {
			return err
		}
		status := job.Status()

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}

		rows := pterm.TableData{
			{"Job", status.ID},
			{"State", stateLabel(status.State)},
			{"Capability", status.Capability},
			{"Artifact", status.Artifact},
			{"Created", status.CreatedAt.Local().Format("2006-01-02 15:04:05")},
			{"Updated", status.UpdatedAt.Local().Format("2006-01-02 15:04:05")},
		}
		if status.Message != "" {
			rows = append(rows, []string{"Message", status.Message})
		}
		if status.ResultURL != "" {
			rows = append(rows, []string{"Result", status.ResultURL})
		}
		if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
			return err
		}

		pterm.Println()
		pterm.DefaultSection.Println("Execution log")
		for _, line := range status.ExecutionLog {
			pterm.Println(line)
		}
		return nil
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, q *jobs.Queue) error {
		state, err := q.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		if state == jobs.StateCancelled {
			pterm.Success.Printfln("Job %s cancelled", args[0])
		} else {
			pterm.Info.Printfln("Cancellation requested, job %s is stopping", args[0])
		}
		return nil
	})
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	rawState, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")

	var filter *jobs.State
	if rawState != "" {
		state, err := jobs.ParseState(rawState)
		if err != nil {
			return err
		}
		filter = &state
	}

	return withQueue(func(ctx context.Context, q *jobs.Queue) error {
		list, err := q.List(ctx, filter, limit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			pterm.Info.Println("No jobs found")
			return nil
		}

		rows := pterm.TableData{{"JOB ID", "STATE", "CAPABILITY", "ARTIFACT", "UPDATED", "MESSAGE"}}
		for _, job := range list {
			rows = append(rows, []string{
				job.ID,
				stateLabel(job.State),
				job.Request.Capability,
				truncate(job.Request.Artifact, 40),
				job.UpdatedAt.Local().Format("2006-01-02 15:04"),
				truncate(job.Message, 50),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}

		counts, err := q.Counts(ctx)
		if err != nil {
			return err
		}
		pterm.Printfln("\nShowing %d job(s); pending %d, in flight %d",
			len(list), counts[jobs.StatePending],
			counts[jobs.StateRunning]+counts[jobs.StateCompiling]+counts[jobs.StateTesting])
		return nil
	})
}

func runJobsPrune(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	return withQueue(func(ctx context.Context, q *jobs.Queue) error {
		n, err := q.Prune(ctx, olderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Pruned %d finished job(s) older than %s", n, olderThan)
		return nil
	})
}

func stateLabel(s jobs.State) string {
	switch s {
	case jobs.StateSucceeded:
		return pterm.FgGreen.Sprint(s)
	case jobs.StateFailed:
		return pterm.FgRed.Sprint(s)
	case jobs.StateCancelled:
		return pterm.FgGray.Sprint(s)
	case jobs.StatePending:
		return string(s)
	default:
		return pterm.FgYellow.Sprint(s)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n-3])
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/transmute/cmd/transmute/commands"
	"github.com/teranos/transmute/logger"
)

var rootCmd = &cobra.Command{
	Use:   "transmute",
	Short: "transmute - validated code transformation jobs",
	Long: `transmute runs code-transformation capabilities against artifacts and
certifies every result by compiling it and running it through CI before it
is offered for merge.

Available commands:
  serve         - Run the HTTP API and the worker pool
  worker        - Run the worker pool only
  submit        - Submit a job
  status        - Show a job and its execution log
  cancel        - Cancel a pending or running job
  jobs          - List and prune jobs
  capabilities  - List registered capabilities
  config        - Show or initialize configuration

Examples:
  transmute config init
  transmute serve
  transmute submit --artifact ./app --capability noop.touch
  transmute status <job-id>`,
	SilenceUsage:      true,
	PersistentPreRunE: commands.Setup,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: system, ~/.transmute/config.toml, transmute.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.CapabilitiesCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, commands.FormatError(err))
		os.Exit(1)
	}
}

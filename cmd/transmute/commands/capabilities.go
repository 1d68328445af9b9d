package commands

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/transmute/logger"
)

// CapabilitiesCmd groups capability commands
var CapabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List registered capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var capabilitiesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Load capabilities.dir and list what registers",
	Long: `Load every package under capabilities.dir the way a worker does and list
the result, including packages that failed to load and why.

Process capabilities are started to read their metadata and stopped again.`,
	RunE: runCapabilitiesLs,
}

func init() {
	capabilitiesLsCmd.Flags().Bool("json", false, "Output as JSON")
	CapabilitiesCmd.AddCommand(capabilitiesLsCmd)
}

func runCapabilitiesLs(cmd *cobra.Command, args []string) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := context.Background()
	registry, summary, err := loadRegistry(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Unload(ctx); err != nil {
			logger.Logger.Warnw("Failed to unload capabilities", "error", err)
		}
	}()

	infos := registry.Describe()
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"capabilities": infos,
			"skipped":      summary.Skipped,
		})
	}

	rows := pterm.TableData{{"NAME", "KIND", "VERSION", "DESCRIPTION"}}
	for _, info := range infos {
		rows = append(rows, []string{info.Name, string(info.Kind), info.Version, truncate(info.Description, 60)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	if len(summary.Skipped) > 0 {
		dirs := make([]string, 0, len(summary.Skipped))
		for dir := range summary.Skipped {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)

		pterm.Println()
		for _, dir := range dirs {
			pterm.Warning.Printfln("%s: %s", dir, summary.Skipped[dir])
		}
	}
	return nil
}

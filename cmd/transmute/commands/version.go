package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/transmute/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Show transmute version information",
	Long:        `Display version, build time, commit hash, and platform information for the transmute binary.`,
	Annotations: map[string]string{annotationConfigOptional: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		info := version.Get()

		if jsonOutput {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}

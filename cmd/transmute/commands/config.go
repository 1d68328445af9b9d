package commands

import (
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/transmute/config"
)

// ConfigCmd groups configuration commands
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
	Long: `Configuration is merged from, lowest to highest precedence:

  /etc/transmute/config.toml
  ~/.transmute/config.toml
  transmute.toml (searched upward from the working directory)
  TRANSMUTE_* environment variables

Credentials (server.jwt_secret, pipeline.push_token, review.token) are best
set through TRANSMUTE_JWT_SECRET, TRANSMUTE_PUSH_TOKEN and
TRANSMUTE_REVIEW_TOKEN or GITHUB_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration with credentials redacted",
	Annotations: map[string]string{annotationConfigOptional: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		data, err := config.EffectiveTOML(path)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default configuration file",
	Annotations: map[string]string{annotationConfigOptional: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = filepath.Join(config.Dir(), "config.toml")
		}

		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		pterm.Success.Printfln("Wrote %s", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "Destination (default ~/.transmute/config.toml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
}

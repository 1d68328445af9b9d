package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/transmute/server"
)

// TokenCmd issues an API bearer token signed with server.jwt_secret
var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `Print an HS256 token accepted by 'transmute serve' when server.jwt_secret
is set.

Example:
  curl -H "Authorization: Bearer $(transmute token --subject ci)" http://127.0.0.1:8787/api/jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	TokenCmd.Flags().String("subject", "cli", "Token subject")
	TokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

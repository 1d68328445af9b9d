package commands

import (
	"github.com/pterm/pterm"

	"github.com/teranos/transmute/config"
	"github.com/teranos/transmute/version"
)

// printBanner shows what this process will use. Credentials are reported
// as set or unset only.
func printBanner(cfg *config.Config) {
	pterm.DefaultHeader.WithFullWidth().Printfln("transmute %s", version.Get().Short())

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Database", cfg.Database.Driver},
		{"Capabilities", cfg.Capabilities.Dir},
		{"Workspaces", cfg.Workspace.Root},
		{"Base branch", cfg.Pipeline.BaseBranch},
		{"Remote", valueOr(cfg.Pipeline.Remote, "(push disabled)")},
		{"Compile", cfg.Compile.Command},
		{"Review", valueOr(cfg.Review.Provider, "branch only")},
		{"API auth", setOrUnset(cfg.Server.JWTSecret)},
		{"Push token", setOrUnset(cfg.Pipeline.PushToken)},
	}).Render()
	pterm.Println()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func setOrUnset(secret string) string {
	if secret == "" {
		return "unset"
	}
	return "set"
}

// Package commands implements the transmute CLI.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/transmute/config"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/logger"
)

// annotationConfigOptional marks commands that must run even when the
// configuration does not load
const annotationConfigOptional = "config-optional"

// current is the configuration loaded by Setup
var current *config.Config

// Setup loads configuration and initializes the global logger before any
// command runs.
func Setup(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}

	if err != nil {
		if _, optional := cmd.Annotations[annotationConfigOptional]; !optional {
			_ = logger.Initialize(false, "")
			return errors.Wrap(err, "failed to load configuration")
		}
		if lerr := logger.InitializeWithLevel(false, logger.VerbosityToLevel(verbosity, zapcore.InfoLevel)); lerr != nil {
			return lerr
		}
		logger.Logger.Debugw("Continuing without configuration", "error", err)
		return nil
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return errors.WithHint(err, "log.level must be debug, info, warn or error")
	}
	if err := logger.InitializeWithLevel(cfg.Log.JSON, logger.VerbosityToLevel(verbosity, level)); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	current = cfg
	return nil
}

// FormatError renders an error with its hints for the terminal
func FormatError(err error) string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		b.WriteString("\n  hint: ")
		b.WriteString(hint)
	}
	return b.String()
}

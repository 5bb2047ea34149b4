// Package cli implements the petalrules command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrules/config"
)

// NewRootCmd builds the full command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalrules",
		Short: "PetalRules rule engine CLI",
		Long:  "PetalRules parses, stores, combines and evaluates boolean rules such as age > 30 AND salary >= 50000.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to petalrules.yaml (default: ./petalrules.yaml or ~/.petalrules/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("log-format", "", "Log format: text | json (default from config)")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalrules version %s\n", version))

	root.AddCommand(
		NewServeCmd(),
		NewValidateCmd(),
		NewEvalCmd(),
		NewCombineCmd(),
		NewImportCmd(),
		NewListCmd(),
		NewGetCmd(),
		NewDeleteCmd(),
	)
	return root
}

// loadConfig reads the configuration selected by --config.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Load(explicit)
	if err != nil {
		return config.Config{}, "", exitError(exitInputParse, "loading config: %v", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from config and the verbosity flags.
// Logs go to stderr so command output stays parseable.
func newLogger(cmd *cobra.Command, cfg config.LogConfig) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	format, _ := cmd.Flags().GetString("log-format")
	if format == "" {
		format = cfg.Format
	}

	level := parseLevel(cfg.Level)
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}

	var w io.Writer = cmd.ErrOrStderr()
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Command topicpipe validates topic and pipeline definitions, dispatches
// single writes against an in-memory store, and serves the HTTP trigger API.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitRuntimeError    = 3
)

// Build information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
)

// validationError marks failures caused by the definitions rather than the runtime.
type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		var verr *validationError
		if errors.As(err, &verr) {
			os.Exit(ExitValidationError)
		}
		os.Exit(ExitRuntimeError)
	}
}

type rootFlags struct {
	verbose   bool
	quiet     bool
	logFormat string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "topicpipe",
		Short: "Topic pipeline engine",
		Long: `topicpipe runs pipelines in reaction to topic writes and cascades the
writes those pipelines make to the pipelines of the written topics.

Examples:
  # Check a definitions file
  topicpipe validate topicpipe.yaml

  # Run one insert through an in-memory store
  topicpipe dispatch topicpipe.yaml --topic orders --new '{"number":"A-1","paid":true}'

  # Serve the HTTP API (Postgres when DATABASE_URL is set)
  topicpipe serve`,
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (%s)", version, commit),
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "Log errors only")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: json or text (default from TOPICPIPE_LOG_FORMAT)")

	root.AddCommand(newValidateCmd(flags))
	root.AddCommand(newDispatchCmd(flags))
	root.AddCommand(newServeCmd(flags))
	return root
}

// logger builds the process logger. Flags win over the environment.
func (f *rootFlags) logger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if f.verbose {
		lvl = slog.LevelDebug
	} else if f.quiet {
		lvl = slog.LevelError
	}
	if f.logFormat != "" {
		format = f.logFormat
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

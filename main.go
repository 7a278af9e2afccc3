package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/pipeline"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const VERSION = "0.1.0"

// app carries state shared by the subcommands of one invocation.
type app struct {
	configPath string
	verbose    bool
	// started is set when a command body begins; cobra validates flags and
	// arguments before that, so anything failing earlier is a usage error.
	started bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "clusterfinder",
		Short:         "Align, annotate, build a tree and label transmission clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zapcore.InfoLevel
			if a.verbose {
				level = zapcore.DebugLevel
			}
			return logger.InitLogger(level)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging, including stage diagnostics")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "clusterfinder", VERSION)
		},
	})
	return root
}

// exitCode maps the outcome of Execute to a process status.
func (a *app) exitCode(err error) int {
	if err == nil {
		return pipeline.ExitOK
	}
	if !a.started {
		return pipeline.ExitUsage
	}
	return pipeline.ExitCode(err)
}

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	code := a.exitCode(err)

	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			logger.Error("Pipeline failed", zap.Stringer("stage", se.Stage), zap.Error(se.Err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	logger.Sync() // Make sure that the buffered is flushed.
	os.Exit(code)
}

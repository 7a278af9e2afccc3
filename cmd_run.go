package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/config"
	"github.com/yumyai/clusterfinder/pkg/db"
	"github.com/yumyai/clusterfinder/pkg/pipeline"
	"github.com/yumyai/clusterfinder/pkg/tool"
	"go.uber.org/zap"
)

type runFlags struct {
	params     pipeline.Params
	labelScope string
	timeout    string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline and write <output-prefix>_final_table.csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, a, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.params.InputFasta, "input-fasta", "", "input sequences (FASTA)")
	fl.StringVar(&f.params.OutputPrefix, "output-prefix", "", "prefix of every file the run writes")
	fl.IntVar(&f.params.GenomeLength, "genome-length", 0, "reference genome length")
	fl.Float64Var(&f.params.Threshold, "threshold", 0, "TreeCluster distance threshold")
	fl.StringVar(&f.params.Reference, "reference", "", "reference sequence (FASTA)")
	fl.StringVar(&f.params.Annotation, "annotation", "", "genome annotation (GFF)")
	fl.StringVar(&f.params.MetadataFile, "metadata-file", "", "sample metadata (CSV)")
	fl.StringVar(&f.labelScope, "label-scope", "", "final label scope: group or cluster")
	fl.StringVar(&f.timeout, "timeout", "", "bound on each tool invocation, e.g. 6h")

	for _, name := range []string{"input-fasta", "output-prefix", "genome-length", "threshold",
		"reference", "annotation", "metadata-file"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runPipeline(cmd *cobra.Command, a *app, f *runFlags) error {
	a.started = true
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &pipeline.ValidationError{Field: "config", Err: err}
	}
	if !a.verbose {
		if err := logger.InitLogger(logger.ParseLevel(cfg.LogLevel)); err != nil {
			return err
		}
	}

	scopeName := cfg.LabelScope
	if f.labelScope != "" {
		scopeName = f.labelScope
	}
	scope, err := cluster.ParseScope(scopeName)
	if err != nil {
		return &pipeline.ValidationError{Field: "label scope", Err: err}
	}

	if f.timeout != "" {
		cfg.Tools.Timeout = f.timeout
	}
	timeout, err := cfg.ToolTimeout()
	if err != nil {
		return &pipeline.ValidationError{Field: "timeout", Err: err}
	}

	// The ledger is bookkeeping; a run goes ahead without it.
	var recorder pipeline.Recorder
	store, err := db.Open(cfg.LedgerPath())
	if err != nil {
		logger.Warn("Run ledger unavailable", zap.String("path", cfg.LedgerPath()), zap.Error(err))
	} else {
		defer store.Close()
		recorder = store
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := pipeline.New(tool.NewExec(timeout), pipeline.Options{
		Tools:      cfg.Tools,
		Sources:    cfg.Sources,
		LabelScope: scope,
	}, recorder)

	report, err := orch.Run(ctx, f.params)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d records written to %s\n",
		report.RunID, len(report.Records), report.Paths.FinalTable)
	return nil
}

// Package pipeline sequences the five stages of a run (align, annotate,
// tree_build, cluster, reconcile) and gates each one on the files the
// previous stage wrote.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/yumyai/clusterfinder/internal/util"
	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/config"
	"github.com/yumyai/clusterfinder/pkg/table"
	"github.com/yumyai/clusterfinder/pkg/tool"
	"go.uber.org/zap"
)

// Recorder receives the transitions of a run. The SQLite ledger implements it.
type Recorder interface {
	StartRun(ctx context.Context, runID, outputPrefix string, params map[string]string) error
	RecordStage(ctx context.Context, runID, stage, status, detail string) error
	FinishRun(ctx context.Context, runID, failedStage, errMsg, finalTable string) error
	SaveRecords(ctx context.Context, runID string, rows []cluster.LabeledRecord) error
}

// Stage event statuses passed to Recorder.RecordStage.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

type Options struct {
	Tools      config.Tools
	Sources    table.Sources
	LabelScope cluster.Scope
}

// Report describes how a run ended.
type Report struct {
	RunID string
	// State is StageDone on success, StageFailed otherwise.
	State Stage
	// FailedAt is the stage that halted the run, meaningful when State is StageFailed.
	FailedAt Stage
	Paths    Paths
	Records  []cluster.LabeledRecord
	Err      error
}

type Orchestrator struct {
	runner   tool.Runner
	opts     Options
	recorder Recorder
	newID    func() string
}

// New builds an orchestrator. recorder may be nil.
func New(runner tool.Runner, opts Options, recorder Recorder) *Orchestrator {
	if opts.LabelScope == "" {
		opts.LabelScope = cluster.ScopeGroup
	}
	return &Orchestrator{
		runner:   runner,
		opts:     opts,
		recorder: recorder,
		newID:    func() string { return uuid.New().String() },
	}
}

// Run executes every stage in order and stops at the first gate that fails.
// The final table is only ever written by a fully successful run.
func (o *Orchestrator) Run(ctx context.Context, p Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		logger.Error("Invalid run parameters", zap.Error(err))
		return nil, err
	}

	paths := NewPaths(p.OutputPrefix)
	report := &Report{RunID: o.newID(), State: StageAlign, Paths: paths}
	log := logger.L().With(zap.String("run_id", report.RunID))

	if err := os.MkdirAll(filepath.Dir(p.OutputPrefix), 0755); err != nil {
		return nil, &ValidationError{Field: "output prefix", Err: err}
	}

	unlock, err := acquireLock(paths.Lock)
	if err != nil {
		return nil, &ValidationError{Field: "output prefix", Err: err}
	}
	defer unlock()

	// A table left by an earlier run must not pass for this run's result.
	if removed, err := util.RemoveIfExists(paths.FinalTable); err != nil {
		return nil, &ValidationError{Field: "output prefix", Err: err}
	} else if removed {
		log.Info("Removed final table of a previous run", zap.String("path", paths.FinalTable))
	}

	o.record(ctx, func(r Recorder) error {
		return r.StartRun(ctx, report.RunID, p.OutputPrefix, p.Fields())
	})
	log.Info("Run started", zap.String("output_prefix", p.OutputPrefix))

	if stage, err := o.preflight(); err != nil {
		return o.fail(ctx, log, report, stage, err)
	}

	for stage := StageAlign; stage != StageDone; stage = stage.Next() {
		report.State = stage
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, log, report, stage, err)
		}

		log.Info("Stage started", zap.Stringer("stage", stage))
		o.record(ctx, func(r Recorder) error {
			return r.RecordStage(ctx, report.RunID, stage.String(), EventStarted, "")
		})

		if err := o.runStage(ctx, log, stage, p, report); err != nil {
			return o.fail(ctx, log, report, stage, err)
		}

		if err := verifyOutputs(stage, o.outputs(stage, paths)); err != nil {
			return o.fail(ctx, log, report, stage, err)
		}

		o.record(ctx, func(r Recorder) error {
			return r.RecordStage(ctx, report.RunID, stage.String(), EventCompleted, "")
		})
		log.Info("Stage completed", zap.Stringer("stage", stage))
	}

	report.State = StageDone
	o.record(ctx, func(r Recorder) error {
		return r.SaveRecords(ctx, report.RunID, report.Records)
	})
	o.record(ctx, func(r Recorder) error {
		return r.FinishRun(ctx, report.RunID, "", "", paths.FinalTable)
	})
	log.Info("Merged files saved", zap.String("final_table", paths.FinalTable))
	return report, nil
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, report *Report, stage Stage, err error) (*Report, error) {
	serr := &StageError{Stage: stage, Err: err}
	report.State = StageFailed
	report.FailedAt = stage
	report.Err = serr

	// Nothing of a failed reconcile may survive as a final table.
	if _, rmErr := util.RemoveIfExists(report.Paths.FinalTable); rmErr != nil {
		log.Warn("Could not remove final table", zap.Error(rmErr))
	}

	log.Error("Stage failed", zap.Stringer("stage", stage), zap.Error(err))

	// The run context may be the reason we are here; the ledger still needs the outcome.
	bg := context.WithoutCancel(ctx)
	o.record(bg, func(r Recorder) error {
		if err := r.RecordStage(bg, report.RunID, stage.String(), EventFailed, err.Error()); err != nil {
			return err
		}
		return r.FinishRun(bg, report.RunID, stage.String(), serr.Error(), "")
	})
	return report, serr
}

// record forwards to the recorder; ledger trouble never fails a run.
func (o *Orchestrator) record(ctx context.Context, fn func(Recorder) error) {
	if o.recorder == nil {
		return
	}
	if err := fn(o.recorder); err != nil {
		logger.Warn("Could not update run ledger", zap.Error(err))
	}
}

// preflight checks configuration and tool availability before anything runs,
// attributing a problem to the first stage that would hit it.
func (o *Orchestrator) preflight() (Stage, error) {
	t := o.opts.Tools
	checks := []struct {
		stage Stage
		bin   string
	}{
		{StageAlign, t.Nextalign},
		{StageAnnotate, t.Nextclade},
		{StageTreeBuild, t.IQTree},
		{StageCluster, t.Python},
	}
	for _, c := range checks {
		if c.bin == "" {
			return c.stage, fmt.Errorf("%w: no executable configured", tool.ErrToolNotFound)
		}
		if _, err := o.runner.Probe(c.bin); err != nil {
			return c.stage, err
		}
	}

	if t.NextcladeDataset == "" {
		return StageAnnotate, fmt.Errorf("nextclade dataset is not configured (set %s)", config.EnvNextcladeDataset)
	}
	if !util.DirExists(t.NextcladeDataset) && !util.FileExists(t.NextcladeDataset) {
		return StageAnnotate, fmt.Errorf("nextclade dataset %s does not exist", t.NextcladeDataset)
	}
	if t.TreeClusterScript == "" {
		return StageCluster, fmt.Errorf("%w: TreeCluster script is not configured (set %s)",
			tool.ErrToolNotFound, config.EnvTreeClusterScript)
	}
	if !util.FileExists(t.TreeClusterScript) {
		return StageCluster, fmt.Errorf("%w: TreeCluster script %s", tool.ErrToolNotFound, t.TreeClusterScript)
	}
	return StageAlign, nil
}

func (o *Orchestrator) runStage(ctx context.Context, log *zap.Logger, stage Stage, p Params, report *Report) error {
	paths := report.Paths
	t := o.opts.Tools

	switch stage {
	case StageAlign:
		if err := o.invoke(ctx, log, t.Nextalign,
			"run", "-r", p.Reference, "-g", p.Annotation, "-O", paths.AlignDir, p.InputFasta); err != nil {
			return err
		}
		listOutputs(log, paths.AlignDir)

	case StageAnnotate:
		if err := o.invoke(ctx, log, t.Nextclade,
			"run", "-D", t.NextcladeDataset, "-O", paths.CladeDir, paths.Aligned); err != nil {
			return err
		}
		listOutputs(log, paths.CladeDir)
		inspectHead(log, paths.CladeCSV, 5)

	case StageTreeBuild:
		// iqtree refuses to start over an existing checkpoint.
		removed, err := util.RemoveIfExists(paths.Checkpoint)
		if err != nil {
			return fmt.Errorf("remove stale checkpoint %s: %w", paths.Checkpoint, err)
		}
		if removed {
			log.Info("Removed stale checkpoint", zap.String("path", paths.Checkpoint))
		}
		return o.invoke(ctx, log, t.IQTree,
			"-s", paths.Aligned,
			"-m", t.IQTreeModel,
			"-bb", strconv.Itoa(t.IQTreeBootstrap),
			"-nt", t.IQTreeThreads,
			"--keep-ident",
			"-pre", p.OutputPrefix)

	case StageCluster:
		return o.invoke(ctx, log, t.Python, t.TreeClusterScript,
			"-i", paths.TreeFile,
			"-o", paths.Clusters,
			"-t", strconv.FormatFloat(p.Threshold, 'g', -1, 64))

	case StageReconcile:
		return o.reconcile(log, p, report)
	}
	return nil
}

func (o *Orchestrator) invoke(ctx context.Context, log *zap.Logger, name string, args ...string) error {
	res, err := o.runner.Invoke(ctx, name, args...)
	if res != nil {
		log.Debug("Tool output",
			zap.String("tool", name),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr))
	}
	return err
}

func (o *Orchestrator) reconcile(log *zap.Logger, p Params, report *Report) error {
	paths := report.Paths
	srcs := o.opts.Sources.WithPaths(p.MetadataFile, paths.CladeCSV, paths.Insertions, paths.Errors, paths.Clusters)

	merged, err := table.Merge(srcs)
	if err != nil {
		return err
	}
	labeled, err := cluster.Label(merged.Records, o.opts.LabelScope)
	if err != nil {
		return err
	}

	err = util.WriteFileAtomic(paths.FinalTable, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := cluster.WriteCSV(w, labeled); err != nil {
			return err
		}
		return w.Flush()
	})
	if err != nil {
		return fmt.Errorf("write final table %s: %w", paths.FinalTable, err)
	}

	report.Records = labeled
	log.Info("Reconciled records",
		zap.Int("records", len(labeled)),
		zap.Int("skipped_rows", merged.Frame.Skipped))
	return nil
}

// outputs are the artifacts a stage must leave behind.
func (o *Orchestrator) outputs(stage Stage, paths Paths) []string {
	switch stage {
	case StageAlign:
		return []string{paths.Aligned}
	case StageAnnotate:
		return []string{paths.CladeCSV}
	case StageTreeBuild:
		return []string{paths.TreeFile}
	case StageCluster:
		return []string{paths.Clusters}
	case StageReconcile:
		return []string{paths.FinalTable}
	}
	return nil
}

func verifyOutputs(stage Stage, files []string) error {
	for _, f := range files {
		if !util.FileExists(f) {
			return &MissingOutputError{Stage: stage, Path: f}
		}
	}
	return nil
}

func listOutputs(log *zap.Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debug("Could not list stage outputs", zap.String("dir", dir), zap.Error(err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	log.Debug("Files generated", zap.String("dir", dir), zap.Strings("files", names))
}

// inspectHead logs the first n lines of a generated table.
func inspectHead(log *zap.Logger, path string, n int) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for i := 0; i < n && sc.Scan(); i++ {
		log.Debug("Variant table", zap.String("path", path), zap.Int("line", i+1), zap.String("text", sc.Text()))
	}
}

var errRunInProgress = errors.New("another run is using this output prefix")

// acquireLock guards an output prefix against concurrent runs, which would
// clobber each other's checkpoint and intermediate files.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w (%s exists)", errRunInProgress, path)
	}
	if err != nil {
		return nil, err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock %s: %w", path, werr)
	}
	return func() { os.Remove(path) }, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Stage is a state of the run. Stages only move forward.
type Stage int

const (
	StageAlign Stage = iota
	StageAnnotate
	StageTreeBuild
	StageCluster
	StageReconcile
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageAlign:
		return "align"
	case StageAnnotate:
		return "annotate"
	case StageTreeBuild:
		return "tree_build"
	case StageCluster:
		return "cluster"
	case StageReconcile:
		return "reconcile"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Next returns the state that follows s on success.
func (s Stage) Next() Stage {
	if s >= StageReconcile {
		return StageDone
	}
	return s + 1
}

var ErrMissingOutputFile = errors.New("expected stage output is missing")

// MissingOutputError names an artifact a stage was supposed to write.
type MissingOutputError struct {
	Stage Stage
	Path  string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("%s did not produce %s", e.Stage, e.Path)
}

func (e *MissingOutputError) Is(target error) bool {
	return target == ErrMissingOutputFile
}

// StageError is returned when a run halts; Stage is where it stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ValidationError rejects run parameters before any stage starts.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Exit codes of the command line tool.
const (
	ExitOK       = 0
	ExitInternal = 1
	ExitUsage    = 2
	ExitCanceled = 130
	exitStage    = 10 // + stage index
)

// ExitCode maps a run error to the process exit status: 2 for bad
// parameters or configuration, 10-14 for the stage that failed (align,
// annotate, tree_build, cluster, reconcile), 130 when canceled.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitCanceled
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ExitUsage
	}
	var se *StageError
	if errors.As(err, &se) && se.Stage >= StageAlign && se.Stage <= StageReconcile {
		return exitStage + int(se.Stage)
	}
	return ExitInternal
}

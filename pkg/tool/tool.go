// Package tool runs the external analysis programs (nextalign, nextclade,
// iqtree, the TreeCluster interpreter) on behalf of the pipeline.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/yumyai/clusterfinder/logger"
	"go.uber.org/zap"
)

// Defining possible error
var (
	ErrToolNotFound        = errors.New("tool not found on PATH")
	ErrToolExecutionFailed = errors.New("tool execution failed")
)

// ExecutionError is returned when a tool started but did not finish cleanly:
// a nonzero exit, a kill after timeout, or a caller cancellation.
type ExecutionError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error // context error or the raw exec error, may be nil
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrToolExecutionFailed
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Result holds what a finished invocation produced.
type Result struct {
	Tool      string
	Path      string
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Truncated bool
}

// Runner is the contract the pipeline depends on.
type Runner interface {
	// Probe resolves name on the search path.
	Probe(name string) (string, error)
	// Invoke runs name with args and waits for it to finish.
	Invoke(ctx context.Context, name string, args ...string) (*Result, error)
}

const (
	DefaultMaxOutputBytes = 4 << 20
	DefaultWaitDelay      = 5 * time.Second
)

// Exec invokes tools with os/exec.
type Exec struct {
	// Timeout bounds every invocation; zero means wait for the caller's context only.
	Timeout time.Duration
	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int64
	// WaitDelay bounds how long pipes are drained after the child is killed.
	WaitDelay time.Duration
	// Dir is the working directory for the child, empty for the current one.
	Dir string

	lookPath func(string) (string, error)
}

func NewExec(timeout time.Duration) *Exec {
	return &Exec{
		Timeout:        timeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
		WaitDelay:      DefaultWaitDelay,
		lookPath:       exec.LookPath,
	}
}

func (e *Exec) Probe(name string) (string, error) {
	look := e.lookPath
	if look == nil {
		look = exec.LookPath
	}
	path, err := look(name)
	if err != nil {
		logger.Error("Tool is not installed or not on PATH", zap.String("tool", name))
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	logger.Debug("Tool found", zap.String("tool", name), zap.String("path", path))
	return path, nil
}

func (e *Exec) Invoke(ctx context.Context, name string, args ...string) (*Result, error) {
	path, err := e.Probe(name)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	maxOutput := e.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = e.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	logger.Debug("Invoking tool", zap.String("tool", name), zap.Strings("args", args))

	start := time.Now()
	runErr := cmd.Run()

	res := &Result{
		Tool:      name,
		Path:      path,
		ExitCode:  -1,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr == nil {
		logger.Debug("Tool finished",
			zap.String("tool", name),
			zap.Duration("duration", res.Duration),
			zap.Int("stdout_bytes", len(res.Stdout)))
		return res, nil
	}

	execErr := &ExecutionError{
		Tool:     name,
		Args:     args,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
	switch {
	case runCtx.Err() != nil:
		// Either our own deadline or the caller's cancellation killed the child.
		execErr.Err = runCtx.Err()
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			execErr.Err = runErr
		}
	}

	logger.Error("Tool failed",
		zap.String("tool", name),
		zap.Int("exit_code", res.ExitCode),
		zap.Error(execErr))
	return res, execErr
}

// limitedWriter keeps the first max bytes and silently drops the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := l.max - l.written
	if remaining <= 0 {
		l.truncated = true
		return n, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		l.truncated = true
	}
	written, err := l.w.Write(p)
	l.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}

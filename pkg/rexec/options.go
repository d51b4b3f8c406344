package rexec

import (
	"time"

	"github.com/andrej220/rexec/pkg/lg"
)

// Config carries the knobs shared by every Session and SessionManager.
// The zero value works: no logging, no event sink, no default timeouts.
type Config struct {
	Logger lg.Logger
	Sink   Sink

	// CommandTimeout bounds each command run unless overridden per call.
	// Zero disables the bound.
	CommandTimeout time.Duration

	// OutputTimeout bounds the silence between two output lines unless
	// overridden per call. Zero disables the bound.
	OutputTimeout time.Duration
}

func (c Config) logger() lg.Logger {
	if c.Logger == nil {
		return lg.Discard
	}
	return c.Logger
}

// LineFunc receives one line of task output. It runs on the task's worker
// goroutine, so lines arrive one at a time.
type LineFunc func(t *Task, line string)

// FinishedFunc runs once, after the task reached a terminal state.
type FinishedFunc func(t *Task)

// ExecOption adjusts a single Execute or copy call.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout       time.Duration
	outputTimeout time.Duration
	onStdout      LineFunc
	onStderr      LineFunc
	onFinished    FinishedFunc
	expectedExit  *int // nil disables the exit code check
}

func newExecOptions(cfg Config, opts []ExecOption) execOptions {
	zero := 0
	eo := execOptions{
		timeout:       cfg.CommandTimeout,
		outputTimeout: cfg.OutputTimeout,
		expectedExit:  &zero,
	}
	for _, o := range opts {
		o(&eo)
	}
	return eo
}

// WithTimeout bounds the whole command run. The task moves to
// StateTimedOut when the limit passes before the command finished.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// WithOutputTimeout bounds the silence between two output lines. The timer
// re-arms on every line.
func WithOutputTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.outputTimeout = d }
}

// WithOnStdout registers the stdout line callback. While no stderr
// callback is registered it receives stderr lines too.
func WithOnStdout(fn LineFunc) ExecOption {
	return func(o *execOptions) { o.onStdout = fn }
}

// WithOnStderr registers the stderr line callback.
func WithOnStderr(fn LineFunc) ExecOption {
	return func(o *execOptions) { o.onStderr = fn }
}

// WithOnFinished registers the completion callback. It runs exactly once,
// after the last output callback, whatever the outcome.
func WithOnFinished(fn FinishedFunc) ExecOption {
	return func(o *execOptions) { o.onFinished = fn }
}

// WithExpectedExitCode overrides the exit code treated as success.
// The default expectation is 0.
func WithExpectedExitCode(code int) ExecOption {
	return func(o *execOptions) {
		c := code
		o.expectedExit = &c
	}
}

// WithAnyExitCode disables the exit code check: the task succeeds on any
// exit and the code stays readable through ExitCode.
func WithAnyExitCode() ExecOption {
	return func(o *execOptions) { o.expectedExit = nil }
}

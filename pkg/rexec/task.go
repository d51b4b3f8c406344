// Package rexec runs shell commands asynchronously on local and remote
// hosts. Sessions own one connection each and hand out Task handles;
// a SessionManager synchronizes and aggregates errors across hosts.
package rexec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/rexec/pkg/lg"
)

// Process is one started command as the task worker sees it: two line
// streams and an eventual exit status. The session backends provide the
// implementations; tests may substitute their own.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the command finished and returns its exit code.
	// A non-nil error means the exit status could not be determined.
	Wait() (int, error)

	// Kill terminates the command best-effort and unblocks the stream
	// readers. It must be safe to call while Wait is pending.
	Kill() error
}

// Task is one asynchronous unit of work owned by a Session. Each task runs
// on its own worker goroutine; callbacks run there too, one at a time.
type Task struct {
	id      uuid.UUID
	session Session
	command string
	opts    execOptions
	logger  lg.Logger
	sink    Sink

	proc Process      // command-backed task
	fn   func() error // function-backed task (transfers)

	state   atomic.Int32
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	err      error
	exit     int
	hasExit  bool
	reported bool
}

func newProcTask(s Session, command string, p Process, eo execOptions, cfg Config) *Task {
	t := newTask(s, command, eo, cfg)
	t.proc = p
	return t
}

func newFuncTask(s Session, desc string, fn func() error, eo execOptions, cfg Config) *Task {
	t := newTask(s, desc, eo, cfg)
	t.fn = fn
	return t
}

func newTask(s Session, command string, eo execOptions, cfg Config) *Task {
	id := uuid.New()
	return &Task{
		id:      id,
		session: s,
		command: command,
		opts:    eo,
		logger:  cfg.logger().With(lg.String("session", s.Name()), lg.String("task", shortID(id))),
		sink:    cfg.Sink,
		done:    make(chan struct{}),
	}
}

// start moves the task to StateRunning and launches its worker. The
// session must have registered the task already.
func (t *Task) start() {
	t.started = time.Now()
	t.state.Store(int32(StateRunning))
	t.record(EventStarted)
	t.logger.Debug("task started", lg.String("command", t.command))
	go t.run()
}

func (t *Task) run() {
	defer close(t.done)
	if t.fn != nil {
		t.runFunc()
		return
	}
	t.runCommand()
}

// runFunc drives a function-backed task. Timeouts do not apply here; a
// blocked transfer cannot be cut safely mid-stream.
func (t *Task) runFunc() {
	err := t.invoke()
	state := StateSucceeded
	if err != nil {
		state = StateFailed
		err = t.wrap(err)
	}
	t.finish(state, 0, false, err)
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn()
}

// runCommand drives a command-backed task: dispatch lines while watching
// both timers, then reap the exit status.
func (t *Task) runCommand() {
	lines := streamLines(t.proc.Stdout(), t.proc.Stderr())

	var overall, idle *time.Timer
	var overallC, idleC <-chan time.Time
	if d := t.opts.timeout; d > 0 {
		overall = time.NewTimer(d)
		overallC = overall.C
		defer overall.Stop()
	}
	if d := t.opts.outputTimeout; d > 0 {
		idle = time.NewTimer(d)
		idleC = idle.C
		defer idle.Stop()
	}

	var cbErrs []error
	for {
		select {
		case ln, ok := <-lines:
			if !ok {
				t.reap(cbErrs)
				return
			}
			if ln.src == streamErr {
				cbErrs = append(cbErrs, t.wrap(fmt.Errorf("read output: %s", ln.text)))
				continue
			}
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(t.opts.outputTimeout)
			}
			if err := t.dispatch(ln); err != nil {
				cbErrs = append(cbErrs, err)
			}
		case <-overallC:
			t.expire(lines, false, cbErrs)
			return
		case <-idleC:
			t.expire(lines, true, cbErrs)
			return
		}
	}
}

// reap collects the exit status after both streams ended and settles the
// terminal state.
func (t *Task) reap(cbErrs []error) {
	exit, werr := t.proc.Wait()
	state := StateSucceeded
	hasExit := true
	var err error
	switch {
	case werr != nil:
		state = StateFailed
		hasExit = false
		err = t.wrap(fmt.Errorf("wait: %w", werr))
	case t.opts.expectedExit != nil && exit != *t.opts.expectedExit:
		state = StateFailed
		err = &ExitCodeError{TaskError: t.identity(), Code: exit}
	}
	if len(cbErrs) > 0 {
		if state == StateSucceeded {
			state = StateFailed
		}
		err = joinAll(err, cbErrs)
	}
	t.finish(state, exit, hasExit, err)
}

// expire forces the timeout transition: kill the command, stop
// dispatching, settle. Buffered lines are discarded so the scanners can
// finish behind us.
func (t *Task) expire(lines <-chan outLine, output bool, cbErrs []error) {
	_ = t.proc.Kill()
	go func() {
		for range lines {
		}
	}()
	go func() { _, _ = t.proc.Wait() }()

	limit := t.opts.timeout
	if output {
		limit = t.opts.outputTimeout
	}
	err := &TimeoutError{TaskError: t.identity(), Limit: limit, Output: output}
	t.finish(StateTimedOut, 0, false, joinAll(err, cbErrs))
}

// dispatch hands one line to the registered callback. Stderr falls through
// to the stdout callback while no stderr callback is set.
func (t *Task) dispatch(ln outLine) error {
	cb := t.opts.onStdout
	if ln.src == streamStderr && t.opts.onStderr != nil {
		cb = t.opts.onStderr
	}
	if cb == nil {
		return nil
	}
	return t.safely(func() { cb(t, ln.text) }, "output callback")
}

// safely runs fn, converting a panic into a task error so a broken
// callback never takes the worker down.
func (t *Task) safely(fn func(), what string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = t.wrap(fmt.Errorf("%s panicked: %v", what, r))
		}
	}()
	fn()
	return nil
}

// finish records the terminal outcome. The worker is the only caller and
// calls it exactly once. OnFinished runs after the state settled and
// before Done unblocks.
func (t *Task) finish(state State, exit int, hasExit bool, err error) {
	t.mu.Lock()
	t.exit = exit
	t.hasExit = hasExit
	t.err = err
	t.mu.Unlock()
	t.state.Store(int32(state))

	t.logger.Debug("task finished",
		lg.String("command", t.command),
		lg.String("state", state.String()),
		lg.Any("err", err))

	if cb := t.opts.onFinished; cb != nil {
		if cberr := t.safely(func() { cb(t) }, "finished callback"); cberr != nil {
			t.mu.Lock()
			t.err = join(t.err, cberr)
			t.mu.Unlock()
		}
	}
	t.record(EventFinished)
}

// record emits one lifecycle event to the sink, if any.
func (t *Task) record(kind EventKind) {
	if t.sink == nil {
		return
	}
	ev := Event{
		Kind:    kind,
		Time:    time.Now(),
		Session: t.session.Name(),
		Task:    t.id,
		Command: t.command,
		State:   t.State().String(),
	}
	if kind == EventFinished {
		t.mu.Lock()
		if t.hasExit {
			code := t.exit
			ev.Exit = &code
		}
		if t.err != nil {
			ev.Error = t.err.Error()
		}
		t.mu.Unlock()
	}
	if err := t.sink.Record(context.Background(), ev); err != nil {
		t.logger.Warn("event sink record failed", lg.Any("err", err))
	}
}

// identity names this task in errors.
func (t *Task) identity() TaskError {
	return TaskError{Session: t.session.Name(), Task: t.id, Command: t.command}
}

// wrap ties an error to this task's identity.
func (t *Task) wrap(err error) *TaskError {
	te := t.identity()
	te.Err = err
	return &te
}

// joinAll folds a primary error and collected callback errors together.
func joinAll(primary error, more []error) error {
	all := more
	if primary != nil {
		all = append([]error{primary}, more...)
	}
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return &TaskErrors{Errors: all}
}

// ID returns the unique task id.
func (t *Task) ID() uuid.UUID { return t.id }

// Session returns the owning session.
func (t *Task) Session() Session { return t.session }

// Command returns the command line, or a description for transfer tasks.
func (t *Task) Command() string { return t.command }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// StartedAt returns when the worker was launched.
func (t *Task) StartedAt() time.Time { return t.started }

// TimedOut reports whether one of the task's timeouts tripped.
func (t *Task) TimedOut() bool { return t.State() == StateTimedOut }

// Err returns the final error: nil while not terminal and on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task is terminal and its finished callback
// returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is terminal or ctx is done. A ctx expiry
// does not cancel the task, it only stops the waiting. The task's final
// error comes back as a value; an error taken here counts as delivered
// and is not reported again by WaitForTasks.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.claimErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns the command's exit status. Valid only once the task
// succeeded or failed with a known exit code; timed out and transfer
// tasks have none.
func (t *Task) ExitCode() (int, error) {
	s := t.State()
	if !s.Terminal() || s == StateTimedOut {
		return 0, &StateError{Op: "exit code", State: s}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasExit {
		return 0, &StateError{Op: "exit code", State: s}
	}
	return t.exit, nil
}

// claimErr returns the final error and marks it delivered, so aggregating
// waits skip errors the caller already has in hand.
func (t *Task) claimErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reported = true
	return t.err
}

// takeErr returns the final error the first time an aggregation collects
// it, nil on every later call.
func (t *Task) takeErr() error {
	if !t.State().Terminal() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reported || t.err == nil {
		return nil
	}
	t.reported = true
	return t.err
}

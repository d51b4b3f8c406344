package rexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc scripts a Process: the test feeds lines through pipes and
// decides when and how the command "exits".
type fakeProc struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	exit    int
	waitErr error

	done  chan struct{}
	once  sync.Once
	kills atomic.Int32
}

func newFakeProc() *fakeProc {
	p := &fakeProc{done: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProc) Stdout() io.Reader { return p.outR }
func (p *fakeProc) Stderr() io.Reader { return p.errR }

func (p *fakeProc) Wait() (int, error) {
	<-p.done
	return p.exit, p.waitErr
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	p.finish(p.exit)
	return nil
}

func (p *fakeProc) stdout(line string) { fmt.Fprintln(p.outW, line) }
func (p *fakeProc) stderr(line string) { fmt.Fprintln(p.errW, line) }

// finish ends both streams and unblocks Wait with the given exit code.
func (p *fakeProc) finish(exit int) {
	p.once.Do(func() {
		p.exit = exit
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

func testSession(t *testing.T) *LocalSession {
	t.Helper()
	s := NewLocalSession(Config{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// startFake wires a fake process into a task on s the way Execute would.
func startFake(t *testing.T, s *LocalSession, p *fakeProc, opts ...ExecOption) *Task {
	t.Helper()
	eo := newExecOptions(s.cfg, opts)
	task := newProcTask(s, "fake", p, eo, s.cfg)
	require.NoError(t, s.add(task))
	task.start()
	return task
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestTaskSuccessDeliversLinesThenFinished(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	var mu sync.Mutex
	var got []string
	finishedAfterLines := false
	var finished atomic.Int32

	task := startFake(t, s, p,
		WithOnStdout(func(_ *Task, line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		}),
		WithOnFinished(func(tk *Task) {
			finished.Add(1)
			mu.Lock()
			finishedAfterLines = len(got) == 3
			mu.Unlock()
			assert.True(t, tk.State().Terminal())
		}),
	)
	assert.Equal(t, StateRunning, task.State())

	p.stdout("one")
	p.stdout("two")
	p.stdout("three")
	p.finish(0)
	waitDone(t, task)

	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Equal(t, int32(1), finished.Load(), "finished callback must fire exactly once")
	assert.True(t, finishedAfterLines, "finished must run after the last output callback")
	assert.NoError(t, task.Err())

	code, err := task.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestTaskNonZeroExitFails(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()
	task := startFake(t, s, p)

	p.finish(7)
	waitDone(t, task)

	assert.Equal(t, StateFailed, task.State())
	code, err := task.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	var xerr *ExitCodeError
	require.ErrorAs(t, task.Err(), &xerr)
	assert.Equal(t, 7, xerr.Code)
	assert.Equal(t, "local", xerr.Session)
}

func TestTaskExpectedExitCode(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()
	task := startFake(t, s, p, WithExpectedExitCode(7))

	p.finish(7)
	waitDone(t, task)

	assert.Equal(t, StateSucceeded, task.State())
	assert.NoError(t, task.Err())
}

func TestTaskAnyExitCode(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()
	task := startFake(t, s, p, WithAnyExitCode())

	p.finish(3)
	waitDone(t, task)

	assert.Equal(t, StateSucceeded, task.State())
	code, err := task.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestTaskStderrFallsThroughWithoutStderrCallback(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	var mu sync.Mutex
	var got []string
	task := startFake(t, s, p, WithOnStdout(func(_ *Task, line string) {
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	}))

	p.stderr("oops")
	p.finish(0)
	waitDone(t, task)

	assert.Equal(t, []string{"oops"}, got)
}

func TestTaskStderrCallbackSplitsStreams(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	var mu sync.Mutex
	var out, errLines []string
	task := startFake(t, s, p,
		WithOnStdout(func(_ *Task, line string) {
			mu.Lock()
			out = append(out, line)
			mu.Unlock()
		}),
		WithOnStderr(func(_ *Task, line string) {
			mu.Lock()
			errLines = append(errLines, line)
			mu.Unlock()
		}),
	)

	p.stdout("fine")
	p.stderr("oops")
	p.finish(0)
	waitDone(t, task)

	assert.Equal(t, []string{"fine"}, out)
	assert.Equal(t, []string{"oops"}, errLines)
}

func TestTaskOverallTimeout(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	var finished atomic.Int32
	task := startFake(t, s, p,
		WithTimeout(50*time.Millisecond),
		WithOnFinished(func(*Task) { finished.Add(1) }),
	)
	// never any output, never exits on its own
	waitDone(t, task)

	assert.Equal(t, StateTimedOut, task.State())
	assert.True(t, task.TimedOut())
	assert.Equal(t, int32(1), finished.Load())
	assert.GreaterOrEqual(t, p.kills.Load(), int32(1), "timeout must kill the command")

	var terr *TimeoutError
	require.ErrorAs(t, task.Err(), &terr)
	assert.False(t, terr.Output)
	assert.Equal(t, 50*time.Millisecond, terr.Limit)

	_, err := task.ExitCode()
	var serr *StateError
	assert.ErrorAs(t, err, &serr, "timed out tasks have no exit code")
}

func TestTaskOutputTimeoutResetsOnLines(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	var mu sync.Mutex
	var got []string
	task := startFake(t, s, p,
		WithOutputTimeout(150*time.Millisecond),
		WithOnStdout(func(_ *Task, line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		}),
	)

	// lines inside the idle window keep the task alive past the window
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		p.stdout(fmt.Sprintf("tick %d", i))
	}
	// then silence trips the idle timer
	waitDone(t, task)

	assert.Equal(t, StateTimedOut, task.State())
	assert.Len(t, got, 4, "every line before the silence must have been delivered")

	var terr *TimeoutError
	require.ErrorAs(t, task.Err(), &terr)
	assert.True(t, terr.Output)
}

func TestTaskOutputCallbackPanicFailsTask(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	var finished atomic.Int32
	task := startFake(t, s, p,
		WithOnStdout(func(*Task, string) { panic("boom") }),
		WithOnFinished(func(*Task) { finished.Add(1) }),
	)

	p.stdout("trigger")
	p.finish(0)
	waitDone(t, task)

	assert.Equal(t, StateFailed, task.State(), "a panicking callback fails the task")
	assert.Equal(t, int32(1), finished.Load(), "finished still fires after a callback panic")
	require.Error(t, task.Err())
	assert.Contains(t, task.Err().Error(), "boom")
}

func TestTaskFinishedCallbackPanicKeepsTerminalState(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()

	task := startFake(t, s, p, WithOnFinished(func(*Task) { panic("late boom") }))
	p.finish(0)
	waitDone(t, task)

	assert.Equal(t, StateSucceeded, task.State(), "terminal state is settled before the finished callback")
	require.Error(t, task.Err())
	assert.Contains(t, task.Err().Error(), "late boom")
}

func TestTaskWaitTimeoutDoesNotCancelTask(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()
	task := startFake(t, s, p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := task.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRunning, task.State(), "an expired wait must not touch the task")
	assert.Zero(t, p.kills.Load())

	p.finish(0)
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, StateSucceeded, task.State())
}

func TestTaskExitCodeBeforeTerminal(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()
	task := startFake(t, s, p)

	_, err := task.ExitCode()
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateRunning, serr.State)

	p.finish(0)
	waitDone(t, task)
}

func TestTaskWaitFailure(t *testing.T) {
	s := testSession(t)
	p := newFakeProc()
	p.waitErr = errors.New("connection torn down")
	task := startFake(t, s, p)

	p.finish(0)
	waitDone(t, task)

	assert.Equal(t, StateFailed, task.State())
	require.Error(t, task.Err())
	_, err := task.ExitCode()
	assert.Error(t, err, "no exit code when the status could not be determined")
}

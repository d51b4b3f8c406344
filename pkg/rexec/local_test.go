package rexec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run real commands through /bin/sh.

func TestLocalExecuteCollectsOutput(t *testing.T) {
	s := testSession(t)

	var mu sync.Mutex
	var lines []string
	task, err := s.Execute(`printf 'first\nsecond\n'`, WithOnStdout(func(_ *Task, line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestLocalExitSeven(t *testing.T) {
	s := testSession(t)

	task, err := s.Execute("exit 7")
	require.NoError(t, err)

	werr := s.WaitForTasks(context.Background())
	require.Error(t, werr)

	assert.Equal(t, StateFailed, task.State())
	code, err := task.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	var xerr *ExitCodeError
	require.ErrorAs(t, werr, &xerr)
	assert.Equal(t, 7, xerr.Code)
}

func TestLocalStderrDelivery(t *testing.T) {
	s := testSession(t)

	var mu sync.Mutex
	var errLines []string
	task, err := s.Execute(`echo oops >&2`, WithOnStderr(func(_ *Task, line string) {
		mu.Lock()
		errLines = append(errLines, line)
		mu.Unlock()
	}))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, []string{"oops"}, errLines)
}

func TestLocalOutputTimeout(t *testing.T) {
	s := testSession(t)

	task, err := s.Execute(`echo alive; sleep 5`, WithOutputTimeout(200*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-task.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("output timeout did not fire")
	}
	assert.Equal(t, StateTimedOut, task.State())
}

func TestLocalOverallTimeout(t *testing.T) {
	s := testSession(t)

	task, err := s.Execute(`sleep 5`, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-task.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("overall timeout did not fire")
	}
	assert.Equal(t, StateTimedOut, task.State())
	var terr *TimeoutError
	assert.ErrorAs(t, task.Err(), &terr)
}

func TestLocalSessionDefaultTimeoutsFromConfig(t *testing.T) {
	s := NewLocalSession(Config{CommandTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = s.Close() })

	task, err := s.Execute(`sleep 5`)
	require.NoError(t, err)

	select {
	case <-task.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("configured default timeout did not fire")
	}
	assert.True(t, task.TimedOut())
}

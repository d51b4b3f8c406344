package rexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCopyFileBetweenSessions(t *testing.T) {
	src := testSession(t)
	dst := testSession(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "in.txt")
	dstPath := filepath.Join(dir, "out.txt")
	writeFixture(t, srcPath, "payload\n")

	task, err := src.CopyFile(srcPath, dst, dstPath)
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, "payload\n", readFixture(t, dstPath))
}

func TestCopyFileMissingSource(t *testing.T) {
	src := testSession(t)
	dst := testSession(t)
	dir := t.TempDir()

	task, err := src.CopyFile(filepath.Join(dir, "nope"), dst, filepath.Join(dir, "out"))
	require.NoError(t, err, "the transfer itself is asynchronous")

	err = task.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, task.State())
	var terr *TaskError
	assert.ErrorAs(t, err, &terr)
}

func TestCopyDirMirrorsTree(t *testing.T) {
	src := testSession(t)
	dst := testSession(t)
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "tree", "a.txt"), "a")
	writeFixture(t, filepath.Join(dir, "tree", "sub", "b.txt"), "b")
	dstRoot := filepath.Join(dir, "mirror")

	task, err := src.CopyDir(filepath.Join(dir, "tree"), dst, dstRoot)
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))

	assert.Equal(t, "a", readFixture(t, filepath.Join(dstRoot, "a.txt")))
	assert.Equal(t, "b", readFixture(t, filepath.Join(dstRoot, "sub", "b.txt")))
}

func TestCopyDirRefusesExistingDestination(t *testing.T) {
	src := testSession(t)
	dst := testSession(t)
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "tree", "a.txt"), "a")
	dstRoot := filepath.Join(dir, "taken")
	require.NoError(t, os.Mkdir(dstRoot, 0o755))

	task, err := src.CopyDir(filepath.Join(dir, "tree"), dst, dstRoot)
	require.NoError(t, err)

	err = task.Wait(context.Background())
	require.ErrorIs(t, err, os.ErrExist)
	assert.Equal(t, StateFailed, task.State())

	entries, rerr := os.ReadDir(dstRoot)
	require.NoError(t, rerr)
	assert.Empty(t, entries, "the precondition must fail before any byte moves")
}

func TestCopyOnClosedSession(t *testing.T) {
	src := NewLocalSession(Config{})
	dst := testSession(t)
	require.NoError(t, src.Close())

	_, err := src.CopyFile("in", dst, "out")
	assert.True(t, errors.Is(err, ErrClosed))
}

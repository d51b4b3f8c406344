package rexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andrej220/rexec/pkg/lg"
)

// Session owns one connection to one execution target and is the factory
// and registry for the tasks running there. Implementations keep exactly
// one worker goroutine per running task; the session's own lock covers
// registry mutation only, never I/O.
type Session interface {
	// Name identifies the target in logs and errors: host alias or "local".
	Name() string

	// Execute starts command asynchronously and returns its handle. The
	// returned task is already running. A closed session returns ErrClosed
	// and registers nothing.
	Execute(command string, opts ...ExecOption) (*Task, error)

	// Tasks returns the registered tasks in insertion order.
	Tasks() []*Task

	// WaitForTasks blocks until every registered task is terminal,
	// including tasks that callbacks register while the wait runs. Every
	// collected failure comes back in one aggregate; a ctx expiry stops
	// the waiting, not the tasks.
	WaitForTasks(ctx context.Context) error

	// CopyFile streams one file from this session to dst through the
	// calling process. The transfer runs as a task on this session.
	CopyFile(srcPath string, dst Session, dstPath string, opts ...ExecOption) (*Task, error)

	// CopyDir mirrors a directory tree onto dst. The destination path
	// must not exist yet; the transfer fails before moving any byte
	// otherwise. Symlinks are not followed.
	CopyDir(srcPath string, dst Session, dstPath string, opts ...ExecOption) (*Task, error)

	// Close waits for all tasks, then releases the connection exactly
	// once. A failed wait never skips the release; its error is returned
	// after cleanup.
	Close() error

	// File access on the target, shared by the copy operations.
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Mkdir(path string) error
	Exists(path string) (bool, error)
	IsDir(path string) (bool, error)
	ReadDir(path string) ([]os.FileInfo, error)
}

// base carries the task registry, the wait loop and the close sequencing
// shared by every session type.
type base struct {
	name    string
	cfg     Config
	logger  lg.Logger
	release func() error // connection teardown, nil when there is none

	mu     sync.Mutex
	tasks  []*Task
	closed bool
}

func newBase(name string, cfg Config, release func() error) base {
	return base{
		name:    name,
		cfg:     cfg,
		logger:  cfg.logger().With(lg.String("session", name)),
		release: release,
	}
}

// Name identifies this session in logs and errors.
func (b *base) Name() string { return b.name }

// add registers a task, refusing on a closed session.
func (b *base) add(t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.tasks = append(b.tasks, t)
	return nil
}

// Tasks returns a snapshot of the registry in insertion order.
func (b *base) Tasks() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func (b *base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// WaitForTasks blocks until every registered task is terminal. Finished
// callbacks may register more tasks mid-wait, so the registry is
// re-checked after each pass instead of snapshotted once.
func (b *base) WaitForTasks(ctx context.Context) error {
	seen := 0
	expired := false
	for !expired {
		tasks := b.Tasks()
		if seen >= len(tasks) {
			break
		}
		for _, t := range tasks[seen:] {
			select {
			case <-t.Done():
				continue
			case <-ctx.Done():
			}
			select {
			case <-t.Done():
				// finished right at the wire
			default:
				expired = true
			}
			if expired {
				break
			}
		}
		seen = len(tasks)
	}

	errs := b.takeTaskErrs()
	if expired {
		errs = append(errs, fmt.Errorf("session %q: wait for tasks: %w", b.name, ctx.Err()))
	}
	return aggregate(errs)
}

// takeTaskErrs collects every not-yet-delivered task failure.
func (b *base) takeTaskErrs() []error {
	var errs []error
	for _, t := range b.Tasks() {
		if err := t.takeErr(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Close waits for the tasks, then releases the connection. The release
// runs exactly once over the session's lifetime, whatever the wait
// returned; wait errors surface after cleanup.
func (b *base) Close() error {
	werr := b.WaitForTasks(context.Background())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return werr
	}
	b.closed = true
	release := b.release
	b.mu.Unlock()

	var rerr error
	if release != nil {
		rerr = release()
	}
	b.logger.Debug("session closed", lg.Any("err", werr))
	return join(werr, rerr)
}

package rexec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// LocalSession runs commands on the calling host through /bin/sh. There
// is no connection to open or release.
type LocalSession struct {
	base
}

var _ Session = (*LocalSession)(nil)

// NewLocalSession returns a session for the calling host, named "local".
func NewLocalSession(cfg Config) *LocalSession {
	return NewNamedLocalSession("local", cfg)
}

// NewNamedLocalSession returns a session for the calling host under an
// explicit name, so several local entries in one inventory stay
// distinguishable in errors and logs.
func NewNamedLocalSession(name string, cfg Config) *LocalSession {
	return &LocalSession{base: newBase(name, cfg, nil)}
}

// Execute starts command under /bin/sh -c and returns its running task.
func (s *LocalSession) Execute(command string, opts ...ExecOption) (*Task, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	eo := newExecOptions(s.cfg, opts)
	p, err := startLocal(command)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	t := newProcTask(s, command, p, eo, s.cfg)
	if err := s.add(t); err != nil {
		_ = p.Kill()
		go func() { _, _ = p.Wait() }()
		return nil, err
	}
	t.start()
	return t, nil
}

// CopyFile streams one local file onto dst.
func (s *LocalSession) CopyFile(srcPath string, dst Session, dstPath string, opts ...ExecOption) (*Task, error) {
	return copyFileTask(s, &s.base, srcPath, dst, dstPath, opts)
}

// CopyDir mirrors a local directory tree onto dst.
func (s *LocalSession) CopyDir(srcPath string, dst Session, dstPath string, opts ...ExecOption) (*Task, error) {
	return copyDirTask(s, &s.base, srcPath, dst, dstPath, opts)
}

func (s *LocalSession) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (s *LocalSession) Create(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

func (s *LocalSession) Mkdir(path string) error {
	return os.Mkdir(path, 0o755)
}

func (s *LocalSession) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, err
}

func (s *LocalSession) IsDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func (s *LocalSession) ReadDir(path string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

// localProc adapts os/exec to the Process interface.
type localProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func startLocal(command string) (*localProc, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &localProc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *localProc) Stdout() io.Reader { return p.stdout }
func (p *localProc) Stderr() io.Reader { return p.stderr }

func (p *localProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var xerr *exec.ExitError
	if errors.As(err, &xerr) {
		return xerr.ExitCode(), nil
	}
	return 0, err
}

func (p *localProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

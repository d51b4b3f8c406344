package rexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/sftp"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/rexec/pkg/lg"
)

// SSHConfig describes one remote target for DialSSH. At least one of
// Password and KeyFile must be set.
type SSHConfig struct {
	Name        string `validate:"-"` // session name, defaults to Addr
	Addr        string `validate:"required"`
	User        string `validate:"required"`
	Password    string `validate:"required_without=KeyFile"`
	KeyFile     string `validate:"required_without=Password"` // PEM private key path
	HostKey     ssh.HostKeyCallback
	DialTimeout time.Duration // per-attempt bound, defaults to 10s
	RetryFor    time.Duration // total dial retry budget, defaults to 30s
}

var validate = validator.New()

// DialSSH opens the transport to one remote host and wraps it in a
// session. The dial is retried with exponential backoff until it
// succeeds, the retry budget runs out, or ctx is done.
func DialSSH(ctx context.Context, sc SSHConfig, cfg Config) (*SSHSession, error) {
	if err := validate.Struct(&sc); err != nil {
		return nil, fmt.Errorf("ssh config: %w", err)
	}
	name := sc.Name
	if name == "" {
		name = sc.Addr
	}
	logger := cfg.logger().With(lg.String("session", name))

	var auth []ssh.AuthMethod
	if sc.KeyFile != "" {
		key, err := os.ReadFile(sc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if sc.Password != "" {
		auth = append(auth, ssh.Password(sc.Password))
	}

	hostKey := sc.HostKey
	if hostKey == nil {
		// accept anything; pass a real callback for production hosts
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	dialTimeout := sc.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	ccfg := &ssh.ClientConfig{
		User:            sc.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.Multiplier = 1.5
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = sc.RetryFor
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = 30 * time.Second
	}

	var client *ssh.Client
	operation := func() error {
		var err error
		client, err = ssh.Dial("tcp", sc.Addr, ccfg)
		if err != nil {
			logger.Warn("ssh dial failed, retrying", lg.String("addr", sc.Addr), lg.Any("err", err))
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", sc.Addr, err)
	}
	logger.Info("ssh connected", lg.String("addr", sc.Addr), lg.String("user", sc.User))

	s, err := NewSSHSession(name, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// SSHSession runs commands on one remote host. The transport multiplexes:
// each task gets its own exec channel, file access goes through SFTP.
type SSHSession struct {
	base
	client *ssh.Client
	ftp    *sftp.Client
	cb     *gobreaker.CircuitBreaker
}

var _ Session = (*SSHSession)(nil)

// NewSSHSession wraps an established client. The session takes ownership:
// Close releases the client.
func NewSSHSession(name string, client *ssh.Client, cfg Config) (*SSHSession, error) {
	ftp, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	s := &SSHSession{client: client, ftp: ftp}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-channels-" + name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	s.base = newBase(name, cfg, s.releaseConn)
	return s, nil
}

func (s *SSHSession) releaseConn() error {
	ferr := s.ftp.Close()
	if cerr := s.client.Close(); cerr != nil {
		return cerr
	}
	return ferr
}

// newChannel opens one exec channel behind the circuit breaker, so a dead
// or dying host stops burning channel opens quickly.
func (s *SSHSession) newChannel() (*ssh.Session, error) {
	result, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.NewSession()
	})
	if err != nil {
		return nil, err
	}
	return result.(*ssh.Session), nil
}

// Execute starts command on a fresh channel and returns its running task.
func (s *SSHSession) Execute(command string, opts ...ExecOption) (*Task, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	eo := newExecOptions(s.cfg, opts)
	ch, err := s.newChannel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	stdout, err := ch.StdoutPipe()
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := ch.Start(command); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	p := &sshProc{sess: ch, stdout: stdout, stderr: stderr}
	t := newProcTask(s, command, p, eo, s.cfg)
	if err := s.add(t); err != nil {
		_ = p.Kill()
		go func() { _, _ = p.Wait() }()
		return nil, err
	}
	t.start()
	return t, nil
}

// CopyFile streams one remote file onto dst.
func (s *SSHSession) CopyFile(srcPath string, dst Session, dstPath string, opts ...ExecOption) (*Task, error) {
	return copyFileTask(s, &s.base, srcPath, dst, dstPath, opts)
}

// CopyDir mirrors a remote directory tree onto dst.
func (s *SSHSession) CopyDir(srcPath string, dst Session, dstPath string, opts ...ExecOption) (*Task, error) {
	return copyDirTask(s, &s.base, srcPath, dst, dstPath, opts)
}

func (s *SSHSession) Open(path string) (io.ReadCloser, error) {
	return s.ftp.Open(path)
}

func (s *SSHSession) Create(path string) (io.WriteCloser, error) {
	return s.ftp.Create(path)
}

func (s *SSHSession) Mkdir(path string) error {
	return s.ftp.Mkdir(path)
}

func (s *SSHSession) Exists(path string) (bool, error) {
	_, err := s.ftp.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, err
}

func (s *SSHSession) IsDir(path string) (bool, error) {
	fi, err := s.ftp.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func (s *SSHSession) ReadDir(path string) ([]os.FileInfo, error) {
	return s.ftp.ReadDir(path)
}

// sshProc adapts one exec channel to the Process interface.
type sshProc struct {
	sess   *ssh.Session
	stdout io.Reader
	stderr io.Reader
	once   sync.Once
}

func (p *sshProc) Stdout() io.Reader { return p.stdout }
func (p *sshProc) Stderr() io.Reader { return p.stderr }

func (p *sshProc) close() {
	p.once.Do(func() { _ = p.sess.Close() })
}

func (p *sshProc) Wait() (int, error) {
	err := p.sess.Wait()
	p.close()
	if err == nil {
		return 0, nil
	}
	var xerr *ssh.ExitError
	if errors.As(err, &xerr) {
		return xerr.ExitStatus(), nil
	}
	return 0, err
}

// Kill signals the remote command and drops the channel. Servers that
// ignore the signal still see the channel close.
func (p *sshProc) Kill() error {
	_ = p.sess.Signal(ssh.SIGKILL)
	p.close()
	return nil
}

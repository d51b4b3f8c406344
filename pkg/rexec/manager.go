package rexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/andrej220/rexec/pkg/lg"
)

// SessionManager tracks sessions by name and synchronizes over all of
// them at once. Iteration always follows first-registration order.
type SessionManager struct {
	cfg    Config
	logger lg.Logger

	mu       sync.Mutex
	order    []string
	sessions map[string]Session
}

func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		logger:   cfg.logger(),
		sessions: make(map[string]Session),
	}
}

// Register adds s under name. Registering a taken name replaces the entry
// in place, keeps its position, and returns the displaced session, which
// keeps running: closing it stays the caller's job.
func (m *SessionManager) Register(name string, s Session) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, taken := m.sessions[name]
	if !taken {
		m.order = append(m.order, name)
	}
	m.sessions[name] = s
	m.logger.Debug("session registered", lg.String("name", name), lg.Bool("replaced", taken))
	if !taken {
		return nil
	}
	return prev
}

// Get returns the session registered under name.
func (m *SessionManager) Get(name string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Names returns the registered names in registration order.
func (m *SessionManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of registered sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ordered returns the sessions in registration order.
func (m *SessionManager) ordered() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name])
	}
	return out
}

// WaitForTasks blocks until every task of every session is terminal,
// including tasks that callbacks spawn across sessions while the wait
// runs. Sessions are visited in order and never skipped, so a slow host
// cannot hide a failing one. All failures come back in one aggregate; on
// ctx expiry each session still holding running tasks contributes a
// timeout-class error and the rest are still visited.
func (m *SessionManager) WaitForTasks(ctx context.Context) error {
	var waitErrs []error
	expired := make(map[string]bool)
	last := -1
	for {
		total := 0
		for _, s := range m.ordered() {
			tasks := s.Tasks()
			for _, t := range tasks {
				select {
				case <-t.Done():
					continue
				case <-ctx.Done():
				}
				select {
				case <-t.Done():
					// finished right at the wire
				default:
					if !expired[s.Name()] {
						expired[s.Name()] = true
						waitErrs = append(waitErrs, fmt.Errorf("session %q: wait for tasks: %w", s.Name(), ctx.Err()))
					}
				}
			}
			total += len(tasks)
		}
		if ctx.Err() != nil || total == last {
			break
		}
		last = total
	}

	var errs []error
	for _, s := range m.ordered() {
		for _, t := range s.Tasks() {
			if err := t.takeErr(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	errs = append(errs, waitErrs...)
	return aggregate(errs)
}

// Close waits for everything, then closes every session in registration
// order. One session failing to close never stops the next; the composite
// of everything that went wrong comes back after all attempts.
func (m *SessionManager) Close() error {
	var errs []error
	if werr := m.WaitForTasks(context.Background()); werr != nil {
		if te, ok := werr.(*TaskErrors); ok {
			errs = append(errs, te.Errors...)
		} else {
			errs = append(errs, werr)
		}
	}
	for _, name := range m.Names() {
		s, ok := m.Get(name)
		if !ok {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %q: %w", name, err))
		}
	}
	m.logger.Debug("session manager closed", lg.Int("sessions", m.Len()))
	return aggregate(errs)
}

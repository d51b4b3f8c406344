package hostcfg

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/andrej220/rexec/pkg/rexec"
)

// BuildManager dials every host in the inventory and returns a manager
// with one session per host, registered in inventory order. Remote hosts
// are dialed concurrently. When any dial fails, every session opened so
// far is closed and the dial errors come back; no half-built manager
// escapes.
func BuildManager(ctx context.Context, inv *Inventory, cfg rexec.Config) (*rexec.SessionManager, error) {
	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	sessions := make([]rexec.Session, len(inv.Hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range inv.Hosts {
		if h.Local {
			sessions[i] = rexec.NewNamedLocalSession(h.Name, cfg)
			continue
		}
		i, h := i, h
		g.Go(func() error {
			s, err := rexec.DialSSH(gctx, rexec.SSHConfig{
				Name:     h.Name,
				Addr:     h.Addr,
				User:     h.User,
				Password: h.Password,
				KeyFile:  h.KeyFile,
			}, cfg)
			if err != nil {
				return fmt.Errorf("host %q: %w", h.Name, err)
			}
			sessions[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, err
	}

	m := rexec.NewSessionManager(cfg)
	for i, h := range inv.Hosts {
		m.Register(h.Name, sessions[i])
	}
	return m, nil
}

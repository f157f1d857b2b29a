// Package autostart is the AutoStart component: at process boot, after
// the store is opened, it enumerates every {host, tunnelConnection}
// pair with AutoStart set and hands each to the tunnel engine with a
// 1s stagger, using the autostart-variant credential tie-break (step 5
// of internal/credential.Resolver.Resolve) since no interactive user is
// present to supply a password.
//
// The enumerate-then-stagger-launch shape follows a boot sequencer's
// internal/leader election bootstrap ordering (do the one-time
// enumeration up front, then hand every discovered unit to its owning
// subsystem one at a time rather than all at once) adapted from
// "elect, then reconcile resources" to "list hosts, then connect
// tunnels".
package autostart

import (
	"context"
	"log/slog"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

// HostLister is the subset of internal/store.Store AutoStart depends on.
type HostLister interface {
	ListAllHostsWithEnabledTunnels(ctx context.Context) ([]core.Host, error)
}

// Engine is the subset of internal/tunnel.Engine AutoStart depends on.
type Engine interface {
	Connect(ctx context.Context, userID string, host core.Host, tc core.TunnelConnection, useAutostart bool) (string, error)
}

const stagger = 1 * time.Second

// Run enumerates every host with EnableTunnel set, across every user,
// and — for each of its TunnelConnections with AutoStart set — calls
// engine.Connect with useAutostart=true, staggering successive connects
// by one second. It returns the list of tunnel names it started; a
// per-tunnel Connect error is logged and does not stop the remaining
// enumeration.
func Run(ctx context.Context, store HostLister, engine Engine) ([]string, error) {
	hosts, err := store.ListAllHostsWithEnabledTunnels(ctx)
	if err != nil {
		return nil, err
	}

	var started []string
	first := true
	for _, host := range hosts {
		for _, tc := range host.TunnelConnections {
			if !tc.AutoStart {
				continue
			}

			if !first {
				select {
				case <-time.After(stagger):
				case <-ctx.Done():
					return started, ctx.Err()
				}
			}
			first = false

			name, err := engine.Connect(ctx, host.UserID, host, tc, true)
			if err != nil {
				slog.Error("autostart tunnel connect failed",
					"host", host.Name, "sourcePort", tc.SourcePort, "error", err)
				continue
			}
			started = append(started, name)
		}
	}
	return started, nil
}

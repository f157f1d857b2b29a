// Package main is the entry point for the sshcontrol binary: a
// self-hosted, multi-user SSH control plane exposing host credential
// storage, tunnel management, SSH metrics, file management, and
// terminal relay over HTTP.
//
// Dependencies are wired directly in serve() rather than through a DI
// framework: the dependency graph is a single flat chain of singletons
// with no build-time variants to generate, so generated injector code
// would add indirection without buying anything.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/autostart"
	"github.com/scjtqs2/Termix-sub002/internal/config"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/filemanager"
	"github.com/scjtqs2/Termix-sub002/internal/httpapi"
	"github.com/scjtqs2/Termix-sub002/internal/metrics"
	"github.com/scjtqs2/Termix-sub002/internal/queue"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"github.com/scjtqs2/Termix-sub002/internal/store"
	"github.com/scjtqs2/Termix-sub002/internal/terminal"
	"github.com/scjtqs2/Termix-sub002/internal/transport"
	"github.com/scjtqs2/Termix-sub002/internal/tunnel"
)

// version is injected at build time via -ldflags (e.g. -ldflags
// "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, executes the root command, and returns any
// resulting error. Cobra is configured with SilenceErrors so the
// message is printed exactly once, here, in a consistent format.
func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	root := &cobra.Command{
		Use:           "sshcontrol",
		Short:         "sshcontrol: a self-hosted, multi-user SSH control plane.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(root.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	return root.ExecuteContext(ctx)
}

// serve wires every singleton component, runs boot-time autostart, and
// blocks serving HTTP until ctx is cancelled.
func serve(ctx context.Context, conf *config.Config) error {
	masterKey, err := crypto.LoadOrGenerateMasterKey(conf.MasterKeySeed())
	if err != nil {
		return fmt.Errorf("failed to establish master key: %w", err)
	}
	env := crypto.New(masterKey, conf.UnlockSessionTTL())

	if err := os.MkdirAll(conf.DataDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(conf.DataDir()+"/sshcontrol.db", env)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gate := auth.New(st, env, conf.JWTSecret())

	resolver := credential.New(st)

	pool := sshpool.New(conf.MaxConnectionsPerHost(), conf.PoolCreateTimeout(), conf.PoolIdleTTL(), conf.PoolJanitorInterval())
	defer pool.Destroy()

	q := queue.New()

	collector := metrics.New(pool, q, prometheus.DefaultRegisterer)

	engine := tunnel.New(pool, resolver, st)

	fileMgr := filemanager.New(sshpool.Dial)

	termMgr := terminal.New()

	var oidcAuth *auth.OIDCAuthenticator
	if issuer := conf.OIDCIssuer(); issuer != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, issuer, conf.OIDCClientID(), conf.OIDCClientSecret(), conf.OIDCRedirectURL(), gate)
		if err != nil {
			return fmt.Errorf("failed to init oidc authenticator: %w", err)
		}
	}

	started, err := autostart.Run(ctx, st, engine)
	if err != nil {
		return fmt.Errorf("autostart failed: %w", err)
	}
	if len(started) > 0 {
		fmt.Fprintf(os.Stdout, "autostart: started %d tunnel(s): %v\n", len(started), started)
	}

	api := &httpapi.API{
		Store:    st,
		Env:      env,
		Gate:     gate,
		Resolver: resolver,
		Tunnels:  engine,
		Metrics:  collector,
		FileMgr:  fileMgr,
		Terminal: termMgr,
		OIDC:     oidcAuth,
	}

	srv, err := transport.NewServer(
		transport.WithAddress(conf.SSLPort()),
		transport.WithMount(api.Mount),
		transport.WithAuthMiddleware(gate.Middleware()),
		transport.WithAllowedOrigins(conf.AllowedOrigins()),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	flushCtx, cancelFlush := context.WithCancel(ctx)
	defer cancelFlush()
	go storeFlushLoop(flushCtx, st, conf.StoreFlushInterval())

	serveErr := transport.Serve(ctx, srv)

	// Drain the tunnel engine before exit so in-flight remote reaps get
	// a chance to finish, bounded so a stuck one can't hang the process
	// past the transport layer's own shutdown timeout.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	engine.Shutdown(drainCtx)
	cancelDrain()

	return serveErr
}

// storeFlushLoop periodically checkpoints the sqlite WAL so data
// durably reaches disk even under sustained write load, independent of
// the OS-level sync schedule.
func storeFlushLoop(ctx context.Context, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := st.Flush(ctx); err != nil {
				slog.Error("store flush failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

package tunnel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
)

// waitResult is the outcome of a remote forwarder session: its exit
// error (if any) and whatever it wrote to stderr, read to completion
// before Wait() is consulted so classification never races a partial
// buffer.
type waitResult struct {
	err    error
	stderr string
}

// Pool is the subset of internal/sshpool.Pool the engine depends on.
type Pool interface {
	Acquire(ctx context.Context, cfg credential.ConnectConfig) (*ssh.Client, error)
	Release(cfg credential.ConnectConfig, client *ssh.Client)
}

// Resolver is the subset of internal/credential.Resolver the engine
// depends on, used to materialize the source host's connect config.
type Resolver interface {
	Resolve(ctx context.Context, userID, hostID string, useAutostart bool) (credential.ConnectConfig, error)
}

// EndpointCredentialStore looks up a standalone credential record for a
// TunnelConnection's EndpointCredentialID, when set.
type EndpointCredentialStore interface {
	GetCredential(ctx context.Context, userID, credentialID string) (core.Credential, error)
	TouchCredentialUsage(ctx context.Context, userID, credentialID string) error
}

const (
	connectGrace    = 2 * time.Second
	keepaliveEvery  = 120 * time.Second
	connectTimeout  = 60 * time.Second
	defaultMaxRetry = 3
)

// runtime is the actor state for one tunnel name.
type runtime struct {
	cancel  context.CancelFunc
	cmds    chan struct{} // closed/sent to request a manual disconnect
	done    chan struct{} // closed when the actor goroutine returns
}

// Engine is the process-wide TunnelEngine singleton.
type Engine struct {
	pool      Pool
	resolver  Resolver
	credStore EndpointCredentialStore

	mu       sync.Mutex
	runtimes map[string]*runtime
	statuses map[string]Status
	manual   map[string]time.Time // name -> when the manual-disconnect suppression window ends
}

// New constructs an Engine.
func New(pool Pool, resolver Resolver, credStore EndpointCredentialStore) *Engine {
	return &Engine{
		pool:      pool,
		resolver:  resolver,
		credStore: credStore,
		runtimes:  make(map[string]*runtime),
		statuses:  make(map[string]Status),
		manual:    make(map[string]time.Time),
	}
}

// Connect force-cleans up any prior runtime for the same name, clears
// its manual-disconnect suppression,
// resets retry state, and starts a fresh actor goroutine. Concurrent
// Connect calls for the same name are idempotent — the second collapses
// onto the same restart.
func (e *Engine) Connect(ctx context.Context, userID string, host core.Host, tc core.TunnelConnection, useAutostart bool) (string, error) {
	name := tc.Name(host.Name)

	e.mu.Lock()
	for {
		prev, ok := e.runtimes[name]
		if !ok {
			break
		}
		// The old actor takes e.mu in setStatus on its way out, so wait
		// for it with the lock released.
		delete(e.runtimes, name)
		e.mu.Unlock()
		prev.cancel()
		<-prev.done
		e.mu.Lock()
	}
	delete(e.manual, name)
	ctx2, cancel := context.WithCancel(context.Background())
	rt := &runtime{cancel: cancel, cmds: make(chan struct{}, 1), done: make(chan struct{})}
	e.runtimes[name] = rt
	e.mu.Unlock()

	e.setStatus(Status{Name: name, State: StateConnecting, UpdatedAt: time.Now()})

	go func() {
		defer close(rt.done)
		e.run(ctx2, userID, host, tc, name, useAutostart, rt.cmds)
	}()

	return name, nil
}

// Disconnect implements step 6: manual disconnect, with a 5 s suppression
// window after which a later connect succeeds normally.
func (e *Engine) Disconnect(name string) error {
	e.mu.Lock()
	rt, ok := e.runtimes[name]
	if !ok {
		e.mu.Unlock()
		return core.New(core.KindNotFound, "no such tunnel")
	}
	e.manual[name] = time.Now().Add(5 * time.Second)
	e.mu.Unlock()

	select {
	case rt.cmds <- struct{}{}:
	default:
	}
	<-rt.done
	return nil
}

// Cancel is an alias for Disconnect at the API boundary: both end the
// running tunnel's current attempt and suppress autoreconnect.
func (e *Engine) Cancel(name string) error {
	return e.Disconnect(name)
}

// Status returns a snapshot of every tunnel's current broadcast record.
func (e *Engine) Status() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Status, len(e.statuses))
	for k, v := range e.statuses {
		out[k] = v
	}
	return out
}

// Shutdown cancels every running tunnel and waits for its actor to exit.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	runtimes := make([]*runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		runtimes = append(runtimes, rt)
	}
	e.mu.Unlock()

	for _, rt := range runtimes {
		rt.cancel()
	}
	for _, rt := range runtimes {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A stale reconnect's Connected broadcast must not mask a live manual
	// cancel — suppress it if a manual-disconnect suppression window for
	// this name is still active.
	if until, ok := e.manual[s.Name]; ok && s.State == StateConnected && time.Now().Before(until) {
		return
	}
	e.statuses[s.Name] = s
}

// run is the per-tunnel actor loop: attempt, classify, retry-or-fail,
// repeat, following the tunnel lifecycle state diagram.
func (e *Engine) run(ctx context.Context, userID string, host core.Host, tc core.TunnelConnection, name string, useAutostart bool, cmds chan struct{}) {
	maxRetries := tc.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetry
	}
	interval := time.Duration(tc.RetryIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}

	retry := 0
	for {
		disconnected, err := e.attempt(ctx, userID, host, tc, name, useAutostart, cmds)
		if disconnected {
			e.setStatus(Status{Name: name, State: StateDisconnected, UpdatedAt: time.Now()})
			return
		}
		if err == nil {
			// attempt only returns (false, nil) when the context ended
			// without a manual disconnect (process shutdown).
			e.setStatus(Status{Name: name, State: StateDisconnected, UpdatedAt: time.Now()})
			return
		}

		errType := classifyErr(err.Error())
		if !retryable(errType) {
			e.setStatus(Status{Name: name, State: StateFailed, ErrorType: errType, Reason: err.Error(), RetryCount: retry, UpdatedAt: time.Now()})
			return
		}

		retry++
		if retry > maxRetries {
			e.setStatus(Status{Name: name, State: StateFailed, ErrorType: errType, Reason: "Max retries exhausted", RetryCount: retry, RetryExhausted: true, UpdatedAt: time.Now()})
			return
		}

		if !e.countdown(ctx, name, cmds, interval, retry) {
			e.setStatus(Status{Name: name, State: StateDisconnected, UpdatedAt: time.Now()})
			return
		}
		e.setStatus(Status{Name: name, State: StateRetrying, RetryCount: retry, UpdatedAt: time.Now()})
	}
}

// countdown broadcasts a live 1 Hz Waiting status and returns false if
// cancelled (ctx done or manual disconnect) before it elapses.
func (e *Engine) countdown(ctx context.Context, name string, cmds chan struct{}, interval time.Duration, retry int) bool {
	remaining := int(interval / time.Second)
	if remaining < 1 {
		remaining = 1
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	e.setStatus(Status{Name: name, State: StateWaiting, RetryCount: retry, NextRetryInSec: remaining, UpdatedAt: time.Now()})
	for remaining > 0 {
		select {
		case <-ticker.C:
			remaining--
			e.setStatus(Status{Name: name, State: StateWaiting, RetryCount: retry, NextRetryInSec: remaining, UpdatedAt: time.Now()})
		case <-cmds:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// attempt runs one connect cycle: resolve credentials, open the control
// session, stage and start the remote forwarder, wait through the grace
// period, then hold the connection under keepalive until it ends.
// Returns (true, nil) only on an explicit manual disconnect/cancel.
func (e *Engine) attempt(ctx context.Context, userID string, host core.Host, tc core.TunnelConnection, name string, useAutostart bool, cmds chan struct{}) (bool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	sourceCfg, err := e.resolver.Resolve(connectCtx, userID, host.ID, useAutostart)
	if err != nil {
		return false, err
	}

	endpointCfg, err := e.resolveEndpoint(connectCtx, userID, tc)
	if err != nil {
		return false, err
	}

	client, err := e.pool.Acquire(connectCtx, sourceCfg)
	if err != nil {
		return false, err
	}
	defer e.pool.Release(sourceCfg, client)

	session, err := client.NewSession()
	if err != nil {
		return false, err
	}
	defer session.Close()

	remote, err := buildRemoteCommand(connectCtx, client, name, tc.SourcePort, endpointCfg)
	if err != nil {
		return false, err
	}
	defer remote.cleanup(context.Background(), client)

	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return false, err
	}

	if err := session.Start(remote.cmd); err != nil {
		return false, err
	}

	waitDone := make(chan waitResult, 1)
	go func() {
		stderrBytes, _ := io.ReadAll(stderrPipe)
		waitDone <- waitResult{err: session.Wait(), stderr: string(stderrBytes)}
	}()

	grace := time.NewTimer(connectGrace)
	defer grace.Stop()

	select {
	case res := <-waitDone:
		return false, exitErr(res.err, res.stderr)
	case <-grace.C:
	case <-connectCtx.Done():
		// The overall-connect budget bounds only the establish phase up
		// through the grace period, not an already-live tunnel — once
		// Connected, the session runs under the parent ctx.
		_ = session.Signal(ssh.SIGTERM)
		reap(context.Background(), client, name, tc.EndpointPort, tc.SourcePort)
		return false, core.New(core.KindNetworkTransient, "tunnel connect timed out")
	case <-cmds:
		_ = session.Signal(ssh.SIGTERM)
		reap(context.Background(), client, name, tc.EndpointPort, tc.SourcePort)
		return true, nil
	}

	e.setStatus(Status{Name: name, State: StateConnected, Connected: true, UpdatedAt: time.Now()})

	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case res := <-waitDone:
			return false, exitErr(res.err, res.stderr)
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@tunnel-engine", true, nil); err != nil {
				_ = session.Signal(ssh.SIGTERM)
				return false, core.New(core.KindNetworkTransient, "control client keepalive failed")
			}
		case <-cmds:
			_ = session.Signal(ssh.SIGTERM)
			reap(context.Background(), client, name, tc.EndpointPort, tc.SourcePort)
			return true, nil
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			reap(context.Background(), client, name, tc.EndpointPort, tc.SourcePort)
			return false, nil
		}
	}
}

func exitErr(err error, stderr string) error {
	if err == nil {
		return fmt.Errorf("remote forwarder exited: %s", strings.TrimSpace(stderr))
	}
	if stderr != "" {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
	}
	return err
}

// resolveEndpoint materializes the endpoint side of a TunnelConnection:
// either a referenced Credential record, or the connection's own inline
// secrets.
func (e *Engine) resolveEndpoint(ctx context.Context, userID string, tc core.TunnelConnection) (credential.ConnectConfig, error) {
	cfg := credential.ConnectConfig{Host: tc.EndpointHost, Port: tc.EndpointPort, Username: tc.EndpointUsername}

	if tc.EndpointCredentialID != "" {
		cred, err := e.credStore.GetCredential(ctx, userID, tc.EndpointCredentialID)
		if err != nil {
			return credential.ConnectConfig{}, core.Wrap(core.KindCredentialResolution, "endpoint credential not found", err)
		}
		if cred.Username != "" {
			cfg.Username = cred.Username
		}
		if err := credential.ApplyInlineSecret(&cfg, cred.AuthType, cred.Password, cred.PrivateKey, cred.KeyPassphrase); err != nil {
			return credential.ConnectConfig{}, err
		}
		_ = e.credStore.TouchCredentialUsage(ctx, userID, tc.EndpointCredentialID)
		return cfg, nil
	}

	if err := credential.ApplyInlineSecret(&cfg, tc.EndpointAuthType, tc.EndpointPassword, tc.EndpointPrivateKey, tc.EndpointKeyPassphrase); err != nil {
		return credential.ConnectConfig{}, err
	}
	return cfg, nil
}

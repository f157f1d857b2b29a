// Package terminal is the TerminalSession component, opaque beyond its
// session lifecycle: given a session id and an SSH client the caller
// owns exclusively (internal/httpapi dials one directly; it is not taken
// from internal/sshpool), open a PTY channel on that client and
// bidirectionally pipe bytes between the channel and a
// message-based transport with backpressure, closing on either side.
//
// Session bookkeeping (an id-keyed map of live sessions guarded by one
// mutex, closed explicitly or reaped on disconnect) follows the same
// shape internal/filemanager uses for its own session table, which in
// turn is grounded on the choraleia SSHPool's client-entry bookkeeping.
// The exec/session plumbing (NewSession, Stdout/Stderr wiring, a done
// channel racing the caller's context) follows
// _examples/other_examples/75b78a93_jbouey-msp-flake__appliance-internal-sshexec-executor.go.go's
// Executor.Execute, generalized from "run one script and capture output"
// to "open an interactive PTY and relay raw bytes until either side
// closes."
package terminal

import (
	"context"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

// Transport is the message-based channel a caller bridges a PTY to — an
// xterm.js WebSocket connection, a test harness's in-memory pipe,
// whatever the HTTP edge plugs in. Read/Write carry raw terminal bytes;
// the implementation is responsible for its own backpressure (e.g.
// blocking Write calls) since this package never buffers more than one
// in-flight chunk per direction.
type Transport interface {
	io.Reader
	io.Writer
}

// Resize describes a PTY window-size change request.
type Resize struct {
	Rows uint16
	Cols uint16
}

// session is one open PTY bound to an SSH client and a caller transport.
type session struct {
	client  *ssh.Client
	sshSess *ssh.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager is the process-wide TerminalSession singleton: a table of live
// sessions keyed by an opaque id supplied by the caller (the HTTP/WS
// edge), distinct from internal/sshpool's metrics/tunnel pool and from
// internal/filemanager's session table — a terminal session's client is
// never shared or returned to a pool, since PTY channels are long-lived
// and exclusive to one interactive user.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// Open acquires client (already resolved/acquired by the caller via
// internal/sshpool or a direct dial), requests a PTY with the given
// initial size, starts an interactive shell, and relays bytes between
// the channel and transport until either side closes or ctx is
// cancelled. Open blocks until the session ends; callers run it in its
// own goroutine.
func (m *Manager) Open(ctx context.Context, sessionID string, client *ssh.Client, transport Transport, rows, cols uint16) error {
	sshSess, err := client.NewSession()
	if err != nil {
		return core.Wrap(core.KindNetworkTransient, "open terminal session failed", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{client: client, sshSess: sshSess, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if old, ok := m.sessions[sessionID]; ok {
		old.close()
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if current, ok := m.sessions[sessionID]; ok && current == s {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
		close(s.done)
	}()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sshSess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "pty request failed", err)
	}

	stdin, err := sshSess.StdinPipe()
	if err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "stdin pipe failed", err)
	}
	sshSess.Stdout = transport
	sshSess.Stderr = transport

	if err := sshSess.Shell(); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "shell start failed", err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- sshSess.Wait() }()

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = io.Copy(stdin, transport)
	}()

	select {
	case err := <-waitDone:
		s.close()
		return err
	case <-copyDone:
		s.close()
		return <-waitDone
	case <-sessCtx.Done():
		s.close()
		return sessCtx.Err()
	}
}

// Resize applies a new window size to sessionID's PTY.
func (m *Manager) Resize(sessionID string, r Resize) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return s.sshSess.WindowChange(int(r.Rows), int(r.Cols))
}

// Close ends sessionID's PTY and underlying channel, if open.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return core.New(core.KindNotFound, "no terminal session for this id")
	}
	s.close()
	<-s.done
	return nil
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, core.New(core.KindNotFound, "no terminal session for this id")
	}
	return s, nil
}

func (s *session) close() {
	s.cancel()
	_ = s.sshSess.Close()
}

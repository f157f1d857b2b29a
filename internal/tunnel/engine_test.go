package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
)

func TestSanitizeNameAndMarker(t *testing.T) {
	got := marker("H1 8080/9090")
	want := "TUNNEL_MARKER_H1_8080_9090"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a path`)
	want := `'it'"'"'s a path'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestClassifyErr(t *testing.T) {
	cases := map[string]string{
		"Permission denied (publickey,password)":   ErrAuthenticationFailed,
		"bind: Address already in use":              ErrConnectionFailed,
		"connect timed out":                          ErrTimeout,
		"connect: connection refused":                ErrNetworkError,
		"something completely unexpected happened":   ErrUnknown,
	}
	for msg, want := range cases {
		if got := classifyErr(msg); got != want {
			t.Errorf("classifyErr(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestRetryablePolicy(t *testing.T) {
	if retryable(ErrAuthenticationFailed) {
		t.Fatal("authentication failures must not be retried")
	}
	if retryable(ErrConnectionFailed) {
		t.Fatal("connection failures must not be retried")
	}
	if !retryable(ErrNetworkError) || !retryable(ErrTimeout) || !retryable(ErrUnknown) {
		t.Fatal("network/timeout/unknown failures must be retried")
	}
}

// fakePool hands out a single real *ssh.Client connected to an in-memory
// SSH server that immediately exits any exec'd command, simulating an
// endpoint that rejects the forwarding request.
type fakePool struct {
	signer ssh.Signer
	exitErr string
}

func (p *fakePool) Acquire(ctx context.Context, cfg credential.ConnectConfig) (*ssh.Client, error) {
	clientConn, serverConn := net.Pipe()
	serverCfg := &ssh.ServerConfig{NoClientAuth: true}
	serverCfg.AddHostKey(p.signer)

	go func() {
		sc, chans, reqs, err := ssh.NewServerConn(serverConn, serverCfg)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)
		for nc := range chans {
			if nc.ChannelType() != "session" {
				nc.Reject(ssh.UnknownChannelType, "unsupported")
				continue
			}
			ch, requests, err := nc.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range requests {
					if req.Type == "exec" {
						if p.exitErr != "" {
							ch.Stderr().Write([]byte(p.exitErr))
						}
						req.Reply(true, nil)
						type exitStatusMsg struct{ Status uint32 }
						ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{1}))
						ch.Close()
					} else {
						req.Reply(false, nil)
					}
				}
			}()
		}
		_ = sc
	}()

	clientCfg := &ssh.ClientConfig{User: cfg.Username, Auth: []ssh.AuthMethod{ssh.Password("x")}, HostKeyCallback: ssh.InsecureIgnoreHostKey()}
	c, nc, reqs, err := ssh.NewClientConn(clientConn, "pipe", clientCfg)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, nc, reqs), nil
}

func (p *fakePool) Release(credential.ConnectConfig, *ssh.Client) {}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, _, _ string, _ bool) (credential.ConnectConfig, error) {
	return credential.ConnectConfig{Host: "10.0.0.1", Port: 22, Username: "root", AuthMode: credential.AuthModePassword, Password: "p"}, nil
}

type fakeCredStore struct{}

func (fakeCredStore) GetCredential(context.Context, string, string) (core.Credential, error) {
	return core.Credential{}, core.New(core.KindNotFound, "no credential store needed for inline endpoint secrets")
}
func (fakeCredStore) TouchCredentialUsage(context.Context, string, string) error { return nil }

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func TestConnectExhaustsRetriesOnNetworkError(t *testing.T) {
	pool := &fakePool{signer: newTestSigner(t), exitErr: "connection refused"}
	e := New(pool, fakeResolver{}, fakeCredStore{})

	host := core.Host{ID: "h1", Name: "H1"}
	tc := core.TunnelConnection{
		SourcePort: 8080, EndpointHost: "10.0.0.2", EndpointPort: 9090,
		EndpointAuthType: core.AuthPassword, EndpointUsername: "v", EndpointPassword: "q",
		MaxRetries: 0, RetryIntervalMS: 50,
	}

	name, err := e.Connect(context.Background(), "u1", host, tc, false)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := e.Status()[name]
		if st.State == StateFailed {
			if !st.RetryExhausted {
				t.Fatalf("expected retryExhausted, got %+v", st)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("tunnel never reached Failed state within the deadline")
}

func TestConnectFailsImmediatelyOnAuthError(t *testing.T) {
	pool := &fakePool{signer: newTestSigner(t), exitErr: "Permission denied (publickey,password)"}
	e := New(pool, fakeResolver{}, fakeCredStore{})

	host := core.Host{ID: "h1", Name: "H1"}
	tc := core.TunnelConnection{
		SourcePort: 8081, EndpointHost: "10.0.0.2", EndpointPort: 9091,
		EndpointAuthType: core.AuthPassword, EndpointUsername: "v", EndpointPassword: "wrong",
		MaxRetries: 3, RetryIntervalMS: 50,
	}

	name, err := e.Connect(context.Background(), "u1", host, tc, false)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := e.Status()[name]
		if st.State == StateFailed {
			if st.ErrorType != ErrAuthenticationFailed {
				t.Fatalf("expected AUTHENTICATION_FAILED, got %+v", st)
			}
			if st.RetryCount != 0 {
				t.Fatalf("expected no retries for an auth failure, got retryCount=%d", st.RetryCount)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("tunnel never reached Failed state within the deadline")
}

func TestStaleConnectedSuppressedDuringManualWindow(t *testing.T) {
	e := New(&fakePool{signer: newTestSigner(t)}, fakeResolver{}, fakeCredStore{})
	e.mu.Lock()
	e.manual["H1_1_2"] = time.Now().Add(time.Minute)
	e.mu.Unlock()

	e.setStatus(Status{Name: "H1_1_2", State: StateConnected, Connected: true})
	st := e.Status()["H1_1_2"]
	if st.State == StateConnected {
		t.Fatal("a stale Connected broadcast during the manual-disconnect suppression window must be dropped")
	}
}

package sshpool

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scjtqs2/Termix-sub002/internal/credential"
)

// newPipePair returns a pool whose dial() establishes an SSH connection
// over an in-memory net.Pipe against a throwaway local server, so tests
// exercise real ssh.Client/*ssh.Client.Close() behavior without a real
// network.
func newPipePair(t *testing.T) func(ctx context.Context, cfg credential.ConnectConfig, timeout time.Duration) (*ssh.Client, error) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("signer from host key: %v", err)
	}

	return func(ctx context.Context, cfg credential.ConnectConfig, timeout time.Duration) (*ssh.Client, error) {
		clientConn, serverConn := net.Pipe()

		serverCfg := &ssh.ServerConfig{NoClientAuth: true}
		serverCfg.AddHostKey(signer)
		go func() {
			sc, chans, reqs, err := ssh.NewServerConn(serverConn, serverCfg)
			if err != nil {
				return
			}
			go ssh.DiscardRequests(reqs)
			go func() {
				for range chans {
				}
			}()
			_ = sc
		}()

		clientCfg := &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            []ssh.AuthMethod{ssh.Password("x")},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		}
		c, nc, reqs, err := ssh.NewClientConn(clientConn, "pipe", clientCfg)
		if err != nil {
			return nil, err
		}
		return ssh.NewClient(c, nc, reqs), nil
	}
}

func testCfg(host string) credential.ConnectConfig {
	return credential.ConnectConfig{Host: host, Port: 22, Username: "root", AuthMode: credential.AuthModePassword, Password: "x"}
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	p := New(2, 2*time.Second, time.Minute, time.Hour)
	p.dial = newPipePair(t)
	defer p.Destroy()

	cfg := testCfg("h1")
	c1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(cfg, c1)

	c2, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire (reuse): %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the idle client to be reused rather than a new one created")
	}
	if p.Size() != 1 {
		t.Fatalf("expected pool size 1, got %d", p.Size())
	}
}

func TestAcquireWaitsAtCapacity(t *testing.T) {
	p := New(1, 2*time.Second, time.Minute, time.Hour)
	p.dial = newPipePair(t)
	defer p.Destroy()

	cfg := testCfg("h2")
	c1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, cfg); err == nil {
		t.Fatal("expected Acquire to block and time out while the bucket is saturated")
	}

	p.Release(cfg, c1)
	c2, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if c2 != c1 {
		t.Fatal("expected the released client to be handed to the waiter")
	}
}

func TestJanitorEvictsIdleClients(t *testing.T) {
	p := New(2, 2*time.Second, time.Millisecond, time.Hour)
	p.dial = newPipePair(t)
	defer p.Destroy()

	cfg := testCfg("h3")
	c1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(cfg, c1)

	time.Sleep(5 * time.Millisecond)
	p.sweep()

	if p.Size() != 0 {
		t.Fatalf("expected janitor to evict the idle client, pool size is %d", p.Size())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	p := New(1, 2*time.Second, time.Minute, time.Hour)
	p.dial = newPipePair(t)

	cfg := testCfg("h4")
	if _, err := p.Acquire(context.Background(), cfg); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.Destroy()
	p.Destroy()

	if p.Size() != 0 {
		t.Fatalf("expected pool to be empty after Destroy, got size %d", p.Size())
	}
}

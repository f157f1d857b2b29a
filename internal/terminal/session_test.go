package terminal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// pipeTransport adapts a pair of in-memory pipes into a Transport so a
// test can write "keystrokes" in and read the echoed-back bytes out.
type pipeTransport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (t *pipeTransport) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *pipeTransport) Write(p []byte) (int, error) { return t.w.Write(p) }

// newEchoServerClient starts an in-memory SSH server that accepts a
// pty-req then a shell, and echoes every byte written to the channel's
// stdin back out on stdout, and returns a connected *ssh.Client plus a
// channel that reports any window-change requests it observes.
func newEchoServerClient(t *testing.T) (*ssh.Client, chan [2]int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	serverCfg := &ssh.ServerConfig{NoClientAuth: true}
	serverCfg.AddHostKey(signer)

	resizes := make(chan [2]int, 4)

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
					switch req.Type {
					case "pty-req":
						req.Reply(true, nil)
					case "shell":
						req.Reply(true, nil)
						go func() {
							io.Copy(ch, ch)
							ch.Close()
						}()
					case "window-change":
						// cols,rows uint32 each, per RFC 4254 §6.7
						if len(req.Payload) >= 8 {
							cols := int(req.Payload[0])<<24 | int(req.Payload[1])<<16 | int(req.Payload[2])<<8 | int(req.Payload[3])
							rows := int(req.Payload[4])<<24 | int(req.Payload[5])<<16 | int(req.Payload[6])<<8 | int(req.Payload[7])
							resizes <- [2]int{rows, cols}
						}
						req.Reply(true, nil)
					default:
						req.Reply(false, nil)
					}
				}
			}()
		}
		_ = sc
	}()

	clientCfg := &ssh.ClientConfig{User: "root", Auth: []ssh.AuthMethod{ssh.Password("x")}, HostKeyCallback: ssh.InsecureIgnoreHostKey()}
	c, nc, reqs, err := ssh.NewClientConn(clientConn, "pipe", clientCfg)
	if err != nil {
		t.Fatalf("client conn: %v", err)
	}
	return ssh.NewClient(c, nc, reqs), resizes
}

func TestOpenEchoesBytesAndClosesOnTransportEOF(t *testing.T) {
	client, _ := newEchoServerClient(t)
	defer client.Close()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	transport := &pipeTransport{r: inR, w: outW}

	m := New()
	done := make(chan error, 1)
	go func() {
		done <- m.Open(context.Background(), "sess-1", client, transport, 24, 80)
	}()

	if _, err := inW.Write([]byte("hello")); err != nil {
		t.Fatalf("write keystrokes: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(outR, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("got %q, want %q", buf, "hello")
	}

	inW.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after transport closed")
	}
}

func TestResizeSendsWindowChange(t *testing.T) {
	client, resizes := newEchoServerClient(t)
	defer client.Close()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	transport := &pipeTransport{r: inR, w: outW}
	defer outR.Close()

	m := New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Open(context.Background(), "sess-2", client, transport, 24, 80)
	}()

	// Give Open a moment to request the pty and start the shell before
	// resizing it.
	time.Sleep(50 * time.Millisecond)

	if err := m.Resize("sess-2", Resize{Rows: 40, Cols: 120}); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	select {
	case got := <-resizes:
		if got[0] != 40 || got[1] != 120 {
			t.Fatalf("got rows=%d cols=%d, want rows=40 cols=120", got[0], got[1])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed a window-change request")
	}

	inW.Close()
	wg.Wait()
}

func TestCloseEndsSession(t *testing.T) {
	client, _ := newEchoServerClient(t)
	defer client.Close()

	inR, _ := io.Pipe()
	_, outW := io.Pipe()
	transport := &pipeTransport{r: inR, w: outW}

	m := New()
	done := make(chan error, 1)
	go func() {
		done <- m.Open(context.Background(), "sess-3", client, transport, 24, 80)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Close("sess-3"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after Close")
	}

	if _, err := m.get("sess-3"); err == nil {
		t.Fatal("expected session to be removed from the table after Close")
	}
}

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
)

// marker builds the unique TUNNEL_MARKER_<sanitized-name> string given as
// argv[0] to the remote ssh child, so it can be found and killed later
// without matching unrelated processes.
func marker(name string) string {
	return "TUNNEL_MARKER_" + sanitizeName(name)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

const sshFlags = "-N -o StrictHostKeyChecking=no -o ExitOnForwardFailure=yes -o ServerAliveInterval=30 -o ServerAliveCountMax=3 -o GatewayPorts=yes"

// remoteCommand is a command ready to Start() on a control session, plus
// whatever cleanup must run afterward (removing a staged key file).
type remoteCommand struct {
	cmd     string
	cleanup func(ctx context.Context, client *ssh.Client)
}

// buildRemoteCommand constructs the remote shell invocation that performs
// the reverse port-forward from the source host to the endpoint host,
// in its key-auth and password-auth variants.
func buildRemoteCommand(ctx context.Context, client *ssh.Client, name string, sourcePort int, endpoint credential.ConnectConfig) (remoteCommand, error) {
	tag := marker(name)
	target := fmt.Sprintf("-R %d:localhost:%d %s@%s -p %d", endpoint.Port, sourcePort, shellQuote(endpoint.Username), shellQuote(endpoint.Host), endpoint.Port)

	switch endpoint.AuthMode {
	case credential.AuthModeKey:
		keyPath := fmt.Sprintf("/tmp/tunnel_key_%s", tag)
		if err := stageKey(ctx, client, keyPath, endpoint.PrivateKeyBytes); err != nil {
			return remoteCommand{}, err
		}
		cmd := fmt.Sprintf("exec -a %s ssh -i %s %s %s", shellQuote(tag), shellQuote(keyPath), sshFlags, target)
		return remoteCommand{
			cmd: cmd,
			cleanup: func(ctx context.Context, client *ssh.Client) {
				_ = runQuiet(ctx, client, fmt.Sprintf("rm -f %s", shellQuote(keyPath)))
			},
		}, nil

	case credential.AuthModePassword:
		cmd := fmt.Sprintf("exec -a %s sshpass -p %s ssh %s %s", shellQuote(tag), shellQuote(endpoint.Password), sshFlags, target)
		return remoteCommand{cmd: cmd, cleanup: func(context.Context, *ssh.Client) {}}, nil

	default:
		return remoteCommand{}, core.New(core.KindValidation, "unsupported endpoint auth mode")
	}
}

// stageKey writes key to path on the remote host with mode 600, via a
// short-lived session (`cat > path && chmod 600 path`).
func stageKey(ctx context.Context, client *ssh.Client, path string, key []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	if err := session.Start(fmt.Sprintf("cat > %s && chmod 600 %s", shellQuote(path), shellQuote(path))); err != nil {
		return err
	}
	if _, err := stdin.Write(key); err != nil {
		return err
	}
	_ = stdin.Close()
	return session.Wait()
}

func runQuiet(ctx context.Context, client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(cmd)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// with the `'"'"'` idiom, so names and paths with shell metacharacters
// can't break out of the remote command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// reap enumerates, escalates signals, then targeted-kills any process
// still carrying the tunnel's marker, returning whatever survives.
func reap(ctx context.Context, client *ssh.Client, name string, endpointPort, sourcePort int) []string {
	tag := marker(name)

	_ = runQuiet(ctx, client, fmt.Sprintf("ps aux | grep %s | grep -v grep", shellQuote(tag)))
	_ = runQuiet(ctx, client, fmt.Sprintf("pkill -TERM -f %s", shellQuote(tag)))

	sleepSession, err := client.NewSession()
	if err == nil {
		_ = sleepSession.Run("sleep 1")
		sleepSession.Close()
	}

	targeted := fmt.Sprintf("ssh.*-R.*%d:localhost:%d", endpointPort, sourcePort)
	_ = runQuiet(ctx, client, fmt.Sprintf("pkill -f %s", shellQuote(targeted)))
	_ = runQuiet(ctx, client, fmt.Sprintf("pkill -9 -f %s", shellQuote(tag)))

	survivorsSession, err := client.NewSession()
	if err != nil {
		return nil
	}
	defer survivorsSession.Close()
	out, _ := survivorsSession.Output(fmt.Sprintf("ps aux | grep %s | grep -v grep", shellQuote(tag)))
	var survivors []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			survivors = append(survivors, line)
		}
	}
	if len(survivors) > 0 {
		slog.Warn("tunnel reap left processes running", "tunnel", name, "processes", survivors)
	}
	return survivors
}

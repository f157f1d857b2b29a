// Package filemanager implements remote file operations over a
// session-scoped SSH client: list, read, write, upload, create, rename,
// and delete, each attempted first over SFTP and falling back to a
// shell command on any SFTP error.
//
// The session map and its lazily-created SFTP client follow the
// choraleia SSHPool's sshClientEntry (ssh *ssh.Client, sftp *sftp.Client
// lazily created, lastUsed/createdAt bookkeeping), generalized from a
// pool keyed by asset ID to one keyed by an opaque session ID supplied
// by the caller and not shared with internal/sshpool's metrics/tunnel
// pool — a file-manager session is long-lived and bound to one user's
// open file browser, not reclaimed on every operation.
package filemanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
)

// chunkSize bounds a single base64 shell-fallback upload round-trip;
// files larger than this are written in successive appending chunks.
const chunkSize = 1 << 20 // 1 MiB

// Entry is one line of a directory listing.
type Entry struct {
	Name        string
	Path        string
	IsDir       bool
	IsLink      bool
	Permissions string
}

// session holds one session ID's live connection and its lazily-created
// SFTP client.
type session struct {
	mu         sync.Mutex
	client     *ssh.Client
	sftpClient *sftp.Client
	connectedAt time.Time
}

// Manager is the process-wide FileManager singleton.
type Manager struct {
	dial func(ctx context.Context, cfg credential.ConnectConfig, timeout time.Duration) (*ssh.Client, error)

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Manager. dial is the same connect function
// internal/sshpool uses; it is injected so tests can substitute an
// in-memory server.
func New(dial func(ctx context.Context, cfg credential.ConnectConfig, timeout time.Duration) (*ssh.Client, error)) *Manager {
	return &Manager{dial: dial, sessions: make(map[string]*session)}
}

// Connect opens (or replaces) the SSH client backing sessionID.
func (m *Manager) Connect(ctx context.Context, sessionID string, cfg credential.ConnectConfig) error {
	client, err := m.dial(ctx, cfg, 30*time.Second)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, existed := m.sessions[sessionID]
	m.sessions[sessionID] = &session{client: client, connectedAt: time.Now()}
	m.mu.Unlock()

	if existed {
		old.close()
	}
	return nil
}

// Disconnect closes sessionID's client and drops it from the table.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

// Status reports whether sessionID currently has a live client.
func (m *Manager) Status(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		_ = s.sftpClient.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, core.New(core.KindNotFound, "no file manager session for this id")
	}
	return s, nil
}

// sftpFor lazily creates sessionID's SFTP client.
func (s *session) sftpFor() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}
	cli, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, err
	}
	s.sftpClient = cli
	return cli, nil
}

// ListFiles lists path's contents, via SFTP if available, falling back
// to a parsed `ls -la`.
func (m *Manager) ListFiles(ctx context.Context, sessionID, path string) ([]Entry, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		infos, lErr := sftpCli.ReadDir(path)
		if lErr == nil {
			entries := make([]Entry, 0, len(infos))
			for _, fi := range infos {
				entries = append(entries, Entry{
					Name:        fi.Name(),
					Path:        strings.TrimRight(path, "/") + "/" + fi.Name(),
					IsDir:       fi.IsDir(),
					IsLink:      fi.Mode()&fs.ModeSymlink != 0,
					Permissions: fi.Mode().String(),
				})
			}
			return entries, nil
		}
	}

	out, err := runShell(ctx, s.client, fmt.Sprintf("ls -la %s", shellQuote(path)))
	if err != nil {
		return nil, core.Wrap(core.KindRemoteCommandFailure, "list failed", err)
	}
	return parseLsLines(path, out), nil
}

// parseLsLines turns `ls -la` output into Entries: column 0 is the mode
// string (first rune "d"/"l" classifies the entry), column 8+ is the
// name (rejoined, since names may contain spaces).
func parseLsLines(dir, out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		cols := strings.Fields(line)
		if len(cols) < 9 {
			continue
		}
		name := strings.Join(cols[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[:idx]
		}
		mode := cols[0]
		entries = append(entries, Entry{
			Name:        name,
			Path:        strings.TrimRight(dir, "/") + "/" + name,
			IsDir:       strings.HasPrefix(mode, "d"),
			IsLink:      strings.HasPrefix(mode, "l"),
			Permissions: mode,
		})
	}
	return entries
}

// ReadFile returns path's contents as a string, via SFTP, falling back
// to `cat`.
func (m *Manager) ReadFile(ctx context.Context, sessionID, path string) (string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", err
	}

	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		f, oErr := sftpCli.Open(path)
		if oErr == nil {
			defer f.Close()
			data, rErr := io.ReadAll(f)
			if rErr == nil {
				return string(data), nil
			}
		}
	}

	out, err := runShell(ctx, s.client, fmt.Sprintf("cat %s", shellQuote(path)))
	if err != nil {
		return "", core.Wrap(core.KindRemoteCommandFailure, "read failed", err)
	}
	return out, nil
}

// WriteFile writes content to path via an SFTP stream, falling back on
// any SFTP error to a base64 shell upload sent in chunkSize pieces.
func (m *Manager) WriteFile(ctx context.Context, sessionID, path, content string) error {
	return m.upload(ctx, sessionID, path, []byte(content))
}

// UploadFile writes raw bytes to path. Identical to WriteFile; split out
// since the two calls carry distinct intent at the HTTP edge (typed text
// vs. raw binary payloads) even though both go through the same path.
func (m *Manager) UploadFile(ctx context.Context, sessionID, path string, data []byte) error {
	return m.upload(ctx, sessionID, path, data)
}

func (m *Manager) upload(ctx context.Context, sessionID, path string, data []byte) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	if bytesContainNUL(data) {
		return core.New(core.KindValidation, "file content must not contain a NUL byte")
	}

	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		f, cErr := sftpCli.Create(path)
		if cErr == nil {
			defer f.Close()
			if _, wErr := f.Write(data); wErr == nil {
				return nil
			}
		}
	}

	if err := runShellSuccess(ctx, s.client, fmt.Sprintf("rm -f %s", shellQuote(path))); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "write failed", err)
	}

	for offset := 0; offset < len(data) || offset == 0; offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		encoded := base64.StdEncoding.EncodeToString(chunk)
		redirect := ">"
		if offset > 0 {
			redirect = ">>"
		}
		cmd := fmt.Sprintf("echo %s | base64 -d %s %s", shellQuote(encoded), redirect, shellQuote(path))
		if err := runShellSuccess(ctx, s.client, cmd); err != nil {
			return core.Wrap(core.KindRemoteCommandFailure, "write failed", err)
		}
		if end == len(data) {
			break
		}
	}
	return nil
}

func bytesContainNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

// CreateFile touches an empty file at path.
func (m *Manager) CreateFile(ctx context.Context, sessionID, path string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		if f, cErr := sftpCli.Create(path); cErr == nil {
			f.Close()
			return nil
		}
	}
	if err := runShellSuccess(ctx, s.client, fmt.Sprintf("touch %s", shellQuote(path))); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "create file failed", err)
	}
	return nil
}

// CreateFolder makes path and any missing parents.
func (m *Manager) CreateFolder(ctx context.Context, sessionID, path string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		if cErr := sftpCli.MkdirAll(path); cErr == nil {
			return nil
		}
	}
	if err := runShellSuccess(ctx, s.client, fmt.Sprintf("mkdir -p %s", shellQuote(path))); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "create folder failed", err)
	}
	return nil
}

// DeleteItem removes path; isDir selects a recursive vs. plain delete.
func (m *Manager) DeleteItem(ctx context.Context, sessionID, path string, isDir bool) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		var dErr error
		if isDir {
			dErr = sftpCli.RemoveAll(path)
		} else {
			dErr = sftpCli.Remove(path)
		}
		if dErr == nil {
			return nil
		}
	}
	cmd := fmt.Sprintf("rm -f %s", shellQuote(path))
	if isDir {
		cmd = fmt.Sprintf("rm -rf %s", shellQuote(path))
	}
	if err := runShellSuccess(ctx, s.client, cmd); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "delete failed", err)
	}
	return nil
}

// RenameItem moves oldPath to newPath.
func (m *Manager) RenameItem(ctx context.Context, sessionID, oldPath, newPath string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sftpCli, sErr := s.sftpFor(); sErr == nil {
		if rErr := sftpCli.Rename(oldPath, newPath); rErr == nil {
			return nil
		}
	}
	cmd := fmt.Sprintf("mv %s %s", shellQuote(oldPath), shellQuote(newPath))
	if err := runShellSuccess(ctx, s.client, cmd); err != nil {
		return core.Wrap(core.KindRemoteCommandFailure, "rename failed", err)
	}
	return nil
}

// runShell runs cmd on a fresh session and returns its stdout.
func runShell(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var out strings.Builder
	sess.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return out.String(), nil
	case <-ctx.Done():
		_ = sess.Close()
		return "", ctx.Err()
	}
}

// runShellSuccess runs cmd and additionally requires the literal string
// SUCCESS to appear in its stdout, the shell-fallback success signal for
// mutating commands that otherwise produce no output.
func runShellSuccess(ctx context.Context, client *ssh.Client, cmd string) error {
	out, err := runShell(ctx, client, cmd+" && echo SUCCESS")
	if err != nil {
		return err
	}
	if !strings.Contains(out, "SUCCESS") {
		return fmt.Errorf("command did not report success: %q", out)
	}
	return nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// with the `'"'"'` idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

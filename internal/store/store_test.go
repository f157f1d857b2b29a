package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
)

func newTestStore(t *testing.T) (*Store, *crypto.Envelope) {
	t.Helper()
	env := crypto.New([]byte("test-master-key-0123456789abcdef"), time.Minute)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, env
}

func createTestUser(t *testing.T, s *Store, env *crypto.Envelope, password string) core.User {
	t.Helper()
	wrapped, salt, err := crypto.WrapDEK(password)
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	u := core.User{
		ID: uuid.NewString(), Username: "alice-" + uuid.NewString(),
		PasswordHash: "hash", PasswordSalt: "salt", WrappedDEK: wrapped, DEKSalt: salt,
		BackupCodeHashes: []string{},
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := env.Unlock(u.ID, password, wrapped, salt); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	return u
}

func TestHostCreateReadUpdateRoundTrip(t *testing.T) {
	s, env := newTestStore(t)
	u := createTestUser(t, s, env, "hunter2")
	ctx := context.Background()

	h := core.Host{
		ID: uuid.NewString(), UserID: u.ID, Name: "db1", IP: "10.0.0.5", Port: 22,
		Username: "root", AuthType: core.AuthPassword, Password: "s3cret",
		EnableTerminal: true, EnableFileManager: true, Tags: []string{},
	}
	if err := s.CreateHost(ctx, h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	got, err := s.GetHost(ctx, u.ID, h.ID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Password != "s3cret" || got.IP != "10.0.0.5" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	got.Name = "db1-renamed"
	if err := s.UpdateHost(ctx, got); err != nil {
		t.Fatalf("UpdateHost: %v", err)
	}
	after, err := s.GetHost(ctx, u.ID, h.ID)
	if err != nil {
		t.Fatalf("GetHost after update: %v", err)
	}
	if after.Name != "db1-renamed" {
		t.Fatalf("update did not persist: %+v", after)
	}
}

func TestHostPasswordHiddenWhenLocked(t *testing.T) {
	s, env := newTestStore(t)
	u := createTestUser(t, s, env, "hunter2")
	ctx := context.Background()

	h := core.Host{
		ID: uuid.NewString(), UserID: u.ID, Name: "db1", IP: "10.0.0.5", Port: 22,
		Username: "root", AuthType: core.AuthPassword, Password: "s3cret", Tags: []string{},
	}
	if err := s.CreateHost(ctx, h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	env.Lock(u.ID)

	got, err := s.GetHost(ctx, u.ID, h.ID)
	if err != nil {
		t.Fatalf("GetHost while locked: %v", err)
	}
	if got.Password != "" {
		t.Fatalf("expected password to be hidden while locked, got %q", got.Password)
	}
}

func TestCredentialValidation(t *testing.T) {
	s, env := newTestStore(t)
	u := createTestUser(t, s, env, "hunter2")
	ctx := context.Background()

	bad := core.Credential{ID: uuid.NewString(), UserID: u.ID, Name: "c1", AuthType: core.AuthPassword, Tags: []string{}}
	if err := s.CreateCredential(ctx, bad); err == nil {
		t.Fatal("expected validation error for password auth without a password")
	}
}

func TestFileManagerRecentPruning(t *testing.T) {
	s, env := newTestStore(t)
	u := createTestUser(t, s, env, "hunter2")
	ctx := context.Background()

	for i := 0; i < core.MaxRecentFileManagerItems+5; i++ {
		item := core.FileManagerItem{
			UserID: u.ID, HostID: "host-1", Kind: core.FileManagerRecent,
			Name: "f", Path: "/tmp/f" + itoaTest(i), Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.PutFileManagerItem(ctx, item); err != nil {
			t.Fatalf("PutFileManagerItem: %v", err)
		}
	}

	items, err := s.ListFileManagerItems(ctx, u.ID, "host-1", core.FileManagerRecent)
	if err != nil {
		t.Fatalf("ListFileManagerItems: %v", err)
	}
	if len(items) != core.MaxRecentFileManagerItems {
		t.Fatalf("expected %d recent items, got %d", core.MaxRecentFileManagerItems, len(items))
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

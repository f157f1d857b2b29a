package auth

import (
	"context"
	"testing"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
)

type fakeUserStore struct {
	users map[string]core.User
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (core.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return core.User{}, core.New(core.KindNotFound, "no such user")
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (core.User, error) {
	u, ok := f.users[id]
	if !ok {
		return core.User{}, core.New(core.KindNotFound, "no such user")
	}
	return u, nil
}

func (f *fakeUserStore) GetUserByOIDCSubject(_ context.Context, subject string) (core.User, error) {
	for _, u := range f.users {
		if u.OIDCSubject == subject {
			return u, nil
		}
	}
	return core.User{}, core.New(core.KindNotFound, "no such user")
}

func (f *fakeUserStore) SetUserPassword(_ context.Context, userID, hash, salt string, wrapped, dekSalt []byte) error {
	u := f.users[userID]
	u.PasswordHash, u.PasswordSalt, u.WrappedDEK, u.DEKSalt = hash, salt, wrapped, dekSalt
	f.users[userID] = u
	return nil
}

func (f *fakeUserStore) ConsumeBackupCode(_ context.Context, userID, used string) error {
	u := f.users[userID]
	remaining := u.BackupCodeHashes[:0]
	for _, h := range u.BackupCodeHashes {
		if h != used {
			remaining = append(remaining, h)
		}
	}
	u.BackupCodeHashes = remaining
	f.users[userID] = u
	return nil
}

func newTestGate(t *testing.T, password string) (*Gate, *fakeUserStore, core.User) {
	t.Helper()
	env := crypto.New([]byte("test-master-key-0123456789abcdef"), time.Minute)
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	wrapped, salt, err := crypto.WrapDEK(password)
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	u := core.User{ID: "u1", Username: "alice", PasswordHash: hash, WrappedDEK: wrapped, DEKSalt: salt}
	store := &fakeUserStore{users: map[string]core.User{u.ID: u}}
	return New(store, env, ""), store, u
}

func TestLoginSuccess(t *testing.T) {
	g, _, _ := newTestGate(t, "hunter2")
	res, err := g.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("expected a token")
	}

	userID, err := g.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("got %q, want u1", userID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	g, _, _ := newTestGate(t, "hunter2")
	if _, err := g.Login(context.Background(), "alice", "wrong"); err == nil {
		t.Fatal("expected login to fail")
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	g, _, _ := newTestGate(t, "hunter2")
	res, err := g.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	tampered := res.Token[:len(res.Token)-2] + "zz"
	if _, err := g.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to fail verification")
	}
}

package crypto

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

func TestSealOpenRoundTrip(t *testing.T) {
	env := New([]byte("test-master-key-0123456789abcdef"), time.Minute)

	wrapped, salt, err := WrapDEK("hunter2")
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	if err := env.Unlock("user-1", "hunter2", wrapped, salt); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	sealed, err := env.Seal("credentials", "password", "user-1", "cred-1", "s3cret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		t.Fatalf("sealed value missing prefix: %q", sealed)
	}
	if sealed == "s3cret" {
		t.Fatal("sealed value equals plaintext")
	}

	got, err := env.Open("credentials", "password", "user-1", "cred-1", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("got %q, want s3cret", got)
	}
}

func TestUnlockWrongPasswordFails(t *testing.T) {
	env := New([]byte("test-master-key-0123456789abcdef"), time.Minute)

	wrapped, salt, err := WrapDEK("hunter2")
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	if err := env.Unlock("user-1", "wrongpass", wrapped, salt); err == nil {
		t.Fatal("expected Unlock to fail with wrong password")
	}
}

func TestOpenTamperedFieldIsIntegrityError(t *testing.T) {
	env := New([]byte("test-master-key-0123456789abcdef"), time.Minute)
	wrapped, salt, _ := WrapDEK("hunter2")
	_ = env.Unlock("user-1", "hunter2", wrapped, salt)

	sealed, _ := env.Seal("credentials", "password", "user-1", "cred-1", "s3cret")
	tampered := sealed[:len(sealed)-2] + "zz"

	_, err := env.Open("credentials", "password", "user-1", "cred-1", tampered)
	if err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Kind != core.KindIntegrity {
		t.Fatalf("expected KindIntegrity, got %v", err)
	}
}

func TestOpenAssociatedDataBindsRecord(t *testing.T) {
	env := New([]byte("test-master-key-0123456789abcdef"), time.Minute)
	wrapped, salt, _ := WrapDEK("hunter2")
	_ = env.Unlock("user-1", "hunter2", wrapped, salt)

	sealed, _ := env.Seal("credentials", "password", "user-1", "cred-1", "s3cret")

	// Same ciphertext replayed against a different recordID must fail
	// because recordID is bound as associated data.
	if _, err := env.Open("credentials", "password", "user-1", "cred-2", sealed); err == nil {
		t.Fatal("expected replay against a different record to fail")
	}
}

func TestLockedUserCannotSealOrOpen(t *testing.T) {
	env := New([]byte("test-master-key-0123456789abcdef"), time.Minute)
	wrapped, salt, _ := WrapDEK("hunter2")
	_ = env.Unlock("user-1", "hunter2", wrapped, salt)
	sealed, _ := env.Seal("credentials", "password", "user-1", "cred-1", "s3cret")

	env.Lock("user-1")

	if env.IsUnlocked("user-1") {
		t.Fatal("expected user to be locked")
	}
	if _, err := env.Open("credentials", "password", "user-1", "cred-1", sealed); err == nil {
		t.Fatal("expected Open to fail while locked")
	}
}

func TestLegacyPlaintextPassesThroughOpen(t *testing.T) {
	env := New([]byte("test-master-key-0123456789abcdef"), time.Minute)
	wrapped, salt, _ := WrapDEK("hunter2")
	_ = env.Unlock("user-1", "hunter2", wrapped, salt)

	got, err := env.Open("credentials", "password", "user-1", "cred-1", "legacy-plain")
	if err != nil {
		t.Fatalf("Open on legacy plaintext: %v", err)
	}
	if got != "legacy-plain" {
		t.Fatalf("got %q, want legacy-plain", got)
	}
}

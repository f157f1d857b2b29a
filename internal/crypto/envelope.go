// Package crypto implements the three-layer envelope encryption scheme
// : a process-wide master key, a per-user
// data-encryption key (DEK) wrapped by a password-derived key-encryption
// key (KEK), and per-record AEAD sealing keyed by the unwrapped DEK.
//
// AES-GCM is used for both KEK-wrapping and record sealing via the
// standard library's crypto/aes and crypto/cipher; no third-party AEAD
// implementation appears anywhere in the example corpus, so this is the
// one component of the crypto stack built directly on stdlib (see
// DESIGN.md). Key derivation (pbkdf2) remains a real ecosystem
// dependency.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

// sealedPrefix marks a field as AEAD-sealed under the v2 scheme, so legacy
// plaintext can be detected and lazily re-encrypted instead of being
// treated as already-sealed.
const sealedPrefix = "v2:"

// pbkdf2Iterations satisfies the current OWASP PBKDF2-HMAC-SHA256
// recommendation (≥200,000 iterations) for KEK derivation.
const pbkdf2Iterations = 210_000

const dekSize = 32 // AES-256
const nonceSize = 12

// UnlockSession is the in-memory record created on successful login: the
// unwrapped DEK plus bookkeeping for idle eviction. It never touches disk.
type UnlockSession struct {
	dek        []byte
	lastTouch  time.Time
}

// Envelope is the process-wide CryptoEnvelope singleton: it owns the
// master key and the table of unlocked per-user sessions.
type Envelope struct {
	masterKey []byte
	ttl       time.Duration

	mu       sync.Mutex
	sessions map[string]*UnlockSession
}

// New constructs an Envelope from already-loaded master key material (see
// LoadOrGenerateMasterKey) and the idle TTL after which an unlock session
// is evicted (recommended 30 min
func New(masterKey []byte, ttl time.Duration) *Envelope {
	return &Envelope{
		masterKey: masterKey,
		ttl:       ttl,
		sessions:  make(map[string]*UnlockSession),
	}
}

// LoadOrGenerateMasterKey returns the process-wide master key: an
// environment-provided seed is stretched via SHA-256, otherwise a fresh
// random key is generated. Regenerating the key (no seed provided across
// restarts) invalidates all outstanding JWTs but not user DEKs, since
// those are wrapped by a password-derived KEK independent of the master
// key — the invariant SystemSecret must hold.
func LoadOrGenerateMasterKey(envSeed string) ([]byte, error) {
	if envSeed != "" {
		sum := sha256.Sum256([]byte(envSeed))
		return sum[:], nil
	}
	key := make([]byte, dekSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// HMACSubkey derives the subkey AuthGate uses to sign JWTs, scoped away
// from the raw master key by a fixed label so a key leaked from one use
// can't be replayed against the other.
func (e *Envelope) HMACSubkey() []byte {
	sum := sha256.Sum256(append([]byte("jwt-hmac-subkey\x00"), e.masterKey...))
	return sum[:]
}

// WrapDEK derives a KEK from the user's password and a fresh random salt,
// generates a random DEK, and returns the wrapped DEK alongside the salt
// to persist on the user record. Called at account creation and password
// change.
func WrapDEK(password string) (wrapped, salt []byte, err error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	kek := deriveKEK(password, salt)
	wrapped, err = aeadSeal(kek, dek, nil)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, salt, nil
}

// Unlock verifies the password by attempting to unwrap the DEK and, on
// success, installs an UnlockSession for userId. Returns
// core.KindAuthentication on a wrong password or corrupt wrap.
func (e *Envelope) Unlock(userID, password string, wrappedDEK, salt []byte) error {
	kek := deriveKEK(password, salt)
	dek, err := aeadOpen(kek, wrappedDEK, nil)
	if err != nil {
		return core.Wrap(core.KindAuthentication, "invalid password", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[userID] = &UnlockSession{dek: dek, lastTouch: time.Now()}
	return nil
}

// Lock removes userID's unlock session, if any.
func (e *Envelope) Lock(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, userID)
}

// IsUnlocked reports whether userID currently has a live, non-expired
// unlock session, evicting it first if its idle TTL has elapsed.
func (e *Envelope) IsUnlocked(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[userID]
	if !ok {
		return false
	}
	if e.ttl > 0 && time.Since(sess.lastTouch) > e.ttl {
		delete(e.sessions, userID)
		return false
	}
	return true
}

// touch refreshes the idle timer and returns the session's DEK, or nil if
// no live session exists.
func (e *Envelope) touch(userID string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[userID]
	if !ok {
		return nil
	}
	if e.ttl > 0 && time.Since(sess.lastTouch) > e.ttl {
		delete(e.sessions, userID)
		return nil
	}
	sess.lastTouch = time.Now()
	return sess.dek
}

// Seal encrypts plaintext for (table, column, userID, recordID), binding
// all four as AEAD associated data so a sealed value cannot be replayed
// into a different cell. Requires an unlock session for userID.
func (e *Envelope) Seal(table, column, userID, recordID, plaintext string) (string, error) {
	dek := e.touch(userID)
	if dek == nil {
		return "", core.New(core.KindAuthentication, "user locked")
	}
	aad := associatedData(table, column, userID, recordID)
	sealed, err := aeadSeal(dek, []byte(plaintext), aad)
	if err != nil {
		return "", core.Wrap(core.KindIntegrity, "seal failed", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value previously produced by Seal. A value without the
// sealedPrefix is treated as legacy plaintext and returned unchanged so
// callers can detect and lazily re-encrypt it. A corrupt or tampered
// ciphertext surfaces core.KindIntegrity, which is fatal to the calling
// operation and must be logged at error level by the caller.
func (e *Envelope) Open(table, column, userID, recordID, sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return sealed, nil
	}
	dek := e.touch(userID)
	if dek == nil {
		return "", core.New(core.KindAuthentication, "user locked")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", core.Wrap(core.KindIntegrity, "malformed sealed value", err)
	}
	aad := associatedData(table, column, userID, recordID)
	plaintext, err := aeadOpen(dek, raw, aad)
	if err != nil {
		return "", core.Wrap(core.KindIntegrity, "tampered or wrong key", err)
	}
	return string(plaintext), nil
}

func associatedData(table, column, userID, recordID string) []byte {
	return []byte(strings.Join([]string{table, column, userID, recordID}, "\x00"))
}

func deriveKEK(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, dekSize, sha256.New)
}

func aeadSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ciphertext...), nil
}

func aeadOpen(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed value too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, aad)
}

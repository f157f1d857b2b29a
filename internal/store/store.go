// Package store is the Store component: a typed repository layer over a
// single SQLite file in DATA_DIR, with per-user scoping and envelope
// encryption of sensitive columns via internal/crypto.
//
// The store is built on github.com/mattn/go-sqlite3 and
// github.com/jmoiron/sqlx, the same pair teleport-family storage layers
// depend on for exactly this kind of embedded relational store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
)

// Store is the process-wide repository singleton.
type Store struct {
	db  *sqlx.DB
	env *crypto.Envelope
}

// Open creates (if needed) and opens the SQLite file at path, applies the
// schema, and returns a Store bound to env for at-rest field sealing.
func Open(path string, env *crypto.Envelope) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, env: env}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Flush checkpoints the write-ahead log so the main database file reflects
// recent writes. cmd/sshcontrol calls it on a 15s ticker; at shutdown
// the store is closed with Close instead, and SQLite checkpoints the log
// itself when the last connection closes.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// --- users -----------------------------------------------------------------

type userRow struct {
	ID               string    `db:"id"`
	Username         string    `db:"username"`
	PasswordHash     string    `db:"password_hash"`
	PasswordSalt     string    `db:"password_salt"`
	IsAdmin          bool      `db:"is_admin"`
	OIDCSubject      string    `db:"oidc_subject"`
	TOTPSecret       string    `db:"totp_secret"`
	BackupCodeHashes string    `db:"backup_code_hashes"`
	WrappedDEK       []byte    `db:"wrapped_dek"`
	DEKSalt          []byte    `db:"dek_salt"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r userRow) toCore() (core.User, error) {
	var codes []string
	if err := json.Unmarshal([]byte(r.BackupCodeHashes), &codes); err != nil {
		return core.User{}, fmt.Errorf("decode backup codes: %w", err)
	}
	return core.User{
		ID:               r.ID,
		Username:         r.Username,
		PasswordHash:     r.PasswordHash,
		PasswordSalt:     r.PasswordSalt,
		IsAdmin:          r.IsAdmin,
		OIDCSubject:      r.OIDCSubject,
		TOTPSecret:       r.TOTPSecret,
		BackupCodeHashes: codes,
		WrappedDEK:       r.WrappedDEK,
		DEKSalt:          r.DEKSalt,
		CreatedAt:        r.CreatedAt,
	}, nil
}

// CreateUser inserts a new user row. u.ID must already be set by the
// caller (a fresh UUID).
func (s *Store) CreateUser(ctx context.Context, u core.User) error {
	codes, err := json.Marshal(u.BackupCodeHashes)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, password_salt, is_admin,
			oidc_subject, totp_secret, backup_code_hashes, wrapped_dek, dek_salt, created_at)
		VALUES (:id, :username, :password_hash, :password_salt, :is_admin,
			:oidc_subject, :totp_secret, :backup_code_hashes, :wrapped_dek, :dek_salt, :created_at)`,
		map[string]any{
			"id": u.ID, "username": u.Username, "password_hash": u.PasswordHash,
			"password_salt": u.PasswordSalt, "is_admin": u.IsAdmin, "oidc_subject": u.OIDCSubject,
			"totp_secret": u.TOTPSecret, "backup_code_hashes": string(codes),
			"wrapped_dek": u.WrappedDEK, "dek_salt": u.DEKSalt, "created_at": u.CreatedAt,
		})
	return err
}

// GetUserByUsername looks up a user by their unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (core.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM users WHERE username = ?", username)
	if err == sql.ErrNoRows {
		return core.User{}, core.New(core.KindNotFound, "user not found")
	}
	if err != nil {
		return core.User{}, err
	}
	return r.toCore()
}

// GetUserByID looks up a user by opaque id.
func (s *Store) GetUserByID(ctx context.Context, id string) (core.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM users WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return core.User{}, core.New(core.KindNotFound, "user not found")
	}
	if err != nil {
		return core.User{}, err
	}
	return r.toCore()
}

// GetUserByOIDCSubject looks up a user previously linked to an OIDC
// subject claim, used to complete an OIDC login without a local
// password.
func (s *Store) GetUserByOIDCSubject(ctx context.Context, subject string) (core.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM users WHERE oidc_subject = ?", subject)
	if err == sql.ErrNoRows {
		return core.User{}, core.New(core.KindNotFound, "user not found")
	}
	if err != nil {
		return core.User{}, err
	}
	return r.toCore()
}

// UserCount returns the total number of registered users, used by
// /users/registration-allowed and /users/count .
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM users")
	return n, err
}

// SetUserPassword replaces a user's password verifier and re-wrapped DEK,
// used by the password-reset flow.
func (s *Store) SetUserPassword(ctx context.Context, userID, passwordHash, passwordSalt string, wrappedDEK, dekSalt []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, password_salt = ?, wrapped_dek = ?, dek_salt = ?
		WHERE id = ?`, passwordHash, passwordSalt, wrappedDEK, dekSalt, userID)
	return err
}

// SetUserTOTP enables or disables TOTP on a user account.
func (s *Store) SetUserTOTP(ctx context.Context, userID, secret string, backupCodeHashes []string) error {
	codes, err := json.Marshal(backupCodeHashes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE users SET totp_secret = ?, backup_code_hashes = ? WHERE id = ?",
		secret, string(codes), userID)
	return err
}

// ConsumeBackupCode removes a one-shot backup code hash after it's used,
// ("backup codes are one-shot, hashed at rest").
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, usedHash string) error {
	u, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(u.BackupCodeHashes))
	for _, h := range u.BackupCodeHashes {
		if h != usedHash {
			remaining = append(remaining, h)
		}
	}
	return s.SetUserTOTP(ctx, userID, u.TOTPSecret, remaining)
}

// --- decrypt/encrypt helpers -------------------------------------------------

// decryptField opens a sealed field for userID. Per the Store invariant
// ("no sensitive field of a locked user can be returned"), a locked
// session blanks the field rather than erroring the whole read; an
// Integrity failure (tampered ciphertext) is propagated since it must
// never be silently masked.
func (s *Store) decryptField(table, column, userID, recordID, sealed string) (string, error) {
	if !s.env.IsUnlocked(userID) {
		return "", nil
	}
	plain, err := s.env.Open(table, column, userID, recordID, sealed)
	if err != nil {
		if ce, ok := err.(*core.Error); ok && ce.Kind == core.KindIntegrity {
			return "", err
		}
		return "", nil
	}
	return plain, nil
}

func (s *Store) encryptField(table, column, userID, recordID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return s.env.Seal(table, column, userID, recordID, plaintext)
}

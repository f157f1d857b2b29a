// Package credential is the CredentialResolver component: given
// {userId, hostId}, produces a fully-materialized connect configuration,
// dereferencing credential records and decrypting on the fly.
package credential

import (
	"context"
	"strings"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

// HostCredentialStore is the subset of internal/store.Store the resolver
// depends on.
type HostCredentialStore interface {
	GetHost(ctx context.Context, userID, hostID string) (core.Host, error)
	GetCredential(ctx context.Context, userID, credentialID string) (core.Credential, error)
	TouchCredentialUsage(ctx context.Context, userID, credentialID string) error
}

// AuthMode mirrors core.AuthType but is named distinctly here since a
// ConnectConfig's mode can diverge from the host's own authType once a
// credential override or the autostart variant is applied.
type AuthMode string

const (
	AuthModePassword AuthMode = "password"
	AuthModeKey      AuthMode = "key"
)

// ConnectConfig is a fully-materialized SSH connect target: either
// Password is set (AuthModePassword) or PrivateKeyBytes (+ optional
// Passphrase) is set (AuthModeKey).
type ConnectConfig struct {
	Host              string
	Port              int
	Username          string
	AuthMode          AuthMode
	Password          string
	PrivateKeyBytes   []byte
	Passphrase        string
}

// Resolver is the CredentialResolver singleton.
type Resolver struct {
	store HostCredentialStore
}

// New constructs a Resolver over store.
func New(store HostCredentialStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve implements the algorithm. useAutostart selects
// the autostart-variant tie-break (step 5): only boot-time autostart and the
// TunnelEngine requests that originate from autostart may set it.
func (r *Resolver) Resolve(ctx context.Context, userID, hostID string, useAutostart bool) (ConnectConfig, error) {
	host, err := r.store.GetHost(ctx, userID, hostID)
	if err != nil {
		return ConnectConfig{}, err
	}

	cfg := ConnectConfig{Host: host.IP, Port: host.Port, Username: host.Username}
	var resolveErr error

	switch {
	case host.AuthType == core.AuthCredential && host.CredentialID != "":
		cred, err := r.store.GetCredential(ctx, userID, host.CredentialID)
		if err != nil {
			resolveErr = core.Wrap(core.KindCredentialResolution, "credential not found", err)
			break
		}
		if cred.AuthType != core.AuthPassword && cred.AuthType != core.AuthKey {
			resolveErr = core.New(core.KindCredentialResolution, "credential has an unsupported authType")
			break
		}
		if cred.Username != "" {
			cfg.Username = cred.Username
		}
		if err := applySecret(&cfg, core.AuthType(cred.AuthType), cred.Password, cred.PrivateKey, cred.KeyPassphrase); err != nil {
			resolveErr = err
			break
		}
		_ = r.store.TouchCredentialUsage(ctx, userID, host.CredentialID)

	case host.AuthType == core.AuthCredential:
		resolveErr = core.New(core.KindCredentialResolution, "host authType is credential but no credentialId set")

	default:
		if err := applySecret(&cfg, host.AuthType, host.Password, host.PrivateKey, host.KeyPassphrase); err != nil {
			resolveErr = err
		}
	}

	// Tie-break (step 5): normal resolution yielding no usable secret —
	// whether from a missing credentialId, a credential with unusable
	// fields, or a plain authType with empty fields — falls back to the
	// autostart variant only when the caller explicitly opted in. Absence
	// of an autostart secret means refuse, not prompt: resolveErr (if
	// any) is returned unchanged.
	if resolveErr != nil && useAutostart {
		if host.Autostart.Password != "" {
			cfg.AuthMode = AuthModePassword
			cfg.Password = host.Autostart.Password
			resolveErr = nil
		} else if host.Autostart.Key != "" {
			key, err := normalizePrivateKey(host.Autostart.Key)
			if err != nil {
				return ConnectConfig{}, err
			}
			cfg.AuthMode = AuthModeKey
			cfg.PrivateKeyBytes = key
			cfg.Passphrase = host.Autostart.KeyPassphrase
			resolveErr = nil
		}
	}

	if resolveErr != nil {
		return ConnectConfig{}, resolveErr
	}
	return cfg, nil
}

// ApplyInlineSecret fills cfg's auth fields from a caller-held secret bundle
// (used by the tunnel engine to resolve a TunnelConnection's embedded endpoint
// secrets, which live outside the Host/Credential tables Resolve covers).
func ApplyInlineSecret(cfg *ConnectConfig, authType core.AuthType, password, privateKey, passphrase string) error {
	return applySecret(cfg, authType, password, privateKey, passphrase)
}

func applySecret(cfg *ConnectConfig, authType core.AuthType, password, privateKey, passphrase string) error {
	switch authType {
	case core.AuthPassword:
		if password == "" {
			return core.New(core.KindCredentialResolution, "password authType requires a password")
		}
		cfg.AuthMode = AuthModePassword
		cfg.Password = password
	case core.AuthKey:
		key, err := normalizePrivateKey(privateKey)
		if err != nil {
			return err
		}
		cfg.AuthMode = AuthModeKey
		cfg.PrivateKeyBytes = key
		cfg.Passphrase = passphrase
	default:
		return core.New(core.KindCredentialResolution, "unsupported authType")
	}
	return nil
}

// normalizePrivateKey enforces the PEM marker check and canonicalizes line
// endings to LF step 4.
func normalizePrivateKey(key string) ([]byte, error) {
	if key == "" {
		return nil, core.New(core.KindCredentialResolution, "key authType requires a private key")
	}
	if !strings.Contains(key, "-----BEGIN") || !strings.Contains(key, "-----END") {
		return nil, core.New(core.KindCredentialResolution, "malformed private key: missing PEM markers")
	}
	normalized := strings.ReplaceAll(key, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return []byte(normalized), nil
}

// Package core holds the data model and error taxonomy shared by every
// component of the control plane: users, hosts, credentials, tunnel
// configuration, and the in-memory runtime tables that track their live
// state.
package core

import (
	"strconv"
	"time"
)

// UserInfo is the identity internal/auth.Gate.Middleware resolves from a
// bearer token and stores in the request context for downstream
// handlers and middleware (RequireAdmin, RequireDataAccess) to inspect.
type UserInfo struct {
	Subject string
	Groups  []string
}

// AuthType enumerates how a Host or Credential authenticates to its remote.
type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthKey        AuthType = "key"
	AuthCredential AuthType = "credential"
)

// User is an account on the control plane. Sensitive fields (PasswordHash,
// TOTPSecret, BackupCodeHashes, WrappedDEK) are never serialized to API
// responses; they exist only for the auth and crypto layers.
type User struct {
	ID               string
	Username         string
	PasswordHash     string // PBKDF/bcrypt verifier, not reversible
	PasswordSalt     string
	IsAdmin          bool
	OIDCSubject      string
	TOTPSecret       string // empty if TOTP not enabled
	BackupCodeHashes []string
	WrappedDEK       []byte // DEK wrapped under the password-derived KEK
	DEKSalt          []byte
	CreatedAt        time.Time
}

// Credential is a reusable, user-owned authentication bundle. Password,
// PrivateKey, PublicKey, and KeyPassphrase are sealed at rest with the
// owning user's DEK; in memory (post-resolve) they hold plaintext.
type Credential struct {
	ID             string
	UserID         string
	Name           string
	Description    string
	Folder         string
	Tags           []string
	AuthType       AuthType
	Username       string
	Password       string
	PrivateKey     string
	PublicKey      string
	KeyPassphrase  string
	DetectedKeyType string
	UsageCount     int
	LastUsed       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Host is a remote machine a user has registered. If AuthType is
// AuthCredential, the Password/PrivateKey/KeyPassphrase fields below must be
// empty and CredentialID must be set; resolution happens via
// internal/credential.
type Host struct {
	ID                string
	UserID            string
	Name              string
	IP                string
	Port              int
	Username          string
	Folder            string
	Tags              []string
	Pin               bool
	AuthType          AuthType
	Password          string
	PrivateKey        string
	KeyPassphrase     string
	EnableTerminal    bool
	EnableTunnel      bool
	EnableFileManager bool
	DefaultPath       string
	CredentialID      string
	TunnelConnections []TunnelConnection
	Autostart         AutostartConfig
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AutostartConfig carries the plaintext fallback fields used only when a
// tunnel is brought up at process boot and no interactive user is
// present to supply a password: if AutostartPassword is empty for a
// password-auth endpoint, autostart refuses rather than prompting.
type AutostartConfig struct {
	Password      string
	Key           string
	KeyPassphrase string
}

// TunnelConnection is one reverse-tunnel configuration embedded in a Host.
// Its stable logical name is "{hostName}_{sourcePort}_{endpointPort}".
type TunnelConnection struct {
	SourcePort           int
	EndpointHost         string
	EndpointPort         int
	EndpointAuthType     AuthType
	EndpointUsername     string
	EndpointPassword     string
	EndpointPrivateKey   string
	EndpointKeyPassphrase string
	EndpointCredentialID string
	MaxRetries           int
	RetryIntervalMS      int // normalized to milliseconds at the API boundary
	AutoStart            bool
}

// Name returns the tunnel's stable logical identifier.
func (t TunnelConnection) Name(hostName string) string {
	return hostName + "_" + strconv.Itoa(t.SourcePort) + "_" + strconv.Itoa(t.EndpointPort)
}

// FileManagerItemKind enumerates the kinds of bookkeeping entries the file
// manager keeps per host.
type FileManagerItemKind string

const (
	FileManagerRecent   FileManagerItemKind = "recent"
	FileManagerPinned   FileManagerItemKind = "pinned"
	FileManagerShortcut FileManagerItemKind = "shortcut"
)

// FileManagerItem is a bookkeeping entry (recent/pinned/shortcut path) kept
// per user per host. Recent entries are capped to the newest N per host.
type FileManagerItem struct {
	UserID    string
	HostID    string
	Name      string
	Path      string
	Kind      FileManagerItemKind
	Timestamp time.Time
}

// MaxRecentFileManagerItems bounds how many "recent" entries are retained
// per (user, host) pair.
const MaxRecentFileManagerItems = 20

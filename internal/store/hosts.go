package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

type hostRow struct {
	ID                string    `db:"id"`
	UserID            string    `db:"user_id"`
	Name              string    `db:"name"`
	IP                string    `db:"ip"`
	Port              int       `db:"port"`
	Username          string    `db:"username"`
	Folder            string    `db:"folder"`
	Tags              string    `db:"tags"`
	Pin               bool      `db:"pin"`
	AuthType          string    `db:"auth_type"`
	Password          string    `db:"password"`
	PrivateKey        string    `db:"private_key"`
	KeyPassphrase     string    `db:"key_passphrase"`
	EnableTerminal    bool      `db:"enable_terminal"`
	EnableTunnel      bool      `db:"enable_tunnel"`
	EnableFileManager bool      `db:"enable_file_manager"`
	DefaultPath       string    `db:"default_path"`
	CredentialID      string    `db:"credential_id"`
	TunnelConnections string    `db:"tunnel_connections"`
	Autostart         string    `db:"autostart"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (s *Store) hostRowToCore(r hostRow) (core.Host, error) {
	var tags []string
	if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
		return core.Host{}, err
	}

	password, err := s.decryptField("hosts", "password", r.UserID, r.ID, r.Password)
	if err != nil {
		return core.Host{}, err
	}
	privateKey, err := s.decryptField("hosts", "private_key", r.UserID, r.ID, r.PrivateKey)
	if err != nil {
		return core.Host{}, err
	}
	keyPassphrase, err := s.decryptField("hosts", "key_passphrase", r.UserID, r.ID, r.KeyPassphrase)
	if err != nil {
		return core.Host{}, err
	}

	var conns []core.TunnelConnection
	tunnelConnJSON, err := s.decryptField("hosts", "tunnel_connections", r.UserID, r.ID, r.TunnelConnections)
	if err != nil {
		return core.Host{}, err
	}
	if tunnelConnJSON != "" {
		if err := json.Unmarshal([]byte(tunnelConnJSON), &conns); err != nil {
			return core.Host{}, err
		}
	}

	var autostart core.AutostartConfig
	autostartJSON, err := s.decryptField("hosts", "autostart", r.UserID, r.ID, r.Autostart)
	if err != nil {
		return core.Host{}, err
	}
	if autostartJSON != "" {
		if err := json.Unmarshal([]byte(autostartJSON), &autostart); err != nil {
			return core.Host{}, err
		}
	}

	return core.Host{
		ID: r.ID, UserID: r.UserID, Name: r.Name, IP: r.IP, Port: r.Port,
		Username: r.Username, Folder: r.Folder, Tags: tags, Pin: r.Pin,
		AuthType: core.AuthType(r.AuthType), Password: password, PrivateKey: privateKey,
		KeyPassphrase: keyPassphrase, EnableTerminal: r.EnableTerminal, EnableTunnel: r.EnableTunnel,
		EnableFileManager: r.EnableFileManager, DefaultPath: r.DefaultPath, CredentialID: r.CredentialID,
		TunnelConnections: conns, Autostart: autostart, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}, nil
}

// CreateHost inserts a host owned by h.UserID. h.ID must already be set.
func (s *Store) CreateHost(ctx context.Context, h core.Host) error {
	h.CreatedAt = time.Now()
	h.UpdatedAt = h.CreatedAt
	return s.upsertHost(ctx, h, true)
}

// UpdateHost replaces every mutable field of an existing host.
func (s *Store) UpdateHost(ctx context.Context, h core.Host) error {
	h.UpdatedAt = time.Now()
	return s.upsertHost(ctx, h, false)
}

func (s *Store) upsertHost(ctx context.Context, h core.Host, insert bool) error {
	tags, err := json.Marshal(h.Tags)
	if err != nil {
		return err
	}
	connsJSON, err := json.Marshal(h.TunnelConnections)
	if err != nil {
		return err
	}
	sealedConns, err := s.encryptField("hosts", "tunnel_connections", h.UserID, h.ID, string(connsJSON))
	if err != nil {
		return err
	}
	autostartJSON, err := json.Marshal(h.Autostart)
	if err != nil {
		return err
	}
	sealedAutostart, err := s.encryptField("hosts", "autostart", h.UserID, h.ID, string(autostartJSON))
	if err != nil {
		return err
	}
	sealedPassword, err := s.encryptField("hosts", "password", h.UserID, h.ID, h.Password)
	if err != nil {
		return err
	}
	sealedKey, err := s.encryptField("hosts", "private_key", h.UserID, h.ID, h.PrivateKey)
	if err != nil {
		return err
	}
	sealedPassphrase, err := s.encryptField("hosts", "key_passphrase", h.UserID, h.ID, h.KeyPassphrase)
	if err != nil {
		return err
	}

	args := map[string]any{
		"id": h.ID, "user_id": h.UserID, "name": h.Name, "ip": h.IP, "port": h.Port,
		"username": h.Username, "folder": h.Folder, "tags": string(tags), "pin": h.Pin,
		"auth_type": string(h.AuthType), "password": sealedPassword, "private_key": sealedKey,
		"key_passphrase": sealedPassphrase, "enable_terminal": h.EnableTerminal,
		"enable_tunnel": h.EnableTunnel, "enable_file_manager": h.EnableFileManager,
		"default_path": h.DefaultPath, "credential_id": h.CredentialID,
		"tunnel_connections": sealedConns, "autostart": sealedAutostart,
		"created_at": h.CreatedAt, "updated_at": h.UpdatedAt,
	}

	if insert {
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO hosts (id, user_id, name, ip, port, username, folder, tags, pin, auth_type,
				password, private_key, key_passphrase, enable_terminal, enable_tunnel, enable_file_manager,
				default_path, credential_id, tunnel_connections, autostart, created_at, updated_at)
			VALUES (:id, :user_id, :name, :ip, :port, :username, :folder, :tags, :pin, :auth_type,
				:password, :private_key, :key_passphrase, :enable_terminal, :enable_tunnel, :enable_file_manager,
				:default_path, :credential_id, :tunnel_connections, :autostart, :created_at, :updated_at)`, args)
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		UPDATE hosts SET name=:name, ip=:ip, port=:port, username=:username, folder=:folder, tags=:tags,
			pin=:pin, auth_type=:auth_type, password=:password, private_key=:private_key,
			key_passphrase=:key_passphrase, enable_terminal=:enable_terminal, enable_tunnel=:enable_tunnel,
			enable_file_manager=:enable_file_manager, default_path=:default_path, credential_id=:credential_id,
			tunnel_connections=:tunnel_connections, autostart=:autostart, updated_at=:updated_at
		WHERE id=:id AND user_id=:user_id`, args)
	return err
}

// GetHost fetches a host scoped to userID. Sensitive fields are blanked,
// not errored, if userID is currently locked (see decryptField).
func (s *Store) GetHost(ctx context.Context, userID, id string) (core.Host, error) {
	var r hostRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM hosts WHERE id = ? AND user_id = ?", id, userID)
	if err == sql.ErrNoRows {
		return core.Host{}, core.New(core.KindNotFound, "host not found")
	}
	if err != nil {
		return core.Host{}, err
	}
	return s.hostRowToCore(r)
}

// ListHosts returns every host owned by userID. Listing only touches
// non-sensitive columns for the caller's own filtering needs, but the
// returned Host values still carry decrypted secrets when unlocked,
// matching GetHost's contract.
func (s *Store) ListHosts(ctx context.Context, userID string) ([]core.Host, error) {
	var rows []hostRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM hosts WHERE user_id = ? ORDER BY name", userID); err != nil {
		return nil, err
	}
	hosts := make([]core.Host, 0, len(rows))
	for _, r := range rows {
		h, err := s.hostRowToCore(r)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// DeleteHost removes a host owned by userID.
func (s *Store) DeleteHost(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM hosts WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.New(core.KindNotFound, "host not found")
	}
	return nil
}

// --- credentials -------------------------------------------------------------

type credentialRow struct {
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	Name            string     `db:"name"`
	Description     string     `db:"description"`
	Folder          string     `db:"folder"`
	Tags            string     `db:"tags"`
	AuthType        string     `db:"auth_type"`
	Username        string     `db:"username"`
	Password        string     `db:"password"`
	PrivateKey      string     `db:"private_key"`
	PublicKey       string     `db:"public_key"`
	KeyPassphrase   string     `db:"key_passphrase"`
	DetectedKeyType string     `db:"detected_key_type"`
	UsageCount      int        `db:"usage_count"`
	LastUsed        *time.Time `db:"last_used"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (s *Store) credentialRowToCore(r credentialRow) (core.Credential, error) {
	var tags []string
	if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
		return core.Credential{}, err
	}

	password, err := s.decryptField("credentials", "password", r.UserID, r.ID, r.Password)
	if err != nil {
		return core.Credential{}, err
	}
	privateKey, err := s.decryptField("credentials", "private_key", r.UserID, r.ID, r.PrivateKey)
	if err != nil {
		return core.Credential{}, err
	}
	keyPassphrase, err := s.decryptField("credentials", "key_passphrase", r.UserID, r.ID, r.KeyPassphrase)
	if err != nil {
		return core.Credential{}, err
	}

	c := core.Credential{
		ID: r.ID, UserID: r.UserID, Name: r.Name, Description: r.Description, Folder: r.Folder,
		Tags: tags, AuthType: core.AuthType(r.AuthType), Username: r.Username, Password: password,
		PrivateKey: privateKey, PublicKey: r.PublicKey, KeyPassphrase: keyPassphrase,
		DetectedKeyType: r.DetectedKeyType, UsageCount: r.UsageCount, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.LastUsed != nil {
		c.LastUsed = *r.LastUsed
	}
	return c, nil
}

// CreateCredential inserts a credential owned by c.UserID. c.ID must
// already be set. authType=="password" requires Password set;
// authType=="key" requires PrivateKey set.
func (s *Store) CreateCredential(ctx context.Context, c core.Credential) error {
	if err := validateCredential(c); err != nil {
		return err
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	return s.upsertCredential(ctx, c, true)
}

// UpdateCredential replaces every mutable field of an existing credential.
func (s *Store) UpdateCredential(ctx context.Context, c core.Credential) error {
	if err := validateCredential(c); err != nil {
		return err
	}
	c.UpdatedAt = time.Now()
	return s.upsertCredential(ctx, c, false)
}

func validateCredential(c core.Credential) error {
	switch c.AuthType {
	case core.AuthPassword:
		if c.Password == "" {
			return core.New(core.KindValidation, "password auth requires a password")
		}
	case core.AuthKey:
		if c.PrivateKey == "" {
			return core.New(core.KindValidation, "key auth requires a private key")
		}
	default:
		return core.New(core.KindValidation, "unsupported credential authType")
	}
	return nil
}

func (s *Store) upsertCredential(ctx context.Context, c core.Credential, insert bool) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	sealedPassword, err := s.encryptField("credentials", "password", c.UserID, c.ID, c.Password)
	if err != nil {
		return err
	}
	sealedKey, err := s.encryptField("credentials", "private_key", c.UserID, c.ID, c.PrivateKey)
	if err != nil {
		return err
	}
	sealedPassphrase, err := s.encryptField("credentials", "key_passphrase", c.UserID, c.ID, c.KeyPassphrase)
	if err != nil {
		return err
	}

	args := map[string]any{
		"id": c.ID, "user_id": c.UserID, "name": c.Name, "description": c.Description,
		"folder": c.Folder, "tags": string(tags), "auth_type": string(c.AuthType),
		"username": c.Username, "password": sealedPassword, "private_key": sealedKey,
		"public_key": c.PublicKey, "key_passphrase": sealedPassphrase,
		"detected_key_type": c.DetectedKeyType, "usage_count": c.UsageCount,
		"created_at": c.CreatedAt, "updated_at": c.UpdatedAt,
	}

	if insert {
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO credentials (id, user_id, name, description, folder, tags, auth_type, username,
				password, private_key, public_key, key_passphrase, detected_key_type, usage_count, created_at, updated_at)
			VALUES (:id, :user_id, :name, :description, :folder, :tags, :auth_type, :username,
				:password, :private_key, :public_key, :key_passphrase, :detected_key_type, :usage_count, :created_at, :updated_at)`, args)
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		UPDATE credentials SET name=:name, description=:description, folder=:folder, tags=:tags,
			auth_type=:auth_type, username=:username, password=:password, private_key=:private_key,
			public_key=:public_key, key_passphrase=:key_passphrase, detected_key_type=:detected_key_type,
			usage_count=:usage_count, updated_at=:updated_at
		WHERE id=:id AND user_id=:user_id`, args)
	return err
}

// GetCredential fetches a credential scoped to userID.
func (s *Store) GetCredential(ctx context.Context, userID, id string) (core.Credential, error) {
	var r credentialRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM credentials WHERE id = ? AND user_id = ?", id, userID)
	if err == sql.ErrNoRows {
		return core.Credential{}, core.New(core.KindNotFound, "credential not found")
	}
	if err != nil {
		return core.Credential{}, err
	}
	return s.credentialRowToCore(r)
}

// ListCredentials returns every credential owned by userID.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]core.Credential, error) {
	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM credentials WHERE user_id = ? ORDER BY name", userID); err != nil {
		return nil, err
	}
	creds := make([]core.Credential, 0, len(rows))
	for _, r := range rows {
		c, err := s.credentialRowToCore(r)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// DeleteCredential removes a credential owned by userID.
func (s *Store) DeleteCredential(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.New(core.KindNotFound, "credential not found")
	}
	return nil
}

// TouchCredentialUsage bumps UsageCount and LastUsed, called by
// CredentialResolver whenever a credential is applied to a connection.
func (s *Store) TouchCredentialUsage(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET usage_count = usage_count + 1, last_used = ?
		WHERE id = ? AND user_id = ?`, time.Now(), id, userID)
	return err
}

// --- file manager items -------------------------------------------------------

// PutFileManagerItem records a recent/pinned/shortcut path. "recent"
// entries beyond MaxRecentFileManagerItems per (user, host) are pruned,
// oldest first.
func (s *Store) PutFileManagerItem(ctx context.Context, item core.FileManagerItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_manager_items (user_id, host_id, kind, name, path, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, host_id, kind, path) DO UPDATE SET timestamp = excluded.timestamp, name = excluded.name`,
		item.UserID, item.HostID, string(item.Kind), item.Name, item.Path, item.Timestamp)
	if err != nil {
		return err
	}
	if item.Kind == core.FileManagerRecent {
		return s.pruneRecent(ctx, item.UserID, item.HostID)
	}
	return nil
}

func (s *Store) pruneRecent(ctx context.Context, userID, hostID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM file_manager_items
		WHERE user_id = ? AND host_id = ? AND kind = 'recent'
		AND path NOT IN (
			SELECT path FROM file_manager_items
			WHERE user_id = ? AND host_id = ? AND kind = 'recent'
			ORDER BY timestamp DESC LIMIT ?
		)`, userID, hostID, userID, hostID, core.MaxRecentFileManagerItems)
	return err
}

type fileManagerItemRow struct {
	UserID    string    `db:"user_id"`
	HostID    string    `db:"host_id"`
	Kind      string    `db:"kind"`
	Name      string    `db:"name"`
	Path      string    `db:"path"`
	Timestamp time.Time `db:"timestamp"`
}

// ListFileManagerItems returns items of kind for (userID, hostID), newest
// first.
func (s *Store) ListFileManagerItems(ctx context.Context, userID, hostID string, kind core.FileManagerItemKind) ([]core.FileManagerItem, error) {
	var rows []fileManagerItemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM file_manager_items WHERE user_id = ? AND host_id = ? AND kind = ?
		ORDER BY timestamp DESC`, userID, hostID, string(kind))
	if err != nil {
		return nil, err
	}
	items := make([]core.FileManagerItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, core.FileManagerItem{
			UserID: r.UserID, HostID: r.HostID, Name: r.Name, Path: r.Path,
			Kind: core.FileManagerItemKind(r.Kind), Timestamp: r.Timestamp,
		})
	}
	return items, nil
}

// DeleteFileManagerItem removes a single bookkeeping entry.
func (s *Store) DeleteFileManagerItem(ctx context.Context, userID, hostID, path string, kind core.FileManagerItemKind) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM file_manager_items WHERE user_id = ? AND host_id = ? AND kind = ? AND path = ?`,
		userID, hostID, string(kind), path)
	return err
}

// ListAllHostsWithEnabledTunnels returns every host, across every user,
// whose enable_tunnel flag is set. internal/autostart uses this at boot
// to enumerate the {host, tunnelConnection} pairs with AutoStart==true
// without needing a per-user loop of its own.
func (s *Store) ListAllHostsWithEnabledTunnels(ctx context.Context) ([]core.Host, error) {
	var rows []hostRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM hosts WHERE enable_tunnel = 1 ORDER BY user_id, name"); err != nil {
		return nil, err
	}
	hosts := make([]core.Host, 0, len(rows))
	for _, r := range rows {
		h, err := s.hostRowToCore(r)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

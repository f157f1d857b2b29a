package store

// schema is the DDL applied on every Open. It is idempotent (CREATE TABLE
// IF NOT EXISTS) so opening an existing database file is a no-op; a
// dedicated migration tool is explicitly out of scope .
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	username           TEXT NOT NULL UNIQUE,
	password_hash      TEXT NOT NULL,
	password_salt      TEXT NOT NULL,
	is_admin           INTEGER NOT NULL DEFAULT 0,
	oidc_subject       TEXT NOT NULL DEFAULT '',
	totp_secret        TEXT NOT NULL DEFAULT '',
	backup_code_hashes TEXT NOT NULL DEFAULT '[]',
	wrapped_dek        BLOB NOT NULL,
	dek_salt           BLOB NOT NULL,
	created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	folder            TEXT NOT NULL DEFAULT '',
	tags              TEXT NOT NULL DEFAULT '[]',
	auth_type         TEXT NOT NULL,
	username          TEXT NOT NULL DEFAULT '',
	password          TEXT NOT NULL DEFAULT '',
	private_key       TEXT NOT NULL DEFAULT '',
	public_key        TEXT NOT NULL DEFAULT '',
	key_passphrase    TEXT NOT NULL DEFAULT '',
	detected_key_type TEXT NOT NULL DEFAULT '',
	usage_count       INTEGER NOT NULL DEFAULT 0,
	last_used         DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);

CREATE TABLE IF NOT EXISTS hosts (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name                 TEXT NOT NULL DEFAULT '',
	ip                   TEXT NOT NULL,
	port                 INTEGER NOT NULL,
	username             TEXT NOT NULL DEFAULT '',
	folder               TEXT NOT NULL DEFAULT '',
	tags                 TEXT NOT NULL DEFAULT '[]',
	pin                  INTEGER NOT NULL DEFAULT 0,
	auth_type            TEXT NOT NULL,
	password             TEXT NOT NULL DEFAULT '',
	private_key          TEXT NOT NULL DEFAULT '',
	key_passphrase       TEXT NOT NULL DEFAULT '',
	enable_terminal      INTEGER NOT NULL DEFAULT 1,
	enable_tunnel        INTEGER NOT NULL DEFAULT 0,
	enable_file_manager  INTEGER NOT NULL DEFAULT 1,
	default_path         TEXT NOT NULL DEFAULT '',
	credential_id        TEXT NOT NULL DEFAULT '',
	tunnel_connections   TEXT NOT NULL DEFAULT '[]',
	autostart            TEXT NOT NULL DEFAULT '{}',
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hosts_user ON hosts(user_id);

CREATE TABLE IF NOT EXISTS file_manager_items (
	user_id   TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	host_id   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	name      TEXT NOT NULL,
	path      TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	PRIMARY KEY (user_id, host_id, kind, path)
);
CREATE INDEX IF NOT EXISTS idx_fm_items_user_host ON file_manager_items(user_id, host_id);

CREATE TABLE IF NOT EXISTS dismissed_alerts (
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	alert_id   TEXT NOT NULL,
	dismissed_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, alert_id)
);

CREATE TABLE IF NOT EXISTS settings (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (user_id, key)
);
`

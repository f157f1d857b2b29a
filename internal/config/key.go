// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (unprefixed: DATA_DIR,
//     DB_FILE_ENCRYPTION, MASTER_KEY_SEED, JWT_SECRET, NODE_ENV,
//     SSL_PORT); VERSION is not read from the environment, the binary's
//     version is set at build time
//  3. Config file (config.yaml in . or /etc/sshcontrol/)
//  4. Compiled defaults
package config

// Viper keys for the control-plane server.
const (
	keyDataDir               = "data_dir"
	keyDBFileEncryption      = "db_file_encryption"
	keyMasterKeySeed         = "master_key_seed"
	keyJWTSecret             = "jwt_secret"
	keyNodeEnv               = "node_env"
	keySSLPort               = "ssl_port"
	keyAllowedOrigins        = "allowed_origins"
	keyOIDCIssuer            = "oidc.issuer"
	keyOIDCClientID          = "oidc.client_id"
	keyOIDCClientSecret      = "oidc.client_secret"
	keyOIDCRedirectURL       = "oidc.redirect_url"
	keyMaxConnsPerHost       = "pool.max_connections_per_host"
	keyPoolIdleTTL           = "pool.idle_ttl"
	keyPoolJanitorInterval   = "pool.janitor_interval"
	keyPoolCreateTimeout     = "pool.create_timeout"
	keyMetricsCacheTTL       = "metrics.cache_ttl"
	keyMetricsTimeout        = "metrics.collection_timeout"
	keyTunnelMaxRetries      = "tunnel.max_retries"
	keyTunnelRetryIntervalMS = "tunnel.retry_interval_ms"
	keyTunnelConnectTimeout  = "tunnel.connect_timeout"
	keyUnlockSessionTTL      = "auth.unlock_session_ttl"
	keyStoreFlushInterval    = "store.flush_interval"
)

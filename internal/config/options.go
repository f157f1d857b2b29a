package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines every configuration entry the control plane reads.
// Each entry is registered as a viper default and a CLI flag.
var Options = []Option{
	{Key: keyDataDir, Flag: toFlag(keyDataDir), Default: "./db/data", Description: "Directory holding the relational store file"},
	{Key: keyDBFileEncryption, Flag: toFlag(keyDBFileEncryption), Default: true, Description: "Whole-file store sealing flag; not read by the server, the store file is not sealed as a whole (sensitive columns are always sealed per user)"},
	{Key: keyMasterKeySeed, Flag: toFlag(keyMasterKeySeed), Default: "", Description: "Seed stretched into the system master key; a fresh random key is generated if unset (regeneration across restarts invalidates outstanding JWTs but not user DEKs)"},
	{Key: keyJWTSecret, Flag: toFlag(keyJWTSecret), Default: "", Description: "Override JWT signing secret (testing only; production derives from the system master key)"},
	{Key: keyNodeEnv, Flag: toFlag(keyNodeEnv), Default: "production", Description: "Runtime environment name"},
	{Key: keySSLPort, Flag: toFlag(keySSLPort), Default: ":8299", Description: "HTTP listen address"},
	{Key: keyAllowedOrigins, Flag: toFlag(keyAllowedOrigins), Default: []string{}, Description: "Allowed CORS origins"},
	{Key: keyOIDCIssuer, Flag: toFlag(keyOIDCIssuer), Default: "", Description: "Optional OIDC issuer URL for /users/oidc-config"},
	{Key: keyOIDCClientID, Flag: toFlag(keyOIDCClientID), Default: "", Description: "Optional OIDC client id"},
	{Key: keyOIDCClientSecret, Flag: toFlag(keyOIDCClientSecret), Default: "", Description: "OIDC client secret, required alongside oidc-issuer"},
	{Key: keyOIDCRedirectURL, Flag: toFlag(keyOIDCRedirectURL), Default: "", Description: "OIDC authorization-code callback URL"},
	{Key: keyMaxConnsPerHost, Flag: toFlag(keyMaxConnsPerHost), Default: 3, Description: "Max live SSH clients per (ip,port,username)"},
	{Key: keyPoolIdleTTL, Flag: toFlag(keyPoolIdleTTL), Default: 10 * time.Minute, Description: "Idle eviction TTL for pooled SSH clients"},
	{Key: keyPoolJanitorInterval, Flag: toFlag(keyPoolJanitorInterval), Default: 5 * time.Minute, Description: "SSH pool janitor sweep interval"},
	{Key: keyPoolCreateTimeout, Flag: toFlag(keyPoolCreateTimeout), Default: 30 * time.Second, Description: "SSH pool client creation timeout"},
	{Key: keyMetricsCacheTTL, Flag: toFlag(keyMetricsCacheTTL), Default: 30 * time.Second, Description: "Metrics snapshot cache TTL; not read by the server, the collector uses its built-in TTL"},
	{Key: keyMetricsTimeout, Flag: toFlag(keyMetricsTimeout), Default: 30 * time.Second, Description: "Overall metrics collection timeout; not read by the server, the metrics handler uses its built-in timeout"},
	{Key: keyTunnelMaxRetries, Flag: toFlag(keyTunnelMaxRetries), Default: 3, Description: "Default max tunnel reconnect attempts; not read by the server, the tunnel engine's built-in default is 3"},
	{Key: keyTunnelRetryIntervalMS, Flag: toFlag(keyTunnelRetryIntervalMS), Default: 5000, Description: "Default tunnel retry interval in milliseconds; not read by the server, the tunnel engine's built-in default is 5000"},
	{Key: keyTunnelConnectTimeout, Flag: toFlag(keyTunnelConnectTimeout), Default: 60 * time.Second, Description: "Overall tunnel connect timeout; not read by the server, the tunnel engine's built-in budget is 60s"},
	{Key: keyUnlockSessionTTL, Flag: toFlag(keyUnlockSessionTTL), Default: 30 * time.Minute, Description: "Idle TTL for an unlocked DEK session"},
	{Key: keyStoreFlushInterval, Flag: toFlag(keyStoreFlushInterval), Default: 15 * time.Second, Description: "Store flush-to-disk interval"},
}

// toFlag converts a viper key like "pool.max_connections_per_host" into a
// CLI flag like "pool-max-connections-per-host" by lower-casing and
// replacing dots and underscores with hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment variables,
// the config file, and compiled defaults (in that priority order;
// CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sshcontrol/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables match the literal names 
	// rather than a prefixed/underscored viper key, so each is bound
	// explicitly instead of using AutomaticEnv with a prefix.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv(keyDataDir, "DATA_DIR")
	_ = v.BindEnv(keyDBFileEncryption, "DB_FILE_ENCRYPTION")
	_ = v.BindEnv(keyMasterKeySeed, "MASTER_KEY_SEED")
	_ = v.BindEnv(keyJWTSecret, "JWT_SECRET")
	_ = v.BindEnv(keyNodeEnv, "NODE_ENV")
	_ = v.BindEnv(keySSLPort, "SSL_PORT")

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for every option and binds them to the
// underlying viper keys so that flag values override file and environment
// sources.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for _, o := range Options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) DataDir() string            { return c.v.GetString(keyDataDir) }
func (c *Config) DBFileEncryption() bool     { return c.v.GetBool(keyDBFileEncryption) }
func (c *Config) MasterKeySeed() string      { return c.v.GetString(keyMasterKeySeed) }
func (c *Config) JWTSecret() string          { return c.v.GetString(keyJWTSecret) }
func (c *Config) NodeEnv() string            { return c.v.GetString(keyNodeEnv) }
func (c *Config) SSLPort() string            { return c.v.GetString(keySSLPort) }
func (c *Config) AllowedOrigins() []string   { return c.v.GetStringSlice(keyAllowedOrigins) }
func (c *Config) OIDCIssuer() string         { return c.v.GetString(keyOIDCIssuer) }
func (c *Config) OIDCClientID() string       { return c.v.GetString(keyOIDCClientID) }
func (c *Config) OIDCClientSecret() string   { return c.v.GetString(keyOIDCClientSecret) }
func (c *Config) OIDCRedirectURL() string    { return c.v.GetString(keyOIDCRedirectURL) }
func (c *Config) MaxConnectionsPerHost() int { return c.v.GetInt(keyMaxConnsPerHost) }
func (c *Config) PoolIdleTTL() time.Duration { return c.v.GetDuration(keyPoolIdleTTL) }
func (c *Config) PoolJanitorInterval() time.Duration {
	return c.v.GetDuration(keyPoolJanitorInterval)
}
func (c *Config) PoolCreateTimeout() time.Duration { return c.v.GetDuration(keyPoolCreateTimeout) }
func (c *Config) MetricsCacheTTL() time.Duration   { return c.v.GetDuration(keyMetricsCacheTTL) }
func (c *Config) MetricsTimeout() time.Duration    { return c.v.GetDuration(keyMetricsTimeout) }
func (c *Config) TunnelMaxRetries() int            { return c.v.GetInt(keyTunnelMaxRetries) }
func (c *Config) TunnelRetryIntervalMS() int       { return c.v.GetInt(keyTunnelRetryIntervalMS) }
func (c *Config) TunnelConnectTimeout() time.Duration {
	return c.v.GetDuration(keyTunnelConnectTimeout)
}
func (c *Config) UnlockSessionTTL() time.Duration   { return c.v.GetDuration(keyUnlockSessionTTL) }
func (c *Config) StoreFlushInterval() time.Duration { return c.v.GetDuration(keyStoreFlushInterval) }

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

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("localtunnel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/localtunnel/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with LT_ and use underscores
	// in place of dots (e.g. LT_LOCAL_PORT for local.port).
	v.SetEnvPrefix("LT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A handful of short-form env vars (LT_PORT, LT_SUBDOMAIN, ...)
	// don't follow the dotted-key convention; bind them explicitly so
	// both forms work.
	for env, key := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
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

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// LocalPort returns the TCP port of the local service.
func (c *Config) LocalPort() int { return c.v.GetInt(keyLocalPort) }

// LocalHost returns the Host header value to present to the local
// service, or "" to leave the Host header untouched.
func (c *Config) LocalHost() string { return c.v.GetString(keyLocalHost) }

// LocalTLS reports whether the local service should be dialed over TLS.
func (c *Config) LocalTLS() bool { return c.v.GetBool(keyLocalTLS) }

// LocalCert returns the PEM path of the client certificate for local mTLS.
func (c *Config) LocalCert() string { return c.v.GetString(keyLocalCert) }

// LocalKey returns the PEM path of the client key for local mTLS.
func (c *Config) LocalKey() string { return c.v.GetString(keyLocalKey) }

// LocalCA returns the PEM path of the CA bundle used to verify the
// local service's certificate.
func (c *Config) LocalCA() string { return c.v.GetString(keyLocalCA) }

// LocalInsecure reports whether the local service's certificate
// verification should be skipped.
func (c *Config) LocalInsecure() bool { return c.v.GetBool(keyLocalInsecure) }

// LocalReconnect reports whether a worker should redial the local
// service after a clean or errored close.
func (c *Config) LocalReconnect() bool { return c.v.GetBool(keyLocalReconnect) }

// LocalRetryMax returns the per-worker ceiling on consecutive local-side
// failures. 0 falls back to the documented default of 10: it means
// "use the default", not "unlimited".
func (c *Config) LocalRetryMax() int { return c.v.GetInt(keyLocalRetryMax) }

// BrokerBaseURL returns the base URL of the tunnel broker.
func (c *Config) BrokerBaseURL() string { return c.v.GetString(keyBrokerBaseURL) }

// Subdomain returns the requested subdomain, or "" to let the broker assign one.
func (c *Config) Subdomain() string { return c.v.GetString(keySubdomain) }

// ClientToken returns the opaque client identifier token, or "" if unset.
func (c *Config) ClientToken() string { return c.v.GetString(keyClientToken) }

// HMACSecret returns the shared HMAC signing secret, or "" if unset.
func (c *Config) HMACSecret() string { return c.v.GetString(keyHMACSecret) }

// DumpDir returns the directory to write request/response dumps to,
// or "" when dumping is disabled.
func (c *Config) DumpDir() string { return c.v.GetString(keyDumpDir) }

// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix LT_)
//  3. Config file (localtunnel.yaml in . or /etc/localtunnel/)
//  4. Compiled defaults
package config

// Viper keys for client configuration. Dotted keys map to LT_-prefixed,
// underscore-joined environment variables (e.g. local.port -> LT_LOCAL_PORT).
const (
	keyLocalPort      = "local.port"
	keyLocalHost      = "local.host"
	keyLocalTLS       = "local.tls"
	keyLocalCert      = "local.cert"
	keyLocalKey       = "local.key"
	keyLocalCA        = "local.ca"
	keyLocalInsecure  = "local.insecure"
	keyLocalReconnect = "local.reconnect"
	keyLocalRetryMax  = "local.retry_max"

	keyBrokerBaseURL = "broker.base_url"
	keySubdomain     = "broker.subdomain"
	keyClientToken   = "broker.client_token"
	keyHMACSecret    = "broker.hmac_secret"

	keyDumpDir = "dump.dir"
)

// envAliases maps the short, CLI-friendly environment variable names
// onto the dotted viper keys above, so that e.g. LT_PORT is honoured
// in addition to the generic LT_LOCAL_PORT form.
var envAliases = map[string]string{
	"LT_PORT":         keyLocalPort,
	"LT_SUBDOMAIN":    keySubdomain,
	"LT_HOST":         keyLocalHost,
	"LT_CLIENT_TOKEN": keyClientToken,
	"LT_HMAC_SECRET":  keyHMACSecret,
}

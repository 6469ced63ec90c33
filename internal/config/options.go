package config

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines every configuration entry the client accepts. Each
// entry is registered as a viper default and bound to a CLI flag by
// BindFlags.
var Options = []Option{
	{Key: keyLocalPort, Flag: "port", Default: 0, Description: "local service TCP port (required)"},
	{Key: keySubdomain, Flag: "subdomain", Default: "", Description: "requested subdomain (server assigns one otherwise)"},
	{Key: keyBrokerBaseURL, Flag: "host", Default: "https://localtunnel.me", Description: "base URL of the tunnel broker"},
	{Key: keyLocalHost, Flag: "local-host", Default: "", Description: "Host header value to present to the local service"},
	{Key: keyLocalTLS, Flag: "local-https", Default: false, Description: "connect to the local service over TLS"},
	{Key: keyLocalCert, Flag: "local-cert", Default: "", Description: "PEM client certificate for local mTLS"},
	{Key: keyLocalKey, Flag: "local-key", Default: "", Description: "PEM client key for local mTLS"},
	{Key: keyLocalCA, Flag: "local-ca", Default: "", Description: "PEM CA bundle to verify the local service"},
	{Key: keyLocalInsecure, Flag: "allow-invalid-cert", Default: false, Description: "skip verifying the local service's TLS certificate"},
	{Key: keyClientToken, Flag: "client-token", Default: "", Description: "opaque client identifier token sent to the broker"},
	{Key: keyHMACSecret, Flag: "hmac-secret", Default: "", Description: "shared secret used to HMAC-sign the acquisition request"},
	{Key: keyDumpDir, Flag: "dump-dir", Default: "", Description: "directory to write request/response dumps (disabled when empty)"},
	{Key: keyLocalReconnect, Flag: "local-reconnect", Default: true, Description: "reconnect to the local service after it closes a connection"},
	{Key: keyLocalRetryMax, Flag: "local-retry-max", Default: 10, Description: "maximum consecutive local-side failures before giving up on a worker (0 uses the default)"},
}

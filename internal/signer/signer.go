// Package signer validates broker credentials and produces the
// authentication headers attached to the acquisition request.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/lt-go/localtunnel-client/internal/tunnelerr"
)

// minHMACSecretLen is the minimum accepted length, in bytes, of the
// HMAC signing secret.
const minHMACSecretLen = 32

// maxClientTokenLen is the maximum accepted length of the client token.
const maxClientTokenLen = 256

var clientTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Signer validates the configured client-token and HMAC-secret
// credentials once at construction time, then signs each acquisition
// request independently. HMAC signatures embed a fresh timestamp and
// nonce, so they cannot be cached across retries.
type Signer struct {
	clientToken string
	hmacSecret  string
	now         func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source used for X-Timestamp/X-Nonce.
// Defaults to time.Now; tests use this to produce deterministic
// signatures.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New validates the supplied credentials and returns a ready-to-use
// Signer. Either, both, or neither of clientToken/hmacSecret may be
// set - they are independent features.
func New(clientToken, hmacSecret string, opts ...Option) (*Signer, error) {
	if clientToken != "" {
		if err := validateClientToken(clientToken); err != nil {
			return nil, err
		}
	}
	if hmacSecret != "" && len(hmacSecret) < minHMACSecretLen {
		return nil, tunnelerr.Newf(tunnelerr.KindConfigInvalid,
			"hmacSecret must be at least %d bytes, got %d", minHMACSecretLen, len(hmacSecret))
	}

	s := &Signer{
		clientToken: clientToken,
		hmacSecret:  hmacSecret,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validateClientToken(token string) error {
	if len(token) == 0 {
		return tunnelerr.New(tunnelerr.KindConfigInvalid, "clientToken must not be empty")
	}
	if len(token) > maxClientTokenLen {
		return tunnelerr.Newf(tunnelerr.KindConfigInvalid,
			"clientToken must be at most %d characters, got %d", maxClientTokenLen, len(token))
	}
	if !clientTokenPattern.MatchString(token) {
		return tunnelerr.New(tunnelerr.KindConfigInvalid,
			"clientToken must match [A-Za-z0-9_-]+")
	}
	return nil
}

// RequestPath returns the acquisition request path for the given
// subdomain: "/"+subdomain when one was requested, "/?new" otherwise.
func RequestPath(subdomain string) string {
	if subdomain == "" {
		return "/?new"
	}
	return "/" + subdomain
}

// Sign returns the headers to attach to an acquisition request for
// the given subdomain. method and body participate in the HMAC
// signature input when an HMAC secret is configured; body is always
// empty for the acquisition request but is accepted here so the
// signature input is computed exactly as documented.
func (s *Signer) Sign(method, subdomain, body string) http.Header {
	h := make(http.Header)

	if s.clientToken != "" {
		h.Set("X-LT-Client-Token", s.clientToken)
	}

	if s.hmacSecret != "" {
		now := s.now()
		timestamp := fmt.Sprintf("%d", now.UnixMilli()/1000)
		nonce := fmt.Sprintf("%d", now.UnixMilli())
		path := RequestPath(subdomain)

		signature := signatureHex(s.hmacSecret, method, path, timestamp, nonce, body)

		h.Set("X-Timestamp", timestamp)
		h.Set("X-Nonce", nonce)
		h.Set("Authorization", "HMAC sha256="+signature)
	}

	return h
}

// signatureHex computes hex(HMAC-SHA256(secret, method+path+timestamp+nonce+body)).
// The fields are concatenated with no separators.
func signatureHex(secret, method, path, timestamp, nonce, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

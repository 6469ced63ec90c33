package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lt-go/localtunnel-client/internal/signer"
	"github.com/lt-go/localtunnel-client/internal/tunnelerr"
)

// maxServerErrorRetries bounds the number of attempts made while the
// broker keeps returning 5xx responses: one initial attempt plus two
// retries.
const maxServerErrorRetries = 3

// serverErrorRetryDelay is the fixed delay between 5xx retries.
const serverErrorRetryDelay = time.Second

// httpDoer is the subset of *http.Client used here, so tests can
// substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Acquirer performs the HTTP call that allocates a tunnel slot.
type Acquirer struct {
	baseURL string
	signer  *signer.Signer
	client  httpDoer
	sleep   func(ctx context.Context, d time.Duration) bool
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithHTTPClient overrides the HTTP client used to perform requests.
func WithHTTPClient(c httpDoer) Option {
	return func(a *Acquirer) { a.client = c }
}

// WithSleep overrides the retry-delay function. Tests use this to
// avoid real sleeps.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(a *Acquirer) { a.sleep = sleep }
}

// New returns an Acquirer that calls baseURL using s to sign each
// request.
func New(baseURL string, s *signer.Signer, opts ...Option) *Acquirer {
	a := &Acquirer{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  s,
		client:  http.DefaultClient,
		sleep:   defaultSleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func defaultSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type brokerSuccess struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	CachedURL    string `json:"cached_url"`
}

type brokerError struct {
	Message string `json:"message"`
}

// Acquire performs the acquisition request for subdomain (empty for
// "assign me one"), following the retry rules for transient failures:
//
//   - 2xx: parsed and returned immediately.
//   - 429: never retried; the returned error carries capacity detail
//     from the response headers when present.
//   - other 4xx: never retried.
//   - 5xx: attempted at most maxServerErrorRetries times in total, one
//     second apart.
//   - network-level failure (no response at all): retried every
//     second until it succeeds or ctx is cancelled.
//
// Every attempt re-signs the request so HMAC timestamps and nonces
// stay fresh.
func (a *Acquirer) Acquire(ctx context.Context, subdomain string) (Session, error) {
	serverErrorAttempts := 0

	for {
		sess, retry, err := a.attempt(ctx, subdomain)
		if err == nil {
			return sess, nil
		}

		switch {
		case tunnelerr.Is(err, tunnelerr.KindServerUnavailable):
			serverErrorAttempts++
			if serverErrorAttempts >= maxServerErrorRetries {
				return Session{}, tunnelerr.Newf(tunnelerr.KindServerUnavailable,
					"broker unavailable after %d retries", serverErrorAttempts)
			}
			if !a.sleep(ctx, serverErrorRetryDelay) {
				return Session{}, ctx.Err()
			}
			continue
		case retry:
			if !a.sleep(ctx, serverErrorRetryDelay) {
				return Session{}, ctx.Err()
			}
			continue
		default:
			return Session{}, err
		}
	}
}

// attempt performs exactly one HTTP round trip. retry reports whether
// the caller should back off and try again (a network-level failure
// reaching the broker at all); it is false whenever err already
// classifies a definitive outcome.
func (a *Acquirer) attempt(ctx context.Context, subdomain string) (sess Session, retry bool, err error) {
	path := signer.RequestPath(subdomain)
	reqURL := a.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Session{}, false, tunnelerr.Wrap(tunnelerr.KindConfigInvalid, err, "building acquisition request")
	}

	for k, vs := range a.signer.Sign(http.MethodGet, subdomain, "") {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Session{}, true, tunnelerr.Wrap(tunnelerr.KindBrokerUnreachable, err, "acquisition request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseSuccess(body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Session{}, false, throttledError(resp, body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Session{}, false, rejectedError(resp, body)
	case resp.StatusCode >= 500:
		return Session{}, false, tunnelerr.Newf(tunnelerr.KindServerUnavailable,
			"broker returned %d", resp.StatusCode)
	default:
		return Session{}, false, tunnelerr.Newf(tunnelerr.KindServerRejected,
			"unexpected broker status %d", resp.StatusCode)
	}
}

func parseSuccess(body []byte) (Session, bool, error) {
	var s brokerSuccess
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, false, tunnelerr.Wrap(tunnelerr.KindServerRejected, err, "decoding broker response")
	}

	maxConn := s.MaxConnCount
	if maxConn < 1 {
		maxConn = 1
	}

	remoteHost := s.IP
	if remoteHost == "" {
		if u, err := url.Parse(s.URL); err == nil {
			remoteHost = u.Hostname()
		}
	}

	return Session{
		ID:         s.ID,
		URL:        s.URL,
		CachedURL:  s.CachedURL,
		RemoteHost: remoteHost,
		RemoteIP:   s.IP,
		RemotePort: s.Port,
		MaxConn:    maxConn,
	}, false, nil
}

func throttledError(resp *http.Response, body []byte) error {
	msg := decodeMessage(body)

	parts := []string{}
	if msg != "" {
		parts = append(parts, msg)
	}
	if v := resp.Header.Get("X-LT-Max-Sockets"); v != "" {
		parts = append(parts, "Max allowed: "+v)
	}
	if v := resp.Header.Get("X-LT-Current-Sockets"); v != "" {
		parts = append(parts, "Currently connected: "+v)
	}
	if v := resp.Header.Get("X-LT-Available-Sockets"); v != "" {
		parts = append(parts, "Available: "+v)
	}
	if v := resp.Header.Get("X-LT-Waiting-Requests"); v != "" {
		parts = append(parts, "Waiting: "+v)
	}

	return tunnelerr.New(tunnelerr.KindServerThrottled, strings.Join(parts, " | "))
}

func rejectedError(resp *http.Response, body []byte) error {
	msg := decodeMessage(body)
	detail := fmt.Sprintf("broker returned %d", resp.StatusCode)
	if msg != "" {
		detail = fmt.Sprintf("%s: %s", detail, msg)
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		detail += " (check client_token/hmac_secret)"
	case http.StatusConflict:
		detail += " (subdomain likely already taken)"
	}
	return tunnelerr.New(tunnelerr.KindServerRejected, detail)
}

func decodeMessage(body []byte) string {
	var e brokerError
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Message
}

package tunnel

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// maxHeaderBuf bounds how many bytes the scanner will hold while
// waiting for the end of a request's header block. A legitimate
// header block never approaches this.
const maxHeaderBuf = 16 << 10

var (
	headerTerminator = []byte("\r\n\r\n")
	requestLineRe    = regexp.MustCompile(`^(\w+)\s(\S+)`)
)

// RequestObserver is called once per detected request line.
type RequestObserver func(method, path string)

// FrameScanner sits on the broker-read side of a worker, upstream of
// the Host rewriter. It buffers exactly one request's header block at
// a time - never the body - long enough to:
//
//   - silently drop broker-injected keep-alive frames that carry the
//     "X-LT-Source: server" header, forwarding none of their bytes,
//   - peek the request line of every other request and report it
//     once via onRequest.
//
// Once a header block has been classified, body bytes pass straight
// through (or are dropped, for a filtered frame) without further
// buffering, tracked by Content-Length when present. A request with
// neither Content-Length nor chunked transfer encoding is assumed to
// have no body, so the scanner re-arms immediately after its blank
// line. Chunked bodies are passed through unexamined until the
// connection closes, since the broker protocol here never pipelines
// a further request behind one.

// maxCollectedRequest bounds how much of an accepted request (header
// + body) the scanner accumulates for onComplete. Bodies beyond this
// are still forwarded in full; only the copy handed to onComplete is
// truncated.
const maxCollectedRequest = 1 << 20

type FrameScanner struct {
	dst        io.Writer
	resetDst   func()
	onRequest  RequestObserver
	onComplete func(raw []byte)

	buf            []byte
	scanningHeader bool
	bodyRemaining  int // -1 means "unknown, forward until close"
	dropBody       bool

	collecting bool
	collected  []byte
}

// NewFrameScanner returns a scanner that forwards accepted bytes to
// dst, calling resetDst at the start of every accepted request's
// header block (so a downstream Host rewriter re-arms per request)
// and onRequest once per accepted request line.
func NewFrameScanner(dst io.Writer, resetDst func(), onRequest RequestObserver) *FrameScanner {
	return &FrameScanner{
		dst:            dst,
		resetDst:       resetDst,
		onRequest:      onRequest,
		scanningHeader: true,
	}
}

// WithCompletionObserver arms the scanner to additionally accumulate
// each accepted (non-dropped) request's full bytes and hand them to
// onComplete once the body ends. Used to feed the optional dumper.
func (s *FrameScanner) WithCompletionObserver(onComplete func(raw []byte)) *FrameScanner {
	s.onComplete = onComplete
	return s
}

// Write implements io.Writer.
func (s *FrameScanner) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		if !s.scanningHeader {
			n := len(p)
			if s.bodyRemaining >= 0 && s.bodyRemaining < n {
				n = s.bodyRemaining
			}
			chunk := p[:n]
			p = p[n:]

			if !s.dropBody {
				if _, err := s.dst.Write(chunk); err != nil {
					return total, err
				}
			}
			s.appendCollected(chunk)

			if s.bodyRemaining >= 0 {
				s.bodyRemaining -= n
				if s.bodyRemaining == 0 {
					s.scanningHeader = true
					s.dropBody = false
					s.finishCollecting()
				}
			}
			continue
		}

		s.buf = append(s.buf, p...)
		p = nil

		idx := bytes.Index(s.buf, headerTerminator)
		if idx < 0 {
			if len(s.buf) > maxHeaderBuf {
				// Defensive bail-out: forward whatever is buffered and
				// stop trying to classify this connection's framing.
				if err := s.flushRaw(s.buf); err != nil {
					return total, err
				}
				s.buf = s.buf[:0]
				s.scanningHeader = false
				s.bodyRemaining = -1
			}
			break
		}

		headerBlock := s.buf[:idx+len(headerTerminator)]
		rest := append([]byte{}, s.buf[idx+len(headerTerminator):]...)
		s.buf = s.buf[:0]

		drop := hasServerFrameMarker(headerBlock)
		if !drop {
			if s.resetDst != nil {
				s.resetDst()
			}
			if s.onRequest != nil {
				if m := requestLineRe.FindSubmatch(headerBlock); m != nil {
					s.onRequest(string(m[1]), string(m[2]))
				}
			}
			if err := s.flushRaw(headerBlock); err != nil {
				return total, err
			}
		}

		s.scanningHeader = false
		s.dropBody = drop
		s.bodyRemaining = contentLength(headerBlock)
		for _, line := range strings.Split(string(headerBlock), "\r\n") {
			name, value, ok := strings.Cut(line, ":")
			if ok && strings.EqualFold(strings.TrimSpace(name), "transfer-encoding") &&
				strings.Contains(strings.ToLower(value), "chunked") {
				s.bodyRemaining = -1 // chunked: forward until the connection closes
			}
		}

		if s.onComplete != nil && !drop {
			s.collecting = true
			s.collected = s.collected[:0]
			s.appendCollected(headerBlock)
			if s.bodyRemaining == 0 {
				s.finishCollecting()
			}
		}

		p = rest
	}

	return total, nil
}

// appendCollected appends b to the in-progress collected request, up
// to maxCollectedRequest, while a completion observer is armed.
func (s *FrameScanner) appendCollected(b []byte) {
	if !s.collecting {
		return
	}
	room := maxCollectedRequest - len(s.collected)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	s.collected = append(s.collected, b...)
}

func (s *FrameScanner) finishCollecting() {
	if !s.collecting {
		return
	}
	s.collecting = false
	raw := append([]byte{}, s.collected...)
	s.onComplete(raw)
}

func (s *FrameScanner) flushRaw(b []byte) error {
	_, err := s.dst.Write(b)
	return err
}

// hasServerFrameMarker reports whether headerBlock carries an
// X-LT-Source: server header, matching the header name and value
// case-insensitively per HTTP header semantics.
func hasServerFrameMarker(headerBlock []byte) bool {
	lines := strings.Split(string(headerBlock), "\r\n")
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "x-lt-source") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[1]), "server") {
			return true
		}
	}
	return false
}

// contentLength extracts the Content-Length header value from a
// header block, returning 0 when absent (no body expected).
func contentLength(headerBlock []byte) int {
	lines := strings.Split(string(headerBlock), "\r\n")
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

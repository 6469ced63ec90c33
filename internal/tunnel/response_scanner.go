package tunnel

import (
	"bytes"
	"io"
)

// ResponseScanner sits on the local-service-read side of a worker. It
// forwards every byte unchanged - responses are never rewritten - but
// optionally accumulates each complete response (status line, headers,
// body) and hands it to onComplete once the body ends, for the
// optional dumper. Without an observer it is a pure passthrough.
type ResponseScanner struct {
	dst        io.Writer
	onComplete func(raw []byte)

	buf            []byte
	scanningHeader bool
	bodyRemaining  int

	collected []byte
}

// NewResponseScanner returns a scanner that forwards bytes to dst and,
// when onComplete is non-nil, reports each complete response's raw
// bytes once its body ends.
func NewResponseScanner(dst io.Writer, onComplete func(raw []byte)) *ResponseScanner {
	return &ResponseScanner{dst: dst, onComplete: onComplete, scanningHeader: true}
}

func (s *ResponseScanner) Write(p []byte) (int, error) {
	total := len(p)
	if _, err := s.dst.Write(p); err != nil {
		return total, err
	}
	if s.onComplete == nil {
		return total, nil
	}

	for len(p) > 0 {
		if !s.scanningHeader {
			n := len(p)
			if s.bodyRemaining >= 0 && s.bodyRemaining < n {
				n = s.bodyRemaining
			}
			s.appendCollected(p[:n])
			p = p[n:]
			if s.bodyRemaining >= 0 {
				s.bodyRemaining -= n
				if s.bodyRemaining == 0 {
					s.scanningHeader = true
					s.flush()
				}
			}
			continue
		}

		s.buf = append(s.buf, p...)
		p = nil

		idx := bytes.Index(s.buf, headerTerminator)
		if idx < 0 {
			if len(s.buf) > maxHeaderBuf {
				s.buf = s.buf[:0]
				s.scanningHeader = false
				s.bodyRemaining = -1
			}
			break
		}

		headerBlock := s.buf[:idx+len(headerTerminator)]
		rest := append([]byte{}, s.buf[idx+len(headerTerminator):]...)
		s.buf = s.buf[:0]

		s.collected = s.collected[:0]
		s.appendCollected(headerBlock)
		s.scanningHeader = false
		s.bodyRemaining = contentLength(headerBlock)
		if s.bodyRemaining == 0 {
			s.flush()
		}

		p = rest
	}

	return total, nil
}

func (s *ResponseScanner) appendCollected(b []byte) {
	room := maxCollectedRequest - len(s.collected)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	s.collected = append(s.collected, b...)
}

func (s *ResponseScanner) flush() {
	raw := append([]byte{}, s.collected...)
	s.onComplete(raw)
}

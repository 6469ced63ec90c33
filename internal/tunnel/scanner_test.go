package tunnel

import (
	"bytes"
	"testing"
)

func TestFrameScanner_ForwardsRegularRequest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var resets int
	var requests []string

	s := NewFrameScanner(&out, func() { resets++ }, func(method, path string) {
		requests = append(requests, method+" "+path)
	})

	in := "GET /x HTTP/1.1\r\nHost: example.org\r\n\r\n"
	if _, err := s.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.String() != in {
		t.Fatalf("got %q, want %q", out.String(), in)
	}
	if resets != 1 {
		t.Fatalf("resets = %d, want 1", resets)
	}
	if len(requests) != 1 || requests[0] != "GET /x" {
		t.Fatalf("requests = %v, want [GET /x]", requests)
	}
}

func TestFrameScanner_DropsServerInjectedFrame(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var resets int
	var requests []string

	s := NewFrameScanner(&out, func() { resets++ }, func(method, path string) {
		requests = append(requests, method+" "+path)
	})

	in := "GET / HTTP/1.1\r\nX-LT-Source: server\r\n\r\n"
	if _, err := s.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.Len() != 0 {
		t.Fatalf("expected zero forwarded bytes, got %q", out.String())
	}
	if resets != 0 {
		t.Fatalf("resets = %d, want 0", resets)
	}
	if len(requests) != 0 {
		t.Fatalf("requests = %v, want none", requests)
	}
}

func TestFrameScanner_DropsServerInjectedFrameCaseInsensitively(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := NewFrameScanner(&out, func() {}, nil)

	in := "GET / HTTP/1.1\r\nx-lt-source: SERVER\r\n\r\n"
	if _, err := s.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.Len() != 0 {
		t.Fatalf("expected zero forwarded bytes, got %q", out.String())
	}
}

func TestFrameScanner_DroppedFrameThenRealRequest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var requests []string

	s := NewFrameScanner(&out, func() {}, func(method, path string) {
		requests = append(requests, method+" "+path)
	})

	dropped := "GET / HTTP/1.1\r\nX-LT-Source: server\r\n\r\n"
	real := "GET /y HTTP/1.1\r\nHost: example.org\r\n\r\n"

	if _, err := s.Write([]byte(dropped + real)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.String() != real {
		t.Fatalf("got %q, want %q", out.String(), real)
	}
	if len(requests) != 1 || requests[0] != "GET /y" {
		t.Fatalf("requests = %v, want [GET /y]", requests)
	}
}

func TestFrameScanner_SplitAcrossWrites(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var requests []string

	s := NewFrameScanner(&out, func() {}, func(method, path string) {
		requests = append(requests, method+" "+path)
	})

	full := "GET /z HTTP/1.1\r\nHost: example.org\r\nContent-Length: 4\r\n\r\nBODY"
	for i := 0; i < len(full); i++ {
		if _, err := s.Write([]byte{full[i]}); err != nil {
			t.Fatalf("Write byte %d: %v", i, err)
		}
	}

	if out.String() != full {
		t.Fatalf("got %q, want %q", out.String(), full)
	}
	if len(requests) != 1 || requests[0] != "GET /z" {
		t.Fatalf("requests = %v, want [GET /z]", requests)
	}
}

func TestFrameScanner_ContentLengthBodyThenNextRequest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var requests []string

	s := NewFrameScanner(&out, func() {}, func(method, path string) {
		requests = append(requests, method+" "+path)
	})

	req1 := "POST /a HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"
	req2 := "GET /b HTTP/1.1\r\n\r\n"

	if _, err := s.Write([]byte(req1 + req2)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.String() != req1+req2 {
		t.Fatalf("got %q, want %q", out.String(), req1+req2)
	}
	if len(requests) != 2 || requests[0] != "POST /a" || requests[1] != "GET /b" {
		t.Fatalf("requests = %v, want [POST /a GET /b]", requests)
	}
}

func TestFrameScanner_CompletionObserverSeesFullRequests(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var completed []string

	s := NewFrameScanner(&out, func() {}, nil).WithCompletionObserver(func(raw []byte) {
		completed = append(completed, string(raw))
	})

	req1 := "POST /a HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"
	req2 := "GET /b HTTP/1.1\r\n\r\n"

	if _, err := s.Write([]byte(req1 + req2)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(completed) != 2 || completed[0] != req1 || completed[1] != req2 {
		t.Fatalf("completed = %v, want [%q %q]", completed, req1, req2)
	}
}

func TestFrameScanner_CompletionObserverSkipsDroppedFrames(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var completed []string

	s := NewFrameScanner(&out, func() {}, nil).WithCompletionObserver(func(raw []byte) {
		completed = append(completed, string(raw))
	})

	dropped := "GET / HTTP/1.1\r\nX-LT-Source: server\r\n\r\n"
	if _, err := s.Write([]byte(dropped)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(completed) != 0 {
		t.Fatalf("completed = %v, want none for a dropped frame", completed)
	}
}

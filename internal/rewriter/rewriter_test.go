package rewriter

import (
	"bytes"
	"testing"
)

func TestWriter_RewritesHostHeader(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := New(&out, "localhost")

	in := "GET /x HTTP/1.1\r\nHost: public.example.org\r\n\r\n"
	if _, err := w.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := "GET /x HTTP/1.1\r\nHost: localhost\r\n\r\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestWriter_SplitAcrossReads(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := New(&out, "localhost")

	full := "GET /x HTTP/1.1\r\nHost: public.example.org\r\n\r\nBODYBYTES"
	// Feed one byte at a time to exercise arbitrary splitting.
	for i := 0; i < len(full); i++ {
		if _, err := w.Write([]byte{full[i]}); err != nil {
			t.Fatalf("Write byte %d: %v", i, err)
		}
	}

	want := "GET /x HTTP/1.1\r\nHost: localhost\r\n\r\nBODYBYTES"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestWriter_CaseInsensitiveHost(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := New(&out, "localhost")

	if _, err := w.Write([]byte("GET / HTTP/1.1\r\nHOST: foo.example.org\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestWriter_NoHostHeaderPassesThrough(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := New(&out, "localhost")

	in := "GET / HTTP/1.1\r\nAccept: */*\r\n\r\nbody"
	if _, err := w.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != in {
		t.Fatalf("got %q, want %q (unchanged)", out.String(), in)
	}
}

func TestWriter_EmptyNewHostIsPassthrough(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := New(&out, "")

	in := "GET / HTTP/1.1\r\nHost: public.example.org\r\n\r\n"
	if _, err := w.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != in {
		t.Fatalf("got %q, want unchanged %q", out.String(), in)
	}
}

func TestWriter_ResetRewritesEachRequestOnce(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := New(&out, "localhost")

	req1 := "GET /a HTTP/1.1\r\nHost: public.example.org\r\n\r\n"
	if _, err := w.Write([]byte(req1)); err != nil {
		t.Fatalf("Write req1: %v", err)
	}

	w.Reset()

	req2 := "GET /b HTTP/1.1\r\nHost: other.example.org\r\n\r\n"
	if _, err := w.Write([]byte(req2)); err != nil {
		t.Fatalf("Write req2: %v", err)
	}

	want := "GET /a HTTP/1.1\r\nHost: localhost\r\n\r\n" +
		"GET /b HTTP/1.1\r\nHost: localhost\r\n\r\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

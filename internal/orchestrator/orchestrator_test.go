package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lt-go/localtunnel-client/internal/acquire"
	"github.com/lt-go/localtunnel-client/internal/signer"
	"github.com/lt-go/localtunnel-client/internal/tunnel"
)

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New("", "")
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	return s
}

func TestOrchestrator_EmitsURLThenCloseOnShutdown(t *testing.T) {
	t.Parallel()

	brokerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer brokerLn.Close()
	brokerPort := brokerLn.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			c, err := brokerLn.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 512)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             "abc",
			"ip":             "127.0.0.1",
			"port":           brokerPort,
			"max_conn_count": 1,
			"url":            "https://abc.example.org",
		})
	}))
	defer srv.Close()

	acq := acquire.New(srv.URL, newTestSigner(t))

	o := New(acq, Config{
		Local: tunnel.LocalDialerConfig{Addr: "127.0.0.1:1"},
	})

	ctx, cancel := context.WithCancel(context.Background())

	startDone := make(chan error, 1)
	go func() { startDone <- o.Start(ctx) }()

	var sawURL, sawClose bool
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for e := range o.Events() {
			switch e.Kind {
			case tunnel.EventURL:
				sawURL = true
			case tunnel.EventClose:
				sawClose = true
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for !sawURL {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for url event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	o.Close()

	select {
	case <-startDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	select {
	case <-eventsDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Events channel never closed")
	}

	if !sawClose {
		t.Fatal("expected a close event")
	}
}

func TestOrchestrator_AcquisitionFailureSurfacedSynchronously(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "invalid subdomain"})
	}))
	defer srv.Close()

	acq := acquire.New(srv.URL, newTestSigner(t))
	o := New(acq, Config{Local: tunnel.LocalDialerConfig{Addr: "127.0.0.1:1"}})

	err := o.Start(context.Background())
	if err == nil {
		t.Fatal("expected an error from Start")
	}
}

func TestOrchestrator_CloseBeforeStartIsSafe(t *testing.T) {
	t.Parallel()

	acq := acquire.New("http://127.0.0.1:1", newTestSigner(t))
	o := New(acq, Config{})
	o.Close()
	o.Close()

	if e, ok := <-o.Events(); !ok || e.Kind != tunnel.EventClose {
		t.Fatalf("first event = %+v (ok=%v), want the close event", e, ok)
	}
	if _, ok := <-o.Events(); ok {
		t.Fatal("expected Events channel to be closed after the close event")
	}
}


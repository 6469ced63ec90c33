package dump

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDumper_DisabledIsNoOp(t *testing.T) {
	t.Parallel()

	d := New("")
	if d.Enabled() {
		t.Fatal("empty dir should report disabled")
	}
	if id := d.DumpRequest("c1", []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); id != "" {
		t.Fatalf("DumpRequest on disabled dumper returned id %q", id)
	}
	d.DumpResponse("c1", "whatever", []byte("HTTP/1.1 200 OK\r\n\r\n"))
}

func TestDumper_RequestResponsePair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	d := New(dir)
	if !d.Enabled() {
		t.Fatal("configured dir should report enabled")
	}

	req := "POST /hook HTTP/1.1\r\nHost: x\r\nContent-Type: application/json\r\nContent-Length: 13\r\n\r\n{\"ok\":true}\r\n"
	id := d.DumpRequest("client1", []byte(req))
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	reqFile := filepath.Join(dir, "client1."+id+".req.yaml")
	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("reading %s: %v", reqFile, err)
	}
	if !strings.Contains(string(data), "method: POST") {
		t.Fatalf("req dump missing method: %s", data)
	}
	if !strings.Contains(string(data), "ok") {
		t.Fatalf("req dump missing inline JSON body: %s", data)
	}

	resp := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok"
	d.DumpResponse("client1", id, []byte(resp))

	resFile := filepath.Join(dir, "client1."+id+".res.yaml")
	data, err = os.ReadFile(resFile)
	if err != nil {
		t.Fatalf("reading %s: %v", resFile, err)
	}
	if !strings.Contains(string(data), "status: 200 OK") {
		t.Fatalf("res dump missing status: %s", data)
	}
}

func TestDumper_BinaryBodyWritesSidecar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	d := New(dir)

	body := []byte{0x00, 0x01, 0x02, 0x03}
	req := "POST /up HTTP/1.1\r\nHost: x\r\nContent-Type: application/octet-stream\r\nContent-Length: 4\r\n\r\n"
	id := d.DumpRequest("client2", append([]byte(req), body...))
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	reqFile := filepath.Join(dir, "client2."+id+".req.yaml")
	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("reading %s: %v", reqFile, err)
	}
	if !strings.Contains(string(data), "body_file:") {
		t.Fatalf("expected a body_file reference for binary body: %s", data)
	}

	sidecar := filepath.Join(dir, "client2."+id+".req.body.bin")
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("expected sidecar file %s: %v", sidecar, err)
	}
}

func TestDumper_MalformedRequestIsSwallowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	d := New(dir)

	id := d.DumpRequest("client3", []byte("not an http request"))
	if id != "" {
		t.Fatalf("expected empty id for malformed request, got %q", id)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files written, got %v", entries)
	}
}

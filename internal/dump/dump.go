// Package dump implements the optional, strictly observational
// request/response dumper: when configured with a directory, it
// writes each complete request and its paired response to disk as
// YAML, for manual inspection. Nothing here ever influences tunneling
// - I/O failures are logged and swallowed.
package dump

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Dumper writes paired request/response dumps under a configured
// directory. The zero value (empty dir) is a no-op dumper.
type Dumper struct {
	dir string
	log *slog.Logger
}

// New returns a Dumper writing under dir. An empty dir disables
// dumping entirely. If dir is non-empty, it is created (along with any
// missing parents) so the first write doesn't silently fail.
func New(dir string) *Dumper {
	d := &Dumper{dir: dir, log: slog.Default().With("component", "dumper")}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.log.Warn("dump: creating dump directory failed", "dir", dir, "error", err)
		}
	}
	return d
}

// Enabled reports whether a dump directory was configured.
func (d *Dumper) Enabled() bool { return d.dir != "" }

// record is the YAML shape written for both requests and responses.
type record struct {
	ClientID    string      `yaml:"client_id"`
	Method      string      `yaml:"method,omitempty"`
	Path        string      `yaml:"path,omitempty"`
	Status      string      `yaml:"status,omitempty"`
	Headers     http.Header `yaml:"headers"`
	ContentType string      `yaml:"content_type,omitempty"`
	Body        string      `yaml:"body,omitempty"`
	BodyFile    string      `yaml:"body_file,omitempty"`
}

// DumpRequest parses raw (a complete, byte-exact HTTP request) and
// writes "<clientID>.<id>.req.yaml", returning the id it used so the
// paired response can reuse it. Returns "" if disabled or on any
// failure, in which case the failure is logged, not propagated.
func (d *Dumper) DumpRequest(clientID string, raw []byte) string {
	if !d.Enabled() {
		return ""
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		d.log.Warn("dump: parsing request failed", "error", err)
		return ""
	}
	body, _ := io.ReadAll(req.Body)

	id := uuid.New().String()
	rec := record{
		ClientID:    clientID,
		Method:      req.Method,
		Path:        req.URL.RequestURI(),
		Headers:     req.Header,
		ContentType: req.Header.Get("Content-Type"),
	}
	d.attachBody(&rec, clientID, id, "req", body)
	d.write(clientID, id, "req", rec)
	return id
}

// DumpResponse parses raw (a complete, byte-exact HTTP response) and
// writes "<clientID>.<id>.res.yaml" using the id from the paired
// request.
func (d *Dumper) DumpResponse(clientID, id string, raw []byte) {
	if !d.Enabled() || id == "" {
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		d.log.Warn("dump: parsing response failed", "error", err)
		return
	}
	body, _ := io.ReadAll(resp.Body)

	rec := record{
		ClientID:    clientID,
		Status:      resp.Status,
		Headers:     resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
	}
	d.attachBody(&rec, clientID, id, "res", body)
	d.write(clientID, id, "res", rec)
}

// attachBody stores text bodies inline and binary bodies in a sidecar
// file with a content-dictated extension, per the content type.
func (d *Dumper) attachBody(rec *record, clientID, id, kind string, body []byte) {
	if len(body) == 0 {
		return
	}
	if isTextual(rec.ContentType) {
		rec.Body = string(body)
		return
	}

	ext := extensionFor(rec.ContentType)
	name := fmt.Sprintf("%s.%s.%s.body%s", clientID, id, kind, ext)
	if err := os.WriteFile(filepath.Join(d.dir, name), body, 0o644); err != nil {
		d.log.Warn("dump: writing binary sidecar failed", "error", err)
		return
	}
	rec.BodyFile = name
}

func (d *Dumper) write(clientID, id, kind string, rec record) {
	name := fmt.Sprintf("%s.%s.%s.yaml", clientID, id, kind)
	data, err := yaml.Marshal(rec)
	if err != nil {
		d.log.Warn("dump: marshalling failed", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		d.log.Warn("dump: writing dump file failed", "error", err)
	}
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return strings.HasPrefix(t, "text/") ||
		t == "application/json" ||
		t == "application/xml" ||
		t == "application/javascript" ||
		strings.HasSuffix(t, "+json") ||
		strings.HasSuffix(t, "+xml")
}

func extensionFor(contentType string) string {
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil || t == "" {
		return ".bin"
	}
	if exts, err := mime.ExtensionsByType(t); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

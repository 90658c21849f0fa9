package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	logx "plantmon/pkg/logx"
)

func startExposition(t *testing.T, h *History) (string, string) {
	t.Helper()
	root := t.TempDir()
	public := filepath.Join(root, "public")
	if err := os.MkdirAll(filepath.Join(public, "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"index.html":    "<html>dashboard</html>",
		"css/app.css":   "body{}",
		"empty.txt":     "",
		"../secret.txt": "top secret",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(public, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e := NewExposition(ln, h, public, time.Second, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String(), public
}

func rawRequest(t *testing.T, addr, req string) (*http.Response, string) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.WriteString(c, req); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func TestExpositionRoutes(t *testing.T) {
	t.Parallel()
	addr, _ := startExposition(t, NewHistory(50))

	cases := []struct {
		name   string
		req    string
		status int
		ctype  string
		body   string
	}{
		{"empty data", "GET /api/data HTTP/1.1\r\nHost: x\r\n\r\n", 200, "application/json", `{"data":[],"count":0,"message":"No data available"}`},
		{"root", "GET / HTTP/1.1\r\n\r\n", 200, "text/html", "<html>dashboard</html>"},
		{"index", "GET /index.html HTTP/1.0\r\n\r\n", 200, "text/html", "<html>dashboard</html>"},
		{"nested asset", "GET /css/app.css HTTP/1.1\r\n\r\n", 200, "text/css", "body{}"},
		{"missing", "GET /nope.js HTTP/1.1\r\n\r\n", 404, "text/plain", "File Not Found"},
		{"escape", "GET /../secret.txt HTTP/1.1\r\n\r\n", 404, "text/plain", "File Not Found"},
		{"directory", "GET /css HTTP/1.1\r\n\r\n", 404, "text/plain", "File Not Found"},
		{"empty file", "GET /empty.txt HTTP/1.1\r\n\r\n", 500, "text/plain", "Empty file"},
		{"post", "POST /api/data HTTP/1.1\r\nContent-Length: 0\r\n\r\n", 405, "text/plain", "Method Not Allowed"},
		{"garbage", "NONSENSE\r\n\r\n", 400, "text/plain", "Bad Request"},
	}
	for _, tc := range cases {
		resp, body := rawRequest(t, addr, tc.req)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.status)
		}
		if got := resp.Header.Get("Content-Type"); got != tc.ctype {
			t.Fatalf("%s: content-type = %q, want %q", tc.name, got, tc.ctype)
		}
		if body != tc.body {
			t.Fatalf("%s: body = %q, want %q", tc.name, body, tc.body)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" || !resp.Close {
			t.Fatalf("%s: missing CORS or Connection: close: %v", tc.name, resp.Header)
		}
		if resp.ContentLength != int64(len(tc.body)) {
			t.Fatalf("%s: content-length = %d", tc.name, resp.ContentLength)
		}
	}
}

func TestExpositionServesHistory(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	h.Append(sample(1))
	addr, _ := startExposition(t, h)

	resp, body := rawRequest(t, addr, "GET /api/data HTTP/1.1\r\n\r\n")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := `{"data":[{"centrifugeSpeed":60001,"powerOutput":1000,"timestamp":"12:00:01"}],"count":1,"capacity":50,"message":"Data retrieved successfully"}`
	if body != want {
		t.Fatalf("body = %s", body)
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"/a.html": "text/html",
		"/a.js":   "application/javascript",
		"/a.json": "application/json",
		"/a.png":  "image/png",
		"/a.svg":  "image/svg+xml",
		"/a.ico":  "image/x-icon",
		"/a":      "text/plain",
		"/a.zzz9": "text/plain",
	}
	for p, want := range cases {
		if got := contentType(p); got != want {
			t.Fatalf("contentType(%q) = %q, want %q", p, got, want)
		}
	}
}

// flakyListener fails the first n Accept calls with a resource error.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	return l.Listener.Accept()
}

func TestExpositionSurvivesTransientAcceptErrors(t *testing.T) {
	t.Parallel()
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	e := NewExposition(ln, NewHistory(5), t.TempDir(), time.Second, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	resp, body := rawRequest(t, inner.Addr().String(), "GET /api/data HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusOK || body != `{"data":[],"count":0,"message":"No data available"}` {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "plantmon/pkg/logx"
)

// Exposition serves the history as JSON plus the static dashboard. Requests
// are handled one at a time on the accept goroutine.
type Exposition struct {
	ln        net.Listener
	hist      *History
	publicDir string
	ioTimeout time.Duration
	log       logx.Logger

	served atomic.Uint64
}

func NewExposition(ln net.Listener, hist *History, publicDir string, ioTimeout time.Duration, log logx.Logger) *Exposition {
	if ioTimeout <= 0 {
		ioTimeout = 5 * time.Second
	}
	return &Exposition{ln: ln, hist: hist, publicDir: publicDir, ioTimeout: ioTimeout, log: log}
}

func (e *Exposition) Addr() net.Addr { return e.ln.Addr() }

func (e *Exposition) Served() uint64 { return e.served.Load() }

// Serve accepts until ctx is canceled or the listener is closed. Other
// accept errors are retried with a capped backoff.
func (e *Exposition) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = e.ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// Resource errors such as EMFILE are transient; back off and retry.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			e.log.Warn("accept failed; retrying", logx.Err(err), logx.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		e.handle(conn)
	}
}

func (e *Exposition) Close() error { return e.ln.Close() }

func (e *Exposition) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.ioTimeout))
	e.served.Add(1)

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		e.log.Debug("bad request", logx.String("remote", conn.RemoteAddr().String()), logx.Err(err))
		writeResponse(conn, http.StatusBadRequest, "text/plain", []byte("Bad Request"))
		return
	}
	status := e.route(conn, req)
	e.log.Debug("request",
		logx.String("method", req.Method),
		logx.String("path", req.URL.Path),
		logx.Int("status", status),
	)
}

func (e *Exposition) route(w io.Writer, req *http.Request) int {
	if req.Method != http.MethodGet {
		return writeResponse(w, http.StatusMethodNotAllowed, "text/plain", []byte("Method Not Allowed"))
	}
	switch p := req.URL.Path; p {
	case "/api/data":
		body, err := e.hist.SnapshotJSON()
		if err != nil {
			return writeResponse(w, http.StatusInternalServerError, "text/plain", []byte("Failed to generate JSON data"))
		}
		return writeResponse(w, http.StatusOK, "application/json", body)
	case "/", "/index.html":
		return e.serveFile(w, "/index.html")
	default:
		return e.serveFile(w, p)
	}
}

// serveFile resolves urlPath under the public root. Cleaning against "/"
// keeps ".." from escaping it.
func (e *Exposition) serveFile(w io.Writer, urlPath string) int {
	clean := path.Clean("/" + urlPath)
	full := filepath.Join(e.publicDir, filepath.FromSlash(clean))

	fi, err := os.Stat(full)
	if err != nil || fi.IsDir() {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return writeResponse(w, http.StatusInternalServerError, "text/plain", []byte("Read Error"))
		}
		return writeResponse(w, http.StatusNotFound, "text/plain", []byte("File Not Found"))
	}
	body, err := os.ReadFile(full)
	if err != nil {
		return writeResponse(w, http.StatusInternalServerError, "text/plain", []byte("Read Error"))
	}
	if len(body) == 0 {
		return writeResponse(w, http.StatusInternalServerError, "text/plain", []byte("Empty file"))
	}
	return writeResponse(w, http.StatusOK, contentType(clean), body)
}

var extraTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
}

func contentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if t, ok := extraTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "text/plain"
}

// writeResponse writes a complete HTTP/1.1 response and returns status.
func writeResponse(w io.Writer, status int, ctype string, body []byte) int {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(http.StatusText(status))
	b.WriteString("\r\n")
	h := http.Header{}
	h.Set("Content-Type", ctype)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	h.Set("Access-Control-Allow-Origin", "*")
	_ = h.Write(&b)
	b.WriteString("\r\n")
	b.Write(body)
	_, _ = w.Write(b.Bytes())
	return status
}

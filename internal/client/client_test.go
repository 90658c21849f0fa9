package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plantmon/internal/sensor"
	"plantmon/internal/server"
	"plantmon/internal/storage"
	"plantmon/internal/tlsconf"
	"plantmon/internal/tlsconf/tlstest"
	logx "plantmon/pkg/logx"
)

type e2e struct {
	srv    *server.Server
	cliTLS *tls.Config
}

func startServer(t *testing.T, tick time.Duration) *e2e {
	t.Helper()
	m := tlstest.Generate(t)
	srvCfg, err := tlsconf.ServerConfig(m.Server)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	cliCfg, err := tlsconf.ClientConfig(m.Client, "127.0.0.1")
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	srv, err := server.New(server.Options{
		Listen:       "127.0.0.1:0",
		TickInterval: tick,
		PollInterval: 50 * time.Millisecond,
		WriteTimeout: time.Second,
		TLS:          srvCfg,
		Log:          logx.Nop(),
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return &e2e{srv: srv, cliTLS: cliCfg}
}

func (e *e2e) client(t *testing.T, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Server:       e.srv.Addr().String(),
		PollInterval: 50 * time.Millisecond,
		HTTPHost:     "127.0.0.1",
		PublicDir:    t.TempDir(),
		TLS:          e.cliTLS,
		Log:          logx.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func getData(t *testing.T, port int) (string, map[string]any) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/data", port))
	if err != nil {
		t.Fatalf("GET /api/data: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, b)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return string(b), doc
}

func TestClientReceivesBroadcasts(t *testing.T) {
	t.Parallel()
	e := startServer(t, time.Second)
	var announce bytes.Buffer
	c := e.client(t, func(o *Options) { o.Announce = &announce })

	if !strings.Contains(announce.String(), fmt.Sprintf("http://localhost:%d", c.HTTPPort())) {
		t.Fatalf("announce = %q", announce.String())
	}

	// One sample per tick: three ticks after registration the history
	// holds exactly three samples.
	waitRegistered(t, e.srv)
	deadline := time.Now().Add(3*time.Second + 750*time.Millisecond)
	for c.History().Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := c.History().Len(); n != 3 {
		t.Fatalf("history len = %d within three ticks, want 3", n)
	}
	for _, s := range c.History().Samples() {
		if !s.InRange() {
			t.Fatalf("sample out of range: %+v", s)
		}
	}

	_, doc := getData(t, c.HTTPPort())
	if doc["count"].(float64) < 3 || doc["capacity"].(float64) != 50 {
		t.Fatalf("doc = %v", doc)
	}
	st := c.Status()
	if st.Received < 3 || st.ServerSubject == "" || st.Requests == 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestClientEmptyHistoryEndpoint(t *testing.T) {
	t.Parallel()
	e := startServer(t, time.Hour)
	c := e.client(t, nil)

	body, _ := getData(t, c.HTTPPort())
	if body != `{"data":[],"count":0,"message":"No data available"}` {
		t.Fatalf("body = %s", body)
	}
}

func TestClientDoneWhenServerStops(t *testing.T) {
	t.Parallel()
	e := startServer(t, time.Hour)
	c := e.client(t, nil)
	waitRegistered(t, e.srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.srv.Stop(ctx); err != nil {
		t.Fatalf("server Stop: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the server going away")
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("client Stop: %v", err)
	}
}

func TestClientSessionResetIsNotServerClosed(t *testing.T) {
	t.Parallel()
	m := tlstest.Generate(t)
	srvCfg, err := tlsconf.ServerConfig(m.Server)
	if err != nil {
		t.Fatal(err)
	}
	cliCfg, err := tlsconf.ClientConfig(m.Client, "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// The peer handshakes, sends one frame, then aborts with a TCP reset.
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := tls.Server(raw, srvCfg)
		if err := conn.Handshake(); err != nil {
			_ = raw.Close()
			return
		}
		_, _ = io.WriteString(conn, "61000.00,1000.00\n")
		time.Sleep(200 * time.Millisecond)
		_ = raw.(*net.TCPConn).SetLinger(0)
		_ = raw.Close()
	}()

	c, err := New(Options{
		Server:       ln.Addr().String(),
		PollInterval: 50 * time.Millisecond,
		HTTPHost:     "127.0.0.1",
		PublicDir:    t.TempDir(),
		TLS:          cliCfg,
		Log:          logx.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the reset")
	}
	if err := c.Err(); err == nil || errors.Is(err, ErrServerClosed) {
		t.Fatalf("Err = %v, want a non-clean session error", err)
	}
	if c.History().Len() != 1 {
		t.Fatalf("history len = %d, want 1", c.History().Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop after lost session: %v", err)
	}
}

func TestClientSeedsHistoryFromArchive(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "client")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()
	for i := 0; i < 3; i++ {
		s := sensor.Sample{CentrifugeSpeed: 60000 + float64(i), PowerOutput: 1000, At: time.Now()}
		if err := st.AppendSample(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	e := startServer(t, time.Hour)
	c := e.client(t, func(o *Options) { o.Store = st; o.HistorySize = 2 })
	got := c.History().Samples()
	if len(got) != 2 || got[0].CentrifugeSpeed != 60001 || got[1].CentrifugeSpeed != 60002 {
		t.Fatalf("seeded history = %+v", got)
	}
}

func TestClientStartFailsWithoutServer(t *testing.T) {
	t.Parallel()
	m := tlstest.Generate(t)
	cfg, err := tlsconf.ClientConfig(m.Client, "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Options{Server: "127.0.0.1:1", DialTimeout: time.Second, TLS: cfg, Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with no server")
	}
}

func waitRegistered(t *testing.T, srv *server.Server) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"plantmon/internal/config"
	"plantmon/internal/storage"
	"plantmon/internal/tlsconf"
	"plantmon/internal/tlsconf/tlstest"
	logx "plantmon/pkg/logx"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func tlsYAML(c config.TLSConfig) string {
	return fmt.Sprintf("{cert: %q, key: %q, ca: %q}", c.Cert, c.Key, c.CA)
}

func serverYAML(dir string, m tlstest.Material, level string) string {
	return fmt.Sprintf(`server:
  listen: "127.0.0.1:0"
  tick_interval: 1s
  poll_interval: 50ms
  tls: %s
logging:
  level: %s
  console: false
  file: {enabled: true, path: %q}
storage:
  driver: sqlite
  path: %q
debug:
  enabled: true
  addr: "127.0.0.1:0"
`, tlsYAML(m.Server), level, filepath.Join(dir, "server.log"), filepath.Join(dir, "server.db"))
}

func clientYAML(dir string, m tlstest.Material) string {
	return fmt.Sprintf(`client:
  poll_interval: 50ms
  http: {host: "127.0.0.1", port: 18080, public_dir: %q}
  tls: %s
logging:
  console: false
  file: {enabled: true, path: %q}
storage:
  driver: file
  path: %q
`, dir, tlsYAML(m.Client), filepath.Join(dir, "client.log"), filepath.Join(dir, "client"))
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerAndClientApps(t *testing.T) {
	dir := t.TempDir()
	m := tlstest.Generate(t)
	srvPath := filepath.Join(dir, "server.yaml")
	cliPath := filepath.Join(dir, "client.yaml")
	writeConfig(t, srvPath, serverYAML(dir, m, "info"))
	writeConfig(t, cliPath, clientYAML(dir, m))

	ctx := context.Background()
	srvApp, err := New(Options{Role: RoleServer, ConfigPath: srvPath, Announce: io.Discard})
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	if err := srvApp.Start(ctx); err != nil {
		t.Fatalf("Start(server): %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	defer srvApp.Stop(stopCtx, StopUnknown)

	cliApp, err := New(Options{Role: RoleClient, ConfigPath: cliPath, ServerAddr: srvApp.srv.Addr().String(), Announce: io.Discard})
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	if err := cliApp.Start(ctx); err != nil {
		t.Fatalf("Start(client): %v", err)
	}
	defer cliApp.Stop(stopCtx, StopUnknown)

	waitFor(t, 6*time.Second, func() bool { return cliApp.Status().Client.HistoryLen >= 2 }, "two samples at the client")

	// Debug status from the server process.
	var addr string
	waitFor(t, 3*time.Second, func() bool {
		if a := srvApp.debug.Addr(); a != nil {
			addr = a.String()
			return true
		}
		return false
	}, "debug listener")
	resp, err := http.Get("http://" + addr + "/debug/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var doc struct {
		Role   string `json:"role"`
		Server struct {
			Active int `json:"active"`
		} `json:"server"`
	}
	err = json.NewDecoder(resp.Body).Decode(&doc)
	resp.Body.Close()
	if err != nil || doc.Role != "server" || doc.Server.Active != 1 {
		t.Fatalf("status doc = %+v, err %v", doc, err)
	}

	// Logging level applies live.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, srvPath, serverYAML(dir, m, "debug"))
	waitFor(t, 5*time.Second, func() bool { return srvApp.logs.Config().Level == "debug" }, "live logging reload")

	// The client follows the server going away.
	if err := srvApp.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop(server): %v", err)
	}
	select {
	case <-cliApp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client app still running after server stop")
	}
	if err := cliApp.Err(); err != nil {
		t.Fatalf("client Err = %v", err)
	}
	if err := cliApp.Stop(stopCtx, StopSessionEnded); err != nil {
		t.Fatalf("Stop(client): %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "client")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	samples, err := st.RecentSamples(ctx, 50)
	if err != nil || len(samples) < 2 {
		t.Fatalf("archived samples = %d, err %v", len(samples), err)
	}
}

func TestClientAppLostSessionIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	m := tlstest.Generate(t)
	srvTLS, err := tlsconf.ServerConfig(m.Server)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := tls.Server(raw, srvTLS)
		if err := conn.Handshake(); err != nil {
			_ = raw.Close()
			return
		}
		_, _ = io.WriteString(conn, "61000.00,1000.00\n")
		time.Sleep(200 * time.Millisecond)
		_ = raw.(*net.TCPConn).SetLinger(0)
		_ = raw.Close()
	}()

	path := filepath.Join(dir, "client.yaml")
	writeConfig(t, path, clientYAML(dir, m))
	a, err := New(Options{Role: RoleClient, ConfigPath: path, ServerAddr: ln.Addr().String(), Announce: io.Discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client app still running after the session was reset")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v, want nil for a lost session", err)
	}
	if a.SessionErr() == nil {
		t.Fatal("SessionErr = nil, want the reset error")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSessionLost); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{Role: "relay", ConfigOptional: true}); err == nil {
		t.Fatal("unknown role accepted")
	}
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := New(Options{Role: RoleServer, ConfigPath: missing}); err == nil {
		t.Fatal("missing required config accepted")
	}

	// Defaults point at certs/ which does not exist here.
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	writeConfig(t, path, fmt.Sprintf("server:\n  tls: {cert: %q, key: %q, ca: %q}\n",
		filepath.Join(dir, "x.pem"), filepath.Join(dir, "y.pem"), filepath.Join(dir, "z.pem")))
	if _, err := New(Options{Role: RoleServer, ConfigPath: path}); err == nil {
		t.Fatal("missing trust material accepted")
	}
}

func TestValidateReloadDebugBind(t *testing.T) {
	t.Parallel()
	a := &App{}
	cases := []struct {
		name string
		d    config.DebugConfig
		ok   bool
	}{
		{"disabled", config.DebugConfig{Addr: "0.0.0.0:6060"}, true},
		{"loopback", config.DebugConfig{Enabled: true, Addr: "127.0.0.1:6060"}, true},
		{"public no token", config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}, false},
		{"public token", config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}, true},
		{"public insecure", config.DebugConfig{Enabled: true, Addr: ":6060", AllowInsecure: true}, true},
	}
	for _, tc := range cases {
		cfg := config.Default()
		cfg.Debug = tc.d
		err := a.validateReload(context.Background(), cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
	}
}

func TestOverlayLeavesManagerConfig(t *testing.T) {
	t.Parallel()
	a := &App{opts: Options{Role: RoleClient, ServerAddr: "plant.local"}}
	base := config.Default()
	got := a.overlay(base)
	if got.Client.Server != "plant.local:8443" {
		t.Fatalf("overlay server = %q", got.Client.Server)
	}
	if base.Client.Server != "127.0.0.1:8443" {
		t.Fatalf("base mutated: %q", base.Client.Server)
	}
}

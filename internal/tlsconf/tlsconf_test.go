package tlsconf

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plantmon/internal/config"
	"plantmon/internal/tlsconf/tlstest"
)

func TestMutualHandshake(t *testing.T) {
	t.Parallel()
	m := tlstest.Generate(t)

	srvCfg, err := ServerConfig(m.Server)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if srvCfg.ClientAuth != tls.RequireAndVerifyClientCert || srvCfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected server config: auth=%v min=%x", srvCfg.ClientAuth, srvCfg.MinVersion)
	}
	cliCfg, err := ClientConfig(m.Client, "127.0.0.1:8443")
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if cliCfg.ServerName != "127.0.0.1" {
		t.Fatalf("ServerName = %q", cliCfg.ServerName)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan Identity, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(got)
			return
		}
		defer c.Close()
		tc := c.(*tls.Conn)
		if err := tc.Handshake(); err != nil {
			close(got)
			return
		}
		got <- PeerIdentity(tc.ConnectionState())
	}()

	c, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case id, ok := <-got:
		if !ok {
			t.Fatal("server handshake failed")
		}
		if !strings.Contains(id.Subject, "plantmon-client") || id.Version == "" || id.CipherSuite == "" {
			t.Fatalf("unexpected identity %+v", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestServerRejectsUntrustedClient(t *testing.T) {
	t.Parallel()
	m := tlstest.Generate(t)
	srvCfg, err := ServerConfig(m.Server)
	if err != nil {
		t.Fatal(err)
	}
	cliCfg, err := ClientConfig(m.Rogue, "localhost")
	if err != nil {
		t.Fatal(err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srvErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		defer c.Close()
		srvErr <- c.(*tls.Conn).Handshake()
	}()

	c, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
	if err == nil {
		// TLS 1.3 reports the client-cert rejection on the first read.
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = c.Read(make([]byte, 1))
		c.Close()
	}
	if err == nil {
		t.Fatal("expected client to observe rejection")
	}
	if e := <-srvErr; e == nil {
		t.Fatal("server accepted an untrusted client certificate")
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	m := tlstest.Generate(t)

	if _, err := ServerConfig(config.TLSConfig{Cert: "nope.pem", Key: "nope.pem", CA: m.Server.CA}); err == nil {
		t.Fatal("expected key pair error")
	}

	bogus := filepath.Join(t.TempDir(), "bogus-ca.pem")
	if err := os.WriteFile(bogus, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	files := m.Client
	files.CA = bogus
	if _, err := ClientConfig(files, "localhost"); !errors.Is(err, ErrNoCACerts) {
		t.Fatalf("err = %v, want ErrNoCACerts", err)
	}
}

func TestClientServerNameOverride(t *testing.T) {
	t.Parallel()
	m := tlstest.Generate(t)
	files := m.Client
	files.ServerName = "localhost"
	cfg, err := ClientConfig(files, "10.0.0.5:8443")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerName != "localhost" {
		t.Fatalf("ServerName = %q", cfg.ServerName)
	}
	if hostOf("plant.local") != "plant.local" {
		t.Fatal("hostOf without port")
	}
}

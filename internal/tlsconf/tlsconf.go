// Package tlsconf builds the mutual-TLS configurations used by the broadcast
// server and the monitoring client.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"plantmon/internal/config"
)

var ErrNoCACerts = errors.New("tlsconf: no certificates found in CA file")

// ServerConfig returns a config that presents the server identity and demands
// a client certificate issued by the configured CA.
func ServerConfig(files config.TLSConfig) (*tls.Config, error) {
	cert, pool, err := load(files)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}

// ClientConfig returns a config that presents the client identity and verifies
// the server against the configured CA. serverAddr is host or host:port; its
// host is the verified name unless files.ServerName overrides it.
func ClientConfig(files config.TLSConfig, serverAddr string) (*tls.Config, error) {
	cert, pool, err := load(files)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(files.ServerName)
	if name == "" {
		name = hostOf(serverAddr)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   name,
	}, nil
}

func load(files config.TLSConfig) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load key pair %s: %w", files.Cert, err)
	}
	caPEM, err := os.ReadFile(files.CA)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA %s: %w", files.CA, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %s", ErrNoCACerts, files.CA)
	}
	return cert, pool, nil
}

func hostOf(addr string) string {
	addr = strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// Identity describes the authenticated peer of an established session.
type Identity struct {
	Subject     string
	Issuer      string
	Version     string
	CipherSuite string
}

// PeerIdentity extracts the leaf certificate subject and the negotiated
// parameters from a completed handshake.
func PeerIdentity(st tls.ConnectionState) Identity {
	id := Identity{
		Version:     tls.VersionName(st.Version),
		CipherSuite: tls.CipherSuiteName(st.CipherSuite),
	}
	if len(st.PeerCertificates) > 0 {
		leaf := st.PeerCertificates[0]
		id.Subject = leaf.Subject.String()
		id.Issuer = leaf.Issuer.String()
	}
	return id
}

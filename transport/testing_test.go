package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// selfSignedPair returns a (server, client) tls.Config pair backed by a
// freshly generated self-signed certificate, for in-process loopback tests.
func selfSignedPair(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	pool := x509.NewCertPool()
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool.AddCert(parsed)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}
	return serverCfg, clientCfg
}

// tlsPipe establishes a loopback TLS connection pair over a real TCP socket
// (crypto/tls has no in-memory net.Pipe support for its handshake).
func tlsPipe(t *testing.T) (server, client *tls.Conn) {
	t.Helper()
	serverCfg, clientCfg := selfSignedPair(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		conn *tls.Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			serverCh <- result{nil, err}
			return
		}
		tc := c.(*tls.Conn)
		serverCh <- result{tc, tc.Handshake()}
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("server handshake: %v", res.err)
	}
	return res.conn, clientConn
}

var _ net.Conn = (*tls.Conn)(nil)

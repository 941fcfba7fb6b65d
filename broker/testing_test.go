package broker

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

// tlsPipe mirrors transport's loopback helper: a real TCP+TLS connection
// pair, since crypto/tls has no in-memory net.Pipe support for handshakes.
func tlsPipe(t *testing.T) (*tls.Conn, *tls.Conn) {
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

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
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

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("server handshake: %v", res.err)
	}
	return res.conn, clientConn
}

// newTestSession wraps one end of a tlsPipe as a broker.Session with the
// given outgoing queue depth, draining the other end so writes don't block.
func newTestSession(t *testing.T, queueDepth int) (*Session, *transport.BlockConnection) {
	t.Helper()
	serverRaw, clientRaw := tlsPipe(t)
	t.Cleanup(func() { clientRaw.Close() })

	peerConn := transport.NewBlockConnection(clientRaw, time.Second, time.Second)
	sess := newSession(ids.New(), transport.NewBlockConnection(serverRaw, time.Second, time.Second), queueDepth)
	return sess, peerConn
}

// newBlockedSession builds a Session with no writer goroutine draining its
// outgoing queue, so tests exercising backpressure (queue-full routing)
// get a deterministic fill point instead of racing a real writer.
func newBlockedSession(queueDepth int) *Session {
	return &Session{
		id:       ids.New(),
		outgoing: make(chan queuedFrame, queueDepth),
		state:    protocol.NewStateMachine(),
		done:     make(chan struct{}),
	}
}

package sched

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert builds a throwaway server certificate, the same
// shape of credential the voice servers this client targets use.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "voice-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"voice-test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	require.NoError(t, err)
	return cert
}

// TestTLSSessionHandshakeAndEcho drives a TLSSession against a real
// TLS server over an in-memory pipe: activation fires, application
// bytes round-trip both ways, close tears the session down.
func TestTLSSessionHandshakeAndEcho(t *testing.T) {
	loop := NewLoop()
	clientSide, serverSide := net.Pipe()

	server := tls.Server(serverSide, &tls.Config{
		Certificates: []tls.Certificate{selfSignedCert(t)},
		MinVersion:   tls.VersionTLS12,
	})

	activated := make(chan struct{})
	received := make(chan []byte, 4)
	var mu sync.Mutex
	var alerts []error

	// Ciphertext must hit the pipe in emission order, so a single
	// writer goroutine drains a channel instead of ad-hoc goroutines.
	writes := make(chan []byte, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range writes {
			if _, err := clientSide.Write(data); err != nil {
				return
			}
		}
	}()

	session := NewTLSSession(loop, TLSSessionConfig{
		ServerName:         "voice-test",
		InsecureSkipVerify: true,
	}, SecureSessionEvents{
		OnTransportWrite: func(data []byte) {
			writes <- data
		},
		OnReceive: func(data []byte) {
			received <- data
		},
		OnActivated: func() {
			close(activated)
		},
		OnAlert: func(fatal bool, err error) {
			mu.Lock()
			alerts = append(alerts, err)
			mu.Unlock()
		},
	})

	// Teardown order matters: the session's close-notify travels
	// through the loop onto the writer channel, so the channel can
	// only close after the loop has drained the session's last work.
	t.Cleanup(func() {
		session.Close()
		flushed := make(chan struct{})
		loop.Enqueue(func() { close(flushed) })
		<-flushed
		close(writes)
		<-writerDone
		serverSide.Close()
		loop.Close()
	})

	// Pump wire bytes from the pipe into the session.
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := clientSide.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				session.ReceivedData(data)
			}
			if err != nil {
				return
			}
		}
	}()

	// Server side: handshake, echo one message.
	serverDone := make(chan error, 1)
	go func() {
		if err := server.Handshake(); err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 256)
		n, err := server.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		_, err = server.Write(buf[:n])
		serverDone <- err
	}()

	select {
	case <-activated:
	case <-time.After(5 * time.Second):
		t.Fatal("session never activated")
	}
	require.True(t, session.IsActive())

	session.Send([]byte("ping over tls"))

	select {
	case data := <-received:
		assert.Equal(t, []byte("ping over tls"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}

	require.NoError(t, <-serverDone)
}

func TestTLSSessionSendBeforeActiveIsDropped(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	session := NewTLSSession(loop, TLSSessionConfig{InsecureSkipVerify: true}, SecureSessionEvents{})
	defer session.Close()

	require.False(t, session.IsActive())
	// Must return immediately without blocking on the handshake.
	session.Send([]byte("too early"))
}

func TestTLSSessionAlertOnPeerClose(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	alerted := make(chan bool, 1)
	session := NewTLSSession(loop, TLSSessionConfig{InsecureSkipVerify: true}, SecureSessionEvents{
		OnAlert: func(fatal bool, err error) {
			alerted <- fatal
		},
	})

	// Killing the underlying byte source mid-handshake must surface
	// as a fatal alert, not a hang.
	session.pump.close()

	select {
	case fatal := <-alerted:
		assert.True(t, fatal)
	case <-time.After(5 * time.Second):
		t.Fatal("no alert after transport loss")
	}
}

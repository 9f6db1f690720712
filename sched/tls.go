package sched

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// SecureSessionEvents are the secure-session callbacks, all
// delivered on the scheduler loop.
type SecureSessionEvents struct {
	// OnTransportWrite hands ciphertext to be written to the wire.
	OnTransportWrite func(data []byte)

	// OnReceive delivers decrypted application bytes.
	OnReceive func(data []byte)

	// OnActivated fires once the handshake completes.
	OnActivated func()

	// OnAlert fires on session failure or termination. Fatal alerts
	// (and close-notify, which is treated the same) mean the session
	// is dead; non-fatal alerts are informational.
	OnAlert func(fatal bool, err error)
}

// SecureSession is the confidentiality/integrity capability for the
// control channel. The engine feeds it raw wire bytes and plaintext
// sends; the session is authoritative for everything in between.
type SecureSession interface {
	// ReceivedData feeds ciphertext read from the wire.
	ReceivedData(data []byte)

	// Send encrypts and emits application bytes. Dropped while the
	// session is not active.
	Send(data []byte)

	// IsActive reports whether the handshake has completed and the
	// session has not terminated.
	IsActive() bool

	// Close requests a graceful close (close-notify to the peer).
	Close()
}

// TLSSession implements SecureSession with crypto/tls driven over an
// in-memory conn: wire bytes come in through ReceivedData, ciphertext
// goes out through OnTransportWrite. The handshake and record reads
// run on an internal goroutine; all callbacks land on the loop.
type TLSSession struct {
	loop   *Loop
	events SecureSessionEvents
	conn   *tls.Conn
	pump   *pumpConn
	active atomic.Bool
	closed atomic.Bool
}

// TLSSessionConfig configures a TLSSession.
type TLSSessionConfig struct {
	// ServerName for SNI and certificate verification.
	ServerName string

	// InsecureSkipVerify disables certificate verification. Voice
	// servers in this deployment model run self-signed certificates,
	// so this defaults on at the client layer above.
	InsecureSkipVerify bool
}

// NewTLSSession creates a session and starts its handshake. The
// caller must already be feeding wire bytes via ReceivedData.
func NewTLSSession(loop *Loop, cfg TLSSessionConfig, events SecureSessionEvents) *TLSSession {
	s := &TLSSession{
		loop:   loop,
		events: events,
	}
	s.pump = newPumpConn(func(data []byte) {
		loop.Enqueue(func() {
			if events.OnTransportWrite != nil {
				events.OnTransportWrite(data)
			}
		})
	})

	s.conn = tls.Client(s.pump, &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	})

	go s.run()
	return s
}

func (s *TLSSession) run() {
	if err := s.conn.Handshake(); err != nil {
		s.alert(true, err)
		return
	}

	state := s.conn.ConnectionState()
	logger("tls").WithFields(logrus.Fields{
		"function":     "run",
		"tls_version":  state.Version,
		"cipher_suite": tls.CipherSuiteName(state.CipherSuite),
	}).Debug("secure session established")

	s.active.Store(true)
	s.loop.Enqueue(func() {
		if s.events.OnActivated != nil {
			s.events.OnActivated()
		}
	})

	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.loop.Enqueue(func() {
				if s.events.OnReceive != nil {
					s.events.OnReceive(data)
				}
			})
		}
		if err != nil {
			s.active.Store(false)
			// Peer close-notify surfaces as EOF; treated as fatal,
			// the connection machine rebuilds the session anyway.
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.alert(true, io.EOF)
			} else {
				s.alert(true, err)
			}
			return
		}
	}
}

func (s *TLSSession) alert(fatal bool, err error) {
	if s.closed.Swap(true) {
		return
	}
	s.loop.Enqueue(func() {
		if s.events.OnAlert != nil {
			s.events.OnAlert(fatal, err)
		}
	})
}

// ReceivedData feeds wire bytes into the TLS record layer.
func (s *TLSSession) ReceivedData(data []byte) {
	s.pump.feed(data)
}

// Send writes application bytes through the session. Silently
// dropped unless the session is active, matching the engine's
// not-connected no-op contract.
func (s *TLSSession) Send(data []byte) {
	if !s.active.Load() {
		return
	}
	if _, err := s.conn.Write(data); err != nil {
		logger("tls").WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Debug("session write failed")
	}
}

// IsActive reports handshake-complete and not terminated.
func (s *TLSSession) IsActive() bool {
	return s.active.Load()
}

// Close sends close-notify and tears down the in-memory conn.
func (s *TLSSession) Close() {
	s.active.Store(false)
	_ = s.conn.Close()
	s.pump.close()
}

// pumpConn adapts the callback world to net.Conn for crypto/tls:
// Read blocks on bytes fed in via feed, Write forwards ciphertext to
// the supplied sink.
type pumpConn struct {
	write func(data []byte)

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPumpConn(write func(data []byte)) *pumpConn {
	p := &pumpConn{write: write}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pumpConn) feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.buf = append(p.buf, data...)
	p.cond.Broadcast()
}

func (p *pumpConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
}

func (p *pumpConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(b, p.buf)
	p.buf = append(p.buf[:0], p.buf[n:]...)
	return n, nil
}

func (p *pumpConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return 0, net.ErrClosed
	}

	data := make([]byte, len(b))
	copy(data, b)
	p.write(data)
	return len(b), nil
}

func (p *pumpConn) Close() error {
	p.close()
	return nil
}

type pumpAddr struct{}

func (pumpAddr) Network() string { return "pump" }
func (pumpAddr) String() string  { return "pump" }

func (p *pumpConn) LocalAddr() net.Addr                { return pumpAddr{} }
func (p *pumpConn) RemoteAddr() net.Addr               { return pumpAddr{} }
func (p *pumpConn) SetDeadline(t time.Time) error      { return nil }
func (p *pumpConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pumpConn) SetWriteDeadline(t time.Time) error { return nil }

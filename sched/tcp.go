package sched

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamEvents are the control-connection callbacks. All of them are
// delivered on the scheduler loop. Nil callbacks are skipped.
type StreamEvents struct {
	// OnConnect fires once the stream is established.
	OnConnect func()

	// OnData fires per received chunk. The slice is owned by the
	// receiver and remains valid after the callback returns.
	OnData func(data []byte)

	// OnError fires on connect failure or a read/write error.
	OnError func(err error)

	// OnEnd fires when the peer closes its write side.
	OnEnd func()

	// OnClose fires exactly once after the transport is fully closed.
	OnClose func()
}

// StreamTransport is the reliable-transport capability: one TCP
// connection scoped to one connect attempt. It is constructed fresh
// for every attempt and discarded on close, never reused.
type StreamTransport interface {
	Connect(addr string)
	Write(data []byte)
	Shutdown()
	Close()
}

const (
	tcpConnectTimeout = 10 * time.Second
	tcpWriteTimeout   = 5 * time.Second
	tcpReadBufferSize = 64 * 1024
)

// TCPTransport implements StreamTransport over net.Conn with
// voice-appropriate socket options (no Nagle, keep-alive).
type TCPTransport struct {
	loop   *Loop
	events StreamEvents

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewTCPTransport creates an unconnected TCP transport.
func NewTCPTransport(loop *Loop, events StreamEvents) *TCPTransport {
	return &TCPTransport{loop: loop, events: events}
}

// Connect dials addr asynchronously. Outcome arrives via OnConnect
// or OnError on the loop.
func (t *TCPTransport) Connect(addr string) {
	go func() {
		conn, err := net.DialTimeout("tcp", addr, tcpConnectTimeout)
		if err != nil {
			t.loop.Enqueue(func() {
				if t.events.OnError != nil {
					t.events.OnError(err)
				}
			})
			return
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			// Real-time audio control traffic, no nagling.
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		t.loop.Enqueue(func() {
			if t.events.OnConnect != nil {
				t.events.OnConnect()
			}
		})

		t.readLoop(conn)
	}()
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.loop.Enqueue(func() {
				if t.events.OnData != nil {
					t.events.OnData(data)
				}
			})
		}
		if err != nil {
			t.deliverReadError(err)
			return
		}
	}
}

func (t *TCPTransport) deliverReadError(err error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	t.loop.Enqueue(func() {
		switch {
		case closed:
			// Local close raced the read loop; OnClose already covers it.
		case errors.Is(err, io.EOF):
			if t.events.OnEnd != nil {
				t.events.OnEnd()
			}
		default:
			if t.events.OnError != nil {
				t.events.OnError(err)
			}
		}
	})
}

// Write sends data on the stream. Errors surface via OnError; a
// write before connect is dropped.
func (t *TCPTransport) Write(data []byte) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if _, err := conn.Write(data); err != nil {
		logger("tcp").WithFields(logrus.Fields{
			"function": "Write",
			"error":    err.Error(),
		}).Debug("stream write failed")
		t.loop.Enqueue(func() {
			if t.events.OnError != nil {
				t.events.OnError(err)
			}
		})
	}
}

// Shutdown closes the write side, letting the peer drain.
func (t *TCPTransport) Shutdown() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
}

// Close tears the connection down and fires OnClose exactly once.
func (t *TCPTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	t.loop.Enqueue(func() {
		if t.events.OnClose != nil {
			t.events.OnClose()
		}
	})
}

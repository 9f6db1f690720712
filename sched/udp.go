package sched

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// DatagramTransport is the best-effort transport capability for the
// voice channel. Like the stream transport it is scoped to one
// connection attempt.
type DatagramTransport interface {
	Open(remoteAddr string) error
	Send(data []byte)
	Close()
}

const udpReadBufferSize = 2048

// UDPTransport implements DatagramTransport over a connected UDP
// socket. Received datagrams are delivered on the loop.
type UDPTransport struct {
	loop   *Loop
	onData func(data []byte)

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewUDPTransport creates an unopened UDP transport delivering
// datagrams to onData on the loop.
func NewUDPTransport(loop *Loop, onData func(data []byte)) *UDPTransport {
	return &UDPTransport{loop: loop, onData: onData}
}

// Open binds a connected UDP socket to the peer and starts the
// receive loop.
func (u *UDPTransport) Open(remoteAddr string) error {
	conn, err := net.Dial("udp", remoteAddr)
	if err != nil {
		return err
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	u.conn = conn
	u.mu.Unlock()

	go u.readLoop(conn)
	return nil
}

func (u *UDPTransport) readLoop(conn net.Conn) {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		u.loop.Enqueue(func() {
			if u.onData != nil {
				u.onData(data)
			}
		})
	}
}

// Send transmits one datagram. Best effort: send failures are logged
// at debug level and otherwise ignored, the health counters are what
// detect a dead datagram path.
func (u *UDPTransport) Send(data []byte) {
	u.mu.Lock()
	conn := u.conn
	closed := u.closed
	u.mu.Unlock()

	if conn == nil || closed {
		return
	}

	if _, err := conn.Write(data); err != nil {
		logger("udp").WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Debug("datagram send failed")
	}
}

// Close shuts the socket down and stops the receive loop.
func (u *UDPTransport) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return
	}
	u.closed = true
	if u.conn != nil {
		_ = u.conn.Close()
	}
}

package mumble

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mumble/crypt"
	"github.com/opd-ai/mumble/packet"
	"github.com/opd-ai/mumble/protocol"
)

// Voice packet types, carried in the top three bits of the header
// byte.
const (
	voiceTypePing uint64 = 1
	voiceTypeOpus uint64 = 4
)

// Per-frame length field: bit 13 flags the last frame of a
// transmission, the low 13 bits are the payload length.
const (
	voiceFrameTerminator = 0x2000
	voiceFrameLengthMask = 0x1FFF
)

// onDatagram handles one raw datagram off the wire: decrypt, then
// hand the plaintext to the shared voice path.
func (c *Client) onDatagram(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.connGen {
		return
	}
	if !c.crypto.Initialized() {
		return
	}
	if len(data) > crypt.MaxCiphertextSize {
		logrus.WithFields(logrus.Fields{
			"function": "onDatagram",
			"size":     len(data),
		}).Debug("dropping oversize datagram")
		return
	}

	plain, err := c.crypto.Decrypt(data)
	if err != nil {
		c.requestResyncLocked(err)
		return
	}
	c.crypto.TouchLastGood(c.schd.Now())
	c.handleVoiceLocked(plain)
}

// requestResyncLocked asks the server to resend key material after a
// decrypt failure, rate-limited so a burst of bad packets produces
// one request per ping interval.
func (c *Client) requestResyncLocked(cause error) {
	now := c.schd.Now()
	if now.Sub(c.crypto.LastGood()) <= c.opts.PingInterval {
		return
	}
	c.crypto.TouchLastGood(now)
	c.crypto.RecordResync()

	logrus.WithFields(logrus.Fields{
		"function": "requestResyncLocked",
		"error":    cause.Error(),
	}).Warn("datagram decrypt failing, requesting crypt resync")

	c.sendMessageLocked(&protocol.CryptSetup{})
}

// handleVoiceLocked consumes one plaintext voice packet, whether it
// arrived as a datagram or tunneled through the control channel.
func (c *Client) handleVoiceLocked(data []byte) {
	r := packet.NewReader(data)

	header := r.Byte()
	if !r.Valid() {
		return
	}
	pktType := uint64(header) >> 5

	if pktType == voiceTypePing {
		ts := r.Uint64()
		if !r.Valid() {
			return
		}
		delta := c.schd.Now().UnixMilli() - int64(ts)
		if delta < 0 {
			delta = 0
		}
		c.udpPing.Observe(uint32(delta))
		return
	}

	session := r.Uint64()
	sequence := r.Uint64()
	if !r.Valid() {
		return
	}

	if pktType != voiceTypeOpus {
		return
	}

	u, ok := c.server.user(uint32(session))
	if !ok {
		// Voice can race ahead of the user table during the join
		// burst; dropped silently.
		return
	}

	// One audio frame per packet. The length field still carries the
	// terminator bit and must be masked before use.
	for r.Valid() {
		length := r.Uint64()
		if !r.Valid() {
			break
		}
		isLast := length&voiceFrameTerminator != 0
		n := int(length & voiceFrameLengthMask)
		if n > r.Left() {
			break
		}
		frame := r.Bytes(n)
		if !r.Valid() || len(frame) == 0 {
			break
		}
		c.output.HandleVoiceData(userInfo(u), sequence, frame, isLast)
		break
	}

	// Positional audio trailer: 3 floats of position, queued for the
	// next RunFrame, then optionally a distance applied immediately.
	// Distance only exists after a full position block; a shorter
	// trailer carries nothing.
	if r.Left() >= 12 {
		pos := [3]float32{r.Float32(), r.Float32(), r.Float32()}
		if r.Valid() {
			select {
			case c.positionUpdates <- positionUpdate{session: u.Session, position: pos}:
			default:
				// Consumer stalled; fresher data is coming anyway.
			}
		}
		if r.Left() >= 4 {
			distance := r.Float32()
			if r.Valid() {
				c.output.HandleDistance(userInfo(u), distance)
			}
		}
	}
}

// sendDatagramLocked seals and sends one voice packet on the datagram
// channel. No-ops until key material has arrived.
func (c *Client) sendDatagramLocked(data []byte) {
	if c.udp == nil || !c.crypto.Initialized() {
		return
	}
	if len(data) > crypt.MaxDatagramSize {
		logrus.WithFields(logrus.Fields{
			"function": "sendDatagramLocked",
			"size":     len(data),
		}).Debug("dropping oversize voice packet")
		return
	}

	sealed, err := c.crypto.Encrypt(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendDatagramLocked",
			"error":    err.Error(),
		}).Debug("datagram encrypt failed")
		return
	}

	udp := c.udp
	c.schd.Enqueue(func() {
		udp.Send(sealed)
	})
}

package mumble

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mumble/crypt"
	"github.com/opd-ai/mumble/packet"
	"github.com/opd-ai/mumble/protocol"
	"github.com/opd-ai/mumble/sched"
)

// ConnState enumerates the control-channel state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateTLSHandshaking
	StateAuthenticating
	StateActive
	StateIdle
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateTLSHandshaking:
		return "tls-handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// onConnectTimer starts the actual TCP attempt. The debounce delay
// between Connect and this firing collapses rapid repeat calls.
func (c *Client) onConnectTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connInfo.IsConnecting || c.connInfo.Address == "" {
		return
	}
	c.connInfo.IsConnecting = true

	// Connection-scoped resources are rebuilt, never reused. The
	// generation bump makes events from the torn-down attempt inert.
	c.connGen++
	gen := c.connGen

	if c.tcp != nil {
		c.tcp.Shutdown()
		c.tcp.Close()
		c.tcp = nil
	}
	if c.udp != nil {
		c.udp.Close()
		c.udp = nil
	}
	c.session = nil

	c.server.reset()
	c.parser.Reset()
	c.crypto = crypt.NewState()
	c.hasUDP = true
	c.connState = StateConnecting

	c.tcp = c.newStream(sched.StreamEvents{
		OnConnect: func() { c.onTCPConnect(gen) },
		OnData:    func(data []byte) { c.onTCPData(gen, data) },
		OnError:   func(err error) { c.onTCPFailure(gen, "connect/stream error", err) },
		OnEnd:     func() { c.onTCPFailure(gen, "peer closed stream", nil) },
		OnClose:   func() { c.onTCPClose(gen) },
	})

	logrus.WithFields(logrus.Fields{
		"function": "onConnectTimer",
		"address":  c.connInfo.Address,
	}).Debug("dialing control connection")

	c.tcp.Connect(c.connInfo.Address)
}

func (c *Client) onTCPConnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.connGen {
		return
	}

	c.connInfo.IsConnecting = false
	c.connInfo.IsConnected = true
	c.connState = StateTLSHandshaking

	c.udp = c.newDatagram(func(data []byte) { c.onDatagram(gen, data) })
	if err := c.udp.Open(c.connInfo.Address); err != nil {
		// Voice falls back to the tunnel automatically; the health
		// policy will flip hasUDP once the counters stay at zero.
		logrus.WithFields(logrus.Fields{
			"function": "onTCPConnect",
			"error":    err.Error(),
		}).Warn("datagram channel unavailable")
	}

	c.session = c.newSession(sched.TLSSessionConfig{
		ServerName:         c.tlsServerName(),
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
	}, sched.SecureSessionEvents{
		OnTransportWrite: func(data []byte) { c.onSessionWrite(gen, data) },
		OnReceive:        func(data []byte) { c.onSessionReceive(gen, data) },
		OnActivated:      func() { c.onSessionActivated(gen) },
		OnAlert:          func(fatal bool, err error) { c.onSessionAlert(gen, fatal, err) },
	})
}

func (c *Client) tlsServerName() string {
	if c.opts.TLSServerName != "" {
		return c.opts.TLSServerName
	}
	host, _, err := net.SplitHostPort(c.connInfo.Address)
	if err != nil {
		return c.connInfo.Address
	}
	return host
}

func (c *Client) onTCPData(gen uint64, data []byte) {
	c.mu.Lock()
	session := c.session
	stale := gen != c.connGen
	c.mu.Unlock()

	if stale || session == nil {
		return
	}
	// Fed outside the lock: the session hands plaintext back through
	// OnReceive on the loop rather than synchronously.
	session.ReceivedData(data)
}

func (c *Client) onTCPFailure(gen uint64, reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.connGen {
		return
	}

	fields := logrus.Fields{
		"function": "onTCPFailure",
		"reason":   reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("control connection lost")

	c.connInfo.IsConnecting = false
	c.connInfo.IsConnected = false
	c.connState = StateIdle
	c.idleTimer.Start(c.opts.ErrorRetryDelay, c.opts.IdleTickInterval)
}

func (c *Client) onTCPClose(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.connGen {
		c.tcp = nil
	}
	if c.disconnectDone != nil {
		close(c.disconnectDone)
		c.disconnectDone = nil
	}
}

func (c *Client) onSessionWrite(gen uint64, data []byte) {
	c.mu.Lock()
	tcp := c.tcp
	stale := gen != c.connGen
	c.mu.Unlock()

	if stale || tcp == nil {
		return
	}
	tcp.Write(data)
}

func (c *Client) onSessionReceive(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.connGen {
		return
	}
	// Frames are dispatched synchronously from Feed via
	// onControlFrame, still under the client lock.
	if err := c.parser.Feed(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onSessionReceive",
			"error":    err.Error(),
		}).Warn("poisoned control stream, forcing reconnect")
		c.failConnectionLocked()
	}
}

// onSessionActivated runs when the TLS handshake completes: the
// parser is reset, liveness counters restart, and the version and
// authenticate messages go out before anything else, in that order.
func (c *Client) onSessionActivated(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.connGen {
		return
	}

	c.connState = StateAuthenticating
	c.parser.Reset()
	c.inFlightTCPPings = 0
	c.joinedAt = c.schd.Now()
	c.nextPing = c.joinedAt

	// The idle timer only starts now. Starting it at dial time would
	// let a slow handshake look like an idle connection and trigger
	// an immediate reconnect.
	c.idleTimer.Start(c.opts.IdleTickInterval, c.opts.IdleTickInterval)

	logrus.WithFields(logrus.Fields{
		"function": "onSessionActivated",
		"username": c.connInfo.Username,
	}).Info("secure session active, authenticating")

	c.sendMessageLocked(&protocol.Version{
		Version:   ProtocolVersion,
		Release:   c.opts.Release,
		OS:        c.opts.OS,
		OSVersion: c.opts.OSVersion,
	})
	c.sendMessageLocked(&protocol.Authenticate{
		Username: c.connInfo.Username,
		Opus:     true,
	})
}

func (c *Client) onSessionAlert(gen uint64, fatal bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.connGen {
		return
	}

	fields := logrus.Fields{"function": "onSessionAlert", "fatal": fatal}
	if err != nil {
		fields["error"] = err.Error()
	}

	if !fatal {
		logrus.WithFields(fields).Debug("non-fatal session alert")
		return
	}

	logrus.WithFields(fields).Warn("secure session terminated")
	c.connInfo.IsConnecting = false
	c.connInfo.IsConnected = false
	c.connState = StateIdle
	c.connectTimer.Start(c.opts.ReconnectDelay, 0)
}

// failConnectionLocked resets connection status so the idle tick
// schedules a reconnect.
func (c *Client) failConnectionLocked() {
	c.connInfo.IsConnecting = false
	c.connInfo.IsConnected = false
	c.connState = StateIdle
}

// onIdleTick is the single periodic driver: reconciliation and ping
// emission while active, reconnection while idle, and a deliberate
// no-op while a connect attempt is in flight.
func (c *Client) onIdleTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := c.session != nil && c.session.IsActive() && c.connInfo.IsConnected
	if active {
		c.reconcileLocked()
		c.emitPingsLocked()
		return
	}

	if c.connInfo.Address == "" || c.connInfo.IsConnecting {
		return
	}

	logrus.WithField("function", "onIdleTick").Debug("reconnecting")
	c.connectTimer.Start(c.opts.ReconnectDelay, 0)
	c.idleTimer.Stop()
}

// emitPingsLocked sends the control ping and the datagram ping when
// due, and enforces the sole control-channel liveness rule.
func (c *Client) emitPingsLocked() {
	now := c.schd.Now()
	if now.Before(c.nextPing) {
		return
	}

	if c.inFlightTCPPings >= c.opts.MaxInFlightPings &&
		now.Sub(c.joinedAt) > c.opts.JoinGrace {
		logrus.WithFields(logrus.Fields{
			"function":        "emitPingsLocked",
			"in_flight_pings": c.inFlightTCPPings,
		}).Warn("server not answering control pings, resetting connection")
		c.failConnectionLocked()
	}

	c.inFlightTCPPings++

	local := c.crypto.LocalCounters()
	c.sendMessageLocked(&protocol.Ping{
		Timestamp:  uint64(now.UnixMilli()),
		Good:       local.Good,
		Late:       local.Late,
		Lost:       local.Lost,
		Resync:     local.Resync,
		TCPPackets: c.tcpPing.Count(),
		TCPPingAvg: c.tcpPing.Average(),
		TCPPingVar: c.tcpPing.Variance(),
		UDPPackets: c.udpPing.Count(),
		UDPPingAvg: c.udpPing.Average(),
		UDPPingVar: c.udpPing.Variance(),
	})

	// The datagram ping always goes out, even in tunnel mode: it is
	// what eventually revives the datagram path on the server side.
	w := packet.NewWriter(64)
	w.PutByte(byte(voiceTypePing << 5))
	w.PutUint64(uint64(now.UnixMilli()))
	c.sendDatagramLocked(w.Bytes())

	c.nextPing = now.Add(c.opts.PingInterval)
}

// onControlFrame dispatches one complete control frame. It is called
// from parser.Feed with c.mu already held.
func (c *Client) onControlFrame(kind protocol.Kind, payload []byte) {
	msg := protocol.New(kind)
	if msg == nil {
		logrus.WithFields(logrus.Fields{
			"function": "onControlFrame",
			"kind":     kind,
		}).Trace("ignoring unhandled message kind")
		return
	}
	if err := msg.Unmarshal(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onControlFrame",
			"kind":     kind,
			"error":    err.Error(),
		}).Debug("dropping malformed control message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Version:
		logrus.WithFields(logrus.Fields{
			"function": "onControlFrame",
			"release":  m.Release,
			"version":  m.Version,
		}).Debug("server version")
	case *protocol.Ping:
		c.handlePingLocked(m)
	case *protocol.ServerSync:
		c.server.session = m.Session
		c.connState = StateActive
		c.markConnectedLocked()
	case *protocol.Reject:
		logrus.WithFields(logrus.Fields{
			"function": "onControlFrame",
			"type":     m.Type,
			"reason":   m.Reason,
		}).Warn("server rejected connection")
	case *protocol.CryptSetup:
		c.handleCryptSetupLocked(m)
	case *protocol.ChannelState:
		c.server.applyChannelState(m)
	case *protocol.ChannelRemove:
		c.server.applyChannelRemove(m)
	case *protocol.UserState:
		c.server.applyUserState(m)
	case *protocol.UserRemove:
		c.server.applyUserRemove(m)
	case *protocol.UDPTunnel:
		// Tunneled voice bypasses the datagram cipher; the control
		// channel already provided confidentiality.
		c.handleVoiceLocked(m.Data)
	}
}

func (c *Client) handleCryptSetupLocked(m *protocol.CryptSetup) {
	if len(m.Key) != 32 {
		logrus.WithFields(logrus.Fields{
			"function": "handleCryptSetupLocked",
			"key_len":  len(m.Key),
		}).Debug("ignoring crypt setup without full key material")
		return
	}

	var key [32]byte
	copy(key[:], m.Key)
	c.crypto.SetKey(key)

	logrus.WithField("function", "handleCryptSetupLocked").
		Info("datagram channel key installed")
}

// handlePingLocked mirrors the peer's crypto counters, applies the
// transport-health hysteresis, and feeds the control RTT tracker.
func (c *Client) handlePingLocked(m *protocol.Ping) {
	c.inFlightTCPPings = 0
	now := c.schd.Now()

	if c.crypto.Initialized() {
		c.crypto.SetRemoteCounters(crypt.Counters{
			Good: m.Good, Late: m.Late, Lost: m.Lost, Resync: m.Resync,
		})

		local := c.crypto.LocalCounters()
		remoteGood := m.Good
		localGood := local.Good

		switch {
		case c.hasUDP && (remoteGood == 0 || localGood == 0) &&
			now.Sub(c.joinedAt) > c.opts.JoinGrace:
			c.hasUDP = false
			switch {
			case remoteGood == 0 && localGood == 0:
				logrus.WithField("function", "handlePingLocked").
					Warn("datagram channel dead both ways, switching to tunnel mode")
			case remoteGood == 0:
				logrus.WithField("function", "handlePingLocked").
					Warn("server not receiving our datagrams, switching to tunnel mode")
			default:
				logrus.WithField("function", "handlePingLocked").
					Warn("not receiving server datagrams, switching to tunnel mode")
			}
		case !c.hasUDP && remoteGood > c.opts.GoodRecoveryThreshold &&
			localGood > c.opts.GoodRecoveryThreshold:
			c.hasUDP = true
			logrus.WithField("function", "handlePingLocked").
				Info("datagram channel recovered, leaving tunnel mode")
		}
	}

	if m.Timestamp != 0 {
		delta := now.UnixMilli() - int64(m.Timestamp)
		if delta < 0 {
			// Clock drift between peers; clamp rather than wrap.
			delta = 0
		}
		c.tcpPing.Observe(uint32(delta))
	}
}

func (c *Client) markConnectedLocked() {
	if c.connectFuture == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "markConnectedLocked",
		"session":  c.server.session,
	}).Info("connection established")
	c.connectFuture.resolve(c.connInfo)
}

// sendMessageLocked frames and sends one control message. Dropped
// unless connected with an active session; façade callers rely on
// this being a silent no-op.
func (c *Client) sendMessageLocked(msg protocol.Message) {
	c.sendControlRawLocked(protocol.Encode(msg))
}

func (c *Client) sendControlRawLocked(frame []byte) {
	if !c.connInfo.IsConnected || c.session == nil || !c.session.IsActive() {
		return
	}
	c.session.Send(frame)
}

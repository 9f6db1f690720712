// Package mumble implements the client-side engine of the Mumble
// voice-chat protocol: an encrypted control connection with timed
// reconnection, an independently encrypted datagram channel for
// voice with automatic TCP-tunnel fallback, round-trip statistics
// for both transports, and periodic reconciliation of locally
// desired channel/listen/voice-target state against the
// server-confirmed state.
//
// Audio capture and playback stay outside the engine; they plug in
// through the collaborator interfaces in the audio package.
//
// Example:
//
//	client := mumble.New(mumble.NewOptions(), nil, audio.NewOpusOutput(sink))
//	future := client.Connect("voice.example.com:64738", "Alice")
//	<-future.Done()
//
//	client.SetChannel("squad-1")
//	client.SendVoice(frame)
package mumble

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mumble/audio"
	"github.com/opd-ai/mumble/crypt"
	"github.com/opd-ai/mumble/protocol"
	"github.com/opd-ai/mumble/sched"
	"github.com/opd-ai/mumble/stats"
)

// ConnectionInfo describes the current connection attempt. It is
// reset on every connect and cleared entirely on disconnect.
type ConnectionInfo struct {
	Address      string
	Username     string
	IsConnecting bool
	IsConnected  bool
}

// VoiceTargetConfig selects the recipients of one voice-target
// index: any number of users plus any number of whole channels.
type VoiceTargetConfig struct {
	Users    []string
	Channels []string
}

// ConnectFuture resolves once the session is active and the server's
// initial state burst has arrived. It only ever resolves on success;
// background reconnect cycles keep it pending rather than failing it.
type ConnectFuture struct {
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	info ConnectionInfo
}

func newConnectFuture() *ConnectFuture {
	return &ConnectFuture{done: make(chan struct{})}
}

// Done is closed when the connection is fully established.
func (f *ConnectFuture) Done() <-chan struct{} {
	return f.done
}

// Info returns the connection info captured at resolution. Only
// meaningful after Done is closed.
func (f *ConnectFuture) Info() ConnectionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *ConnectFuture) resolve(info ConnectionInfo) {
	f.once.Do(func() {
		f.mu.Lock()
		f.info = info
		f.mu.Unlock()
		close(f.done)
	})
}

type positionUpdate struct {
	session  uint32
	position [3]float32
}

// PositionHook can remap a user's position before delivery to the
// audio output; returning nil keeps the wire position.
type PositionHook func(userName string) *[3]float32

// Client is the protocol engine façade. One coarse mutex serializes
// all shared mutable state between the event loop and caller
// threads; loop callbacks use *Locked methods and never re-enter the
// public façade, so the lock is never taken recursively.
type Client struct {
	opts *Options
	schd sched.Scheduler

	input  audio.Input
	output audio.Output

	// Factories rebuild the connection-scoped resources on every
	// attempt. Tests swap these for fakes.
	newStream   func(events sched.StreamEvents) sched.StreamTransport
	newDatagram func(onData func(data []byte)) sched.DatagramTransport
	newSession  func(cfg sched.TLSSessionConfig, events sched.SecureSessionEvents) sched.SecureSession

	loop *sched.Loop // owned production loop, nil when injected

	mu sync.Mutex

	connState ConnState
	connInfo  ConnectionInfo
	connGen   uint64 // invalidates events from torn-down transports

	tcp     sched.StreamTransport
	udp     sched.DatagramTransport
	session sched.SecureSession
	parser  *protocol.Parser

	crypto  *crypt.State
	hasUDP  bool
	tcpPing *stats.Tracker
	udpPing *stats.Tracker

	inFlightTCPPings int
	joinedAt         time.Time
	nextPing         time.Time

	server *serverState

	curManualChannel  string
	lastManualChannel string
	curListens        map[string]struct{}
	lastListens       map[string]struct{}
	pendingTargets    map[int]VoiceTargetConfig
	voiceTarget       int

	positionUpdates chan positionUpdate
	positionHook    PositionHook

	connectTimer sched.Timer
	idleTimer    sched.Timer

	connectFuture  *ConnectFuture
	disconnectDone chan struct{}
}

// New creates a Client running on its own event loop. Nil audio
// collaborators get inert defaults.
func New(opts *Options, input audio.Input, output audio.Output) *Client {
	loop := sched.NewLoop()
	c := newClient(opts, loop, input, output)
	c.loop = loop

	c.newStream = func(events sched.StreamEvents) sched.StreamTransport {
		return sched.NewTCPTransport(loop, events)
	}
	c.newDatagram = func(onData func(data []byte)) sched.DatagramTransport {
		return sched.NewUDPTransport(loop, onData)
	}
	c.newSession = func(cfg sched.TLSSessionConfig, events sched.SecureSessionEvents) sched.SecureSession {
		return sched.NewTLSSession(loop, cfg, events)
	}
	return c
}

func newClient(opts *Options, schd sched.Scheduler, input audio.Input, output audio.Output) *Client {
	if opts == nil {
		opts = NewOptions()
	}
	opts = opts.withDefaults()

	if input == nil {
		input = &audio.NopInput{}
	}
	if output == nil {
		output = audio.NewOpusOutput(nil)
	}

	c := &Client{
		opts:            opts,
		schd:            schd,
		input:           input,
		output:          output,
		crypto:          crypt.NewState(),
		tcpPing:         stats.NewTracker(),
		udpPing:         stats.NewTracker(),
		server:          newServerState(),
		curListens:      make(map[string]struct{}),
		lastListens:     make(map[string]struct{}),
		pendingTargets:  make(map[int]VoiceTargetConfig),
		positionUpdates: make(chan positionUpdate, opts.PositionQueueSize),
	}
	c.parser = protocol.NewParser(c.onControlFrame)
	c.connectTimer = schd.NewTimer(c.onConnectTimer)
	c.idleTimer = schd.NewTimer(c.onIdleTick)
	return c
}

// Connect records the peer address and username and schedules a
// connection attempt after the debounce delay. The returned future
// resolves once the server's initial state burst has been received;
// it stays pending across background reconnect cycles.
func (c *Client) Connect(address, username string) *ConnectFuture {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A pending future for the same peer covers the whole attempt:
	// the debounce window, the dial, and the established session.
	// Only Disconnect clears it, so rapid repeat calls always share
	// one future.
	if c.connectFuture != nil && c.connInfo.Address == address &&
		c.connInfo.Username == username {
		return c.connectFuture
	}

	c.connInfo = ConnectionInfo{Address: address, Username: username}
	c.server.username = username

	// First connect starts from the root channel; later connects
	// keep the desired channel but re-baseline against root.
	if c.curManualChannel == "" {
		c.curManualChannel = "Root"
	} else {
		c.lastManualChannel = "Root"
	}

	c.tcpPing.Reset()
	c.udpPing.Reset()

	c.connectFuture = newConnectFuture()
	future := c.connectFuture

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"address":  address,
		"username": username,
	}).Info("connection requested")

	c.connectTimer.Start(c.opts.ConnectDebounce, 0)
	return future
}

// Disconnect requests a graceful close. ConnectionInfo is cleared
// synchronously so a new Connect cannot build on stale state; the
// returned channel closes once the transport confirms closure, or
// immediately if none exists.
func (c *Client) Disconnect() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})

	if c.session != nil {
		c.session.Close()
	}

	c.connectTimer.Stop()
	c.idleTimer.Stop()

	c.connInfo = ConnectionInfo{}
	c.connState = StateDisconnected
	c.connGen++

	if c.udp != nil {
		c.udp.Close()
		c.udp = nil
	}

	if c.tcp == nil {
		close(done)
		return done
	}

	c.disconnectDone = done
	tcp := c.tcp
	c.schd.Enqueue(func() {
		tcp.Close()
	})
	return done
}

// Close tears down the client and, when it owns one, its event loop.
func (c *Client) Close() {
	<-c.Disconnect()
	if c.loop != nil {
		c.loop.Close()
	}
}

// GetConnectionInfo returns a copy of the current connection info.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connInfo
}

// SendVoice routes one encoded voice packet: the datagram channel
// when it is healthy, otherwise tunneled through the control
// channel. A send before any successful connect silently no-ops.
func (c *Client) SendVoice(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasUDP {
		c.sendControlRawLocked(protocol.EncodeRaw(protocol.KindUDPTunnel, data))
		return
	}
	c.sendDatagramLocked(data)
}

// SetChannel changes the desired channel by name. The wire effect is
// deferred to the next reconciliation tick. No-ops when disconnected
// or unchanged.
func (c *Client) SetChannel(channelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connInfo.IsConnected {
		return
	}
	if channelName == c.curManualChannel {
		return
	}
	c.curManualChannel = channelName
}

// AddListenChannel adds a channel name to the desired listen set.
func (c *Client) AddListenChannel(channelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curListens[channelName] = struct{}{}
}

// RemoveListenChannel removes a channel name from the listen set.
func (c *Client) RemoveListenChannel(channelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.curListens, channelName)
}

// UpdateVoiceTarget queues a routing-rule update for a target index.
// At most one pending config per index; the last write before the
// next tick wins.
func (c *Client) UpdateVoiceTarget(idx int, config VoiceTargetConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingTargets[idx] = config
}

// SetVoiceTarget selects the active target index for outgoing voice.
func (c *Client) SetVoiceTarget(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceTarget = idx
}

// VoiceTarget returns the active target index.
func (c *Client) VoiceTarget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceTarget
}

// DoesChannelExist reports whether a server-confirmed channel with
// this exact name exists.
func (c *Client) DoesChannelExist(channelName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.server.channelByName(channelName)
	return ok
}

// GetTalkers returns the names of everyone currently talking,
// including the local user when the input side is transmitting.
func (c *Client) GetTalkers() []string {
	sessions := c.output.Talkers()

	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, session := range sessions {
		if u, ok := c.server.user(session); ok {
			names = append(names, u.Name)
		}
	}
	if c.input.IsTalking() {
		names = append(names, c.server.username)
	}
	return names
}

// IsAnyoneTalking reports whether any remote user is producing audio.
func (c *Client) IsAnyoneTalking() bool {
	return len(c.output.Talkers()) > 0
}

// GetPlayerNameFromServerID resolves a persistent server id to the
// connected user's name, or "" when absent.
func (c *Client) GetPlayerNameFromServerID(serverID uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range c.server.users {
		if u.ServerID == serverID {
			return u.Name
		}
	}
	return ""
}

// GetVoiceChannelFromServerID resolves a persistent server id to the
// name of the channel that user occupies, or "" when absent.
func (c *Client) GetVoiceChannelFromServerID(serverID uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range c.server.users {
		if u.ServerID == serverID {
			if ch, ok := c.server.channels[u.ChannelID]; ok {
				return ch.Name
			}
			return ""
		}
	}
	return ""
}

// SetClientVolumeOverride scales one user's playback volume by name.
func (c *Client) SetClientVolumeOverride(clientName string, volume float32) {
	for _, u := range c.usersSnapshot() {
		if u.Name == clientName {
			c.output.SetVolumeOverride(userInfo(u), volume)
		}
	}
}

// SetClientVolumeOverrideByServerID scales one user's playback
// volume by persistent server id.
func (c *Client) SetClientVolumeOverrideByServerID(serverID uint32, volume float32) {
	for _, u := range c.usersSnapshot() {
		if u.ServerID == serverID {
			c.output.SetVolumeOverride(userInfo(u), volume)
		}
	}
}

func (c *Client) usersSnapshot() []User {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]User, 0, len(c.server.users))
	for _, u := range c.server.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Session < users[j].Session })
	return users
}

func userInfo(u User) audio.UserInfo {
	return audio.UserInfo{Session: u.Session, Name: u.Name, ServerID: u.ServerID}
}

// SetPositionHook installs a remapping hook applied to queued
// positions during RunFrame.
func (c *Client) SetPositionHook(hook PositionHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positionHook = hook
}

// RunFrame drains queued position updates onto the audio output.
// Called once per application frame from a non-loop thread; the
// queue keeps it from contending with protocol processing.
func (c *Client) RunFrame() {
	for {
		select {
		case update := <-c.positionUpdates:
			c.applyPosition(update)
		default:
			return
		}
	}
}

func (c *Client) applyPosition(update positionUpdate) {
	c.mu.Lock()
	u, ok := c.server.user(update.session)
	hook := c.positionHook
	c.mu.Unlock()

	if !ok {
		return
	}

	pos := update.position
	if hook != nil {
		if mapped := hook(u.Name); mapped != nil {
			pos = *mapped
		}
	}
	c.output.HandlePosition(userInfo(u), pos)
}

// Audio passthroughs. The engine does not interpret these; they are
// part of the façade so callers hold a single handle.

func (c *Client) SetActivationMode(mode audio.ActivationMode) {
	c.input.SetActivationMode(mode)
}

func (c *Client) SetActivationLikelihood(likelihood audio.VoiceLikelihood) {
	c.input.SetActivationLikelihood(likelihood)
}

func (c *Client) SetInputDevice(deviceID string)  { c.input.SetDevice(deviceID) }
func (c *Client) SetOutputDevice(deviceID string) { c.output.SetDevice(deviceID) }

func (c *Client) SetPTTButtonState(pressed bool) { c.input.SetPTTButtonState(pressed) }
func (c *Client) SetOutputVolume(volume float32) { c.output.SetVolume(volume) }

func (c *Client) SetAudioDistance(distance float32) {
	c.input.SetDistance(distance)
	c.output.SetDistance(distance)
}

func (c *Client) SetAudioInputDistance(distance float32)  { c.input.SetDistance(distance) }
func (c *Client) SetAudioOutputDistance(distance float32) { c.output.SetDistance(distance) }
func (c *Client) GetAudioDistance() float32               { return c.output.GetDistance() }

func (c *Client) SetActorPosition(position [3]float32) { c.input.SetPosition(position) }

func (c *Client) SetListenerMatrix(position, front, up [3]float32) {
	c.output.SetMatrix(position, front, up)
}

func (c *Client) GetInputAudioLevel() float32 { return c.input.AudioLevel() }

package mumble

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mumble/audio"
	"github.com/opd-ai/mumble/protocol"
	"github.com/opd-ai/mumble/sched"
)

// fakeScheduler is a hand-cranked Scheduler: enqueued work is queued
// until drain, timers fire only when the test says so, and the clock
// only moves through advance.
type fakeScheduler struct {
	now    time.Time
	queue  []func()
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(1700000000, 0)}
}

func (s *fakeScheduler) Enqueue(fn func()) {
	s.queue = append(s.queue, fn)
}

func (s *fakeScheduler) drain() {
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

func (s *fakeScheduler) Now() time.Time {
	return s.now
}

func (s *fakeScheduler) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *fakeScheduler) NewTimer(fn func()) sched.Timer {
	t := &fakeTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

type fakeTimer struct {
	fn            func()
	armed         bool
	delay, repeat time.Duration
}

func (t *fakeTimer) Start(delay, repeat time.Duration) {
	t.armed = true
	t.delay = delay
	t.repeat = repeat
}

func (t *fakeTimer) Stop() {
	t.armed = false
}

func (t *fakeTimer) fire() {
	if !t.armed {
		return
	}
	if t.repeat == 0 {
		t.armed = false
	}
	t.fn()
}

type fakeStream struct {
	schd     *fakeScheduler
	events   sched.StreamEvents
	addr     string
	writes   [][]byte
	shutdown bool
	closed   bool
}

func (f *fakeStream) Connect(addr string) { f.addr = addr }
func (f *fakeStream) Write(data []byte)   { f.writes = append(f.writes, data) }
func (f *fakeStream) Shutdown()           { f.shutdown = true }

// Close delivers OnClose through the scheduler, matching the real
// transport: callers may hold the client lock when closing.
func (f *fakeStream) Close() {
	f.closed = true
	if f.events.OnClose != nil {
		f.schd.Enqueue(f.events.OnClose)
	}
}

type fakeDatagram struct {
	onData func(data []byte)
	addr   string
	sent   [][]byte
	closed bool
}

func (f *fakeDatagram) Open(remoteAddr string) error {
	f.addr = remoteAddr
	return nil
}

func (f *fakeDatagram) Send(data []byte) { f.sent = append(f.sent, data) }
func (f *fakeDatagram) Close()           { f.closed = true }

type fakeSession struct {
	cfg    sched.TLSSessionConfig
	events sched.SecureSessionEvents
	active bool
	sent   [][]byte
	fed    [][]byte
	closed bool
}

func (f *fakeSession) ReceivedData(data []byte) { f.fed = append(f.fed, data) }

func (f *fakeSession) Send(frame []byte) {
	if f.active {
		f.sent = append(f.sent, frame)
	}
}

func (f *fakeSession) IsActive() bool { return f.active }

func (f *fakeSession) Close() {
	f.closed = true
	f.active = false
}

// activate simulates handshake completion.
func (f *fakeSession) activate() {
	f.active = true
	f.events.OnActivated()
}

type voiceFrame struct {
	user     audio.UserInfo
	sequence uint64
	data     []byte
	isLast   bool
}

// captureOutput records everything the engine delivers.
type captureOutput struct {
	mu        sync.Mutex
	frames    []voiceFrame
	positions map[uint32][3]float32
	distances map[uint32]float32
	talking   []uint32
}

func newCaptureOutput() *captureOutput {
	return &captureOutput{
		positions: make(map[uint32][3]float32),
		distances: make(map[uint32]float32),
	}
}

func (o *captureOutput) SetDevice(string)                          {}
func (o *captureOutput) SetVolume(float32)                         {}
func (o *captureOutput) SetVolumeOverride(audio.UserInfo, float32) {}
func (o *captureOutput) SetMatrix(_, _, _ [3]float32)              {}
func (o *captureOutput) SetDistance(float32)                       {}
func (o *captureOutput) GetDistance() float32                      { return 0 }

func (o *captureOutput) Talkers() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint32(nil), o.talking...)
}

func (o *captureOutput) HandleVoiceData(user audio.UserInfo, sequence uint64, data []byte, isLast bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, voiceFrame{
		user:     user,
		sequence: sequence,
		data:     append([]byte(nil), data...),
		isLast:   isLast,
	})
}

func (o *captureOutput) HandlePosition(user audio.UserInfo, position [3]float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.positions[user.Session] = position
}

func (o *captureOutput) HandleDistance(user audio.UserInfo, distance float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.distances[user.Session] = distance
}

// harness wires a Client to fake transports so tests drive every
// event by hand.
type harness struct {
	t      *testing.T
	schd   *fakeScheduler
	client *Client
	output *captureOutput

	stream   *fakeStream
	datagram *fakeDatagram
	session  *fakeSession
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, schd: newFakeScheduler(), output: newCaptureOutput()}

	c := newClient(NewOptions(), h.schd, nil, h.output)
	c.newStream = func(events sched.StreamEvents) sched.StreamTransport {
		h.stream = &fakeStream{schd: h.schd, events: events}
		return h.stream
	}
	c.newDatagram = func(onData func(data []byte)) sched.DatagramTransport {
		h.datagram = &fakeDatagram{onData: onData}
		return h.datagram
	}
	c.newSession = func(cfg sched.TLSSessionConfig, events sched.SecureSessionEvents) sched.SecureSession {
		h.session = &fakeSession{cfg: cfg, events: events}
		return h.session
	}

	h.client = c
	return h
}

// Timers are created in a fixed order by newClient.
func (h *harness) connectTimer() *fakeTimer { return h.schd.timers[0] }
func (h *harness) idleTimer() *fakeTimer    { return h.schd.timers[1] }

// connect runs a full attempt through handshake completion.
func (h *harness) connect(username string) *ConnectFuture {
	future := h.client.Connect("voice.example.com:64738", username)
	h.connectTimer().fire()
	h.stream.events.OnConnect()
	h.session.activate()
	return future
}

// deliver feeds one framed control message as if received.
func (h *harness) deliver(msg protocol.Message) {
	h.session.events.OnReceive(protocol.Encode(msg))
}

// sync plays the server's initial state burst: root channel, the
// local user at session 5, then the sync marker.
func (h *harness) sync() {
	h.deliver(&protocol.ChannelState{
		HasChannelID: true, ChannelID: 0,
		HasName: true, Name: "Root",
	})
	h.deliver(&protocol.UserState{
		HasSession: true, Session: 5,
		HasName: true, Name: "Alice",
		HasChannelID: true, ChannelID: 0,
	})
	h.deliver(&protocol.ServerSync{Session: 5})
}

// decodeFrames parses framed control messages back into structs.
func decodeFrames(t *testing.T, frames [][]byte) []protocol.Message {
	t.Helper()

	var msgs []protocol.Message
	p := protocol.NewParser(func(kind protocol.Kind, payload []byte) {
		msg := protocol.New(kind)
		require.NotNil(t, msg, "unexpected kind %d", kind)
		require.NoError(t, msg.Unmarshal(payload))
		msgs = append(msgs, msg)
	})
	for _, frame := range frames {
		require.NoError(t, p.Feed(frame))
	}
	return msgs
}

func TestConnectSendsVersionThenAuthenticate(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")

	msgs := decodeFrames(t, h.session.sent)
	require.GreaterOrEqual(t, len(msgs), 2)

	version, ok := msgs[0].(*protocol.Version)
	require.True(t, ok, "first message must be Version, got %T", msgs[0])
	assert.Equal(t, uint32(ProtocolVersion), version.Version)

	auth, ok := msgs[1].(*protocol.Authenticate)
	require.True(t, ok, "second message must be Authenticate, got %T", msgs[1])
	assert.Equal(t, "Alice", auth.Username)
	assert.True(t, auth.Opus)
}

func TestConnectUsesAddressHostForSNI(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")

	assert.Equal(t, "voice.example.com", h.session.cfg.ServerName)
	assert.True(t, h.session.cfg.InsecureSkipVerify)
}

func TestConnectFutureResolvesOnServerSync(t *testing.T) {
	h := newHarness(t)
	future := h.connect("Alice")

	select {
	case <-future.Done():
		t.Fatal("future resolved before server sync")
	default:
	}

	h.sync()

	select {
	case <-future.Done():
	default:
		t.Fatal("future still pending after server sync")
	}

	info := future.Info()
	assert.True(t, info.IsConnected)
	assert.Equal(t, "Alice", info.Username)
	assert.Equal(t, StateActive, h.client.State())
}

func TestConnectDebounceCollapsesRepeatCalls(t *testing.T) {
	h := newHarness(t)

	first := h.client.Connect("voice.example.com:64738", "Alice")
	second := h.client.Connect("voice.example.com:64738", "Alice")

	assert.Same(t, first, second)
	assert.True(t, h.connectTimer().armed)
	assert.Equal(t, h.client.opts.ConnectDebounce, h.connectTimer().delay)
}

func TestRepeatConnectStillResolvesFirstFuture(t *testing.T) {
	h := newHarness(t)

	// Both calls land inside the debounce window, before any flag is
	// set; the attempt that eventually succeeds must resolve the
	// future every caller is holding.
	first := h.client.Connect("voice.example.com:64738", "Alice")
	second := h.client.Connect("voice.example.com:64738", "Alice")
	require.Same(t, first, second)

	h.connectTimer().fire()
	h.stream.events.OnConnect()
	h.session.activate()
	h.sync()

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first caller's future never resolved")
	}
	assert.True(t, first.Info().IsConnected)
}

func TestReconnectAfterStreamError(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	h.stream.events.OnError(assert.AnError)
	assert.False(t, h.client.GetConnectionInfo().IsConnected)
	require.True(t, h.idleTimer().armed)
	assert.Equal(t, h.client.opts.ErrorRetryDelay, h.idleTimer().delay)

	h.idleTimer().fire()
	require.True(t, h.connectTimer().armed)
	assert.Equal(t, h.client.opts.ReconnectDelay, h.connectTimer().delay)

	old := h.stream
	h.connectTimer().fire()
	assert.NotSame(t, old, h.stream, "reconnect must build a fresh transport")
	assert.Equal(t, "voice.example.com:64738", h.stream.addr)
}

func TestMissedPingsResetConnectionAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	h.schd.advance(21 * time.Second)
	for i := 0; i < 5; i++ {
		h.idleTimer().fire()
		h.schd.advance(1100 * time.Millisecond)
	}

	assert.False(t, h.client.GetConnectionInfo().IsConnected)

	h.idleTimer().fire()
	assert.True(t, h.connectTimer().armed)
}

func TestMissedPingsToleratedWithinGrace(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	// Same five unanswered pings, but still inside the join grace.
	for i := 0; i < 5; i++ {
		h.idleTimer().fire()
		h.schd.advance(1100 * time.Millisecond)
	}

	assert.True(t, h.client.GetConnectionInfo().IsConnected)
}

func TestPingReplyResetsInFlightAndFeedsRTT(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	h.idleTimer().fire()
	require.Equal(t, 1, h.client.inFlightTCPPings)

	sent := h.schd.Now()
	h.schd.advance(50 * time.Millisecond)
	h.deliver(&protocol.Ping{Timestamp: uint64(sent.UnixMilli())})

	assert.Equal(t, 0, h.client.inFlightTCPPings)
	assert.Equal(t, uint32(1), h.client.tcpPing.Count())
	assert.Equal(t, float32(50), h.client.tcpPing.Average())
	assert.Equal(t, float32(0), h.client.tcpPing.Variance())
}

func TestDisconnectClearsStateAndConfirmsClose(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	done := h.client.Disconnect()

	// Cleared synchronously so a new Connect starts clean.
	assert.Equal(t, ConnectionInfo{}, h.client.GetConnectionInfo())
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.True(t, h.session.closed)
	assert.True(t, h.datagram.closed)

	select {
	case <-done:
		t.Fatal("done closed before transport confirmed")
	default:
	}

	h.schd.drain()

	select {
	case <-done:
	default:
		t.Fatal("done not closed after transport close")
	}
	assert.True(t, h.stream.closed)
}

func TestDisconnectWithoutConnectionCompletesImmediately(t *testing.T) {
	h := newHarness(t)

	select {
	case <-h.client.Disconnect():
	default:
		t.Fatal("disconnect with no transport must complete immediately")
	}
}

func TestStaleTransportEventsIgnoredAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	session := h.session
	h.client.Disconnect()
	h.schd.drain()

	// Events from the superseded generation must not resurrect state.
	session.events.OnAlert(true, assert.AnError)
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.False(t, h.connectTimer().armed)
}

func TestRejectLeavesFuturePending(t *testing.T) {
	h := newHarness(t)
	future := h.connect("Alice")

	h.deliver(&protocol.Reject{Type: 1, Reason: "invalid username"})

	select {
	case <-future.Done():
		t.Fatal("future must not resolve on reject")
	default:
	}
}

func TestUserTableTracksStateAndRemoval(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	h.deliver(&protocol.UserState{
		HasSession: true, Session: 7,
		HasName: true, Name: "Bob",
		HasUserID: true, UserID: 42,
		HasChannelID: true, ChannelID: 0,
	})

	assert.Equal(t, "Bob", h.client.GetPlayerNameFromServerID(42))
	assert.Equal(t, "Root", h.client.GetVoiceChannelFromServerID(42))

	h.deliver(&protocol.UserRemove{Session: 7})
	assert.Equal(t, "", h.client.GetPlayerNameFromServerID(42))
}

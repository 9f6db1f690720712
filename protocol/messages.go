package protocol

// Version announces the protocol revision and client identity. It is
// the first message sent once the secure session activates.
type Version struct {
	Version   uint32
	Release   string
	OS        string
	OSVersion string
}

func (*Version) Kind() Kind { return KindVersion }

func (m *Version) Marshal() []byte {
	var w bodyWriter
	w.u32(m.Version)
	w.str(m.Release)
	w.str(m.OS)
	w.str(m.OSVersion)
	return w.buf
}

func (m *Version) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Version = r.u32()
	m.Release = r.str()
	m.OS = r.str()
	m.OSVersion = r.str()
	return r.finish()
}

// Authenticate carries the chosen username. Sent immediately after
// Version; no other message may precede these two.
type Authenticate struct {
	Username string
	Password string
	Tokens   []string
	Opus     bool
}

func (*Authenticate) Kind() Kind { return KindAuthenticate }

func (m *Authenticate) Marshal() []byte {
	var w bodyWriter
	w.str(m.Username)
	w.str(m.Password)
	w.u16(uint16(len(m.Tokens)))
	for _, tok := range m.Tokens {
		w.str(tok)
	}
	w.bool(m.Opus)
	return w.buf
}

func (m *Authenticate) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Username = r.str()
	m.Password = r.str()
	n := int(r.u16())
	m.Tokens = nil
	for i := 0; i < n && r.err == nil; i++ {
		m.Tokens = append(m.Tokens, r.str())
	}
	m.Opus = r.bool()
	return r.finish()
}

// Ping is the control-channel liveness message. It echoes a
// timestamp and carries both transports' health telemetry.
type Ping struct {
	Timestamp uint64

	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32

	TCPPackets uint32
	TCPPingAvg float32
	TCPPingVar float32

	UDPPackets uint32
	UDPPingAvg float32
	UDPPingVar float32
}

func (*Ping) Kind() Kind { return KindPing }

func (m *Ping) Marshal() []byte {
	var w bodyWriter
	w.u64(m.Timestamp)
	w.u32(m.Good)
	w.u32(m.Late)
	w.u32(m.Lost)
	w.u32(m.Resync)
	w.u32(m.TCPPackets)
	w.f32(m.TCPPingAvg)
	w.f32(m.TCPPingVar)
	w.u32(m.UDPPackets)
	w.f32(m.UDPPingAvg)
	w.f32(m.UDPPingVar)
	return w.buf
}

func (m *Ping) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Timestamp = r.u64()
	m.Good = r.u32()
	m.Late = r.u32()
	m.Lost = r.u32()
	m.Resync = r.u32()
	m.TCPPackets = r.u32()
	m.TCPPingAvg = r.f32()
	m.TCPPingVar = r.f32()
	m.UDPPackets = r.u32()
	m.UDPPingAvg = r.f32()
	m.UDPPingVar = r.f32()
	return r.finish()
}

// Reject reports a refused connection attempt.
type Reject struct {
	Type   uint32
	Reason string
}

func (*Reject) Kind() Kind { return KindReject }

func (m *Reject) Marshal() []byte {
	var w bodyWriter
	w.u32(m.Type)
	w.str(m.Reason)
	return w.buf
}

func (m *Reject) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Type = r.u32()
	m.Reason = r.str()
	return r.finish()
}

// ServerSync ends the server's initial state burst and assigns the
// client its session id.
type ServerSync struct {
	Session      uint32
	MaxBandwidth uint32
	WelcomeText  string
}

func (*ServerSync) Kind() Kind { return KindServerSync }

func (m *ServerSync) Marshal() []byte {
	var w bodyWriter
	w.u32(m.Session)
	w.u32(m.MaxBandwidth)
	w.str(m.WelcomeText)
	return w.buf
}

func (m *ServerSync) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Session = r.u32()
	m.MaxBandwidth = r.u32()
	m.WelcomeText = r.str()
	return r.finish()
}

// ChannelRemove deletes a channel from the server-confirmed table.
type ChannelRemove struct {
	ChannelID uint32
}

func (*ChannelRemove) Kind() Kind { return KindChannelRemove }

func (m *ChannelRemove) Marshal() []byte {
	var w bodyWriter
	w.u32(m.ChannelID)
	return w.buf
}

func (m *ChannelRemove) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.ChannelID = r.u32()
	return r.finish()
}

// ChannelState field-presence bits.
const (
	channelHasID uint8 = 1 << iota
	channelHasParent
	channelHasName
	channelHasTemporary
)

// ChannelState describes or requests a channel. The client only ever
// sends name+parent+temporary when asking for a new channel; ids are
// server-assigned.
type ChannelState struct {
	HasChannelID bool
	ChannelID    uint32
	HasParent    bool
	Parent       uint32
	HasName      bool
	Name         string
	HasTemporary bool
	Temporary    bool
}

func (*ChannelState) Kind() Kind { return KindChannelState }

func (m *ChannelState) Marshal() []byte {
	var w bodyWriter
	var mask uint8
	if m.HasChannelID {
		mask |= channelHasID
	}
	if m.HasParent {
		mask |= channelHasParent
	}
	if m.HasName {
		mask |= channelHasName
	}
	if m.HasTemporary {
		mask |= channelHasTemporary
	}
	w.u8(mask)
	if m.HasChannelID {
		w.u32(m.ChannelID)
	}
	if m.HasParent {
		w.u32(m.Parent)
	}
	if m.HasName {
		w.str(m.Name)
	}
	if m.HasTemporary {
		w.bool(m.Temporary)
	}
	return w.buf
}

func (m *ChannelState) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	mask := r.u8()
	m.HasChannelID = mask&channelHasID != 0
	m.HasParent = mask&channelHasParent != 0
	m.HasName = mask&channelHasName != 0
	m.HasTemporary = mask&channelHasTemporary != 0
	if m.HasChannelID {
		m.ChannelID = r.u32()
	}
	if m.HasParent {
		m.Parent = r.u32()
	}
	if m.HasName {
		m.Name = r.str()
	}
	if m.HasTemporary {
		m.Temporary = r.bool()
	}
	return r.finish()
}

// UserRemove drops a user from the server-confirmed table.
type UserRemove struct {
	Session uint32
}

func (*UserRemove) Kind() Kind { return KindUserRemove }

func (m *UserRemove) Marshal() []byte {
	var w bodyWriter
	w.u32(m.Session)
	return w.buf
}

func (m *UserRemove) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Session = r.u32()
	return r.finish()
}

// UserState field-presence bits.
const (
	userHasSession uint8 = 1 << iota
	userHasName
	userHasChannelID
	userHasUserID
)

// UserState describes a user, or carries this client's channel-move
// and listen-set change requests.
type UserState struct {
	HasSession   bool
	Session      uint32
	HasName      bool
	Name         string
	HasChannelID bool
	ChannelID    uint32
	HasUserID    bool
	UserID       uint32

	ListeningChannelAdd    []uint32
	ListeningChannelRemove []uint32
}

func (*UserState) Kind() Kind { return KindUserState }

func (m *UserState) Marshal() []byte {
	var w bodyWriter
	var mask uint8
	if m.HasSession {
		mask |= userHasSession
	}
	if m.HasName {
		mask |= userHasName
	}
	if m.HasChannelID {
		mask |= userHasChannelID
	}
	if m.HasUserID {
		mask |= userHasUserID
	}
	w.u8(mask)
	if m.HasSession {
		w.u32(m.Session)
	}
	if m.HasName {
		w.str(m.Name)
	}
	if m.HasChannelID {
		w.u32(m.ChannelID)
	}
	if m.HasUserID {
		w.u32(m.UserID)
	}
	w.u32list(m.ListeningChannelAdd)
	w.u32list(m.ListeningChannelRemove)
	return w.buf
}

func (m *UserState) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	mask := r.u8()
	m.HasSession = mask&userHasSession != 0
	m.HasName = mask&userHasName != 0
	m.HasChannelID = mask&userHasChannelID != 0
	m.HasUserID = mask&userHasUserID != 0
	if m.HasSession {
		m.Session = r.u32()
	}
	if m.HasName {
		m.Name = r.str()
	}
	if m.HasChannelID {
		m.ChannelID = r.u32()
	}
	if m.HasUserID {
		m.UserID = r.u32()
	}
	m.ListeningChannelAdd = r.u32list()
	m.ListeningChannelRemove = r.u32list()
	return r.finish()
}

// CryptSetup installs or renegotiates datagram-channel key material.
// An empty message from the client asks the server to resend it.
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

func (*CryptSetup) Kind() Kind { return KindCryptSetup }

func (m *CryptSetup) Marshal() []byte {
	var w bodyWriter
	w.blob(m.Key)
	w.blob(m.ClientNonce)
	w.blob(m.ServerNonce)
	return w.buf
}

func (m *CryptSetup) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.Key = r.blob()
	m.ClientNonce = r.blob()
	m.ServerNonce = r.blob()
	return r.finish()
}

// VoiceTargetEntry is one sub-target of a routing rule: either a
// list of user sessions, or exactly one channel. Channel targeting
// cannot be combined with other channels in one entry.
type VoiceTargetEntry struct {
	Sessions     []uint32
	HasChannelID bool
	ChannelID    uint32
}

// VoiceTarget configures the routing rule at one target index.
type VoiceTarget struct {
	ID      uint32
	Targets []VoiceTargetEntry
}

func (*VoiceTarget) Kind() Kind { return KindVoiceTarget }

func (m *VoiceTarget) Marshal() []byte {
	var w bodyWriter
	w.u32(m.ID)
	w.u16(uint16(len(m.Targets)))
	for _, target := range m.Targets {
		w.u32list(target.Sessions)
		w.bool(target.HasChannelID)
		if target.HasChannelID {
			w.u32(target.ChannelID)
		}
	}
	return w.buf
}

func (m *VoiceTarget) Unmarshal(data []byte) error {
	r := bodyReader{buf: data}
	m.ID = r.u32()
	n := int(r.u16())
	m.Targets = nil
	for i := 0; i < n && r.err == nil; i++ {
		var target VoiceTargetEntry
		target.Sessions = r.u32list()
		target.HasChannelID = r.bool()
		if target.HasChannelID {
			target.ChannelID = r.u32()
		}
		m.Targets = append(m.Targets, target)
	}
	return r.finish()
}

// UDPTunnel wraps a voice datagram inside the control channel when
// the datagram path is unusable. The payload is the plain voice
// packet; the control channel already provides confidentiality.
type UDPTunnel struct {
	Data []byte
}

func (*UDPTunnel) Kind() Kind { return KindUDPTunnel }

func (m *UDPTunnel) Marshal() []byte {
	return m.Data
}

func (m *UDPTunnel) Unmarshal(data []byte) error {
	m.Data = append([]byte(nil), data...)
	return nil
}

// New constructs the message struct for a kind, or nil for kinds this
// client does not consume. Unknown kinds are a forward-compatibility
// case, not an error.
func New(kind Kind) Message {
	switch kind {
	case KindVersion:
		return &Version{}
	case KindUDPTunnel:
		return &UDPTunnel{}
	case KindAuthenticate:
		return &Authenticate{}
	case KindPing:
		return &Ping{}
	case KindReject:
		return &Reject{}
	case KindServerSync:
		return &ServerSync{}
	case KindChannelRemove:
		return &ChannelRemove{}
	case KindChannelState:
		return &ChannelState{}
	case KindUserRemove:
		return &UserRemove{}
	case KindUserState:
		return &UserState{}
	case KindCryptSetup:
		return &CryptSetup{}
	case KindVoiceTarget:
		return &VoiceTarget{}
	default:
		return nil
	}
}

// Package audio defines the collaborator boundary between the
// protocol engine and the audio subsystem. The engine treats capture
// and playback as opaque: it hands decoded-channel voice frames,
// positions, and distances to an Output and reads talk state from an
// Input, keyed by user identity snapshots.
package audio

// UserInfo is a read-only identity snapshot handed to the audio
// collaborators. The engine never shares live table references.
type UserInfo struct {
	// Session is the server-assigned ephemeral session id.
	Session uint32

	// Name is the user's display name.
	Name string

	// ServerID is the persistent external identity id, distinct from
	// the per-connection session id.
	ServerID uint32
}

// ActivationMode selects how the input side decides it is
// transmitting.
type ActivationMode int

const (
	// ActivationVoice transmits on detected voice activity.
	ActivationVoice ActivationMode = iota

	// ActivationPushToTalk transmits only while the PTT control is held.
	ActivationPushToTalk
)

// VoiceLikelihood tunes voice-activation sensitivity.
type VoiceLikelihood int

const (
	LikelihoodVeryLow VoiceLikelihood = iota
	LikelihoodLow
	LikelihoodModerate
	LikelihoodHigh
)

// Input is the capture-side collaborator.
type Input interface {
	SetActivationMode(mode ActivationMode)
	SetActivationLikelihood(likelihood VoiceLikelihood)
	SetDevice(deviceID string)
	SetPTTButtonState(pressed bool)

	// IsTalking reports whether the local user is transmitting.
	IsTalking() bool

	SetPosition(position [3]float32)
	SetDistance(distance float32)
	GetDistance() float32

	// AudioLevel returns the current input level in [0, 1].
	AudioLevel() float32
}

// Output is the playback-side collaborator. HandleVoiceData,
// HandlePosition and HandleDistance are the engine's delivery sinks;
// the rest is caller-facing playback control passed through the
// client façade.
type Output interface {
	SetDevice(deviceID string)
	SetVolume(volume float32)
	SetVolumeOverride(user UserInfo, volume float32)
	SetMatrix(position, front, up [3]float32)
	SetDistance(distance float32)
	GetDistance() float32

	// Talkers returns the session ids currently producing audio.
	Talkers() []uint32

	// HandleVoiceData delivers one sequenced voice frame. isLast
	// marks the terminator frame of a transmission.
	HandleVoiceData(user UserInfo, sequence uint64, data []byte, isLast bool)

	// HandlePosition delivers a 3-D source position for user.
	HandlePosition(user UserInfo, position [3]float32)

	// HandleDistance delivers the sender's audible-range hint.
	HandleDistance(user UserInfo, distance float32)
}

// NopInput is an Input for headless deployments and tests.
type NopInput struct {
	talking  bool
	distance float32
}

func (n *NopInput) SetActivationMode(ActivationMode)           {}
func (n *NopInput) SetActivationLikelihood(VoiceLikelihood)    {}
func (n *NopInput) SetDevice(string)                           {}
func (n *NopInput) SetPTTButtonState(pressed bool)             { n.talking = pressed }
func (n *NopInput) IsTalking() bool                            { return n.talking }
func (n *NopInput) SetPosition([3]float32)                     {}
func (n *NopInput) SetDistance(distance float32)               { n.distance = distance }
func (n *NopInput) GetDistance() float32                       { return n.distance }
func (n *NopInput) AudioLevel() float32                        { return 0 }

package audio

import (
	"math"
	"sync"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// talkerTimeout is how long after the last frame (or after a
// terminator frame) a session still counts as talking.
const talkerTimeout = 250 * time.Millisecond

// decodeBufferSize holds up to 40ms of 48kHz stereo int16 samples,
// enough for any single Opus frame this protocol carries.
const decodeBufferSize = 1920 * 2 * 2

// PCMSink consumes decoded audio. Playback devices, mixers, or test
// captures plug in here.
type PCMSink func(user UserInfo, pcm []int16, isStereo bool)

// OpusOutput is the default Output: it decodes Opus frames with the
// pure-Go pion decoder, tracks who is audibly talking, and applies
// per-user volume overrides to the decoded samples.
//
// Position, matrix, and device handling are stored but otherwise
// inert; spatialization belongs to the playback layer behind PCMSink.
type OpusOutput struct {
	mu sync.Mutex

	decoder opus.Decoder
	sink    PCMSink

	volume    float32
	overrides map[uint32]float32 // session -> volume multiplier
	lastHeard map[uint32]time.Time

	deviceID string
	distance float32
	position [3]float32
	front    [3]float32
	up       [3]float32
}

// NewOpusOutput creates an OpusOutput delivering decoded PCM to
// sink. A nil sink decodes and discards, which still exercises the
// talker tracking.
func NewOpusOutput(sink PCMSink) *OpusOutput {
	return &OpusOutput{
		decoder:   opus.NewDecoder(),
		sink:      sink,
		volume:    1.0,
		overrides: make(map[uint32]float32),
		lastHeard: make(map[uint32]time.Time),
	}
}

func (o *OpusOutput) SetDevice(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deviceID = deviceID
}

func (o *OpusOutput) SetVolume(volume float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = volume
}

func (o *OpusOutput) SetVolumeOverride(user UserInfo, volume float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides[user.Session] = volume
}

func (o *OpusOutput) SetMatrix(position, front, up [3]float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.position = position
	o.front = front
	o.up = up
}

func (o *OpusOutput) SetDistance(distance float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.distance = distance
}

func (o *OpusOutput) GetDistance() float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.distance
}

// Talkers returns the sessions heard within the talker timeout.
func (o *OpusOutput) Talkers() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	var talkers []uint32
	for session, at := range o.lastHeard {
		if now.Sub(at) <= talkerTimeout {
			talkers = append(talkers, session)
		} else {
			delete(o.lastHeard, session)
		}
	}
	return talkers
}

// HandleVoiceData decodes one frame and forwards the scaled PCM to
// the sink. Undecodable frames are dropped with a debug log; a bad
// frame from one sender must not disturb the rest of the mix.
func (o *OpusOutput) HandleVoiceData(user UserInfo, sequence uint64, data []byte, isLast bool) {
	if len(data) == 0 {
		return
	}

	o.mu.Lock()
	if isLast {
		delete(o.lastHeard, user.Session)
	} else {
		o.lastHeard[user.Session] = time.Now()
	}
	gain := o.volume
	if override, ok := o.overrides[user.Session]; ok {
		gain *= override
	}
	sink := o.sink

	out := make([]byte, decodeBufferSize)
	_, isStereo, err := o.decoder.Decode(data, out)
	o.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "OpusOutput.HandleVoiceData",
			"session":    user.Session,
			"sequence":   sequence,
			"frame_size": len(data),
			"error":      err.Error(),
		}).Debug("dropping undecodable voice frame")
		return
	}

	if sink == nil {
		return
	}
	sink(user, scalePCM(out, gain), isStereo)
}

// scalePCM converts little-endian int16 bytes to samples with gain
// applied, clamping so boosted volume overrides saturate instead of
// wrapping around.
func scalePCM(buf []byte, gain float32) []int16 {
	pcm := make([]int16, len(buf)/2)
	for i := range pcm {
		s := float32(int16(uint16(buf[2*i])|uint16(buf[2*i+1])<<8)) * gain
		switch {
		case s > math.MaxInt16:
			pcm[i] = math.MaxInt16
		case s < math.MinInt16:
			pcm[i] = math.MinInt16
		default:
			pcm[i] = int16(s)
		}
	}
	return pcm
}

func (o *OpusOutput) HandlePosition(user UserInfo, position [3]float32) {
	logrus.WithFields(logrus.Fields{
		"function": "OpusOutput.HandlePosition",
		"session":  user.Session,
	}).Trace("position update")
}

func (o *OpusOutput) HandleDistance(user UserInfo, distance float32) {
	logrus.WithFields(logrus.Fields{
		"function": "OpusOutput.HandleDistance",
		"session":  user.Session,
		"distance": distance,
	}).Trace("distance update")
}

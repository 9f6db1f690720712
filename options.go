package mumble

import "time"

// ProtocolVersion is the protocol revision announced in the Version
// message: 1.2.4 packed as 0x00MMmmpp.
const ProtocolVersion = 0x00010204

// Options contains configuration for creating a Client. Zero values
// are replaced by the defaults from NewOptions.
type Options struct {
	// PingInterval spaces both the control-channel and datagram
	// pings. It is also the decrypt-failure resync rate limit.
	PingInterval time.Duration

	// IdleTickInterval drives the single periodic tick: reconnection,
	// reconciliation, and ping emission all hang off it.
	IdleTickInterval time.Duration

	// ConnectDebounce delays the actual dial after Connect so rapid
	// repeat calls collapse into one attempt.
	ConnectDebounce time.Duration

	// ReconnectDelay spaces reconnect attempts after a failure.
	ReconnectDelay time.Duration

	// ErrorRetryDelay is the idle-timer delay armed directly from a
	// transport error, slightly shorter than a full reconnect cycle.
	ErrorRetryDelay time.Duration

	// JoinGrace suppresses liveness failures and transport-health
	// downgrades right after joining, when slow handshakes and empty
	// counters would otherwise look like a dead peer.
	JoinGrace time.Duration

	// MaxInFlightPings is the unanswered-ping count that fails the
	// connection once the join grace has passed.
	MaxInFlightPings int

	// GoodRecoveryThreshold is the per-side good-counter level both
	// sides must exceed before tunnel mode flips back to datagrams.
	// The zero-versus-threshold hysteresis stops flapping.
	GoodRecoveryThreshold uint32

	// PositionQueueSize bounds the queue decoupling datagram receive
	// timing from per-frame position consumption.
	PositionQueueSize int

	// TLSServerName overrides SNI; empty uses the connect address host.
	TLSServerName string

	// InsecureSkipVerify accepts self-signed server certificates,
	// the norm for the voice servers this client targets.
	InsecureSkipVerify bool

	// Release, OS and OSVersion identify this client in the Version
	// message.
	Release   string
	OS        string
	OSVersion string
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		PingInterval:          time.Second,
		IdleTickInterval:      500 * time.Millisecond,
		ConnectDebounce:       50 * time.Millisecond,
		ReconnectDelay:        2500 * time.Millisecond,
		ErrorRetryDelay:       2 * time.Second,
		JoinGrace:             20 * time.Second,
		MaxInFlightPings:      4,
		GoodRecoveryThreshold: 3,
		PositionQueueSize:     256,
		InsecureSkipVerify:    true,
		Release:               "opd-ai/mumble",
		OS:                    "go",
		OSVersion:             "embedded",
	}
}

func (o *Options) withDefaults() *Options {
	def := NewOptions()
	out := *o
	if out.PingInterval == 0 {
		out.PingInterval = def.PingInterval
	}
	if out.IdleTickInterval == 0 {
		out.IdleTickInterval = def.IdleTickInterval
	}
	if out.ConnectDebounce == 0 {
		out.ConnectDebounce = def.ConnectDebounce
	}
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = def.ReconnectDelay
	}
	if out.ErrorRetryDelay == 0 {
		out.ErrorRetryDelay = def.ErrorRetryDelay
	}
	if out.JoinGrace == 0 {
		out.JoinGrace = def.JoinGrace
	}
	if out.MaxInFlightPings == 0 {
		out.MaxInFlightPings = def.MaxInFlightPings
	}
	if out.GoodRecoveryThreshold == 0 {
		out.GoodRecoveryThreshold = def.GoodRecoveryThreshold
	}
	if out.PositionQueueSize == 0 {
		out.PositionQueueSize = def.PositionQueueSize
	}
	if out.Release == "" {
		out.Release = def.Release
	}
	if out.OS == "" {
		out.OS = def.OS
	}
	if out.OSVersion == "" {
		out.OSVersion = def.OSVersion
	}
	return &out
}

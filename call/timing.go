package call

import "time"

// Default signaling timeouts.
const (
	// DefaultNegotiationTimeout bounds the time between sending an invite and the provider accepting it.
	// It equals the SIP transaction timeout 64*T1.
	DefaultNegotiationTimeout = 64 * 500 * time.Millisecond
	// DefaultRingingTimeout bounds the time a call may ring without being answered.
	DefaultRingingTimeout = 60 * time.Second
)

// Timings configures session timeouts.
// Zero durations are replaced with defaults, negative durations disable the timeout.
type Timings struct {
	Negotiation time.Duration `json:"negotiation" yaml:"negotiation"`
	Ringing     time.Duration `json:"ringing" yaml:"ringing"`
}

func (t Timings) negotiation() time.Duration {
	if t.Negotiation == 0 {
		return DefaultNegotiationTimeout
	}
	return t.Negotiation
}

func (t Timings) ringing() time.Duration {
	if t.Ringing == 0 {
		return DefaultRingingTimeout
	}
	return t.Ringing
}

func (t Timings) timeout(state SessionState) time.Duration {
	switch state {
	case SessionStateNegotiating:
		return t.negotiation()
	case SessionStateRinging:
		return t.ringing()
	default:
		return -1
	}
}

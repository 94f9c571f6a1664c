package call

import (
	"context"
	"log/slog"
)

// Invite is an outgoing call request.
type Invite struct {
	CallID string
	// Target is the remote party SIP URI.
	Target string
	// SDP is the local session description offer, may be empty.
	SDP string
	// Constraints are the media kinds the caller wants to send and receive.
	Constraints Constraints
}

// Answer is an acceptance of an incoming call.
type Answer struct {
	CallID      string
	SDP         string
	Constraints Constraints
}

// SignalingEventType is the type of an inbound signaling event.
type SignalingEventType string

const (
	// SignalingEventInvite is a new incoming call.
	SignalingEventInvite SignalingEventType = "invite"
	// SignalingEventProgress is a provisional response to an outgoing call.
	SignalingEventProgress SignalingEventType = "progress"
	// SignalingEventAccepted is a final success response to an outgoing call.
	SignalingEventAccepted SignalingEventType = "accepted"
	// SignalingEventConfirmed is the media-established confirmation.
	SignalingEventConfirmed SignalingEventType = "confirmed"
	// SignalingEventEnded is a remote hangup.
	SignalingEventEnded SignalingEventType = "ended"
	// SignalingEventFailed is a call failure reported by the peer or the transport.
	SignalingEventFailed SignalingEventType = "failed"
	// SignalingEventRegistration is a change of the transport registration state.
	SignalingEventRegistration SignalingEventType = "registration_state_changed"
)

// SignalingEvent is an inbound event delivered by a [SignalingTransport].
type SignalingEvent struct {
	Type   SignalingEventType
	CallID string
	// From is the remote party URI of an incoming call.
	From string
	// SDP is the remote session description carried by invite and accepted events.
	SDP string
	// Status is the SIP status code of a failure, if known.
	Status int
	// Reason is a human-readable failure or hangup reason.
	Reason string
	// RegistrationState is set on registration events.
	RegistrationState RegistrationState
}

// LogValue implements [slog.LogValuer].
func (e SignalingEvent) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs, slog.String("type", string(e.Type)))
	if e.CallID != "" {
		attrs = append(attrs, slog.String("call_id", e.CallID))
	}
	if e.From != "" {
		attrs = append(attrs, slog.String("from", e.From))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.RegistrationState != "" {
		attrs = append(attrs, slog.String("registration_state", string(e.RegistrationState)))
	}
	return slog.GroupValue(attrs...)
}

// SignalingHandler handles inbound signaling events.
type SignalingHandler = func(ctx context.Context, evt SignalingEvent)

//go:generate go tool mockgen -destination=../internal/testutil/callmock/callmock.go -package=callmock . SignalingTransport,MediaCapability,MediaStream

// SignalingTransport is the SIP signaling channel to the server.
//
// Connect opens the connection and registers the identity, it returns after
// the server accepted or rejected the registration.
// Later registration changes are delivered as [SignalingEventRegistration] events.
//
// Implementations must deliver events sequentially and must not call handlers
// from within Send* methods.
type SignalingTransport interface {
	Connect(ctx context.Context, id Identity) error
	Disconnect(ctx context.Context) error
	SendInvite(ctx context.Context, inv Invite) error
	SendAnswer(ctx context.Context, ans Answer) error
	SendBye(ctx context.Context, callID string) error
	SendReject(ctx context.Context, callID string, status int) error
	OnEvent(fn SignalingHandler) (cancel func())
}

// StatusBusyHere is the status sent when an incoming call conflicts with the active session.
const StatusBusyHere = 486

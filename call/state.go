package call

// Direction is the call direction relative to the local identity.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// IsValid reports whether the direction is known.
func (d Direction) IsValid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

// SessionState is a call session protocol state.
type SessionState string

const (
	SessionStateIdle        SessionState = "idle"
	SessionStateNegotiating SessionState = "negotiating"
	SessionStateRinging     SessionState = "ringing"
	SessionStateAnswered    SessionState = "answered"
	SessionStateActive      SessionState = "active"
	SessionStateEnding      SessionState = "ending"
	SessionStateEnded       SessionState = "ended"
	SessionStateFailed      SessionState = "failed"
)

// IsTerminal reports whether the state has no outgoing transitions.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateEnded || s == SessionStateFailed
}

// Trigger is an event applied to a session or registration state machine.
type Trigger string

// Session triggers.
const (
	TriggerInitiate         Trigger = "initiate"
	TriggerInviteReceived   Trigger = "invite_received"
	TriggerProviderAccepted Trigger = "provider_accepted"
	TriggerRemoteAccepted   Trigger = "remote_accepted"
	TriggerLocalAnswer      Trigger = "local_answer"
	TriggerMediaConfirmed   Trigger = "media_confirmed"
	TriggerTerminate        Trigger = "terminate"
	TriggerRemoteHangup     Trigger = "remote_hangup"
	TriggerComplete         Trigger = "complete"
	TriggerProtocolError    Trigger = "protocol_error"
	TriggerTimeout          Trigger = "timeout"
	TriggerMediaFailure     Trigger = "media_failure"
)

// RegistrationState is the registration state of the local identity.
type RegistrationState string

const (
	RegistrationStateUnregistered RegistrationState = "unregistered"
	RegistrationStateRegistering  RegistrationState = "registering"
	RegistrationStateRegistered   RegistrationState = "registered"
	RegistrationStateFailed       RegistrationState = "failed"
)

// Registration triggers.
const (
	regEvtConnect      Trigger = "connect"
	regEvtReconnecting Trigger = "reconnecting"
	regEvtSucceeded    Trigger = "succeeded"
	regEvtFailed       Trigger = "failed"
	regEvtLost         Trigger = "lost"
	regEvtDisconnect   Trigger = "disconnect"
)

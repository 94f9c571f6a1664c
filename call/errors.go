package call

//go:generate go tool errtrace -w .

import (
	"fmt"
	"log/slog"

	"github.com/ghettovoice/sipcall/internal/errorutil"
)

// Error represents a call error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument       = errorutil.ErrInvalidArgument
	ErrPhoneClosed     Error = "phone closed"
)

// Registration errors.
const (
	// ErrRegistration is returned when the transport or the registrar rejects the identity.
	ErrRegistration Error = "registration failed"
	// ErrNotRegistered is returned when a call is initiated without a registered identity.
	ErrNotRegistered Error = "not registered"
)

// Session errors.
const (
	// ErrSessionConflict is returned when a session is created while another one is not terminated.
	ErrSessionConflict Error = "session conflict"
	// ErrSessionNotFound is returned when no session with the given id is registered.
	ErrSessionNotFound Error = "session not found"
	// ErrSessionTerminated is returned when an operation completes after the session ended.
	ErrSessionTerminated Error = "session terminated"
	// ErrIllegalTransition is returned when a trigger is not permitted in the current session state.
	ErrIllegalTransition Error = "illegal transition"
	// ErrProtocol is the cause recorded when the signaling peer reports a failure
	// or delivers events out of order.
	ErrProtocol Error = "protocol error"
	// ErrSignalingTimeout is the cause recorded when a session stays in negotiating or ringing for too long.
	ErrSignalingTimeout Error = "signaling timeout"
)

// Media errors.
const (
	// ErrPermissionDenied is the kind of [MediaError] returned when capture access was denied.
	ErrPermissionDenied Error = "media permission denied"
	// ErrDeviceUnavailable is the kind of [MediaError] returned when no capture device can serve the request.
	ErrDeviceUnavailable Error = "media device unavailable"
	// ErrStaleMediaBinding is reported when remote media arrives for a session
	// that is not answered or active. The media is discarded.
	ErrStaleMediaBinding Error = "stale media binding"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// MediaError describes a failed local media acquisition.
// It matches its Kind with [errors.Is].
type MediaError struct {
	// Kind is either [ErrPermissionDenied] or [ErrDeviceUnavailable].
	Kind Error
	// SessionID is the session that requested the media.
	SessionID string
	// Err is the error returned by the media capability, if any.
	Err error
}

// NewMediaError creates a new [MediaError].
func NewMediaError(kind Error, sessionID string, err error) *MediaError {
	return &MediaError{Kind: kind, SessionID: sessionID, Err: err}
}

func (e *MediaError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil || e.Err == e.Kind { //nolint:errorlint
		return fmt.Sprintf("session %q: %s", e.SessionID, e.Kind)
	}
	return fmt.Sprintf("session %q: %s: %s", e.SessionID, e.Kind, e.Err)
}

func (e *MediaError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// LogValue implements [slog.LogValuer].
func (e *MediaError) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("kind", string(e.Kind)),
		slog.String("session_id", e.SessionID),
		slog.Any("cause", e.Err),
	)
}

func newIllegalTransitionError(state, trigger any) error {
	return errorutil.NewWrapperError(ErrIllegalTransition, "trigger %q is not permitted in state %q", trigger, state) //errtrace:skip
}

func errorWithSession(sentinel Error, sessionID string) error {
	return errorutil.NewWrapperError(sentinel, "session %q", sessionID) //errtrace:skip
}

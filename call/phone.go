package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/log"
)

// SIP status codes sent when an incoming call is rejected.
const (
	StatusNotAcceptableHere   = 488
	StatusServerInternalError = 500
)

// DefaultFlushTimeout bounds how long [Phone.Close] waits for subscribers
// to read the remaining notifications.
const DefaultFlushTimeout = time.Second

// PhoneOptions are options for [NewPhone].
type PhoneOptions struct {
	// Constraints are the media kinds captured and offered for calls.
	// If zero, the [DefaultConstraints] are used.
	Constraints Constraints
	// Timings configures session timeouts.
	Timings Timings
	// FlushTimeout bounds how long Close delivers the remaining notifications.
	// If zero, the [DefaultFlushTimeout] is used.
	FlushTimeout time.Duration
	// Locator discovers the signaling server when the identity has none.
	// If nil, the [dns.DefaultResolver] is used.
	Locator ServerLocator
	// Logger is the logger used by the phone and its components.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *PhoneOptions) constraints() Constraints {
	if o == nil || o.Constraints.IsZero() {
		return DefaultConstraints
	}
	return o.Constraints
}

func (o *PhoneOptions) timings() Timings {
	if o == nil {
		return Timings{}
	}
	return o.Timings
}

func (o *PhoneOptions) flushTimeout() time.Duration {
	if o == nil || o.FlushTimeout <= 0 {
		return DefaultFlushTimeout
	}
	return o.FlushTimeout
}

func (o *PhoneOptions) locator() ServerLocator {
	if o == nil {
		return nil
	}
	return o.Locator
}

func (o *PhoneOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Phone is a single-call phone.
// It dispatches signaling events into sessions and executes user commands.
type Phone struct {
	tp        SignalingTransport
	bridge    *Bridge
	registrar *Registrar
	registry  *Registry
	media     *MediaCoordinator
	cons      Constraints
	timings   Timings
	flushTTL  time.Duration
	log       *slog.Logger

	closed       atomic.Bool
	cancelEvents func()
}

// NewPhone creates a new phone on top of the signaling transport and the media capability.
// The phone must be closed with [Phone.Close].
func NewPhone(tp SignalingTransport, mc MediaCapability, opts *PhoneOptions) (*Phone, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("signaling transport is nil"))
	}
	if mc == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("media capability is nil"))
	}

	p := &Phone{
		tp:       tp,
		bridge:   NewBridge(),
		cons:     opts.constraints(),
		timings:  opts.timings(),
		flushTTL: opts.flushTimeout(),
		log:      opts.log(),
	}

	var err error
	p.registrar, err = NewRegistrar(tp, &RegistrarOptions{
		Bridge:  p.bridge,
		Locator: opts.locator(),
		Logger:  p.log,
	})
	if err != nil {
		p.bridge.Close()
		return nil, errtrace.Wrap(err)
	}

	p.registry = NewRegistry(&RegistryOptions{
		NewSession: p.newSession,
		Logger:     p.log,
	})

	p.media, err = NewMediaCoordinator(mc, &MediaCoordinatorOptions{
		Registry: p.registry,
		Bridge:   p.bridge,
		Logger:   p.log,
	})
	if err != nil {
		p.bridge.Close()
		return nil, errtrace.Wrap(err)
	}

	p.cancelEvents = tp.OnEvent(p.handleEvent)
	return p, nil
}

func (p *Phone) newSession(id string, dir Direction, remoteParty string) (*Session, error) {
	return errtrace.Wrap2(NewSession(id, dir, remoteParty, &SessionOptions{
		Transport: p.tp,
		Media:     p.media,
		Bridge:    p.bridge,
		Timings:   p.timings,
		Logger:    p.log,
	}))
}

// Bridge returns the notification bridge of the phone.
func (p *Phone) Bridge() *Bridge { return p.bridge }

// Registrar returns the registration manager of the phone.
func (p *Phone) Registrar() *Registrar { return p.registrar }

// Registry returns the session registry of the phone.
func (p *Phone) Registry() *Registry { return p.registry }

// Media returns the media coordinator of the phone.
func (p *Phone) Media() *MediaCoordinator { return p.media }

// Register connects to the signaling server and registers the identity.
func (p *Phone) Register(ctx context.Context, id Identity) error {
	if p.closed.Load() {
		return errtrace.Wrap(ErrPhoneClosed)
	}
	return errtrace.Wrap(p.registrar.Connect(ctx, id))
}

// Unregister unregisters the identity and disconnects from the signaling server.
func (p *Phone) Unregister(ctx context.Context) error {
	if p.closed.Load() {
		return errtrace.Wrap(ErrPhoneClosed)
	}
	return errtrace.Wrap(p.registrar.Disconnect(ctx))
}

// Session returns the registered session by id.
func (p *Phone) Session(id string) (*Session, error) {
	return errtrace.Wrap2(p.registry.Get(id))
}

// StartCall places an outgoing call to the remote party.
//
// It returns [ErrNotRegistered] when the identity is not registered,
// [ErrSessionConflict] when another call is in progress and a [MediaError]
// when local media can't be acquired, the session fails in the last case.
func (p *Phone) StartCall(ctx context.Context, remoteParty string) (*Session, error) {
	if p.closed.Load() {
		return nil, errtrace.Wrap(ErrPhoneClosed)
	}
	if st := p.registrar.State(); st != RegistrationStateRegistered {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNotRegistered, "registration is %s", st))
	}
	if _, err := ParseURI(remoteParty); err != nil {
		return nil, errtrace.Wrap(err)
	}

	s, err := p.registry.Create(DirectionOutgoing, remoteParty, "")
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.setConstraints(p.cons)

	if err := s.Fire(ctx, TriggerInitiate); err != nil {
		return nil, errtrace.Wrap(err)
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "start call", slog.Any("session", s))

	if _, err := p.media.AcquireLocalMedia(ctx, s.ID(), p.cons); err != nil {
		p.abortCall(ctx, s, err)
		return nil, errtrace.Wrap(err)
	}

	offer, err := p.media.createOffer(ctx, s.ID())
	if err != nil {
		p.abortCall(ctx, s, err)
		return nil, errtrace.Wrap(err)
	}

	if err := s.dial(ctx, Invite{
		CallID:      s.ID(),
		Target:      remoteParty,
		SDP:         offer,
		Constraints: p.cons,
	}); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return s, nil
}

// AnswerCall answers the ringing incoming call.
//
// It returns a [MediaError] when local media can't be acquired, the session fails in this case.
// While an answer is in progress, repeated calls return [ErrIllegalTransition].
// If ctx is canceled before the answer is sent, the call keeps ringing.
func (p *Phone) AnswerCall(ctx context.Context, sessionID string) error {
	if p.closed.Load() {
		return errtrace.Wrap(ErrPhoneClosed)
	}

	s, err := p.registry.Get(sessionID)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := s.beginAnswer(); err != nil {
		return errtrace.Wrap(err)
	}
	defer s.endAnswer()

	p.log.LogAttrs(ctx, slog.LevelInfo, "answer call", slog.Any("session", s))

	cons := s.Constraints()
	if _, err := p.media.AcquireLocalMedia(ctx, sessionID, cons); err != nil {
		p.abort(ctx, s, err)
		return errtrace.Wrap(err)
	}

	answer, err := p.media.createAnswer(ctx, sessionID, s.RemoteSDP())
	if err != nil {
		p.abort(ctx, s, err)
		return errtrace.Wrap(err)
	}

	return errtrace.Wrap(s.answer(ctx, Answer{
		CallID:      sessionID,
		SDP:         answer,
		Constraints: cons,
	}))
}

// EndCall hangs up or declines the call.
func (p *Phone) EndCall(ctx context.Context, sessionID string) error {
	if p.closed.Load() {
		return errtrace.Wrap(ErrPhoneClosed)
	}

	s, err := p.registry.Get(sessionID)
	if err != nil {
		return errtrace.Wrap(err)
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "end call", slog.Any("session", s))

	return errtrace.Wrap(s.Fire(ctx, TriggerTerminate))
}

// Close terminates the sessions, unregisters the identity and closes the bridge.
func (p *Phone) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancelEvents()

	var errs []error
	for _, s := range p.registry.Sessions() {
		if s.IsTerminal() {
			continue
		}
		if err := s.Fire(ctx, TriggerTerminate); err != nil {
			s.fail(ctx, TriggerProtocolError, ErrPhoneClosed)
		}
	}
	if err := p.registrar.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	p.media.Close()

	fctx, cancel := context.WithTimeout(ctx, p.flushTTL)
	defer cancel()
	if err := p.bridge.Shutdown(fctx); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "notifications left unread on close", slog.Any("error", err))
	}

	return errtrace.Wrap(errorutil.JoinPrefix("close phone", errs...))
}

// abort fails the session after a media error.
// Canceled caller context is not a media error, the session is left as is.
func (p *Phone) abort(ctx context.Context, s *Session, cause error) {
	if errors.Is(cause, ErrSessionTerminated) || s.IsTerminal() || ctx.Err() != nil {
		return
	}
	s.fail(ctx, TriggerMediaFailure, cause)
}

// abortCall is abort for an outgoing call that was not dialed yet.
// Such a call is dropped when the caller gives up.
func (p *Phone) abortCall(ctx context.Context, s *Session, cause error) {
	if ctx.Err() != nil {
		s.Fire(context.WithoutCancel(ctx), TriggerTerminate) //nolint:errcheck
		return
	}
	p.abort(ctx, s, cause)
}

// staleEventStates lists the session states in which a signaling event is a late duplicate.
var staleEventStates = map[SignalingEventType][]SessionState{
	SignalingEventProgress:  {SessionStateRinging, SessionStateAnswered, SessionStateActive, SessionStateEnding},
	SignalingEventAccepted:  {SessionStateAnswered, SessionStateActive, SessionStateEnding},
	SignalingEventConfirmed: {SessionStateActive, SessionStateEnding},
	SignalingEventEnded:     {SessionStateEnding},
	SignalingEventFailed:    {SessionStateEnding},
}

func (p *Phone) handleEvent(ctx context.Context, evt SignalingEvent) {
	if p.closed.Load() {
		return
	}

	p.log.LogAttrs(ctx, slog.LevelDebug, "signaling event received", slog.Any("event", evt))

	switch evt.Type {
	case SignalingEventRegistration:
		p.registrar.handleTransportState(ctx, evt.RegistrationState, evt.Reason)
	case SignalingEventInvite:
		p.handleInvite(ctx, evt)
	case SignalingEventProgress:
		p.applySessionEvent(ctx, evt, TriggerProviderAccepted)
	case SignalingEventAccepted:
		p.applySessionEvent(ctx, evt, TriggerRemoteAccepted, evt.SDP)
	case SignalingEventConfirmed:
		p.applySessionEvent(ctx, evt, TriggerMediaConfirmed)
	case SignalingEventEnded:
		p.applySessionEvent(ctx, evt, TriggerRemoteHangup)
	case SignalingEventFailed:
		p.applySessionEvent(ctx, evt, TriggerProtocolError, remoteFailure(evt))
	default:
		p.log.LogAttrs(ctx, slog.LevelWarn, "unknown signaling event", slog.Any("event", evt))
	}
}

func remoteFailure(evt SignalingEvent) error {
	switch {
	case evt.Status != 0 && evt.Reason != "":
		return errorutil.NewWrapperError(ErrProtocol, "remote failure %d %s", evt.Status, evt.Reason) //errtrace:skip
	case evt.Status != 0:
		return errorutil.NewWrapperError(ErrProtocol, "remote failure %d", evt.Status) //errtrace:skip
	case evt.Reason != "":
		return errorutil.NewWrapperError(ErrProtocol, "remote failure: %s", evt.Reason) //errtrace:skip
	default:
		return ErrProtocol //errtrace:skip
	}
}

func (p *Phone) applySessionEvent(ctx context.Context, evt SignalingEvent, trigger Trigger, args ...any) {
	s, err := p.registry.Get(evt.CallID)
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "signaling event for unknown session", slog.Any("event", evt))
		return
	}
	if slices.Contains(staleEventStates[evt.Type], s.State()) {
		p.log.LogAttrs(ctx, slog.LevelDebug, "stale signaling event dropped",
			slog.Any("event", evt),
			slog.Any("session", s),
		)
		return
	}

	err = s.Fire(ctx, trigger, args...)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrIllegalTransition) || s.IsTerminal() {
		p.log.LogAttrs(ctx, slog.LevelDebug, "signaling event not applied",
			slog.Any("event", evt),
			slog.Any("session", s),
			slog.Any("error", err),
		)
		return
	}

	p.log.LogAttrs(ctx, slog.LevelWarn, "signaling out of order, fail the session",
		slog.Any("event", evt),
		slog.Any("session", s),
		slog.Any("error", err),
	)
	s.fail(ctx, TriggerProtocolError, errorutil.NewWrapperError(ErrProtocol, err))
}

func (p *Phone) handleInvite(ctx context.Context, evt SignalingEvent) {
	if s, err := p.registry.Get(evt.CallID); err == nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "invite retransmission dropped", slog.Any("session", s))
		return
	}

	s, err := p.registry.Create(DirectionIncoming, evt.From, evt.CallID)
	if err != nil {
		status := StatusBusyHere
		if !errors.Is(err, ErrSessionConflict) {
			status = StatusServerInternalError
		}
		p.reject(ctx, evt.CallID, status, err)
		return
	}

	cons, err := Negotiate(p.cons, evt.SDP)
	if err == nil && cons.IsZero() {
		err = errorutil.NewWrapperError(ErrProtocol, "no acceptable media in offer")
	}
	if err != nil {
		s.fail(ctx, TriggerProtocolError, errorutil.NewWrapperError(ErrProtocol, err))
		p.reject(ctx, evt.CallID, StatusNotAcceptableHere, err)
		return
	}

	if err := s.Fire(ctx, TriggerInviteReceived, evt.SDP, cons); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "failed to accept invite",
			slog.Any("session", s),
			slog.Any("error", err),
		)
		return
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "incoming call",
		slog.Any("session", s),
		slog.String("constraints", cons.String()),
	)
}

func (p *Phone) reject(ctx context.Context, callID string, status int, cause error) {
	p.log.LogAttrs(ctx, slog.LevelWarn, "reject incoming call",
		slog.String("call_id", callID),
		slog.Int("status", status),
		slog.Any("error", cause),
	)

	if err := p.tp.SendReject(ctx, callID, status); err != nil {
		cause = errors.Join(cause, fmt.Errorf("send reject: %w", err))
	}
	p.bridge.publishWarning(callID, cause)
}

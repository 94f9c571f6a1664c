package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/internal/timeutil"
	"github.com/ghettovoice/sipcall/internal/types"
	"github.com/ghettovoice/sipcall/log"
)

// SIP status codes sent when an unanswered incoming call is abandoned.
const (
	StatusTemporarilyUnavailable = 480
	StatusDecline                = 603
)

// SessionOptions are options for [NewSession].
type SessionOptions struct {
	// Transport is used to send invites, answers and hangups.
	// If nil, the session only tracks state.
	Transport SignalingTransport
	// Media releases session media on termination.
	Media *MediaCoordinator
	// Bridge receives session transition events.
	Bridge *Bridge
	// Timings configures negotiation and ringing timeouts.
	Timings Timings
	// Logger is the logger used by the session.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *SessionOptions) transport() SignalingTransport {
	if o == nil {
		return nil
	}
	return o.Transport
}

func (o *SessionOptions) media() *MediaCoordinator {
	if o == nil {
		return nil
	}
	return o.Media
}

func (o *SessionOptions) bridge() *Bridge {
	if o == nil {
		return nil
	}
	return o.Bridge
}

func (o *SessionOptions) timings() Timings {
	if o == nil {
		return Timings{}
	}
	return o.Timings
}

func (o *SessionOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Session is a call session state machine.
//
// Triggers are applied one at a time. State getters never block on a running transition.
type Session struct {
	id          string
	dir         Direction
	remoteParty string
	created     time.Time

	tp      SignalingTransport
	media   *MediaCoordinator
	bridge  *Bridge
	timings Timings
	log     *slog.Logger

	mu        sync.Mutex
	fsm       *stateless.StateMachine
	state     atomic.Value // SessionState
	tmr       atomic.Pointer[timeutil.Timer]
	answering bool

	dataMu      sync.RWMutex
	cons        Constraints
	localSDP    string
	remoteSDP   string
	local       *MediaHandle
	remote      *MediaHandle
	remoteBound bool
	signaled    bool
	answered    bool
	err         error

	onTerm types.CallbackManager[func(*Session)]
	done   chan struct{}
}

// NewSession creates a new session in the [SessionStateIdle] state.
// If id is empty, a random one is generated.
func NewSession(id string, dir Direction, remoteParty string, opts *SessionOptions) (*Session, error) {
	if !dir.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid direction %q", dir))
	}
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:          id,
		dir:         dir,
		remoteParty: remoteParty,
		created:     time.Now(),
		tp:          opts.transport(),
		media:       opts.media(),
		bridge:      opts.bridge(),
		timings:     opts.timings(),
		log:         opts.log(),
		cons:        DefaultConstraints,
		done:        make(chan struct{}),
	}
	s.state.Store(SessionStateIdle)
	s.initFSM()
	return s, nil
}

// ID returns the session id, it doubles as the signaling call id.
func (s *Session) ID() string { return s.id }

// Direction returns whether the call was placed or received.
func (s *Session) Direction() Direction { return s.dir }

// RemoteParty returns the remote party URI.
func (s *Session) RemoteParty() string { return s.remoteParty }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state.Load().(SessionState) //nolint:forcetypeassert
}

// IsTerminal reports whether the session is ended or failed.
func (s *Session) IsTerminal() bool { return s.State().IsTerminal() }

// Done returns a channel that is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Constraints returns the negotiated media constraints.
func (s *Session) Constraints() Constraints {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.cons
}

// LocalMedia returns the local media handle, if acquired.
func (s *Session) LocalMedia() *MediaHandle {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.local
}

// RemoteMedia returns the remote media handle and whether it is bound.
// A remote handle that arrived in the answered state is bound when the session becomes active.
func (s *Session) RemoteMedia() (*MediaHandle, bool) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.remote, s.remoteBound
}

// LocalSDP returns the local session description sent to the remote party.
func (s *Session) LocalSDP() string {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.localSDP
}

// RemoteSDP returns the session description received from the remote party.
func (s *Session) RemoteSDP() string {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.remoteSDP
}

// Err returns the failure cause of a failed session.
func (s *Session) Err() error {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.err
}

// OnTerminated registers a callback called once when the session reaches a terminal state.
func (s *Session) OnTerminated(fn func(s *Session)) (cancel func()) {
	return s.onTerm.Add(fn)
}

// LogValue implements [slog.LogValuer].
func (s *Session) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", s.id),
		slog.String("direction", string(s.dir)),
		slog.String("remote_party", s.remoteParty),
		slog.String("state", string(s.State())),
	)
}

func (s *Session) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s session %q with %q in state %q", s.dir, s.id, s.remoteParty, s.State())
}

// Fire applies the trigger to the session.
// It returns [ErrIllegalTransition] if the trigger is not permitted in the current state,
// the state is left unchanged in this case.
func (s *Session) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errtrace.Wrap(s.fsm.FireCtx(ctx, trigger, args...))
}

// fireIn applies the trigger only if the session is still in the given state.
func (s *Session) fireIn(ctx context.Context, state SessionState, trigger Trigger, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != state {
		return nil
	}
	return errtrace.Wrap(s.fsm.FireCtx(ctx, trigger, args...))
}

// fail forces the session to the failed state.
// It is a no-op for terminal sessions.
func (s *Session) fail(ctx context.Context, trigger Trigger, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failLocked(ctx, trigger, cause)
}

func (s *Session) failLocked(ctx context.Context, trigger Trigger, cause error) {
	if s.IsTerminal() {
		return
	}
	if err := s.fsm.FireCtx(ctx, trigger, cause); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, s.State(), err))
	}
}

// dial sends the invite and moves the negotiating outgoing session to ringing.
func (s *Session) dial(ctx context.Context, inv Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != SessionStateNegotiating {
		if st.IsTerminal() {
			return errtrace.Wrap(errorWithSession(ErrSessionTerminated, s.id))
		}
		return errtrace.Wrap(newIllegalTransitionError(st, TriggerProviderAccepted))
	}

	s.dataMu.Lock()
	s.localSDP = inv.SDP
	s.dataMu.Unlock()

	if s.tp != nil {
		if err := s.tp.SendInvite(ctx, inv); err != nil {
			err = errorutil.NewWrapperError(ErrProtocol, fmt.Errorf("send invite: %w", err))
			s.failLocked(ctx, TriggerProtocolError, err)
			return errtrace.Wrap(err)
		}
	}

	s.dataMu.Lock()
	s.signaled = true
	s.dataMu.Unlock()

	return errtrace.Wrap(s.fsm.FireCtx(ctx, TriggerProviderAccepted))
}

// answer sends the answer and moves the ringing incoming session to answered.
func (s *Session) answer(ctx context.Context, ans Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != SessionStateRinging || s.dir != DirectionIncoming {
		if st.IsTerminal() {
			return errtrace.Wrap(errorWithSession(ErrSessionTerminated, s.id))
		}
		return errtrace.Wrap(newIllegalTransitionError(st, TriggerLocalAnswer))
	}

	s.dataMu.Lock()
	s.localSDP = ans.SDP
	s.cons = ans.Constraints
	s.dataMu.Unlock()

	if s.tp != nil {
		if err := s.tp.SendAnswer(ctx, ans); err != nil {
			err = errorutil.NewWrapperError(ErrProtocol, fmt.Errorf("send answer: %w", err))
			s.failLocked(ctx, TriggerProtocolError, err)
			return errtrace.Wrap(err)
		}
	}
	return errtrace.Wrap(s.fsm.FireCtx(ctx, TriggerLocalAnswer))
}

// beginAnswer claims the ringing incoming session for a local answer.
// Only one answer may be in progress, it is released with endAnswer.
func (s *Session) beginAnswer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); s.dir != DirectionIncoming || st != SessionStateRinging {
		if st.IsTerminal() {
			return errtrace.Wrap(errorWithSession(ErrSessionTerminated, s.id))
		}
		return errtrace.Wrap(newIllegalTransitionError(st, TriggerLocalAnswer))
	}
	if s.answering {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrIllegalTransition, "session %q is being answered", s.id))
	}
	s.answering = true
	return nil
}

func (s *Session) endAnswer() {
	s.mu.Lock()
	s.answering = false
	s.mu.Unlock()
}

func (s *Session) setConstraints(c Constraints) {
	s.dataMu.Lock()
	s.cons = c
	s.dataMu.Unlock()
}

func (s *Session) attachLocalMedia(h *MediaHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsTerminal() {
		return errtrace.Wrap(errorWithSession(ErrSessionTerminated, s.id))
	}

	s.dataMu.Lock()
	prev := s.local
	s.local = h
	s.dataMu.Unlock()

	if prev != nil && prev != h {
		s.media.Release(context.Background(), prev)
	}
	return nil
}

func (s *Session) bindRemoteMedia(ctx context.Context, h *MediaHandle, mc *MediaCoordinator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != SessionStateAnswered && st != SessionStateActive {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrStaleMediaBinding,
			"session %q is in state %q", s.id, st))
	}

	s.dataMu.Lock()
	prev := s.remote
	s.remote = h
	s.remoteBound = st == SessionStateActive
	s.dataMu.Unlock()

	if prev != nil && prev != h {
		mc.Release(ctx, prev)
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "remote media attached",
		slog.Any("session", s),
		slog.Any("media", h),
		slog.Bool("bound", st == SessionStateActive),
	)
	return nil
}

func (s *Session) initFSM() {
	s.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return s.State(), nil
		},
		func(_ context.Context, state stateless.State) error {
			s.state.Store(state)
			return nil
		},
		stateless.FiringQueued,
	)
	s.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return newIllegalTransitionError(state, trigger) //errtrace:skip
	})
	s.fsm.OnTransitioned(s.onTransitioned)

	idle := s.fsm.Configure(SessionStateIdle).
		Permit(TriggerProtocolError, SessionStateFailed).
		Permit(TriggerMediaFailure, SessionStateFailed)

	ringing := s.fsm.Configure(SessionStateRinging).
		OnEntry(s.actStartTimer).
		OnExit(s.actStopTimer).
		Permit(TriggerTerminate, SessionStateEnding).
		Permit(TriggerRemoteHangup, SessionStateEnding).
		Permit(TriggerProtocolError, SessionStateFailed).
		Permit(TriggerTimeout, SessionStateFailed).
		Permit(TriggerMediaFailure, SessionStateFailed)

	if s.dir == DirectionOutgoing {
		idle.Permit(TriggerInitiate, SessionStateNegotiating)

		s.fsm.Configure(SessionStateNegotiating).
			OnEntry(s.actStartTimer).
			OnExit(s.actStopTimer).
			Permit(TriggerProviderAccepted, SessionStateRinging).
			Permit(TriggerTerminate, SessionStateEnding).
			Permit(TriggerRemoteHangup, SessionStateEnding).
			Permit(TriggerProtocolError, SessionStateFailed).
			Permit(TriggerTimeout, SessionStateFailed).
			Permit(TriggerMediaFailure, SessionStateFailed)

		ringing.Permit(TriggerRemoteAccepted, SessionStateAnswered)
	} else {
		idle.Permit(TriggerInviteReceived, SessionStateRinging)

		ringing.OnEntryFrom(TriggerInviteReceived, s.actInviteReceived).
			Permit(TriggerLocalAnswer, SessionStateAnswered)
	}

	s.fsm.Configure(SessionStateAnswered).
		OnEntryFrom(TriggerRemoteAccepted, s.actRemoteAccepted).
		OnEntry(s.actAnswered).
		Permit(TriggerMediaConfirmed, SessionStateActive).
		Permit(TriggerTerminate, SessionStateEnding).
		Permit(TriggerRemoteHangup, SessionStateEnding).
		Permit(TriggerProtocolError, SessionStateFailed).
		Permit(TriggerTimeout, SessionStateFailed).
		Permit(TriggerMediaFailure, SessionStateFailed)

	s.fsm.Configure(SessionStateActive).
		OnEntry(s.actActive).
		Permit(TriggerTerminate, SessionStateEnding).
		Permit(TriggerRemoteHangup, SessionStateEnding).
		Permit(TriggerProtocolError, SessionStateFailed).
		Permit(TriggerTimeout, SessionStateFailed).
		Permit(TriggerMediaFailure, SessionStateFailed)

	s.fsm.Configure(SessionStateEnding).
		OnEntryFrom(TriggerTerminate, s.actHangup).
		OnEntry(s.actEnding).
		Permit(TriggerComplete, SessionStateEnded).
		Permit(TriggerProtocolError, SessionStateFailed).
		Permit(TriggerTimeout, SessionStateFailed).
		Permit(TriggerMediaFailure, SessionStateFailed)

	s.fsm.Configure(SessionStateEnded).
		OnEntry(s.actTerminated)

	s.fsm.Configure(SessionStateFailed).
		OnEntryFrom(TriggerProtocolError, s.actFailed).
		OnEntryFrom(TriggerMediaFailure, s.actMediaFailed).
		OnEntryFrom(TriggerTimeout, s.actTimedOut).
		OnEntry(s.actTerminated)
}

func (s *Session) onTransitioned(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(SessionState)
	to, _ := t.Destination.(SessionState)
	trigger, _ := t.Trigger.(Trigger)

	evt := SessionEvent{
		SessionID:   s.id,
		Direction:   s.dir,
		RemoteParty: s.remoteParty,
		From:        from,
		To:          to,
		Trigger:     trigger,
		Time:        time.Now(),
	}
	if to == SessionStateFailed {
		evt.Err = s.Err()
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "session state changed",
		slog.String("session_id", s.id),
		slog.Any("from", from),
		slog.Any("to", to),
		slog.Any("trigger", trigger),
	)

	s.bridge.publishSession(evt)
}

func (s *Session) actStartTimer(ctx context.Context, _ ...any) error {
	state := s.State()
	d := s.timings.timeout(state)
	if d <= 0 {
		return nil
	}

	tmr := timeutil.AfterFunc(d, func() {
		cause := errorutil.NewWrapperError(ErrSignalingTimeout, "session %q stayed %q for %s", s.id, state, d)
		if err := s.fireIn(context.Background(), state, TriggerTimeout, cause); err != nil {
			s.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to fire session timeout",
				slog.Any("session", s),
				slog.Any("error", err),
			)
		}
	})
	if prev := s.tmr.Swap(tmr); prev != nil {
		prev.Stop()
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "session timer started",
		slog.String("session_id", s.id),
		slog.Any("timer", tmr),
	)
	return nil
}

func (s *Session) actStopTimer(context.Context, ...any) error {
	if tmr := s.tmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	return nil
}

func (s *Session) actInviteReceived(_ context.Context, args ...any) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	s.signaled = true
	if sdp, ok := argAt[string](args, 0); ok {
		s.remoteSDP = sdp
	}
	if cons, ok := argAt[Constraints](args, 1); ok {
		s.cons = cons
	}
	return nil
}

func (s *Session) actRemoteAccepted(ctx context.Context, args ...any) error {
	sdp, _ := argAt[string](args, 0)

	s.dataMu.Lock()
	s.remoteSDP = sdp
	local := s.cons
	s.dataMu.Unlock()

	cons, err := Negotiate(local, sdp)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to negotiate remote answer",
			slog.Any("session", s),
			slog.Any("error", err),
		)
		s.fsm.FireCtx(ctx, TriggerProtocolError, errorutil.NewWrapperError(ErrProtocol, err)) //nolint:errcheck
		return nil
	}

	s.dataMu.Lock()
	s.cons = cons
	s.dataMu.Unlock()

	if s.media != nil {
		if err := s.media.applyRemoteAnswer(ctx, s.id, sdp); err != nil {
			s.fsm.FireCtx(ctx, TriggerMediaFailure, NewMediaError(ErrDeviceUnavailable, s.id, err)) //nolint:errcheck
		}
	}
	return nil
}

func (s *Session) actAnswered(context.Context, ...any) error {
	s.dataMu.Lock()
	s.answered = true
	s.dataMu.Unlock()
	return nil
}

func (s *Session) actActive(ctx context.Context, _ ...any) error {
	s.dataMu.Lock()
	remote := s.remote
	bind := remote != nil && !s.remoteBound
	if bind {
		s.remoteBound = true
	}
	s.dataMu.Unlock()

	if bind {
		s.log.LogAttrs(ctx, slog.LevelDebug, "remote media bound",
			slog.String("session_id", s.id),
			slog.Any("media", remote),
		)
	}
	return nil
}

func (s *Session) actHangup(ctx context.Context, _ ...any) error {
	if s.tp == nil {
		return nil
	}

	s.dataMu.RLock()
	signaled, answered := s.signaled, s.answered
	s.dataMu.RUnlock()

	if !signaled {
		return nil
	}

	var err error
	if s.dir == DirectionIncoming && !answered {
		s.log.LogAttrs(ctx, slog.LevelDebug, "decline incoming call", slog.Any("session", s))
		err = s.tp.SendReject(ctx, s.id, StatusDecline)
	} else {
		s.log.LogAttrs(ctx, slog.LevelDebug, "hang up call", slog.Any("session", s))
		err = s.tp.SendBye(ctx, s.id)
	}
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to send hangup",
			slog.Any("session", s),
			slog.Any("error", err),
		)
		s.bridge.publishWarning(s.id, err)
	}
	return nil
}

func (s *Session) actEnding(ctx context.Context, _ ...any) error {
	if err := s.fsm.FireCtx(ctx, TriggerComplete); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", TriggerComplete, s.State(), err))
	}
	return nil
}

func (s *Session) actFailed(ctx context.Context, args ...any) error {
	s.recordFailure(ctx, args, ErrProtocol)
	return nil
}

func (s *Session) actMediaFailed(ctx context.Context, args ...any) error {
	s.recordFailure(ctx, args, ErrDeviceUnavailable)
	s.abandon(ctx)
	return nil
}

func (s *Session) actTimedOut(ctx context.Context, args ...any) error {
	s.recordFailure(ctx, args, ErrSignalingTimeout)
	s.abandon(ctx)
	return nil
}

func (s *Session) recordFailure(ctx context.Context, args []any, def error) {
	cause, _ := argAt[error](args, 0)
	if cause == nil {
		cause = def
	}

	s.dataMu.Lock()
	s.err = cause
	s.dataMu.Unlock()

	s.log.LogAttrs(ctx, slog.LevelWarn, "session failed",
		slog.Any("session", s),
		slog.Any("error", cause),
	)
}

// abandon tells the remote party that the locally failed call is over.
func (s *Session) abandon(ctx context.Context) {
	s.dataMu.RLock()
	signaled, answered := s.signaled, s.answered
	s.dataMu.RUnlock()

	if s.tp == nil || !signaled {
		return
	}

	var err error
	if s.dir == DirectionIncoming && !answered {
		err = s.tp.SendReject(ctx, s.id, StatusTemporarilyUnavailable)
	} else {
		err = s.tp.SendBye(ctx, s.id)
	}
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "failed to abandon call",
			slog.Any("session", s),
			slog.Any("error", err),
		)
	}
}

func (s *Session) actTerminated(ctx context.Context, _ ...any) error {
	if tmr := s.tmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}

	s.dataMu.Lock()
	local, remote := s.local, s.remote
	s.dataMu.Unlock()

	if s.media != nil {
		s.media.releaseSession(ctx, s.id, local, remote)
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "session terminated", slog.Any("session", s))

	close(s.done)
	for fn := range s.onTerm.All() {
		fn(s)
	}
	return nil
}

func argAt[T any](args []any, i int) (T, bool) {
	var zero T
	if i >= len(args) {
		return zero, false
	}
	v, ok := args[i].(T)
	return v, ok
}

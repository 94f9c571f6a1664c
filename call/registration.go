package call

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcall/dns"
	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/log"
)

// ServerLocator discovers the signaling server of a domain.
// It is implemented by [dns.Resolver].
type ServerLocator interface {
	LookupSignalingServer(ctx context.Context, domain string, secure bool) (*url.URL, error)
}

// RegistrarOptions are options for [NewRegistrar].
type RegistrarOptions struct {
	// Bridge receives registration events.
	Bridge *Bridge
	// Locator discovers the signaling server when the identity has none.
	// If nil, the [dns.DefaultResolver] is used.
	Locator ServerLocator
	// Logger is the logger used by the registrar.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *RegistrarOptions) bridge() *Bridge {
	if o == nil {
		return nil
	}
	return o.Bridge
}

func (o *RegistrarOptions) locator() ServerLocator {
	if o == nil || o.Locator == nil {
		return dns.DefaultResolver()
	}
	return o.Locator
}

func (o *RegistrarOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Registrar owns the registration lifecycle of the local identity.
//
// Reconnection after transport loss is performed by the transport,
// the registrar only reports the resulting state changes.
type Registrar struct {
	tp      SignalingTransport
	bridge  *Bridge
	locator ServerLocator
	log     *slog.Logger

	connMu sync.Mutex

	mu    sync.Mutex
	fsm   *stateless.StateMachine
	state atomic.Value // RegistrationState
	id    atomic.Pointer[Identity]
	err   atomic.Pointer[error]
}

// NewRegistrar creates a new registrar in the [RegistrationStateUnregistered] state.
func NewRegistrar(tp SignalingTransport, opts *RegistrarOptions) (*Registrar, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("signaling transport is nil"))
	}

	r := &Registrar{
		tp:      tp,
		bridge:  opts.bridge(),
		locator: opts.locator(),
		log:     opts.log(),
	}
	r.state.Store(RegistrationStateUnregistered)
	r.initFSM()
	return r, nil
}

// State returns the current registration state.
func (r *Registrar) State() RegistrationState {
	return r.state.Load().(RegistrationState) //nolint:forcetypeassert
}

// Identity returns the last connected identity.
func (r *Registrar) Identity() (Identity, bool) {
	id := r.id.Load()
	if id == nil {
		return Identity{}, false
	}
	return *id, true
}

// Err returns the cause of the last registration failure or loss.
func (r *Registrar) Err() error {
	if err := r.err.Load(); err != nil {
		return *err
	}
	return nil
}

// Connect connects the transport and registers the identity.
// A registered identity is unregistered first.
// If the identity has no server, it is discovered via DNS from the identity domain.
func (r *Registrar) Connect(ctx context.Context, id Identity) error {
	if err := id.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()

	if st := r.State(); st == RegistrationStateRegistered || st == RegistrationStateRegistering {
		if err := r.disconnect(ctx); err != nil {
			r.log.LogAttrs(ctx, slog.LevelWarn, "failed to disconnect before connect", slog.Any("error", err))
		}
	}

	if err := r.fire(ctx, regEvtConnect); err != nil {
		return errtrace.Wrap(err)
	}

	if id.Server == "" {
		u, err := r.locator.LookupSignalingServer(ctx, id.Domain(), true)
		if err != nil {
			err = errorutil.NewWrapperError(ErrRegistration, err)
			r.fireIn(ctx, RegistrationStateRegistering, regEvtFailed, err) //nolint:errcheck
			return errtrace.Wrap(err)
		}
		id.Server = u.String()
	}
	r.id.Store(&id)

	r.log.LogAttrs(ctx, slog.LevelDebug, "register identity", slog.Any("identity", id))

	if err := r.tp.Connect(ctx, id); err != nil {
		err = errorutil.NewWrapperError(ErrRegistration, err)
		r.fireIn(ctx, RegistrationStateRegistering, regEvtFailed, err) //nolint:errcheck
		return errtrace.Wrap(err)
	}
	if err := r.fireIn(ctx, RegistrationStateRegistering, regEvtSucceeded); err != nil {
		return errtrace.Wrap(err)
	}
	if st := r.State(); st != RegistrationStateRegistered {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrRegistration, "registration is %s", st))
	}
	return nil
}

// Disconnect unregisters the identity and closes the transport.
// It is a no-op when not connected.
func (r *Registrar) Disconnect(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	return errtrace.Wrap(r.disconnect(ctx))
}

func (r *Registrar) disconnect(ctx context.Context) error {
	if r.State() == RegistrationStateUnregistered {
		return nil
	}

	err := r.tp.Disconnect(ctx)
	if ferr := r.fire(ctx, regEvtDisconnect); ferr != nil {
		err = errors.Join(err, ferr)
	}
	return errtrace.Wrap(err)
}

// handleTransportState applies a registration state reported by the transport.
func (r *Registrar) handleTransportState(ctx context.Context, state RegistrationState, reason string) {
	var (
		trigger Trigger
		args    []any
	)
	switch state {
	case RegistrationStateUnregistered:
		trigger = regEvtLost
		args = append(args, errorutil.NewWrapperError(ErrRegistration, "connection lost: %s", reason))
	case RegistrationStateRegistering:
		trigger = regEvtReconnecting
	case RegistrationStateRegistered:
		trigger = regEvtSucceeded
	case RegistrationStateFailed:
		trigger = regEvtFailed
		args = append(args, errorutil.NewWrapperError(ErrRegistration, reason))
	default:
		r.log.LogAttrs(ctx, slog.LevelWarn, "unknown registration state", slog.String("state", string(state)))
		return
	}

	if err := r.fire(ctx, trigger, args...); err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "registration state change ignored",
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}
}

func (r *Registrar) fire(ctx context.Context, trigger Trigger, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return errtrace.Wrap(r.fsm.FireCtx(ctx, trigger, args...))
}

func (r *Registrar) fireIn(ctx context.Context, state RegistrationState, trigger Trigger, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != state {
		return nil
	}
	return errtrace.Wrap(r.fsm.FireCtx(ctx, trigger, args...))
}

func (r *Registrar) initFSM() {
	r.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return r.State(), nil
		},
		func(_ context.Context, state stateless.State) error {
			r.state.Store(state)
			return nil
		},
		stateless.FiringQueued,
	)
	r.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return newIllegalTransitionError(state, trigger) //errtrace:skip
	})
	r.fsm.OnTransitioned(r.onTransitioned)

	r.fsm.Configure(RegistrationStateUnregistered).
		Permit(regEvtConnect, RegistrationStateRegistering).
		Permit(regEvtReconnecting, RegistrationStateRegistering).
		OnEntryFrom(regEvtLost, r.actSetErr).
		OnEntryFrom(regEvtDisconnect, r.actClearErr).
		Ignore(regEvtLost).
		Ignore(regEvtDisconnect)

	r.fsm.Configure(RegistrationStateRegistering).
		OnEntry(r.actClearErr).
		Permit(regEvtSucceeded, RegistrationStateRegistered).
		Permit(regEvtFailed, RegistrationStateFailed).
		Permit(regEvtLost, RegistrationStateUnregistered).
		Permit(regEvtDisconnect, RegistrationStateUnregistered)

	r.fsm.Configure(RegistrationStateRegistered).
		OnEntry(r.actClearErr).
		Permit(regEvtReconnecting, RegistrationStateRegistering).
		Permit(regEvtFailed, RegistrationStateFailed).
		Permit(regEvtLost, RegistrationStateUnregistered).
		Permit(regEvtDisconnect, RegistrationStateUnregistered).
		Ignore(regEvtSucceeded)

	r.fsm.Configure(RegistrationStateFailed).
		OnEntryFrom(regEvtFailed, r.actSetErr).
		Permit(regEvtConnect, RegistrationStateRegistering).
		Permit(regEvtReconnecting, RegistrationStateRegistering).
		Permit(regEvtDisconnect, RegistrationStateUnregistered).
		Ignore(regEvtFailed).
		Ignore(regEvtLost)
}

func (r *Registrar) actSetErr(ctx context.Context, args ...any) error {
	err, _ := argAt[error](args, 0)
	if err == nil {
		err = ErrRegistration
	}
	r.err.Store(&err)

	r.log.LogAttrs(ctx, slog.LevelWarn, "registration lost or failed", slog.Any("error", err))
	return nil
}

func (r *Registrar) actClearErr(context.Context, ...any) error {
	r.err.Store(nil)
	return nil
}

func (r *Registrar) onTransitioned(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(RegistrationState)
	to, _ := t.Destination.(RegistrationState)

	evt := RegistrationEvent{
		From: from,
		To:   to,
		Time: time.Now(),
		Err:  r.Err(),
	}

	r.log.LogAttrs(ctx, slog.LevelInfo, "registration state changed",
		slog.Any("from", from),
		slog.Any("to", to),
		slog.Any("error", evt.Err),
	)

	r.bridge.publishRegistration(evt)
}

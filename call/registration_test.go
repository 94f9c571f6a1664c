package call_test

import (
	"errors"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/log"
)

type regEdge struct {
	from, to call.RegistrationState
}

func registrationEdges(evts []call.RegistrationEvent) []regEdge {
	edges := make([]regEdge, len(evts))
	for i, evt := range evts {
		edges[i] = regEdge{evt.From, evt.To}
	}
	return edges
}

func TestNewRegistrar_NilTransport(t *testing.T) {
	t.Parallel()

	if _, err := call.NewRegistrar(nil, nil); !errors.Is(err, call.ErrInvalidArgument) {
		t.Fatalf("call.NewRegistrar(nil) error = %v, want %v", err, call.ErrInvalidArgument)
	}
}

func TestRegistrar_Connect(t *testing.T) {
	t.Parallel()

	b := call.NewBridge()
	defer b.Close()
	tp := newStubTransport()
	r, err := call.NewRegistrar(tp, &call.RegistrarOptions{Bridge: b, Logger: log.Noop})
	if err != nil {
		t.Fatalf("call.NewRegistrar() error = %v, want nil", err)
	}
	if got, want := r.State(), call.RegistrationStateUnregistered; got != want {
		t.Fatalf("r.State() = %q, want %q", got, want)
	}

	if err := r.Connect(t.Context(), testIdentity); err != nil {
		t.Fatalf("r.Connect() error = %v, want nil", err)
	}
	if got, want := r.State(), call.RegistrationStateRegistered; got != want {
		t.Fatalf("r.State() = %q, want %q", got, want)
	}
	if id, ok := tp.connectedIdentity(); !ok || id != testIdentity {
		t.Fatalf("transport identity = %+v, %v, want %+v, true", id, ok, testIdentity)
	}

	if err := r.Disconnect(t.Context()); err != nil {
		t.Fatalf("r.Disconnect() error = %v, want nil", err)
	}
	if err := r.Disconnect(t.Context()); err != nil {
		t.Fatalf("r.Disconnect() error = %v, want nil", err)
	}

	evts := waitRegistrationEvents(t, b, 3, evtTimeout)
	want := []regEdge{
		{call.RegistrationStateUnregistered, call.RegistrationStateRegistering},
		{call.RegistrationStateRegistering, call.RegistrationStateRegistered},
		{call.RegistrationStateRegistered, call.RegistrationStateUnregistered},
	}
	if diff := cmp.Diff(want, registrationEdges(evts), cmp.AllowUnexported(regEdge{})); diff != "" {
		t.Fatalf("registration events mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistrar_ConnectFailed(t *testing.T) {
	t.Parallel()

	b := call.NewBridge()
	defer b.Close()
	tp := newStubTransport()
	tp.connectErr = errors.New("401 Unauthorized")
	r, err := call.NewRegistrar(tp, &call.RegistrarOptions{Bridge: b, Logger: log.Noop})
	if err != nil {
		t.Fatalf("call.NewRegistrar() error = %v, want nil", err)
	}

	if err := r.Connect(t.Context(), testIdentity); !errors.Is(err, call.ErrRegistration) {
		t.Fatalf("r.Connect() error = %v, want %v", err, call.ErrRegistration)
	}
	if got, want := r.State(), call.RegistrationStateFailed; got != want {
		t.Fatalf("r.State() = %q, want %q", got, want)
	}
	if !errors.Is(r.Err(), call.ErrRegistration) {
		t.Fatalf("r.Err() = %v, want %v", r.Err(), call.ErrRegistration)
	}

	evts := waitRegistrationEvents(t, b, 2, evtTimeout)
	if got, want := evts[1].To, call.RegistrationStateFailed; got != want {
		t.Fatalf("evts[1].To = %q, want %q", got, want)
	}
	if !errors.Is(evts[1].Err, call.ErrRegistration) {
		t.Fatalf("evts[1].Err = %v, want %v", evts[1].Err, call.ErrRegistration)
	}

	// retry after failure
	tp.mu.Lock()
	tp.connectErr = nil
	tp.mu.Unlock()
	if err := r.Connect(t.Context(), testIdentity); err != nil {
		t.Fatalf("r.Connect() error = %v, want nil", err)
	}
	if r.Err() != nil {
		t.Fatalf("r.Err() = %v, want nil", r.Err())
	}
}

func TestRegistrar_ConnectInvalidIdentity(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	r, err := call.NewRegistrar(tp, &call.RegistrarOptions{Logger: log.Noop})
	if err != nil {
		t.Fatalf("call.NewRegistrar() error = %v, want nil", err)
	}

	for _, id := range []call.Identity{
		{},
		{URI: "1000@pbx.example.com"},
		{URI: "sip:pbx.example.com"},
	} {
		if err := r.Connect(t.Context(), id); !errors.Is(err, call.ErrInvalidArgument) {
			t.Errorf("r.Connect(%+v) error = %v, want %v", id, err, call.ErrInvalidArgument)
		}
	}
	if got, want := r.State(), call.RegistrationStateUnregistered; got != want {
		t.Fatalf("r.State() = %q, want %q", got, want)
	}
}

func TestRegistrar_ConnectDiscoversServer(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	srv := &url.URL{Scheme: "wss", Host: "edge.example.com:8089", Path: "/ws"}
	r, err := call.NewRegistrar(tp, &call.RegistrarOptions{
		Locator: stubLocator{u: srv},
		Logger:  log.Noop,
	})
	if err != nil {
		t.Fatalf("call.NewRegistrar() error = %v, want nil", err)
	}

	id := testIdentity
	id.Server = ""
	if err := r.Connect(t.Context(), id); err != nil {
		t.Fatalf("r.Connect() error = %v, want nil", err)
	}
	got, _ := tp.connectedIdentity()
	if want := srv.String(); got.Server != want {
		t.Fatalf("transport identity server = %q, want %q", got.Server, want)
	}
	if rid, _ := r.Identity(); rid.Server != srv.String() {
		t.Fatalf("r.Identity().Server = %q, want %q", rid.Server, srv.String())
	}
}

func TestRegistrar_ConnectDiscoveryFailed(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	r, err := call.NewRegistrar(tp, &call.RegistrarOptions{
		Locator: stubLocator{err: errors.New("no such host")},
		Logger:  log.Noop,
	})
	if err != nil {
		t.Fatalf("call.NewRegistrar() error = %v, want nil", err)
	}

	id := testIdentity
	id.Server = ""
	if err := r.Connect(t.Context(), id); !errors.Is(err, call.ErrRegistration) {
		t.Fatalf("r.Connect() error = %v, want %v", err, call.ErrRegistration)
	}
	if got, want := r.State(), call.RegistrationStateFailed; got != want {
		t.Fatalf("r.State() = %q, want %q", got, want)
	}
	if _, ok := tp.connectedIdentity(); ok {
		t.Fatal("transport is connected, want not")
	}
}

func TestPhone_RegistrationLossAndRecovery(t *testing.T) {
	t.Parallel()

	p, tp, _ := newTestPhone(t, nil)
	registerPhone(t, p)
	ctx := t.Context()
	waitRegistrationEvents(t, p.Bridge(), 2, evtTimeout)

	tp.emit(ctx, call.SignalingEvent{Type: call.SignalingEventRegistration, RegistrationState: call.RegistrationStateUnregistered, Reason: "socket closed"})
	if got, want := p.Registrar().State(), call.RegistrationStateUnregistered; got != want {
		t.Fatalf("p.Registrar().State() = %q, want %q", got, want)
	}
	if _, err := p.StartCall(ctx, testRemote); !errors.Is(err, call.ErrNotRegistered) {
		t.Fatalf("p.StartCall() error = %v, want %v", err, call.ErrNotRegistered)
	}

	tp.emit(ctx, call.SignalingEvent{Type: call.SignalingEventRegistration, RegistrationState: call.RegistrationStateRegistering})
	tp.emit(ctx, call.SignalingEvent{Type: call.SignalingEventRegistration, RegistrationState: call.RegistrationStateRegistered})

	evts := waitRegistrationEvents(t, p.Bridge(), 3, evtTimeout)
	want := []regEdge{
		{call.RegistrationStateRegistered, call.RegistrationStateUnregistered},
		{call.RegistrationStateUnregistered, call.RegistrationStateRegistering},
		{call.RegistrationStateRegistering, call.RegistrationStateRegistered},
	}
	if diff := cmp.Diff(want, registrationEdges(evts), cmp.AllowUnexported(regEdge{})); diff != "" {
		t.Fatalf("registration events mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(evts[0].Err, call.ErrRegistration) {
		t.Fatalf("evts[0].Err = %v, want %v", evts[0].Err, call.ErrRegistration)
	}

	if _, err := p.StartCall(ctx, testRemote); err != nil {
		t.Fatalf("p.StartCall() error = %v, want nil", err)
	}
}

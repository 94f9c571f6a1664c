package call_test

import (
	"errors"
	"testing"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/log"
)

func TestNegotiate(t *testing.T) {
	t.Parallel()

	inactiveVideo := sdpLines(
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=rtpmap:111 opus/48000/2",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"a=rtpmap:96 VP8/90000",
		"a=inactive",
	)

	cases := []struct {
		name    string
		local   call.Constraints
		sdp     string
		want    call.Constraints
		wantErr error
	}{
		{"empty sdp", call.DefaultConstraints, "", call.DefaultConstraints, nil},
		{"audio and video", call.DefaultConstraints, sdpAudioVideo, call.DefaultConstraints, nil},
		{"rejected video", call.DefaultConstraints, sdpAudioOnly, call.Constraints{Audio: true}, nil},
		{"inactive video", call.DefaultConstraints, inactiveVideo, call.Constraints{Audio: true}, nil},
		{"local audio only", call.Constraints{Audio: true}, sdpAudioVideo, call.Constraints{Audio: true}, nil},
		{"garbage", call.DefaultConstraints, "hello", call.Constraints{}, call.ErrInvalidArgument},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := call.Negotiate(c.local, c.sdp)
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("call.Negotiate() error = %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("call.Negotiate() error = %v, want nil", err)
			}
			if got != c.want {
				t.Fatalf("call.Negotiate() = %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestConstraints_String(t *testing.T) {
	t.Parallel()

	cases := map[call.Constraints]string{
		{Audio: true, Video: true}: "audio+video",
		{Audio: true}:              "audio",
		{Video: true}:              "video",
		{}:                         "none",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", c, got, want)
		}
	}
}

func newTestCoordinator(t *testing.T) (*call.MediaCoordinator, *call.Registry, *stubMedia) {
	t.Helper()

	var c *call.MediaCoordinator
	reg := call.NewRegistry(&call.RegistryOptions{
		NewSession: func(id string, dir call.Direction, remoteParty string) (*call.Session, error) {
			return call.NewSession(id, dir, remoteParty, &call.SessionOptions{Media: c, Logger: log.Noop})
		},
		Logger: log.Noop,
	})
	mc := newStubMedia()
	c, err := call.NewMediaCoordinator(mc, &call.MediaCoordinatorOptions{Registry: reg, Logger: log.Noop})
	if err != nil {
		t.Fatalf("call.NewMediaCoordinator() error = %v, want nil", err)
	}
	t.Cleanup(c.Close)
	return c, reg, mc
}

func TestNewMediaCoordinator_NilCapability(t *testing.T) {
	t.Parallel()

	if _, err := call.NewMediaCoordinator(nil, nil); !errors.Is(err, call.ErrInvalidArgument) {
		t.Fatalf("call.NewMediaCoordinator(nil) error = %v, want %v", err, call.ErrInvalidArgument)
	}
}

func TestMediaCoordinator_AcquireLocalMedia(t *testing.T) {
	t.Parallel()

	c, reg, mc := newTestCoordinator(t)
	s, err := reg.Create(call.DirectionOutgoing, testRemote, "")
	if err != nil {
		t.Fatalf("reg.Create() error = %v, want nil", err)
	}

	h, err := c.AcquireLocalMedia(t.Context(), s.ID(), call.DefaultConstraints)
	if err != nil {
		t.Fatalf("c.AcquireLocalMedia() error = %v, want nil", err)
	}
	if got, want := h.Kind(), call.MediaKindLocal; got != want {
		t.Fatalf("h.Kind() = %q, want %q", got, want)
	}
	if got, want := h.SessionID(), s.ID(); got != want {
		t.Fatalf("h.SessionID() = %q, want %q", got, want)
	}
	if s.LocalMedia() != h {
		t.Fatalf("s.LocalMedia() = %v, want %v", s.LocalMedia(), h)
	}
	if got, want := h.ID(), mc.lastCapture().ID(); got != want {
		t.Fatalf("h.ID() = %q, want %q", got, want)
	}

	if _, err := c.AcquireLocalMedia(t.Context(), s.ID(), call.Constraints{}); !errors.Is(err, call.ErrInvalidArgument) {
		t.Fatalf("c.AcquireLocalMedia(empty) error = %v, want %v", err, call.ErrInvalidArgument)
	}
}

func TestMediaCoordinator_AcquireLocalMedia_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"denied", call.ErrPermissionDenied, call.ErrPermissionDenied},
		{"wrapped denied", errors.Join(errors.New("NotAllowedError"), call.ErrPermissionDenied), call.ErrPermissionDenied},
		{"no device", errors.New("NotFoundError"), call.ErrDeviceUnavailable},
		{"media error", call.NewMediaError(call.ErrDeviceUnavailable, "", errors.New("busy")), call.ErrDeviceUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			mco, reg, mc := newTestCoordinator(t)
			s, err := reg.Create(call.DirectionOutgoing, testRemote, "")
			if err != nil {
				t.Fatalf("reg.Create() error = %v, want nil", err)
			}
			mc.setCaptureErr(c.err)

			_, err = mco.AcquireLocalMedia(t.Context(), s.ID(), call.DefaultConstraints)
			if !errors.Is(err, c.want) {
				t.Fatalf("c.AcquireLocalMedia() error = %v, want %v", err, c.want)
			}
			var merr *call.MediaError
			if !errors.As(err, &merr) {
				t.Fatalf("c.AcquireLocalMedia() error = %T, want *call.MediaError", err)
			}
			if merr.SessionID != s.ID() {
				t.Fatalf("merr.SessionID = %q, want %q", merr.SessionID, s.ID())
			}
			if s.LocalMedia() != nil {
				t.Fatal("s.LocalMedia() != nil, want nil")
			}
		})
	}
}

func TestMediaCoordinator_AcquireForTerminatedSession(t *testing.T) {
	t.Parallel()

	c, reg, mc := newTestCoordinator(t)
	s, err := reg.Create(call.DirectionOutgoing, testRemote, "")
	if err != nil {
		t.Fatalf("reg.Create() error = %v, want nil", err)
	}
	if err := s.Fire(t.Context(), call.TriggerProtocolError, errors.New("gone")); err != nil {
		t.Fatalf("s.Fire() error = %v, want nil", err)
	}

	_, err = c.AcquireLocalMedia(t.Context(), s.ID(), call.DefaultConstraints)
	if !errors.Is(err, call.ErrSessionTerminated) {
		t.Fatalf("c.AcquireLocalMedia() error = %v, want %v", err, call.ErrSessionTerminated)
	}
	if st := mc.lastCapture(); st == nil || !st.closed.Load() {
		t.Fatal("capture of terminated session is not released")
	}
}

func TestMediaCoordinator_Release(t *testing.T) {
	t.Parallel()

	c, reg, mc := newTestCoordinator(t)
	s, err := reg.Create(call.DirectionOutgoing, testRemote, "")
	if err != nil {
		t.Fatalf("reg.Create() error = %v, want nil", err)
	}
	h, err := c.AcquireLocalMedia(t.Context(), s.ID(), call.DefaultConstraints)
	if err != nil {
		t.Fatalf("c.AcquireLocalMedia() error = %v, want nil", err)
	}

	c.Release(t.Context(), h)
	c.Release(t.Context(), h)
	c.Release(t.Context(), nil)

	if !h.Released() {
		t.Fatal("h.Released() = false, want true")
	}
	if !mc.lastCapture().closed.Load() {
		t.Fatal("stream is not closed")
	}
}

func TestMediaCoordinator_BindRemoteMedia(t *testing.T) {
	t.Parallel()

	c, reg, _ := newTestCoordinator(t)
	s, err := reg.Create(call.DirectionIncoming, testRemote, "")
	if err != nil {
		t.Fatalf("reg.Create() error = %v, want nil", err)
	}
	fireAll(t, s, call.TriggerInviteReceived)

	ringing := &stubStream{id: "r1"}
	if _, err := c.BindRemoteMedia(t.Context(), s.ID(), ringing); !errors.Is(err, call.ErrStaleMediaBinding) {
		t.Fatalf("c.BindRemoteMedia() error = %v, want %v", err, call.ErrStaleMediaBinding)
	}
	if !ringing.closed.Load() {
		t.Fatal("stale stream is not closed")
	}

	fireAll(t, s, call.TriggerLocalAnswer, call.TriggerMediaConfirmed)

	first := &stubStream{id: "r2"}
	h1, err := c.BindRemoteMedia(t.Context(), s.ID(), first)
	if err != nil {
		t.Fatalf("c.BindRemoteMedia() error = %v, want nil", err)
	}
	second := &stubStream{id: "r3"}
	h2, err := c.BindRemoteMedia(t.Context(), s.ID(), second)
	if err != nil {
		t.Fatalf("c.BindRemoteMedia() error = %v, want nil", err)
	}
	if !h1.Released() || h2.Released() {
		t.Fatalf("released = %v, %v, want replaced handle released only", h1.Released(), h2.Released())
	}
	if h, bound := s.RemoteMedia(); h != h2 || !bound {
		t.Fatalf("s.RemoteMedia() = %v, %v, want %v, true", h, bound, h2)
	}

	fireAll(t, s, call.TriggerTerminate)
	if !h2.Released() {
		t.Fatal("remote media is not released on termination")
	}

	late := &stubStream{id: "r4"}
	if _, err := c.BindRemoteMedia(t.Context(), s.ID(), late); !errors.Is(err, call.ErrStaleMediaBinding) {
		t.Fatalf("c.BindRemoteMedia() error = %v, want %v", err, call.ErrStaleMediaBinding)
	}
	if !late.closed.Load() {
		t.Fatal("late stream is not closed")
	}
}

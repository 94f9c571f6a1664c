// Package pionmedia implements [call.MediaCapability] on top of pion/webrtc.
//
// Each call session owns one PeerConnection. Local capture adds one track
// per requested media kind, remote tracks of a session are grouped into
// a single remote stream reported to [call.RemoteTrackHandler] callbacks.
package pionmedia

//go:generate go tool errtrace -w .

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"braces.dev/errtrace"
	"github.com/pion/webrtc/v4"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/internal/types"
	"github.com/ghettovoice/sipcall/log"
)

// DefaultICEServers are used when the configuration has no ICE servers.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Options are options for [New].
type Options struct {
	// Configuration is the PeerConnection configuration.
	// If it has no ICE servers, the [DefaultICEServers] are used
	// unless NoDefaultICEServers is set.
	Configuration       webrtc.Configuration
	NoDefaultICEServers bool
	// API creates PeerConnections. If nil, the pion default API is used.
	API *webrtc.API
	// Source produces local tracks. If nil, [StaticSource] is used.
	Source Source
	// Logger is the logger used by the capability.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *Options) config() webrtc.Configuration {
	if o == nil {
		return webrtc.Configuration{ICEServers: DefaultICEServers}
	}
	cfg := o.Configuration
	if len(cfg.ICEServers) == 0 && !o.NoDefaultICEServers {
		cfg.ICEServers = DefaultICEServers
	}
	return cfg
}

func (o *Options) api() *webrtc.API {
	if o == nil {
		return nil
	}
	return o.API
}

func (o *Options) source() Source {
	if o == nil || o.Source == nil {
		return StaticSource{}
	}
	return o.Source
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Capability is a pion/webrtc media capability.
type Capability struct {
	api *webrtc.API
	cfg webrtc.Configuration
	src Source
	log *slog.Logger

	onTrack types.CallbackManager[call.RemoteTrackHandler]

	mu     sync.Mutex
	peers  map[string]*peer
	closed map[string]struct{}
}

var (
	_ call.MediaCapability  = (*Capability)(nil)
	_ call.SessionDescriber = (*Capability)(nil)
)

// New creates a new media capability.
func New(opts *Options) *Capability {
	return &Capability{
		api:    opts.api(),
		cfg:    opts.config(),
		src:    opts.source(),
		log:    opts.log(),
		peers:  make(map[string]*peer),
		closed: make(map[string]struct{}),
	}
}

// RequestCapture captures the requested media kinds and adds them to the session PeerConnection.
func (c *Capability) RequestCapture(ctx context.Context, sessionID string, cons call.Constraints) (call.MediaStream, error) {
	p, err := c.peer(sessionID)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	kinds := make([]webrtc.RTPCodecType, 0, 2)
	if cons.Audio {
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	if cons.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}

	ls := &LocalStream{pc: p.pc, id: "local-" + sessionID}
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			ls.Close()
			return nil, errtrace.Wrap(err)
		}

		track, err := c.src.Capture(ctx, sessionID, kind)
		if err != nil {
			ls.Close()
			return nil, errtrace.Wrap(err)
		}
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			ls.Close()
			return nil, errtrace.Wrap(call.NewMediaError(call.ErrDeviceUnavailable, sessionID, err))
		}
		ls.tracks = append(ls.tracks, track)
		ls.senders = append(ls.senders, sender)
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "local media captured",
		slog.String("session_id", sessionID),
		slog.String("constraints", cons.String()),
	)
	return ls, nil
}

// OnRemoteTrack registers a callback called when the first remote track of a session arrives.
func (c *Capability) OnRemoteTrack(fn call.RemoteTrackHandler) (cancel func()) {
	return c.onTrack.Add(fn)
}

// CloseSession closes the session PeerConnection.
// A closed session can't be reopened, later requests for it fail
// with [call.ErrSessionTerminated].
// It is a no-op for unknown sessions.
func (c *Capability) CloseSession(sessionID string) error {
	c.mu.Lock()
	p, ok := c.peers[sessionID]
	delete(c.peers, sessionID)
	c.closed[sessionID] = struct{}{}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	p.cancel()
	return errtrace.Wrap(p.pc.Close())
}

// Close closes all sessions.
func (c *Capability) Close() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.CloseSession(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errors.Join(errs...))
}

// CreateOffer creates the local offer of the session with gathered ICE candidates.
func (c *Capability) CreateOffer(ctx context.Context, sessionID string) (string, error) {
	p, err := c.peer(sessionID)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return errtrace.Wrap2(c.setLocal(ctx, p, offer))
}

// CreateAnswer applies the remote offer and creates the local answer with gathered ICE candidates.
func (c *Capability) CreateAnswer(ctx context.Context, sessionID, offer string) (string, error) {
	p, err := c.peer(sessionID)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", errtrace.Wrap(err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return errtrace.Wrap2(c.setLocal(ctx, p, answer))
}

// SetRemoteAnswer applies the remote answer to the session offer.
func (c *Capability) SetRemoteAnswer(_ context.Context, sessionID, answer string) error {
	c.mu.Lock()
	p, ok := c.peers[sessionID]
	_, closed := c.closed[sessionID]
	c.mu.Unlock()

	if closed {
		return errtrace.Wrap(errSessionClosed(sessionID))
	}
	if !ok {
		return errtrace.Wrap(call.NewInvalidArgumentError("no media for session %q", sessionID))
	}
	return errtrace.Wrap(p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}))
}

func (c *Capability) setLocal(ctx context.Context, p *peer, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", errtrace.Wrap(err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", errtrace.Wrap(ctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errtrace.Wrap(webrtc.ErrConnectionClosed)
	}
	return local.SDP, nil
}

func errSessionClosed(sessionID string) error {
	return errorutil.NewWrapperError(call.ErrSessionTerminated, "media session %q is closed", sessionID) //errtrace:skip
}

type peer struct {
	id     string
	pc     *webrtc.PeerConnection
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	mu     sync.Mutex
	remote *RemoteStream
}

func (c *Capability) peer(sessionID string) (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[sessionID]; ok {
		return p, nil
	}
	if _, ok := c.closed[sessionID]; ok {
		return nil, errtrace.Wrap(errSessionClosed(sessionID))
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if c.api != nil {
		pc, err = c.api.NewPeerConnection(c.cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(c.cfg)
	}
	if err != nil {
		return nil, errtrace.Wrap(call.NewMediaError(call.ErrDeviceUnavailable, sessionID, err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{id: sessionID, pc: pc, ctx: ctx, cancel: cancel}
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		c.handleTrack(p, track, recv)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.log.LogAttrs(p.ctx, slog.LevelDebug, "peer connection state changed",
			slog.String("session_id", sessionID),
			slog.String("state", st.String()),
		)
	})
	c.peers[sessionID] = p
	return p, nil
}

func (c *Capability) handleTrack(p *peer, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	c.log.LogAttrs(p.ctx, slog.LevelDebug, "remote track received",
		slog.String("session_id", p.id),
		slog.String("kind", track.Kind().String()),
		slog.String("track_id", track.ID()),
		slog.String("stream_id", track.StreamID()),
	)

	p.mu.Lock()
	rs := p.remote
	first := rs == nil
	if first {
		rs = &RemoteStream{id: "remote-" + p.id}
		p.remote = rs
	}
	p.mu.Unlock()

	rs.add(track, recv)
	if !first {
		return
	}
	for fn := range c.onTrack.All() {
		fn(p.ctx, p.id, rs)
	}
}

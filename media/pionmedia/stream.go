package pionmedia

import (
	"context"
	"errors"
	"sync"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ghettovoice/sipcall/call"
)

// Source produces local tracks for a session.
type Source interface {
	Capture(ctx context.Context, sessionID string, kind webrtc.RTPCodecType) (webrtc.TrackLocal, error)
}

// SourceFunc is a function adapter for [Source].
type SourceFunc func(ctx context.Context, sessionID string, kind webrtc.RTPCodecType) (webrtc.TrackLocal, error)

func (f SourceFunc) Capture(ctx context.Context, sessionID string, kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
	return errtrace.Wrap2(f(ctx, sessionID, kind))
}

// StaticSource produces sample tracks fed by the application,
// Opus for audio and VP8 for video.
type StaticSource struct{}

func (StaticSource) Capture(_ context.Context, sessionID string, kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, errtrace.Wrap(call.NewInvalidArgumentError("unsupported media kind %q", kind))
	}

	track, err := webrtc.NewTrackLocalStaticSample(codec, kind.String()+"-"+uuid.NewString(), sessionID)
	if err != nil {
		return nil, errtrace.Wrap(call.NewMediaError(call.ErrDeviceUnavailable, sessionID, err))
	}
	return track, nil
}

// LocalStream is the set of local tracks of a session.
type LocalStream struct {
	pc      *webrtc.PeerConnection
	id      string
	tracks  []webrtc.TrackLocal
	senders []*webrtc.RTPSender
	once    sync.Once
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns the local tracks, the application writes samples to them.
func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Close removes the tracks from the PeerConnection.
func (s *LocalStream) Close() error {
	var errs []error
	s.once.Do(func() {
		for _, sender := range s.senders {
			err := s.pc.RemoveTrack(sender)
			if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errtrace.Wrap(errors.Join(errs...))
}

// RemoteStream is the set of remote tracks of a session.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	recvs  []*webrtc.RTPReceiver
	closed bool
}

func (s *RemoteStream) ID() string { return s.id }

// Tracks returns a snapshot of the remote tracks.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) add(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.tracks = append(s.tracks, track)
		s.recvs = append(s.recvs, recv)
	}
	s.mu.Unlock()

	if closed {
		recv.Stop() //nolint:errcheck
	}
}

// Close stops the receivers of the remote tracks.
func (s *RemoteStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	recvs := s.recvs
	s.mu.Unlock()

	var errs []error
	for _, recv := range recvs {
		if err := recv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errors.Join(errs...))
}

package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/log"
)

// Constraints is the set of media kinds requested for or negotiated by a session.
type Constraints struct {
	Audio bool `json:"audio" yaml:"audio"`
	Video bool `json:"video" yaml:"video"`
}

// DefaultConstraints requests bidirectional audio and video.
var DefaultConstraints = Constraints{Audio: true, Video: true}

// IsZero reports whether no media kind is requested.
func (c Constraints) IsZero() bool { return !c.Audio && !c.Video }

// Intersect returns the media kinds requested by both c and o.
func (c Constraints) Intersect(o Constraints) Constraints {
	return Constraints{Audio: c.Audio && o.Audio, Video: c.Video && o.Video}
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Audio:
		return "audio"
	case c.Video:
		return "video"
	default:
		return "none"
	}
}

// Negotiate intersects local constraints with the media kinds offered in the remote SDP.
// Media sections with zero port or the inactive direction are not counted.
// An empty SDP leaves the local constraints unchanged.
func Negotiate(local Constraints, remoteSDP string) (Constraints, error) {
	if strings.TrimSpace(remoteSDP) == "" {
		return local, nil
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(remoteSDP)); err != nil {
		return Constraints{}, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("parse remote SDP: %w", err)))
	}

	var remote Constraints
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		if _, ok := md.Attribute("inactive"); ok {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			remote.Audio = true
		case "video":
			remote.Video = true
		}
	}
	return local.Intersect(remote), nil
}

// MediaStream is a local capture or a remote track set provided by a [MediaCapability].
type MediaStream interface {
	ID() string
	Close() error
}

// RemoteTrackHandler is called when remote media arrives for a session.
type RemoteTrackHandler = func(ctx context.Context, sessionID string, stream MediaStream)

// MediaCapability is the platform media facility.
type MediaCapability interface {
	// RequestCapture acquires local capture devices for the session.
	// Errors matching [ErrPermissionDenied] or [ErrDeviceUnavailable] are
	// reported to callers with the same kind.
	RequestCapture(ctx context.Context, sessionID string, c Constraints) (MediaStream, error)
	// OnRemoteTrack registers a callback called on each remote track arrival.
	OnRemoteTrack(fn RemoteTrackHandler) (cancel func())
	// CloseSession releases everything the capability holds for the session.
	CloseSession(sessionID string) error
}

// SessionDescriber is implemented by media capabilities that produce and consume SDP.
// Capabilities that don't implement it leave session descriptions empty.
type SessionDescriber interface {
	CreateOffer(ctx context.Context, sessionID string) (string, error)
	CreateAnswer(ctx context.Context, sessionID, offer string) (string, error)
	SetRemoteAnswer(ctx context.Context, sessionID, answer string) error
}

// MediaKind is the origin of a media handle.
type MediaKind string

const (
	MediaKindLocal  MediaKind = "local"
	MediaKindRemote MediaKind = "remote"
)

// MediaHandle is an acquired media stream owned by exactly one session.
type MediaHandle struct {
	id        string
	sessionID string
	kind      MediaKind
	cons      Constraints
	stream    MediaStream
	released  atomic.Bool
}

func newMediaHandle(sessionID string, kind MediaKind, c Constraints, stream MediaStream) *MediaHandle {
	id := ""
	if stream != nil {
		id = stream.ID()
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &MediaHandle{
		id:        id,
		sessionID: sessionID,
		kind:      kind,
		cons:      c,
		stream:    stream,
	}
}

// ID returns the handle id, it is the stream id when the stream has one.
func (h *MediaHandle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// SessionID returns the id of the owning session.
func (h *MediaHandle) SessionID() string {
	if h == nil {
		return ""
	}
	return h.sessionID
}

// Kind reports whether the media is local or remote.
func (h *MediaHandle) Kind() MediaKind {
	if h == nil {
		return ""
	}
	return h.kind
}

// Constraints returns the media kinds the handle was created for.
func (h *MediaHandle) Constraints() Constraints {
	if h == nil {
		return Constraints{}
	}
	return h.cons
}

// Stream returns the underlying media stream.
func (h *MediaHandle) Stream() MediaStream {
	if h == nil {
		return nil
	}
	return h.stream
}

// Released reports whether the handle was released.
func (h *MediaHandle) Released() bool {
	return h == nil || h.released.Load()
}

// LogValue implements [slog.LogValuer].
func (h *MediaHandle) LogValue() slog.Value {
	if h == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", h.id),
		slog.String("session_id", h.sessionID),
		slog.String("kind", string(h.kind)),
		slog.String("constraints", h.cons.String()),
		slog.Bool("released", h.released.Load()),
	)
}

// MediaCoordinatorOptions are options for [NewMediaCoordinator].
type MediaCoordinatorOptions struct {
	// Registry resolves sessions by id.
	// If nil, acquired and bound media are not attached to sessions.
	Registry *Registry
	// Bridge receives warnings about discarded media.
	Bridge *Bridge
	// Logger is the logger used by the coordinator.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *MediaCoordinatorOptions) registry() *Registry {
	if o == nil {
		return nil
	}
	return o.Registry
}

func (o *MediaCoordinatorOptions) bridge() *Bridge {
	if o == nil {
		return nil
	}
	return o.Bridge
}

func (o *MediaCoordinatorOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// MediaCoordinator acquires local media, binds remote media to sessions
// and releases both when the session terminates.
type MediaCoordinator struct {
	mc     MediaCapability
	reg    *Registry
	bridge *Bridge
	log    *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[string]map[uint64]context.CancelFunc

	cancelOnTrack func()
}

// NewMediaCoordinator creates a new coordinator on top of the media capability.
func NewMediaCoordinator(mc MediaCapability, opts *MediaCoordinatorOptions) (*MediaCoordinator, error) {
	if mc == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("media capability is nil"))
	}

	c := &MediaCoordinator{
		mc:      mc,
		reg:     opts.registry(),
		bridge:  opts.bridge(),
		log:     opts.log(),
		pending: make(map[string]map[uint64]context.CancelFunc),
	}
	c.cancelOnTrack = mc.OnRemoteTrack(c.onRemoteTrack)
	return c, nil
}

// Close unsubscribes the coordinator from the media capability
// and cancels pending acquisitions.
func (c *MediaCoordinator) Close() {
	c.cancelOnTrack()

	c.mu.Lock()
	for id, reqs := range c.pending {
		for _, cancel := range reqs {
			cancel()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// track registers the in-flight acquisition, the returned func unregisters it.
func (c *MediaCoordinator) track(sessionID string, cancel context.CancelFunc) (untrack func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	tok := c.seq
	reqs := c.pending[sessionID]
	if reqs == nil {
		reqs = make(map[uint64]context.CancelFunc)
		c.pending[sessionID] = reqs
	}
	reqs[tok] = cancel

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(reqs, tok)
		if len(c.pending[sessionID]) == 0 {
			delete(c.pending, sessionID)
		}
	}
}

// AcquireLocalMedia requests local capture for the session.
// It must not be called while holding a session lock.
//
// If the session terminates while the request is in flight, the request is cancelled,
// any produced media is released and [ErrSessionTerminated] is returned.
// Cancellation of ctx is returned as is, capture failures are returned as [MediaError].
func (c *MediaCoordinator) AcquireLocalMedia(ctx context.Context, sessionID string, cons Constraints) (*MediaHandle, error) {
	if cons.IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty media constraints"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	untrack := c.track(sessionID, cancel)

	c.log.LogAttrs(ctx, slog.LevelDebug, "request local media",
		slog.String("session_id", sessionID),
		slog.String("constraints", cons.String()),
	)

	stream, err := c.mc.RequestCapture(ctx, sessionID, cons)
	untrack()

	if err != nil {
		switch {
		case c.reg != nil && c.sessionTerminated(sessionID):
			return nil, errtrace.Wrap(errorWithSession(ErrSessionTerminated, sessionID))
		case ctx.Err() != nil:
			return nil, errtrace.Wrap(ctx.Err())
		}
		return nil, errtrace.Wrap(classifyMediaError(sessionID, err))
	}

	h := newMediaHandle(sessionID, MediaKindLocal, cons, stream)
	if c.reg == nil {
		return h, nil
	}

	s, err := c.reg.Get(sessionID)
	if err == nil {
		err = s.attachLocalMedia(h)
	}
	if err != nil {
		c.log.LogAttrs(ctx, slog.LevelDebug, "discard local media of terminated session",
			slog.Any("media", h),
			slog.Any("error", err),
		)
		c.Release(ctx, h)
		return nil, errtrace.Wrap(errorWithSession(ErrSessionTerminated, sessionID))
	}
	return h, nil
}

func (c *MediaCoordinator) sessionTerminated(sessionID string) bool {
	if c.reg == nil {
		return true
	}
	s, err := c.reg.Get(sessionID)
	return err != nil || s.IsTerminal()
}

func classifyMediaError(sessionID string, err error) error {
	var merr *MediaError
	if errors.As(err, &merr) {
		if merr.SessionID == "" {
			merr.SessionID = sessionID
		}
		return merr //errtrace:skip
	}
	if errors.Is(err, ErrPermissionDenied) {
		return NewMediaError(ErrPermissionDenied, sessionID, err) //errtrace:skip
	}
	return NewMediaError(ErrDeviceUnavailable, sessionID, err) //errtrace:skip
}

// BindRemoteMedia attaches remote media to the session.
// Binding is only legal while the session is answered or active,
// otherwise the media is released and [ErrStaleMediaBinding] is returned
// and published as a [Warning].
func (c *MediaCoordinator) BindRemoteMedia(ctx context.Context, sessionID string, stream MediaStream) (*MediaHandle, error) {
	var (
		h   *MediaHandle
		err error
	)
	if c.reg == nil {
		err = errtrace.Wrap(errorWithSession(ErrStaleMediaBinding, sessionID))
	} else if s, gerr := c.reg.Get(sessionID); gerr != nil {
		err = errtrace.Wrap(errorutil.NewWrapperError(ErrStaleMediaBinding, gerr))
	} else {
		h = newMediaHandle(sessionID, MediaKindRemote, s.Constraints(), stream)
		err = s.bindRemoteMedia(ctx, h, c)
	}

	if err != nil {
		if h != nil {
			c.Release(ctx, h)
		} else if stream != nil {
			stream.Close() //nolint:errcheck
		}

		c.log.LogAttrs(ctx, slog.LevelWarn, "discard stale remote media",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		c.bridge.publishWarning(sessionID, err)
		return nil, errtrace.Wrap(err)
	}
	return h, nil
}

func (c *MediaCoordinator) onRemoteTrack(ctx context.Context, sessionID string, stream MediaStream) {
	c.BindRemoteMedia(ctx, sessionID, stream) //nolint:errcheck
}

// Release releases the media handle.
// It is safe to call multiple times and with nil handle.
func (c *MediaCoordinator) Release(ctx context.Context, h *MediaHandle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	logger := log.Default()
	if c != nil {
		logger = c.log
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "release media", slog.Any("media", h))

	if h.stream == nil {
		return
	}
	if err := h.stream.Close(); err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "failed to close media stream",
			slog.Any("media", h),
			slog.Any("error", err),
		)
	}
}

// releaseSession cancels pending acquisition and releases the session media.
// It is called on session termination under the session lock.
func (c *MediaCoordinator) releaseSession(ctx context.Context, sessionID string, handles ...*MediaHandle) {
	c.mu.Lock()
	for _, cancel := range c.pending[sessionID] {
		cancel()
	}
	c.mu.Unlock()

	for _, h := range handles {
		c.Release(ctx, h)
	}

	if err := c.mc.CloseSession(sessionID); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "failed to close media session",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	}
}

func (c *MediaCoordinator) createOffer(ctx context.Context, sessionID string) (string, error) {
	d, ok := c.mc.(SessionDescriber)
	if !ok {
		return "", nil
	}
	sdp, err := d.CreateOffer(ctx, sessionID)
	return errtrace.Wrap2(c.described(ctx, sessionID, sdp, err))
}

func (c *MediaCoordinator) createAnswer(ctx context.Context, sessionID, offer string) (string, error) {
	d, ok := c.mc.(SessionDescriber)
	if !ok {
		return "", nil
	}
	sdp, err := d.CreateAnswer(ctx, sessionID, offer)
	return errtrace.Wrap2(c.described(ctx, sessionID, sdp, err))
}

// described checks the outcome of a session description request.
// The session may have terminated while the description was made,
// its media session is closed again then, since describing may reopen it.
func (c *MediaCoordinator) described(ctx context.Context, sessionID, sdp string, err error) (string, error) {
	if c.reg != nil && c.sessionTerminated(sessionID) {
		if cerr := c.mc.CloseSession(sessionID); cerr != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "failed to close media session",
				slog.String("session_id", sessionID),
				slog.Any("error", cerr),
			)
		}
		return "", errtrace.Wrap(errorWithSession(ErrSessionTerminated, sessionID))
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", errtrace.Wrap(ctx.Err())
		}
		return "", errtrace.Wrap(NewMediaError(ErrDeviceUnavailable, sessionID, err))
	}
	return sdp, nil
}

func (c *MediaCoordinator) applyRemoteAnswer(ctx context.Context, sessionID, answer string) error {
	d, ok := c.mc.(SessionDescriber)
	if !ok || answer == "" {
		return nil
	}
	return errtrace.Wrap(d.SetRemoteAnswer(ctx, sessionID, answer))
}

// Package ws implements [call.SignalingTransport] over a WebSocket connection
// to a SIP-over-WebSocket gateway.
//
// Frames are JSON envelopes. The gateway terminates SIP and exchanges
// registration, call control and session descriptions with the phone:
//
//	-> {"type":"register","uri":"sip:1000@pbx.example.com","password":"..."}
//	<- {"type":"registration","state":"registered"}
//	-> {"type":"invite","call_id":"...","target":"sip:1001@pbx.example.com","sdp":"..."}
//	<- {"type":"progress","call_id":"..."}
//	<- {"type":"accepted","call_id":"...","sdp":"..."}
//
// A lost connection is re-established with exponential backoff, the phone
// is notified with registration events along the way.
package ws

//go:generate go tool errtrace -w .

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/internal/types"
	"github.com/ghettovoice/sipcall/log"
)

const (
	// ErrNotConnected is returned by Send* methods when the transport is not connected.
	ErrNotConnected errorutil.Error = "transport not connected"
	// ErrRejected is returned by Connect when the gateway rejects the registration.
	ErrRejected errorutil.Error = "registration rejected"
)

const (
	DefaultWriteTimeout      = 10 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultReconnectDelay    = 250 * time.Millisecond
	DefaultMaxReconnectDelay = 5 * time.Second
)

// Options are options for [New].
type Options struct {
	// Dialer is the WebSocket dialer.
	// If nil, the [websocket.DefaultDialer] is used.
	Dialer *websocket.Dialer
	// Header is sent with the opening handshake.
	Header http.Header
	// WriteTimeout bounds a single frame write.
	// If zero, the [DefaultWriteTimeout] is used.
	WriteTimeout time.Duration
	// PingInterval is the keepalive ping period.
	// If zero, the [DefaultPingInterval] is used, negative disables pings.
	PingInterval time.Duration
	// ReconnectDelay is the delay before the first reconnect attempt,
	// it doubles on each failed attempt up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts limits the reconnect attempts after a connection loss.
	// Zero means no limit.
	MaxReconnectAttempts int
	// Logger is the logger used by the transport.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *Options) dialer() *websocket.Dialer {
	if o == nil || o.Dialer == nil {
		return websocket.DefaultDialer
	}
	return o.Dialer
}

func (o *Options) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *Options) writeTimeout() time.Duration {
	if o == nil || o.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return o.WriteTimeout
}

func (o *Options) pingInterval() time.Duration {
	if o == nil || o.PingInterval == 0 {
		return DefaultPingInterval
	}
	return o.PingInterval
}

func (o *Options) reconnectDelay() (initial, maxDelay time.Duration) {
	initial, maxDelay = DefaultReconnectDelay, DefaultMaxReconnectDelay
	if o == nil {
		return initial, maxDelay
	}
	if o.ReconnectDelay > 0 {
		initial = o.ReconnectDelay
	}
	if o.MaxReconnectDelay > 0 {
		maxDelay = o.MaxReconnectDelay
	}
	return initial, max(initial, maxDelay)
}

func (o *Options) maxReconnectAttempts() int {
	if o == nil {
		return 0
	}
	return o.MaxReconnectAttempts
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Transport is a WebSocket signaling transport.
type Transport struct {
	opts *Options
	log  *slog.Logger

	hdls types.CallbackManager[call.SignalingHandler]

	connMu  sync.Mutex
	cur     atomic.Pointer[link]
	writeMu sync.Mutex
}

// link is a single registered lifetime of the transport, it spans reconnects.
type link struct {
	id      call.Identity
	conn    atomic.Pointer[websocket.Conn]
	closing atomic.Bool
	ctx     context.Context //nolint:containedctx
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ call.SignalingTransport = (*Transport)(nil)

// New creates a new disconnected transport.
func New(opts *Options) *Transport {
	return &Transport{
		opts: opts,
		log:  opts.log(),
	}
}

// Connect dials the identity server and registers the identity.
// It returns after the gateway accepted or rejected the registration.
// An existing connection is closed first.
func (t *Transport) Connect(ctx context.Context, id call.Identity) error {
	if id.Server == "" {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("identity server is empty"))
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if prev := t.cur.Swap(nil); prev != nil {
		if err := t.shutdown(ctx, prev); err != nil {
			t.log.LogAttrs(ctx, slog.LevelDebug, "failed to close previous connection", slog.Any("error", err))
		}
	}

	conn, err := t.register(ctx, id)
	if err != nil {
		return errtrace.Wrap(err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		id:     id,
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.conn.Store(conn)
	t.cur.Store(l)

	go t.run(l)
	return nil
}

// Disconnect unregisters the identity and closes the connection.
// It is a no-op when not connected.
// It must not be called from an event handler.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	l := t.cur.Swap(nil)
	if l == nil {
		return nil
	}
	return errtrace.Wrap(t.shutdown(ctx, l))
}

func (t *Transport) shutdown(ctx context.Context, l *link) error {
	l.closing.Store(true)

	var err error
	if conn := l.conn.Load(); conn != nil {
		err = t.write(conn, envelope{Type: msgUnregister})
		deadline := time.Now().Add(t.opts.writeTimeout())
		conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	l.cancel()

	select {
	case <-l.done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	t.log.LogAttrs(ctx, slog.LevelDebug, "transport disconnected", slog.Any("identity", l.id))
	return errtrace.Wrap(err)
}

// OnEvent registers a handler of inbound signaling events.
// Handlers are called sequentially from the connection reader.
func (t *Transport) OnEvent(fn call.SignalingHandler) (cancel func()) {
	return t.hdls.Add(fn)
}

func (t *Transport) SendInvite(_ context.Context, inv call.Invite) error {
	return errtrace.Wrap(t.send(envelope{
		Type:   msgInvite,
		CallID: inv.CallID,
		Target: inv.Target,
		SDP:    inv.SDP,
		Media:  mediaOf(inv.Constraints),
	}))
}

func (t *Transport) SendAnswer(_ context.Context, ans call.Answer) error {
	return errtrace.Wrap(t.send(envelope{
		Type:   msgAnswer,
		CallID: ans.CallID,
		SDP:    ans.SDP,
		Media:  mediaOf(ans.Constraints),
	}))
}

func (t *Transport) SendBye(_ context.Context, callID string) error {
	return errtrace.Wrap(t.send(envelope{Type: msgBye, CallID: callID}))
}

func (t *Transport) SendReject(_ context.Context, callID string, status int) error {
	return errtrace.Wrap(t.send(envelope{Type: msgReject, CallID: callID, Status: status}))
}

func (t *Transport) send(env envelope) error {
	l := t.cur.Load()
	if l == nil {
		return errtrace.Wrap(ErrNotConnected)
	}
	conn := l.conn.Load()
	if conn == nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrNotConnected, "reconnecting"))
	}
	return errtrace.Wrap(t.write(conn, env))
}

func (t *Transport) write(conn *websocket.Conn, env envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.opts.writeTimeout())); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(conn.WriteJSON(env))
}

// register dials the server and performs the registration handshake.
func (t *Transport) register(ctx context.Context, id call.Identity) (*websocket.Conn, error) {
	conn, resp, err := t.opts.dialer().DialContext(ctx, id.Server, t.opts.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	// unblocks the handshake read on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	err = t.handshake(ctx, conn, id)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, ErrRejected) {
			err = cerr
		}
		return nil, errtrace.Wrap(err)
	}
	return conn, nil
}

func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn, id call.Identity) error {
	if err := t.write(conn, envelope{
		Type:        msgRegister,
		URI:         id.URI,
		Password:    id.Password,
		DisplayName: id.DisplayName,
	}); err != nil {
		return errtrace.Wrap(err)
	}

	for {
		env, err := t.read(conn)
		if err != nil {
			return errtrace.Wrap(err)
		}
		if env.Type != msgRegistration {
			t.log.LogAttrs(ctx, slog.LevelDebug, "unexpected frame during registration", slog.Any("frame", env))
			continue
		}
		switch call.RegistrationState(env.State) {
		case call.RegistrationStateRegistered:
			return nil
		case call.RegistrationStateFailed, call.RegistrationStateUnregistered:
			if env.Reason == "" {
				return errtrace.Wrap(ErrRejected)
			}
			return errtrace.Wrap(errorutil.NewWrapperError(ErrRejected, env.Reason))
		}
	}
}

// read reads the next well-formed frame, malformed frames are skipped.
func (t *Transport) read(conn *websocket.Conn) (envelope, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return envelope{}, errtrace.Wrap(err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.LogAttrs(context.Background(), slog.LevelWarn, "malformed frame dropped",
				slog.Int("size", len(data)),
				slog.Any("error", err),
			)
			continue
		}
		return env, nil
	}
}

func (t *Transport) run(l *link) {
	defer close(l.done)

	for {
		conn := l.conn.Load()
		err := t.serve(l, conn)
		conn.Close()
		if l.closing.Load() || l.ctx.Err() != nil {
			return
		}

		l.conn.Store(nil)
		reason := err.Error()
		if errorutil.IsTimeoutErr(err) {
			reason = "keepalive timeout: " + reason
		}
		t.log.LogAttrs(l.ctx, slog.LevelWarn, "connection lost", slog.Any("error", err))
		t.emitRegistration(l.ctx, call.RegistrationStateUnregistered, reason)

		conn = t.reconnect(l)
		if conn == nil {
			return
		}
		l.conn.Store(conn)
	}
}

// serve reads frames from the connection until it fails.
func (t *Transport) serve(l *link, conn *websocket.Conn) error {
	stop := context.AfterFunc(l.ctx, func() { conn.Close() })
	defer stop()

	iv := t.opts.pingInterval()
	if iv > 0 {
		wait := 2*iv + t.opts.writeTimeout()
		conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return errtrace.Wrap(conn.SetReadDeadline(time.Now().Add(wait)))
		})

		quit := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.keepalive(conn, iv, quit)
		}()
		defer func() {
			close(quit)
			wg.Wait()
		}()
	}

	for {
		env, err := t.read(conn)
		if err != nil {
			return errtrace.Wrap(err)
		}
		t.dispatch(l.ctx, env)
	}
}

func (t *Transport) keepalive(conn *websocket.Conn, iv time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(iv)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.log.LogAttrs(context.Background(), slog.LevelDebug, "ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// reconnect re-registers the link identity with backoff.
// It returns nil when the link is closed, the gateway rejects
// the identity or the attempts are exhausted.
func (t *Transport) reconnect(l *link) *websocket.Conn {
	t.emitRegistration(l.ctx, call.RegistrationStateRegistering, "")

	delay, maxDelay := t.opts.reconnectDelay()
	maxAttempts := t.opts.maxReconnectAttempts()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-l.ctx.Done():
			return nil
		case <-timer.C:
		}

		conn, err := t.register(l.ctx, l.id)
		if err == nil {
			t.log.LogAttrs(l.ctx, slog.LevelInfo, "connection restored", slog.Int("attempt", attempt))
			t.emitRegistration(l.ctx, call.RegistrationStateRegistered, "")
			return conn
		}
		if l.ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			t.emitRegistration(l.ctx, call.RegistrationStateFailed, err.Error())
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			t.emitRegistration(l.ctx, call.RegistrationStateFailed, "reconnect attempts exhausted: "+err.Error())
			return nil
		}

		t.log.LogAttrs(l.ctx, slog.LevelDebug, "reconnect failed",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		delay = min(2*delay, maxDelay)
		timer.Reset(delay)
	}
}

func (t *Transport) dispatch(ctx context.Context, env envelope) {
	evt, ok := env.event()
	if !ok {
		t.log.LogAttrs(ctx, slog.LevelWarn, "unknown frame dropped", slog.Any("frame", env))
		return
	}
	t.deliver(ctx, evt)
}

func (t *Transport) emitRegistration(ctx context.Context, state call.RegistrationState, reason string) {
	t.deliver(ctx, call.SignalingEvent{
		Type:              call.SignalingEventRegistration,
		RegistrationState: state,
		Reason:            reason,
	})
}

func (t *Transport) deliver(ctx context.Context, evt call.SignalingEvent) {
	for fn := range t.hdls.All() {
		fn(ctx, evt)
	}
}

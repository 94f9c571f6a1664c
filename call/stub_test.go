package call_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghettovoice/sipcall/call"
	"github.com/ghettovoice/sipcall/log"
)

var testIdentity = call.Identity{
	URI:      "sip:1000@pbx.example.com",
	Password: "secret",
	Server:   "wss://pbx.example.com:8089/ws",
}

const testRemote = "sip:1001@pbx.example.com"

// testFlushTimeout keeps Close fast in tests that leave notifications unread.
const testFlushTimeout = 50 * time.Millisecond

func sdpLines(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var (
	sdpAudioVideo = sdpLines(
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:111 opus/48000/2",
		"a=sendrecv",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 VP8/90000",
		"a=sendrecv",
	)
	sdpAudioOnly = sdpLines(
		"v=0",
		"o=- 4215775240449105458 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:111 opus/48000/2",
		"a=sendrecv",
		"m=video 0 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 VP8/90000",
	)
)

type sentMsg struct {
	kind   string
	callID string
	status int
	sdp    string
	cons   call.Constraints
}

type stubTransport struct {
	mu         sync.Mutex
	connectErr error
	inviteErr  error
	connected  bool
	identity   call.Identity
	handlers   map[int]call.SignalingHandler
	nextID     int

	sent chan sentMsg
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		handlers: make(map[int]call.SignalingHandler),
		sent:     make(chan sentMsg, 32),
	}
}

func (st *stubTransport) Connect(_ context.Context, id call.Identity) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.connectErr != nil {
		return st.connectErr
	}
	st.connected = true
	st.identity = id
	return nil
}

func (st *stubTransport) Disconnect(context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connected = false
	return nil
}

func (st *stubTransport) SendInvite(_ context.Context, inv call.Invite) error {
	st.mu.Lock()
	err := st.inviteErr
	st.mu.Unlock()
	if err != nil {
		return err
	}
	st.sent <- sentMsg{kind: "invite", callID: inv.CallID, sdp: inv.SDP, cons: inv.Constraints}
	return nil
}

func (st *stubTransport) SendAnswer(_ context.Context, ans call.Answer) error {
	st.sent <- sentMsg{kind: "answer", callID: ans.CallID, sdp: ans.SDP, cons: ans.Constraints}
	return nil
}

func (st *stubTransport) SendBye(_ context.Context, callID string) error {
	st.sent <- sentMsg{kind: "bye", callID: callID}
	return nil
}

func (st *stubTransport) SendReject(_ context.Context, callID string, status int) error {
	st.sent <- sentMsg{kind: "reject", callID: callID, status: status}
	return nil
}

func (st *stubTransport) OnEvent(fn call.SignalingHandler) (cancel func()) {
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.handlers[id] = fn
	st.mu.Unlock()
	return func() {
		st.mu.Lock()
		delete(st.handlers, id)
		st.mu.Unlock()
	}
}

func (st *stubTransport) emit(ctx context.Context, evt call.SignalingEvent) {
	st.mu.Lock()
	hdls := make([]call.SignalingHandler, 0, len(st.handlers))
	for _, fn := range st.handlers {
		hdls = append(hdls, fn)
	}
	st.mu.Unlock()

	for _, fn := range hdls {
		fn(ctx, evt)
	}
}

func (st *stubTransport) connectedIdentity() (call.Identity, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.identity, st.connected
}

func (st *stubTransport) waitSent(t *testing.T, timeout time.Duration) sentMsg {
	t.Helper()

	select {
	case msg := <-st.sent:
		return msg
	case <-time.After(timeout):
		t.Fatalf("no message sent within %v", timeout)
		return sentMsg{}
	}
}

func (st *stubTransport) ensureNoSent(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case msg := <-st.sent:
		t.Fatalf("unexpected sent message %+v", msg)
	case <-time.After(d):
	}
}

type stubStream struct {
	id     string
	closed atomic.Bool
}

func (s *stubStream) ID() string { return s.id }

func (s *stubStream) Close() error {
	s.closed.Store(true)
	return nil
}

type stubMedia struct {
	mu         sync.Mutex
	captureErr error
	block      chan struct{}
	captures   []*stubStream
	closedSess []string
	remoteAns  map[string]string
	onDescribe func(sessionID string)
	handlers   map[int]call.RemoteTrackHandler
	nextID     int
	seq        atomic.Int64
}

func newStubMedia() *stubMedia {
	return &stubMedia{
		handlers:  make(map[int]call.RemoteTrackHandler),
		remoteAns: make(map[string]string),
	}
}

func (m *stubMedia) RequestCapture(ctx context.Context, sessionID string, _ call.Constraints) (call.MediaStream, error) {
	m.mu.Lock()
	err, block := m.captureErr, m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &stubStream{id: fmt.Sprintf("local-%s-%d", sessionID, m.seq.Add(1))}
	m.mu.Lock()
	m.captures = append(m.captures, s)
	m.mu.Unlock()
	return s, nil
}

func (m *stubMedia) OnRemoteTrack(fn call.RemoteTrackHandler) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *stubMedia) CloseSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedSess = append(m.closedSess, sessionID)
	return nil
}

func (m *stubMedia) CreateOffer(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	fn := m.onDescribe
	m.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
	return sdpAudioVideo, nil
}

func (m *stubMedia) CreateAnswer(context.Context, string, string) (string, error) {
	return sdpAudioVideo, nil
}

func (m *stubMedia) SetRemoteAnswer(_ context.Context, sessionID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteAns[sessionID] = answer
	return nil
}

func (m *stubMedia) setCaptureErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureErr = err
}

func (m *stubMedia) setBlock(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = ch
}

func (m *stubMedia) lastCapture() *stubStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		return nil
	}
	return m.captures[len(m.captures)-1]
}

func (m *stubMedia) setOnDescribe(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDescribe = fn
}

func (m *stubMedia) sessionCloseCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, s := range m.closedSess {
		if s == id {
			n++
		}
	}
	return n
}

func (m *stubMedia) sessionClosed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.closedSess {
		if s == id {
			return true
		}
	}
	return false
}

func (m *stubMedia) deliverTrack(ctx context.Context, sessionID string) *stubStream {
	s := &stubStream{id: fmt.Sprintf("remote-%s-%d", sessionID, m.seq.Add(1))}

	m.mu.Lock()
	hdls := make([]call.RemoteTrackHandler, 0, len(m.handlers))
	for _, fn := range m.handlers {
		hdls = append(hdls, fn)
	}
	m.mu.Unlock()

	for _, fn := range hdls {
		fn(ctx, sessionID, s)
	}
	return s
}

type stubLocator struct {
	u   *url.URL
	err error
}

func (l stubLocator) LookupSignalingServer(context.Context, string, bool) (*url.URL, error) {
	return l.u, l.err
}

func newTestPhone(t *testing.T, opts *call.PhoneOptions) (*call.Phone, *stubTransport, *stubMedia) {
	t.Helper()

	if opts == nil {
		opts = new(call.PhoneOptions)
	}
	if opts.Logger == nil {
		opts.Logger = log.Noop
	}
	if opts.FlushTimeout == 0 {
		opts.FlushTimeout = testFlushTimeout
	}
	if opts.Locator == nil {
		opts.Locator = stubLocator{err: errors.New("no locator in tests")}
	}

	tp := newStubTransport()
	mc := newStubMedia()
	p, err := call.NewPhone(tp, mc, opts)
	if err != nil {
		t.Fatalf("call.NewPhone() error = %v, want nil", err)
	}
	t.Cleanup(func() {
		if err := p.Close(context.Background()); err != nil {
			t.Errorf("p.Close() error = %v, want nil", err)
		}
	})
	return p, tp, mc
}

func registerPhone(t *testing.T, p *call.Phone) {
	t.Helper()

	if err := p.Register(t.Context(), testIdentity); err != nil {
		t.Fatalf("p.Register() error = %v, want nil", err)
	}
	if got, want := p.Registrar().State(), call.RegistrationStateRegistered; got != want {
		t.Fatalf("p.Registrar().State() = %q, want %q", got, want)
	}
}

type edge struct {
	from, to call.SessionState
}

func waitSessionEvents(t *testing.T, b *call.Bridge, n int, timeout time.Duration) []call.SessionEvent {
	t.Helper()

	evts := make([]call.SessionEvent, 0, n)
	deadline := time.After(timeout)
	for len(evts) < n {
		select {
		case evt, ok := <-b.Sessions():
			if !ok {
				t.Fatalf("session events channel closed after %d events, want %d", len(evts), n)
			}
			evts = append(evts, evt)
		case <-deadline:
			t.Fatalf("got %d session events within %v, want %d: %+v", len(evts), timeout, n, evts)
		}
	}
	return evts
}

func ensureNoSessionEvent(t *testing.T, b *call.Bridge, d time.Duration) {
	t.Helper()

	select {
	case evt := <-b.Sessions():
		t.Fatalf("unexpected session event %+v", evt)
	case <-time.After(d):
	}
}

func eventEdges(evts []call.SessionEvent) []edge {
	edges := make([]edge, len(evts))
	for i, evt := range evts {
		edges[i] = edge{evt.From, evt.To}
	}
	return edges
}

func waitWarning(t *testing.T, b *call.Bridge, timeout time.Duration) call.Warning {
	t.Helper()

	select {
	case w := <-b.Warnings():
		return w
	case <-time.After(timeout):
		t.Fatalf("no warning within %v", timeout)
		return call.Warning{}
	}
}

func waitRegistrationEvents(t *testing.T, b *call.Bridge, n int, timeout time.Duration) []call.RegistrationEvent {
	t.Helper()

	evts := make([]call.RegistrationEvent, 0, n)
	deadline := time.After(timeout)
	for len(evts) < n {
		select {
		case evt := <-b.Registrations():
			evts = append(evts, evt)
		case <-deadline:
			t.Fatalf("got %d registration events within %v, want %d: %+v", len(evts), timeout, n, evts)
		}
	}
	return evts
}

func waitSessionState(t *testing.T, s *call.Session, want call.SessionState, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("s.State() = %q, want %q within %v", s.State(), want, timeout)
}

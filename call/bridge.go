package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/types"
)

// SessionEvent describes a committed session state transition.
type SessionEvent struct {
	SessionID   string
	Direction   Direction
	RemoteParty string
	From        SessionState
	To          SessionState
	Trigger     Trigger
	Time        time.Time
	// Err is the failure cause when To is [SessionStateFailed].
	Err error
}

// LogValue implements [slog.LogValuer].
func (e SessionEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("session_id", e.SessionID),
		slog.String("from", string(e.From)),
		slog.String("to", string(e.To)),
		slog.String("trigger", string(e.Trigger)),
		slog.Any("error", e.Err),
	)
}

// RegistrationEvent describes a committed registration state transition.
type RegistrationEvent struct {
	From RegistrationState
	To   RegistrationState
	Time time.Time
	// Err is the failure or loss cause, if any.
	Err error
}

// LogValue implements [slog.LogValuer].
func (e RegistrationEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("from", string(e.From)),
		slog.String("to", string(e.To)),
		slog.Any("error", e.Err),
	)
}

// Warning reports a non-fatal condition, such as a discarded media binding
// or a rejected conflicting call.
type Warning struct {
	SessionID string
	Err       error
	Time      time.Time
}

// Bridge is the outward notification stream of a phone.
//
// Events of each kind are delivered in the order they were committed.
// Publishing never blocks: events are buffered until they are read or the bridge is closed.
type Bridge struct {
	sessions stream[SessionEvent]
	regs     stream[RegistrationEvent]
	warns    stream[Warning]

	flush     chan struct{}
	flushOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	finished  chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

// NewBridge creates a new bridge and starts its dispatch goroutines.
// The bridge must be stopped with [Bridge.Shutdown] or [Bridge.Close].
func NewBridge() *Bridge {
	b := &Bridge{
		sessions: newStream[SessionEvent](),
		regs:     newStream[RegistrationEvent](),
		warns:    newStream[Warning](),
		flush:    make(chan struct{}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	b.wg.Add(3)
	go b.sessions.run(b.flush, b.done, &b.dropped, &b.wg)
	go b.regs.run(b.flush, b.done, &b.dropped, &b.wg)
	go b.warns.run(b.flush, b.done, &b.dropped, &b.wg)
	go func() {
		b.wg.Wait()
		close(b.finished)
	}()
	return b
}

// Sessions returns the ordered stream of session events.
// The channel is closed when the bridge is closed.
func (b *Bridge) Sessions() <-chan SessionEvent { return b.sessions.out }

// Registrations returns the stream of registration events.
// The channel is closed when the bridge is closed.
func (b *Bridge) Registrations() <-chan RegistrationEvent { return b.regs.out }

// Warnings returns the stream of warnings.
// The channel is closed when the bridge is closed.
func (b *Bridge) Warnings() <-chan Warning { return b.warns.out }

// Shutdown delivers the buffered events and closes the event channels.
// Events published after Shutdown was called may be left undelivered.
//
// If ctx is done before subscribers read everything, the rest is dropped
// and an error wrapping the context cause is returned.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.flushOnce.Do(func() { close(b.flush) })

	select {
	case <-b.finished:
		return nil
	case <-ctx.Done():
	}

	b.stop()
	if n := b.dropped.Load(); n > 0 {
		return errtrace.Wrap(fmt.Errorf("%d undelivered events dropped: %w", n, context.Cause(ctx)))
	}
	return nil
}

// Close stops delivery and closes the event channels.
// Undelivered events are dropped.
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	b.stop()
}

func (b *Bridge) stop() {
	b.doneOnce.Do(func() { close(b.done) })
	<-b.finished
}

func (b *Bridge) publishSession(evt SessionEvent) {
	if b == nil {
		return
	}
	b.sessions.q.Append(evt)
}

func (b *Bridge) publishRegistration(evt RegistrationEvent) {
	if b == nil {
		return
	}
	b.regs.q.Append(evt)
}

func (b *Bridge) publishWarning(sessionID string, err error) {
	if b == nil {
		return
	}
	b.warns.q.Append(Warning{SessionID: sessionID, Err: err, Time: time.Now()})
}

type stream[T any] struct {
	q   *types.Deque[T]
	out chan T
}

func newStream[T any]() stream[T] {
	return stream[T]{q: new(types.Deque[T]), out: make(chan T)}
}

func (s stream[T]) run(flush, done <-chan struct{}, dropped *atomic.Int64, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(s.out)
	defer func() { dropped.Add(int64(len(s.q.Drain()))) }()

	for {
		item, ok := s.q.PopFirst()
		if !ok {
			select {
			case <-s.q.Ready():
				continue
			case <-flush:
				if s.q.IsEmpty() {
					return
				}
				continue
			case <-done:
				return
			}
		}

		select {
		case s.out <- item:
		case <-done:
			dropped.Add(1)
			return
		}
	}
}

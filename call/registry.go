package call

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/errorutil"
	"github.com/ghettovoice/sipcall/log"
)

// SessionFactory creates a new session for the registry.
type SessionFactory = func(id string, dir Direction, remoteParty string) (*Session, error)

// RegistryOptions are options for [NewRegistry].
type RegistryOptions struct {
	// NewSession creates sessions.
	// If nil, sessions are created with [NewSession] and no options.
	NewSession SessionFactory
	// Logger is the logger used by the registry.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *RegistryOptions) newSession() SessionFactory {
	if o == nil || o.NewSession == nil {
		return func(id string, dir Direction, remoteParty string) (*Session, error) {
			return errtrace.Wrap2(NewSession(id, dir, remoteParty, nil))
		}
	}
	return o.NewSession
}

func (o *RegistryOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Registry tracks call sessions by id.
//
// At most one registered session may be non-terminal at a time.
// Terminated sessions are removed from the registry automatically.
type Registry struct {
	newSess SessionFactory
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a new empty registry.
func NewRegistry(opts *RegistryOptions) *Registry {
	return &Registry{
		newSess:  opts.newSession(),
		log:      opts.log(),
		sessions: make(map[string]*Session),
	}
}

// Create creates and registers a new session.
// If id is empty, a random one is generated.
//
// It returns [ErrSessionConflict] if another session is not terminated yet.
func (r *Registry) Create(dir Direction, remoteParty, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if !s.IsTerminal() {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrSessionConflict,
				"session %q is %s", s.ID(), s.State()))
		}
	}

	if id != "" {
		if _, ok := r.sessions[id]; ok {
			delete(r.sessions, id)
		}
	}

	s, err := r.newSess(id, dir, remoteParty)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.OnTerminated(r.reap)
	r.sessions[s.ID()] = s

	r.log.Debug("session created", slog.Any("session", s))
	return s, nil
}

// Get returns the registered session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errtrace.Wrap(errorWithSession(ErrSessionNotFound, id))
	}
	return s, nil
}

// Remove removes the session by id.
// Removing a missing session is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// Active returns the non-terminal session, if any.
func (r *Registry) Active() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if !s.IsTerminal() {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Collect(maps.Values(r.sessions))
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

func (r *Registry) reap(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ID()] == s {
		delete(r.sessions, s.ID())
		r.log.Debug("session removed", slog.Any("session", s))
	}
}

package session

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/room-2135/omniroom2-camera/internal/media"
	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

var (
	// ErrNoSession is returned when a peer has no registered session.
	ErrNoSession = errors.New("no session for peer")
	// ErrReplaced is returned by Ensure when the session was removed or
	// replaced while its branch was still being created.
	ErrReplaced = errors.New("session replaced during setup")
	// ErrClosed is returned by Ensure after Close.
	ErrClosed = errors.New("registry closed")
)

// Registry maps peer IDs to their sessions. It is safe for concurrent use.
// The lock only guards the map: media engine calls are always made after it
// is released.
type Registry struct {
	engine media.Engine
	events media.Events

	mu       sync.Mutex
	sessions map[protocol.PeerID]*Session
	closed   bool
}

// NewRegistry creates an empty registry. Branches it creates report their
// events to events.
func NewRegistry(engine media.Engine, events media.Events) *Registry {
	return &Registry{
		engine:   engine,
		events:   events,
		sessions: make(map[protocol.PeerID]*Session),
	}
}

// Ensure returns a fresh session for id. An existing session for the same
// peer is torn down first, its branch destroyed before the new one is
// created, so repeated call-inits never leak a branch.
func (r *Registry) Ensure(id protocol.PeerID) (*Session, error) {
	s := newSession(id)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		util.LogPeer(string(id), "replacing existing session (%s)", old.State())
		r.teardown(old)
	}

	h, err := r.engine.CreateBranch(id, r.events)
	if err != nil {
		r.mu.Lock()
		if r.sessions[id] == s {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		s.end()
		return nil, fmt.Errorf("creating branch for %s: %w", id, err)
	}

	if !s.attach(h) {
		if err := r.engine.DestroyBranch(h); err != nil {
			util.LogWarning("destroying orphaned branch %d: %v", h, err)
		}
		return nil, ErrReplaced
	}

	util.Stats.AddSessionOpened()
	return s, nil
}

// Get returns the session registered for id.
func (r *Registry) Get(id protocol.PeerID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup returns the session for id together with its attached branch. The
// error wraps ErrNoSession when id has no session or its branch is still
// being created.
func (r *Registry) Lookup(id protocol.PeerID) (*Session, media.BranchHandle, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, 0, fmt.Errorf("%w %s", ErrNoSession, id)
	}
	h := s.Branch()
	if h == 0 {
		return nil, 0, fmt.Errorf("%w %s: branch not attached", ErrNoSession, id)
	}
	return s, h, nil
}

// Remove tears down the session for id, if any, and reports whether one
// existed.
func (r *Registry) Remove(id protocol.PeerID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.teardown(s)
	}
	return ok
}

// RemoveBranch is Remove restricted to the session whose current branch is
// h. Events about an older branch of the same peer leave the newer session
// alone.
func (r *Registry) RemoveBranch(id protocol.PeerID, h media.BranchHandle) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || h == 0 || s.Branch() != h {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.teardown(s)
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions sorted by peer ID.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Close tears down every session. Later calls to Ensure fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := r.teardown(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// teardown ends s and destroys its branch. Must be called without r.mu held.
func (r *Registry) teardown(s *Session) error {
	h := s.end()
	if h == 0 {
		return nil
	}
	util.Stats.AddSessionClosed()

	if err := r.engine.DestroyBranch(h); err != nil {
		util.LogWarning("[%s] destroying branch %d: %v", s.ID, h, err)
		return fmt.Errorf("destroying branch for %s: %w", s.ID, err)
	}
	util.LogPeer(string(s.ID), "session closed")
	return nil
}

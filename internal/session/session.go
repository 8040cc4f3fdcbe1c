// Package session tracks the per-peer media sessions of the camera.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/media"
	"github.com/room-2135/omniroom2-camera/internal/protocol"
)

// State is the negotiation progress of one session.
type State uint8

const (
	Idle           State = iota // branch exists, nothing sent yet
	OfferRequested              // the engine asked for a negotiation
	OfferSent                   // local offer applied and queued for the peer
	AnswerApplied               // remote answer applied
	Ended                       // torn down; the session is no longer usable
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferRequested:
		return "offer-requested"
	case OfferSent:
		return "offer-sent"
	case AnswerApplied:
		return "answer-applied"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is the state held for one remote viewer: the media branch created
// for it and where its negotiation stands.
type Session struct {
	ID protocol.PeerID

	ready     chan struct{} // closed once the branch is attached or the session ended
	readyOnce sync.Once

	// negotiation serializes offer/answer chains so two negotiation-needed
	// events never interleave their SDP exchange.
	negotiation sync.Mutex

	mu      sync.Mutex
	branch  media.BranchHandle
	state   State
	created time.Time
	timer   *time.Timer
	held    []protocol.ICECandidate
	offered bool // an offer has been submitted on the current branch
}

func newSession(id protocol.PeerID) *Session {
	return &Session{
		ID:      id,
		ready:   make(chan struct{}),
		created: time.Now(),
	}
}

// Ready returns a channel closed once the session's branch has been attached.
// Operations that need the branch wait on it.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Branch returns the session's media branch handle, or 0 while the branch is
// still being created.
func (s *Session) Branch() media.BranchHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branch
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.created)
}

// Transition moves the session to next. It is a no-op on an ended session
// and reports whether the state changed.
func (s *Session) Transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended {
		return false
	}
	s.state = next
	return true
}

// HoldCandidate keeps a local candidate back until the branch's first offer
// has been submitted, so the peer never receives candidates ahead of a
// description. Once an offer is out, later renegotiations never hold.
// It reports whether c was held; a false result means c can be sent now.
// Candidates for an ended session are swallowed.
func (s *Session) HoldCandidate(c protocol.ICECandidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended {
		return true
	}
	if s.offered {
		return false
	}
	s.held = append(s.held, c)
	return true
}

// MarkOfferSent moves the session to OfferSent and returns the candidates
// held back until now. ok is false if the session has ended.
func (s *Session) MarkOfferSent() (held []protocol.ICECandidate, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended {
		return nil, false
	}
	s.state = OfferSent
	s.offered = true
	held, s.held = s.held, nil
	return held, true
}

// Serialize runs fn while holding the session's negotiation lock.
func (s *Session) Serialize(fn func() error) error {
	s.negotiation.Lock()
	defer s.negotiation.Unlock()
	return fn()
}

// ArmTimer schedules fn after d, replacing any pending timer. A zero or
// negative d disables it.
func (s *Session) ArmTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if d <= 0 || s.state == Ended {
		return
	}
	s.timer = time.AfterFunc(d, fn)
}

// StopTimer cancels the pending timer, if any.
func (s *Session) StopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// attach records the created branch and releases everything waiting on Ready.
// It returns false if the session ended while the branch was being created;
// the caller then owns h and must destroy it.
func (s *Session) attach(h media.BranchHandle) bool {
	defer s.markReady()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended {
		return false
	}
	s.branch = h
	return true
}

// end marks the session as ended and returns the branch to destroy, if any.
func (s *Session) end() media.BranchHandle {
	defer s.markReady()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended {
		return 0
	}
	s.state = Ended
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	h := s.branch
	s.branch = 0
	s.held = nil
	return h
}

// Package mediatest provides an in-memory media.Engine for tests. It keeps
// an ordered log of every call so tests can assert sequencing, and lets the
// test raise engine events by hand.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/media"
	"github.com/room-2135/omniroom2-camera/internal/protocol"
)

var _ media.Engine = (*Engine)(nil)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected engine failure")

// Branch is the recorded state of one fake branch.
type Branch struct {
	Peer       protocol.PeerID
	Local      []protocol.SessionDescription
	Remote     []protocol.SessionDescription
	Candidates []protocol.ICECandidate
	Destroyed  bool

	events media.Events
	offers int
}

// Engine is a fake media engine. The exported fields configure behaviour
// and must be set before the engine is used.
type Engine struct {
	// AutoNegotiate raises NegotiationNeeded from a separate goroutine
	// right after CreateBranch, the way a real engine does once tracks are
	// attached.
	AutoNegotiate bool
	// LocalDelay is slept inside SetLocalDescription.
	LocalDelay time.Duration

	FailCreateBranch error
	FailCreateOffer  error
	FailSetLocal     error
	FailSetRemote    error

	mu       sync.Mutex
	next     media.BranchHandle
	branches map[media.BranchHandle]*Branch
	calls    []string
}

// New returns an engine with no failures configured.
func New() *Engine {
	return &Engine{branches: make(map[media.BranchHandle]*Branch)}
}

// Record appends an entry to the call log. Tests use it to interleave their
// own observations (such as outbound sends) with engine calls.
func (e *Engine) Record(format string, args ...any) {
	e.mu.Lock()
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

// Calls returns a copy of the call log.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Branch returns a copy of the recorded branch state.
func (e *Engine) Branch(h media.BranchHandle) (Branch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.branches[h]
	if !ok {
		return Branch{}, false
	}
	cp := *b
	cp.Local = append([]protocol.SessionDescription(nil), b.Local...)
	cp.Remote = append([]protocol.SessionDescription(nil), b.Remote...)
	cp.Candidates = append([]protocol.ICECandidate(nil), b.Candidates...)
	return cp, true
}

// Live returns the number of created, not yet destroyed branches.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.branches {
		if !b.Destroyed {
			n++
		}
	}
	return n
}

// Negotiate raises NegotiationNeeded for h.
func (e *Engine) Negotiate(h media.BranchHandle) {
	if b, ok := e.events(h); ok {
		b.events.NegotiationNeeded(b.Peer, h)
	}
}

// EmitCandidate raises LocalICECandidate for h.
func (e *Engine) EmitCandidate(h media.BranchHandle, c protocol.ICECandidate) {
	if b, ok := e.events(h); ok {
		b.events.LocalICECandidate(b.Peer, h, c)
	}
}

// Disconnect raises BranchClosed for h, as if the peer went away.
func (e *Engine) Disconnect(h media.BranchHandle) {
	if b, ok := e.events(h); ok {
		b.events.BranchClosed(b.Peer, h)
	}
}

func (e *Engine) events(h media.BranchHandle) (Branch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.branches[h]
	if !ok || b.events == nil {
		return Branch{}, false
	}
	return *b, true
}

func (e *Engine) branch(h media.BranchHandle) (*Branch, error) {
	b, ok := e.branches[h]
	if !ok || b.Destroyed {
		return nil, fmt.Errorf("%w: %d", media.ErrUnknownBranch, h)
	}
	return b, nil
}

func (e *Engine) CreateBranch(peer protocol.PeerID, events media.Events) (media.BranchHandle, error) {
	e.mu.Lock()
	if e.FailCreateBranch != nil {
		e.calls = append(e.calls, fmt.Sprintf("create %s failed", peer))
		e.mu.Unlock()
		return 0, e.FailCreateBranch
	}
	e.next++
	h := e.next
	e.branches[h] = &Branch{Peer: peer, events: events}
	e.calls = append(e.calls, fmt.Sprintf("create %s %d", peer, h))
	auto := e.AutoNegotiate
	e.mu.Unlock()

	if auto {
		go events.NegotiationNeeded(peer, h)
	}
	return h, nil
}

func (e *Engine) DestroyBranch(h media.BranchHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.branch(h)
	if err != nil {
		return err
	}
	b.Destroyed = true
	e.calls = append(e.calls, fmt.Sprintf("destroy %s %d", b.Peer, h))
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context, h media.BranchHandle) (protocol.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.branch(h)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if e.FailCreateOffer != nil {
		e.calls = append(e.calls, fmt.Sprintf("offer %s %d failed", b.Peer, h))
		return protocol.SessionDescription{}, e.FailCreateOffer
	}
	b.offers++
	e.calls = append(e.calls, fmt.Sprintf("offer %s %d", b.Peer, h))
	return protocol.SessionDescription{
		Kind: protocol.KindOffer,
		SDP:  fmt.Sprintf("v=0 offer %s/%d/%d", b.Peer, h, b.offers),
	}, nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, h media.BranchHandle, d protocol.SessionDescription) error {
	e.mu.Lock()
	delay := e.LocalDelay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.branch(h)
	if err != nil {
		return err
	}
	if e.FailSetLocal != nil {
		e.calls = append(e.calls, fmt.Sprintf("local %s %d failed", b.Peer, h))
		return e.FailSetLocal
	}
	b.Local = append(b.Local, d)
	e.calls = append(e.calls, fmt.Sprintf("local %s %d", b.Peer, h))
	return nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, h media.BranchHandle, d protocol.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.branch(h)
	if err != nil {
		return err
	}
	if e.FailSetRemote != nil {
		e.calls = append(e.calls, fmt.Sprintf("remote %s %d failed", b.Peer, h))
		return e.FailSetRemote
	}
	b.Remote = append(b.Remote, d)
	e.calls = append(e.calls, fmt.Sprintf("remote %s %d", b.Peer, h))
	return nil
}

func (e *Engine) AddICECandidate(h media.BranchHandle, c protocol.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.branch(h)
	if err != nil {
		return err
	}
	b.Candidates = append(b.Candidates, c)
	e.calls = append(e.calls, fmt.Sprintf("ice %s %d", b.Peer, h))
	return nil
}

func (e *Engine) Stats(h media.BranchHandle) (media.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.branch(h); err != nil {
		return media.Stats{}, err
	}
	return media.Stats{ConnectionState: "connected", ICEState: "connected", Nominated: true}, nil
}

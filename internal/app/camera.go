// Package app wires the signaling layer to the media engine: it routes
// inbound envelopes, keeps one session per viewer, and drives each viewer's
// offer/answer negotiation.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/media"
	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/session"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

// Outbound accepts envelopes for delivery. Submit must not block.
type Outbound interface {
	Submit(env protocol.Envelope)
}

// EventStream yields inbound envelopes. Next returns an error wrapping
// protocol.ErrMalformed for a single bad event; any other error ends the
// stream.
type EventStream interface {
	Next() (protocol.Envelope, error)
	Close() error
}

// Options tunes the camera.
type Options struct {
	// NegotiationTimeout removes a session whose answer has not been
	// applied this long after its offer was sent. Zero disables it.
	NegotiationTimeout time.Duration
}

var _ media.Events = (*Camera)(nil)

// Camera is the signaling client for one camera. It implements
// media.Events: engine callbacks are handed to goroutines so the engine's
// own goroutines are never blocked.
type Camera struct {
	ctx      context.Context
	engine   media.Engine
	out      Outbound
	opts     Options
	registry *session.Registry

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a camera. ctx bounds every engine operation the camera starts.
func New(ctx context.Context, engine media.Engine, out Outbound, opts Options) *Camera {
	c := &Camera{
		ctx:    ctx,
		engine: engine,
		out:    out,
		opts:   opts,
	}
	c.registry = session.NewRegistry(engine, c)
	return c
}

// Sessions returns the session registry.
func (c *Camera) Sessions() *session.Registry {
	return c.registry
}

// EndCall tears down the session for peer, if any.
func (c *Camera) EndCall(peer protocol.PeerID) bool {
	if !c.registry.Remove(peer) {
		return false
	}
	util.LogPeer(string(peer), "call ended")
	return true
}

// Close tears down every session and waits for in-flight handlers. Engine
// callbacks arriving after Close has started are ignored.
func (c *Camera) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	for _, s := range c.registry.Snapshot() {
		util.LogDebug("closing session %s (%s, up %s)", s.ID, s.State(), s.Age().Round(time.Second))
	}
	err := c.registry.Close()
	c.wg.Wait()
	return err
}

func (c *Camera) spawn(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// NegotiationNeeded starts an offer for the branch.
func (c *Camera) NegotiationNeeded(peer protocol.PeerID, h media.BranchHandle) {
	c.spawn(func() { c.negotiate(peer, h) })
}

// LocalICECandidate forwards a gathered candidate to the peer. Candidates
// gathered before the offer went out are held back and sent right after it.
func (c *Camera) LocalICECandidate(peer protocol.PeerID, h media.BranchHandle, cand protocol.ICECandidate) {
	s, ok := c.registry.Get(peer)
	if !ok || s.Branch() != h {
		util.LogDebug("[%s] dropping candidate from stale branch %d", peer, h)
		return
	}
	if s.HoldCandidate(cand) {
		return
	}
	c.sendCandidate(peer, cand)
}

// BranchClosed ends the session when its media connection fails or closes.
func (c *Camera) BranchClosed(peer protocol.PeerID, h media.BranchHandle) {
	c.spawn(func() {
		if c.registry.RemoveBranch(peer, h) {
			util.LogPeer(string(peer), "media connection closed, session removed")
		}
	})
}

func (c *Camera) sendCandidate(peer protocol.PeerID, cand protocol.ICECandidate) {
	c.out.Submit(protocol.Envelope{
		Peer:    peer,
		Payload: protocol.ICE{Index: cand.Index, Candidate: cand.Candidate},
	})
}

// logStats writes a one-off diagnostic snapshot of the branch.
func (c *Camera) logStats(peer protocol.PeerID, h media.BranchHandle) {
	st, err := c.engine.Stats(h)
	if err != nil {
		util.LogDebug("[%s] stats unavailable: %v", peer, err)
		return
	}
	util.LogDebug("[%s] connection=%s ice=%s nominated=%t rtt=%s sent=%dB/%d packets",
		peer, st.ConnectionState, st.ICEState, st.Nominated, st.RoundTripTime, st.BytesSent, st.PacketsSent)
}

package app

import (
	"errors"
	"fmt"

	"github.com/room-2135/omniroom2-camera/internal/media"
	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/session"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

// errStale aborts work for a branch that is no longer the session's current
// one.
var errStale = errors.New("stale branch")

// negotiate runs one offer chain: create offer, apply it locally, and only
// then queue it for the peer. Chains for the same session never overlap.
func (c *Camera) negotiate(peer protocol.PeerID, h media.BranchHandle) {
	s, ok := c.registry.Get(peer)
	if !ok {
		util.LogWarning("[%s] negotiation needed but no session exists", peer)
		return
	}

	// The engine may ask before CreateBranch has returned the handle.
	select {
	case <-s.Ready():
	case <-c.ctx.Done():
		return
	}

	var prev session.State
	err := s.Serialize(func() error {
		if s.Branch() != h {
			return errStale
		}
		prev = s.State()
		s.Transition(session.OfferRequested)

		offer, err := c.engine.CreateOffer(c.ctx, h)
		if err != nil {
			return fmt.Errorf("creating offer: %w", err)
		}
		if err := c.engine.SetLocalDescription(c.ctx, h, offer); err != nil {
			return fmt.Errorf("applying local offer: %w", err)
		}

		if s.State() == session.Ended {
			return errStale
		}
		c.out.Submit(protocol.Envelope{Peer: peer, Payload: protocol.SDP{Description: offer.SDP}})

		held, ok := s.MarkOfferSent()
		if !ok {
			return errStale
		}
		for _, cand := range held {
			c.sendCandidate(peer, cand)
		}

		s.ArmTimer(c.opts.NegotiationTimeout, func() { c.expire(peer, h) })
		return nil
	})

	switch {
	case err == nil:
		util.LogPeer(string(peer), "offer sent")
	case errors.Is(err, errStale):
		util.LogDebug("[%s] ignoring negotiation for stale branch %d", peer, h)
	default:
		// A failed renegotiation leaves the previous exchange in force.
		util.LogError("[%s] negotiation failed: %v", peer, err)
		s.Transition(prev)
	}
}

// expire removes a session whose answer never arrived. It waits for any
// in-flight offer or answer on the session before deciding.
func (c *Camera) expire(peer protocol.PeerID, h media.BranchHandle) {
	s, ok := c.registry.Get(peer)
	if !ok {
		return
	}
	err := s.Serialize(func() error {
		if s.Branch() != h || s.State() == session.AnswerApplied {
			return errStale
		}
		util.LogWarning("[%s] no answer within %s, removing session", peer, c.opts.NegotiationTimeout)
		c.registry.RemoveBranch(peer, h)
		return nil
	})
	if err != nil {
		util.LogDebug("[%s] negotiation timer for branch %d no longer applies", peer, h)
	}
}

// handleCallInit gives the peer a fresh session, replacing any existing one.
func (c *Camera) handleCallInit(peer protocol.PeerID) {
	if _, err := c.registry.Ensure(peer); err != nil {
		util.LogError("[%s] call init failed: %v", peer, err)
		return
	}
	util.LogPeer(string(peer), "call initiated")
}

// handleRemoteSDP applies a viewer's answer.
func (c *Camera) handleRemoteSDP(peer protocol.PeerID, sdp protocol.SDP) {
	s, h, err := c.registry.Lookup(peer)
	if err != nil {
		util.LogWarning("[%s] dropping SDP: %v", peer, err)
		return
	}

	err = s.Serialize(func() error {
		if s.Branch() != h {
			return errStale
		}
		err := c.engine.SetRemoteDescription(c.ctx, h, protocol.SessionDescription{
			Kind: protocol.KindAnswer,
			SDP:  sdp.Description,
		})
		if err != nil {
			return err
		}
		s.StopTimer()
		s.Transition(session.AnswerApplied)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errStale):
		util.LogDebug("[%s] dropping answer for replaced branch %d", peer, h)
		return
	default:
		util.LogError("[%s] applying answer: %v", peer, err)
		return
	}

	util.LogPeer(string(peer), "answer applied")
	c.spawn(func() { c.logStats(peer, h) })
}

// handleRemoteICE forwards a viewer's candidate to the engine.
func (c *Camera) handleRemoteICE(peer protocol.PeerID, ice protocol.ICE) {
	_, h, err := c.registry.Lookup(peer)
	if err != nil {
		util.LogWarning("[%s] dropping ICE candidate: %v", peer, err)
		return
	}

	if err := c.engine.AddICECandidate(h, protocol.ICECandidate{Index: ice.Index, Candidate: ice.Candidate}); err != nil {
		util.LogError("[%s] adding remote candidate: %v", peer, err)
	}
}

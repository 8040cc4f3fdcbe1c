// Package media abstracts the WebRTC media engine. The camera owns one
// shared media source; every connected viewer gets its own branch of it,
// which carries the peer connection for that viewer.
package media

import (
	"context"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
)

// BranchHandle identifies one per-peer branch. Zero is never a valid handle.
type BranchHandle uint64

// Engine creates and drives per-peer branches. Methods may be called from
// any goroutine.
type Engine interface {
	// CreateBranch builds a branch for peer attached to the shared source.
	// The engine raises NegotiationNeeded on events asynchronously once the
	// branch is ready to negotiate.
	CreateBranch(peer protocol.PeerID, events Events) (BranchHandle, error)
	DestroyBranch(h BranchHandle) error

	CreateOffer(ctx context.Context, h BranchHandle) (protocol.SessionDescription, error)
	SetLocalDescription(ctx context.Context, h BranchHandle, d protocol.SessionDescription) error
	SetRemoteDescription(ctx context.Context, h BranchHandle, d protocol.SessionDescription) error
	AddICECandidate(h BranchHandle, c protocol.ICECandidate) error

	Stats(h BranchHandle) (Stats, error)
}

// Events receives asynchronous notifications from the engine. They are
// delivered on engine goroutines and must not block.
type Events interface {
	NegotiationNeeded(peer protocol.PeerID, h BranchHandle)
	LocalICECandidate(peer protocol.PeerID, h BranchHandle, c protocol.ICECandidate)
	BranchClosed(peer protocol.PeerID, h BranchHandle)
}

// Stats is a diagnostic snapshot of one branch.
type Stats struct {
	ConnectionState string
	ICEState        string
	Nominated       bool
	RoundTripTime   time.Duration
	BytesSent       uint64
	PacketsSent     uint64
}

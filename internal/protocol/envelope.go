// Package protocol defines the signaling envelope exchanged with the
// signaling server and its JSON wire format.
package protocol

// PeerID names a remote viewer session. It is assigned by the signaling
// server and is the key for all per-peer state.
type PeerID string

// Variant is the wire tag of a payload.
type Variant string

// Payload variant tags.
const (
	VariantWelcome         Variant = "Welcome"
	VariantNewCamera       Variant = "NewCamera"
	VariantCameraDiscovery Variant = "CameraDiscovery"
	VariantCameraPing      Variant = "CameraPing"
	VariantCallInit        Variant = "CallInit"
	VariantSDP             Variant = "SDP"
	VariantICE             Variant = "ICE"
)

// Payload is the closed set of message kinds. Only types declared in this
// package implement it.
type Payload interface {
	Variant() Variant
	isPayload()
}

// Welcome is sent by the server right after the event stream opens.
type Welcome struct{}

// NewCamera announces this camera to every connected viewer.
type NewCamera struct{}

// CameraDiscovery is a viewer asking which cameras are online.
type CameraDiscovery struct{}

// CameraPing answers a CameraDiscovery.
type CameraPing struct{}

// CallInit is a viewer requesting a media session.
type CallInit struct{}

// SDP carries a session description. The kind is implied by direction:
// outbound SDP is always an offer, inbound SDP is always an answer.
type SDP struct {
	Description string `json:"description"`
}

// ICE carries one trickled connectivity candidate.
type ICE struct {
	Index     uint32 `json:"index"`
	Candidate string `json:"candidate"`
}

func (Welcome) Variant() Variant         { return VariantWelcome }
func (NewCamera) Variant() Variant       { return VariantNewCamera }
func (CameraDiscovery) Variant() Variant { return VariantCameraDiscovery }
func (CameraPing) Variant() Variant      { return VariantCameraPing }
func (CallInit) Variant() Variant        { return VariantCallInit }
func (SDP) Variant() Variant             { return VariantSDP }
func (ICE) Variant() Variant             { return VariantICE }

func (Welcome) isPayload()         {}
func (NewCamera) isPayload()       {}
func (CameraDiscovery) isPayload() {}
func (CameraPing) isPayload()      {}
func (CallInit) isPayload()        {}
func (SDP) isPayload()             {}
func (ICE) isPayload()             {}

// Envelope is one signaling message. Peer is the sender for inbound
// envelopes and the recipient for outbound ones; empty means broadcast.
type Envelope struct {
	Peer    PeerID
	Payload Payload
}

// Broadcast reports whether the envelope has no specific peer.
func (e Envelope) Broadcast() bool {
	return e.Peer == ""
}

// SDPKind is the role of a session description.
type SDPKind uint8

const (
	KindOffer SDPKind = iota + 1
	KindAnswer
	KindPranswer
	KindRollback
)

func (k SDPKind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindPranswer:
		return "pranswer"
	case KindRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// SessionDescription is an opaque SDP blob tagged with its kind.
type SessionDescription struct {
	Kind SDPKind
	SDP  string
}

// ICECandidate is a connectivity candidate for one media line.
type ICECandidate struct {
	Index     uint32
	Candidate string
}

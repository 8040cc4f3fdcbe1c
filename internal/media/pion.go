package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

var _ Engine = (*PionEngine)(nil)

var (
	// ErrUnknownBranch is returned for a handle that was never created or
	// has already been destroyed.
	ErrUnknownBranch = errors.New("unknown media branch")
	// ErrInvalidSDP is returned when a remote description does not parse.
	ErrInvalidSDP = errors.New("invalid session description")
)

// DefaultSTUNServers are used when no STUN servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PionConfig configures the pion engine.
type PionConfig struct {
	// STUNServers used for ICE gathering. Nil means DefaultSTUNServers; an
	// empty non-nil slice gathers host candidates only.
	STUNServers []string
	// IncludeLoopback gathers loopback candidates, for same-host setups.
	IncludeLoopback bool
}

// PionEngine implements Engine with one pion PeerConnection per branch.
// Every connection carries the tracks of the shared Source.
type PionEngine struct {
	api    *webrtc.API
	config webrtc.Configuration
	tracks []webrtc.TrackLocal

	mu       sync.Mutex
	next     BranchHandle
	branches map[BranchHandle]*branch
}

type branch struct {
	peer protocol.PeerID
	pc   *webrtc.PeerConnection

	// destroyed is set before the connection is closed locally so its
	// close-related callbacks are not reported as failures.
	destroyed atomic.Bool
}

// NewPionEngine builds the pion API (codecs, default interceptors, logging)
// for the given source.
func NewPionEngine(cfg PionConfig, src *Source) (*PionEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	stun := cfg.STUNServers
	if stun == nil {
		stun = DefaultSTUNServers
	}
	var config webrtc.Configuration
	if len(stun) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}

	var tracks []webrtc.TrackLocal
	if src != nil {
		tracks = src.Tracks()
	}

	return &PionEngine{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		config:   config,
		tracks:   tracks,
		branches: make(map[BranchHandle]*branch),
	}, nil
}

func registerCodecs(m *webrtc.MediaEngine) error {
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"}},
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("registering H264: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("registering Opus: %w", err)
	}
	return nil
}

// CreateBranch creates a peer connection for peer and adds the shared
// tracks to it. Adding the tracks makes pion raise negotiation-needed, which
// is forwarded to events.
func (e *PionEngine) CreateBranch(peer protocol.PeerID, events Events) (BranchHandle, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return 0, fmt.Errorf("creating peer connection: %w", err)
	}

	b := &branch{peer: peer, pc: pc}

	e.mu.Lock()
	e.next++
	h := e.next
	e.branches[h] = b
	e.mu.Unlock()

	pc.OnNegotiationNeeded(func() {
		if b.destroyed.Load() {
			return
		}
		events.NegotiationNeeded(peer, h)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// A nil candidate marks the end of gathering.
		if c == nil || b.destroyed.Load() {
			return
		}
		init := c.ToJSON()
		var index uint32
		if init.SDPMLineIndex != nil {
			index = uint32(*init.SDPMLineIndex)
		}
		events.LocalICECandidate(peer, h, protocol.ICECandidate{Index: index, Candidate: init.Candidate})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] peer connection %s", peer, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			util.LogPeer(string(peer), "media connected")
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if !b.destroyed.Load() {
				events.BranchClosed(peer, h)
			}
		}
	})

	for _, track := range e.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			e.DestroyBranch(h)
			return 0, fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}

	return h, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, maxRTPPacket)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *PionEngine) lookup(h BranchHandle) (*branch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.branches[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBranch, h)
	}
	return b, nil
}

// DestroyBranch closes the branch's peer connection. Its callbacks stop
// reporting events.
func (e *PionEngine) DestroyBranch(h BranchHandle) error {
	e.mu.Lock()
	b, ok := e.branches[h]
	delete(e.branches, h)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBranch, h)
	}

	b.destroyed.Store(true)
	return b.pc.Close()
}

// Close destroys every branch.
func (e *PionEngine) Close() error {
	e.mu.Lock()
	handles := make([]BranchHandle, 0, len(e.branches))
	for h := range e.branches {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := e.DestroyBranch(h); err != nil && !errors.Is(err, ErrUnknownBranch) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *PionEngine) CreateOffer(ctx context.Context, h BranchHandle) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	b, err := e.lookup(h)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := b.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	return protocol.SessionDescription{Kind: protocol.KindOffer, SDP: offer.SDP}, nil
}

func (e *PionEngine) SetLocalDescription(ctx context.Context, h BranchHandle, d protocol.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := e.lookup(h)
	if err != nil {
		return err
	}
	desc, err := toWebRTC(d)
	if err != nil {
		return err
	}
	if err := b.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local %s: %w", d.Kind, err)
	}
	return nil
}

// SetRemoteDescription parses d before handing it to the peer connection so
// garbage is rejected with ErrInvalidSDP.
func (e *PionEngine) SetRemoteDescription(ctx context.Context, h BranchHandle, d protocol.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := e.lookup(h)
	if err != nil {
		return err
	}
	desc, err := toWebRTC(d)
	if err != nil {
		return err
	}
	if d.Kind != protocol.KindRollback {
		var parsed sdp.SessionDescription
		if err := parsed.UnmarshalString(d.SDP); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSDP, err)
		}
	}
	if err := b.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote %s: %w", d.Kind, err)
	}
	return nil
}

func (e *PionEngine) AddICECandidate(h BranchHandle, c protocol.ICECandidate) error {
	b, err := e.lookup(h)
	if err != nil {
		return err
	}
	if c.Index > math.MaxUint16 {
		return fmt.Errorf("candidate media line index %d out of range", c.Index)
	}
	index := uint16(c.Index)
	if err := b.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &index,
	}); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

// Stats reports the nominated candidate pair and outbound RTP totals.
func (e *PionEngine) Stats(h BranchHandle) (Stats, error) {
	b, err := e.lookup(h)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{
		ConnectionState: b.pc.ConnectionState().String(),
		ICEState:        b.pc.ICEConnectionState().String(),
	}
	for _, s := range b.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated {
				out.Nominated = true
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
				out.BytesSent = st.BytesSent
			}
		case webrtc.OutboundRTPStreamStats:
			out.PacketsSent += uint64(st.PacketsSent)
		}
	}
	return out, nil
}

func toWebRTC(d protocol.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Kind {
	case protocol.KindOffer:
		t = webrtc.SDPTypeOffer
	case protocol.KindAnswer:
		t = webrtc.SDPTypeAnswer
	case protocol.KindPranswer:
		t = webrtc.SDPTypePranswer
	case protocol.KindRollback:
		t = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description kind %d", d.Kind)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

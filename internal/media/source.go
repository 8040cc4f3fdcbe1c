package media

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/room-2135/omniroom2-camera/internal/util"
)

// maxRTPPacket is the receive buffer size for one ingested datagram.
const maxRTPPacket = 1500

// Source is the camera's single media source: one video and one audio track
// shared by every branch. Packets written to a track fan out to every peer
// connection the track was added to.
type Source struct {
	Video *webrtc.TrackLocalStaticRTP
	Audio *webrtc.TrackLocalStaticRTP
}

// NewSource creates the shared H264 video and Opus audio tracks.
func NewSource() (*Source, error) {
	streamID := "camera-" + uuid.NewString()

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}

	return &Source{Video: video, Audio: audio}, nil
}

// Tracks returns the tracks every branch attaches to.
func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.Video, s.Audio}
}

// Ingest binds the given UDP addresses and pumps the RTP packets received
// there into the video and audio tracks until ctx is cancelled. An empty
// address disables that track's ingest. Bind errors are returned before any
// pump starts.
func (s *Source) Ingest(ctx context.Context, videoAddr, audioAddr string) error {
	var conns []*net.UDPConn
	var tracks []*webrtc.TrackLocalStaticRTP

	for _, in := range []struct {
		addr  string
		track *webrtc.TrackLocalStaticRTP
	}{{videoAddr, s.Video}, {audioAddr, s.Audio}} {
		if in.addr == "" {
			continue
		}
		conn, err := listenUDP(in.addr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return err
		}
		conns = append(conns, conn)
		tracks = append(tracks, in.track)
	}

	for i, conn := range conns {
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		go pumpRTP(conn, tracks[i])
	}
	return nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving RTP address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening for RTP on %s: %w", addr, err)
	}
	return conn, nil
}

// pumpRTP reads RTP datagrams from conn and writes them into track. The
// track rewrites SSRC and payload type per peer connection. It returns when
// conn is closed.
func pumpRTP(conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP) {
	util.LogInfo("ingesting %s RTP on %s", track.Kind(), conn.LocalAddr())

	buf := make([]byte, maxRTPPacket)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogError("RTP ingest on %s: %v", conn.LocalAddr(), err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			util.LogTrace("dropping malformed RTP packet on %s: %v", conn.LocalAddr(), err)
			continue
		}

		if err := track.WriteRTP(&pkt); err != nil {
			util.LogTrace("writing %s RTP: %v", track.Kind(), err)
		}
	}
}

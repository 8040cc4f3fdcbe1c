package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/media/mediatest"
	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/signaling"
	"github.com/room-2135/omniroom2-camera/internal/signaltest"
)

var errHangup = errors.New("hangup")

type streamItem struct {
	env protocol.Envelope
	err error
}

// chanStream is an EventStream fed by the test.
type chanStream struct {
	items  chan streamItem
	closed chan struct{}
}

func newChanStream(items ...streamItem) *chanStream {
	s := &chanStream{items: make(chan streamItem, len(items)+8), closed: make(chan struct{})}
	for _, it := range items {
		s.items <- it
	}
	return s
}

func (s *chanStream) Next() (protocol.Envelope, error) {
	select {
	case it := <-s.items:
		return it.env, it.err
	case <-s.closed:
		return protocol.Envelope{}, errors.New("stream closed")
	}
}

func (s *chanStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestRunSkipsMalformed(t *testing.T) {
	engine := mediatest.New()
	c, out := newTestCamera(t, engine, Options{})

	stream := newChanStream(
		streamItem{err: fmt.Errorf("%w: truncated", protocol.ErrMalformed)},
		streamItem{err: protocol.ErrUnknownVariant},
		streamItem{env: protocol.Envelope{Peer: "viewer", Payload: protocol.CameraDiscovery{}}},
		streamItem{err: errHangup},
	)

	err := c.Run(context.Background(), stream)
	if !errors.Is(err, errHangup) {
		t.Fatalf("expected the terminal error, got %v", err)
	}

	pings := out.ofVariant(protocol.VariantCameraPing)
	if len(pings) != 1 || pings[0].Peer != "viewer" {
		t.Errorf("expected one ping to viewer after malformed events, got %+v", out.sent())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	engine := mediatest.New()
	c, _ := newTestCamera(t, engine, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	stream := newChanStream()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, stream) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// TestSignalingIntegration runs the camera against the fake signaling server
// with the real sender and event stream.
func TestSignalingIntegration(t *testing.T) {
	for _, transport := range []string{"sse", "ws"} {
		t.Run(transport, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv := signaltest.New(t)
			endpoints := signaling.Endpoints{Base: srv.URL}
			client, err := signaling.NewHTTPClient()
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}

			var stream *signaling.Stream
			if transport == "ws" {
				stream, err = signaling.SubscribeWebSocket(ctx, client, endpoints.WebSocketEvents())
			} else {
				stream, err = signaling.Subscribe(ctx, client, endpoints.Events())
			}
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer stream.Close()
			srv.WaitSubscribed(t, 2*time.Second)

			engine := mediatest.New()
			engine.AutoNegotiate = true
			sender := signaling.NewSender(ctx, client, endpoints.Message(), time.Second)
			c := New(ctx, engine, sender, Options{})
			defer c.Close()

			done := make(chan error, 1)
			go func() { done <- c.Run(ctx, stream) }()

			srv.PushEnvelope(t, protocol.Envelope{Peer: "server", Payload: protocol.Welcome{}})
			srv.Push(`{"sender":"viewer","payload":{"Bogus":{}}}`)
			srv.PushEnvelope(t, protocol.Envelope{Peer: "viewer", Payload: protocol.CallInit{}})

			posted := srv.WaitPosted(t, 2, 5*time.Second)
			if !posted[0].Broadcast() || posted[0].Payload.Variant() != protocol.VariantNewCamera {
				t.Errorf("first POST should be a broadcast NewCamera, got %+v", posted[0])
			}
			if posted[1].Peer != "viewer" || posted[1].Payload.Variant() != protocol.VariantSDP {
				t.Errorf("second POST should be the viewer's offer, got %+v", posted[1])
			}

			srv.PushEnvelope(t, protocol.Envelope{Peer: "viewer", Payload: protocol.SDP{Description: "v=0 answer"}})
			waitFor(t, 2*time.Second, "answer applied", func() bool {
				h := currentBranch(t, c, "viewer")
				b, _ := engine.Branch(h)
				return len(b.Remote) == 1
			})

			if n := srv.PostedWithCookie(); n != len(srv.Posted()) {
				t.Errorf("%d of %d POSTs carried the session cookie", n, len(srv.Posted()))
			}

			srv.Hangup()
			select {
			case err := <-done:
				if !errors.Is(err, signaling.ErrStreamEnded) {
					t.Errorf("expected ErrStreamEnded, got %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after the server hung up")
			}
		})
	}
}

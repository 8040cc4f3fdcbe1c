package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/signaltest"
)

type subscribeFunc func(ctx context.Context, client *http.Client, srv *signaltest.Server) (*Stream, error)

var transports = map[string]subscribeFunc{
	"sse": func(ctx context.Context, client *http.Client, srv *signaltest.Server) (*Stream, error) {
		return Subscribe(ctx, client, Endpoints{Base: srv.URL}.Events())
	},
	"ws": func(ctx context.Context, client *http.Client, srv *signaltest.Server) (*Stream, error) {
		return SubscribeWebSocket(ctx, client, Endpoints{Base: srv.URL}.WebSocketEvents())
	},
}

// nextWithin runs Next in a goroutine so a hung stream fails the test instead
// of blocking it forever.
func nextWithin(t *testing.T, s *Stream, d time.Duration) (protocol.Envelope, error) {
	t.Helper()
	type result struct {
		env protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := s.Next()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-time.After(d):
		t.Fatalf("Next did not return within %v", d)
		return protocol.Envelope{}, nil
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	for name, subscribe := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv := signaltest.New(t)
			client, err := NewHTTPClient()
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			stream, err := subscribe(ctx, client, srv)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer stream.Close()
			srv.WaitSubscribed(t, 2*time.Second)

			srv.PushEnvelope(t, protocol.Envelope{Peer: "srv", Payload: protocol.Welcome{}})
			srv.PushEnvelope(t, protocol.Envelope{Peer: "peer1", Payload: protocol.CallInit{}})
			srv.PushEnvelope(t, protocol.Envelope{Peer: "peer1", Payload: protocol.SDP{Description: "v=0"}})

			want := []protocol.Variant{protocol.VariantWelcome, protocol.VariantCallInit, protocol.VariantSDP}
			for i, v := range want {
				env, err := nextWithin(t, stream, 2*time.Second)
				if err != nil {
					t.Fatalf("event %d: %v", i, err)
				}
				if env.Payload.Variant() != v {
					t.Errorf("event %d: got %s, want %s", i, env.Payload.Variant(), v)
				}
			}
		})
	}
}

func TestStreamSkipsMalformed(t *testing.T) {
	for name, subscribe := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv := signaltest.New(t)
			client, _ := NewHTTPClient()
			stream, err := subscribe(ctx, client, srv)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer stream.Close()
			srv.WaitSubscribed(t, 2*time.Second)

			srv.Push(`not json`)
			srv.Push(`{"sender":"x","payload":"Bogus"}`)
			srv.PushEnvelope(t, protocol.Envelope{Peer: "peer1", Payload: protocol.CameraDiscovery{}})

			for i := range 2 {
				_, err := nextWithin(t, stream, 2*time.Second)
				var perr *ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("event %d: expected *ParseError, got %v", i, err)
				}
				if !errors.Is(err, protocol.ErrMalformed) {
					t.Errorf("event %d: expected ErrMalformed in chain, got %v", i, err)
				}
				if errors.Is(err, ErrStreamEnded) {
					t.Errorf("event %d: parse error must not be terminal", i)
				}
			}

			env, err := nextWithin(t, stream, 2*time.Second)
			if err != nil {
				t.Fatalf("expected stream to continue after malformed events, got %v", err)
			}
			if env.Peer != "peer1" || env.Payload.Variant() != protocol.VariantCameraDiscovery {
				t.Errorf("unexpected envelope: %+v", env)
			}
		})
	}
}

func TestStreamEndsOnHangup(t *testing.T) {
	for name, subscribe := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv := signaltest.New(t)
			client, _ := NewHTTPClient()
			stream, err := subscribe(ctx, client, srv)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer stream.Close()
			srv.WaitSubscribed(t, 2*time.Second)

			srv.Hangup()

			_, err = nextWithin(t, stream, 2*time.Second)
			if !errors.Is(err, ErrStreamEnded) {
				t.Fatalf("expected ErrStreamEnded, got %v", err)
			}

			// Terminal errors are sticky.
			_, again := stream.Next()
			if !errors.Is(again, ErrStreamEnded) {
				t.Errorf("expected sticky ErrStreamEnded, got %v", again)
			}
		})
	}
}

func TestStreamEndsOnCancel(t *testing.T) {
	for name, subscribe := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())

			srv := signaltest.New(t)
			client, _ := NewHTTPClient()
			stream, err := subscribe(ctx, client, srv)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer stream.Close()
			srv.WaitSubscribed(t, 2*time.Second)

			cancel()

			_, err = nextWithin(t, stream, 2*time.Second)
			if !errors.Is(err, ErrStreamEnded) {
				t.Fatalf("expected ErrStreamEnded after cancel, got %v", err)
			}
		})
	}
}

func TestSubscribeRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Subscribe(context.Background(), srv.Client(), srv.URL+"/events")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
}

func TestSubscribeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := Subscribe(context.Background(), http.DefaultClient, url+"/events"); err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
	if _, err := SubscribeWebSocket(context.Background(), http.DefaultClient, "ws"+url[len("http"):]+"/events"); err == nil {
		t.Fatal("expected an error for an unreachable WS server")
	}
}

// TestSessionCookieShared verifies that the cookie set on the event stream is
// sent back on /message by a sender that shares the client.
func TestSessionCookieShared(t *testing.T) {
	for name, subscribe := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv := signaltest.New(t)
			client, err := NewHTTPClient()
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			stream, err := subscribe(ctx, client, srv)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer stream.Close()
			srv.WaitSubscribed(t, 2*time.Second)

			s := NewSender(ctx, client, Endpoints{Base: srv.URL}.Message(), time.Second)
			s.Submit(protocol.Envelope{Payload: protocol.NewCamera{}})
			srv.WaitPosted(t, 1, 2*time.Second)

			if n := srv.PostedWithCookie(); n != 1 {
				t.Errorf("expected the POST to carry the session cookie, got %d", n)
			}
		})
	}
}

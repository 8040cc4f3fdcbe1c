// Package signaltest provides an in-process signaling server for tests. It
// speaks the same wire format as the real server: POST /message receives
// outbound envelopes and GET /events streams inbound ones, either as
// server-sent events or over a WebSocket.
package signaltest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
)

// CookieName is the session cookie set on /events and expected on /message.
const CookieName = "camera_session"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a fake signaling server backed by gin.
type Server struct {
	*httptest.Server

	events     chan string
	subscribed chan string

	mu         sync.Mutex
	posted     []protocol.Envelope
	withCookie int
	failNext   int
	hangup     chan struct{}
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		events:     make(chan string, 64),
		subscribed: make(chan string, 8),
		hangup:     make(chan struct{}),
	}

	router := gin.New()
	router.POST("/message", s.handleMessage)
	router.GET("/events", s.handleEvents)

	s.Server = httptest.NewServer(router)
	t.Cleanup(func() {
		s.Hangup()
		s.Server.Close()
	})
	return s
}

// Push queues raw event data for the subscriber, malformed or not.
func (s *Server) Push(raw string) {
	s.events <- raw
}

// PushEnvelope queues an envelope in the server's inbound form.
func (s *Server) PushEnvelope(t testing.TB, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.EncodeInbound(env)
	if err != nil {
		t.Fatalf("EncodeInbound: %v", err)
	}
	s.Push(string(data))
}

// Hangup ends the current subscription, as if the server went away.
func (s *Server) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.hangup:
	default:
		close(s.hangup)
	}
}

// FailNext makes the next n POSTs answer 500.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Posted returns a copy of every envelope accepted on /message.
func (s *Server) Posted() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.posted...)
}

// PostedWithCookie returns how many accepted POSTs carried the session cookie.
func (s *Server) PostedWithCookie() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withCookie
}

// WaitPosted polls until at least n envelopes were accepted.
func (s *Server) WaitPosted(t testing.TB, n int, timeout time.Duration) []protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.Posted(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := s.Posted()
	t.Fatalf("expected %d posted envelopes within %v, got %d: %+v", n, timeout, len(got), got)
	return nil
}

// WaitSubscribed blocks until a subscriber connects and returns its
// session id.
func (s *Server) WaitSubscribed(t testing.TB, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-s.subscribed:
		return id
	case <-time.After(timeout):
		t.Fatalf("no subscriber within %v", timeout)
		return ""
	}
}

func (s *Server) handleMessage(c *gin.Context) {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "injected failure"})
		return
	}
	s.mu.Unlock()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := protocol.DecodeOutbound(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, cookieErr := c.Cookie(CookieName)

	s.mu.Lock()
	s.posted = append(s.posted, env)
	if cookieErr == nil {
		s.withCookie++
	}
	s.mu.Unlock()

	c.Status(http.StatusOK)
}

func (s *Server) currentHangup() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A new subscription after a hangup gets a fresh channel.
	select {
	case <-s.hangup:
		s.hangup = make(chan struct{})
	default:
	}
	return s.hangup
}

func (s *Server) handleEvents(c *gin.Context) {
	id := uuid.New().String()
	hangup := s.currentHangup()

	if c.IsWebsocket() {
		s.serveWebSocket(c, id, hangup)
		return
	}

	c.SetCookie(CookieName, id, 0, "/", "", false, true)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	s.subscribed <- id

	c.Stream(func(w io.Writer) bool {
		select {
		case data := <-s.events:
			return sse.Encode(w, sse.Event{Data: data}) == nil
		case <-hangup:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) serveWebSocket(c *gin.Context, id string, hangup <-chan struct{}) {
	header := http.Header{}
	header.Add("Set-Cookie", (&http.Cookie{Name: CookieName, Value: id, Path: "/"}).String())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		return
	}
	defer conn.Close()
	s.subscribed <- id

	for {
		select {
		case data := <-s.events:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
				return
			}
		case <-hangup:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "hangup"))
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

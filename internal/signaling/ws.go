package signaling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SubscribeWebSocket opens the event stream over a WebSocket instead of SSE.
// Every text or binary frame is one envelope. The client's cookie jar is
// reused so the session cookie is shared with the sender.
func SubscribeWebSocket(ctx context.Context, client *http.Client, wsURL string) (*Stream, error) {
	dialer := *websocket.DefaultDialer
	if client != nil {
		dialer.Jar = client.Jar
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	src := &wsSource{conn: conn, stop: make(chan struct{})}

	// Close the connection when ctx is done so ReadMessage returns.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-src.stop:
		}
	}()

	return &Stream{src: src}, nil
}

type wsSource struct {
	conn     *websocket.Conn
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *wsSource) read() (string, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return string(data), nil
	}
}

func (s *wsSource) close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "camera shutting down"),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// Package signaling talks to the signaling server: a queued sender for
// POST /message and a subscription to the /events stream.
package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
)

// ErrStatus is returned when the server answers with a non-success status.
var ErrStatus = errors.New("unexpected HTTP status")

// NewHTTPClient returns the client shared by the sender and the event
// subscription. The cookie jar keeps the session cookie issued on /events
// attached to every POST. No overall timeout is set because the event
// stream is long-lived; the sender bounds each POST itself.
func NewHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &http.Client{Jar: jar}, nil
}

// Endpoints derives the server URLs from a base such as
// "https://example.org:8000".
type Endpoints struct {
	Base string
}

// Message returns the message-submission URL.
func (e Endpoints) Message() string {
	return strings.TrimRight(e.Base, "/") + "/message"
}

// Events returns the SSE event stream URL.
func (e Endpoints) Events() string {
	return strings.TrimRight(e.Base, "/") + "/events"
}

// WebSocketEvents returns the WebSocket flavour of the events URL.
func (e Endpoints) WebSocketEvents() string {
	u := e.Events()
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return nil
}

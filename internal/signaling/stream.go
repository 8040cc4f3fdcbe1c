package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
)

// ErrStreamEnded marks every terminal error returned by Stream.Next.
var ErrStreamEnded = errors.New("event stream ended")

// ParseError reports one event that could not be decoded. It is not
// terminal: the next call to Next continues with the following event.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed event %q: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// source yields the raw data of successive events.
type source interface {
	read() (string, error)
	close() error
}

// Stream is a lazy, unbounded sequence of inbound envelopes. It is consumed
// by a single goroutine.
type Stream struct {
	src source

	err       error // sticky terminal error
	closeOnce sync.Once
	closeErr  error
}

// Next blocks until the next event arrives. It returns a *ParseError for a
// malformed event (the stream stays usable) and an error wrapping
// ErrStreamEnded once the connection is gone or ctx was cancelled.
func (s *Stream) Next() (protocol.Envelope, error) {
	if s.err != nil {
		return protocol.Envelope{}, s.err
	}

	raw, err := s.src.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.err = ErrStreamEnded
		} else {
			s.err = fmt.Errorf("%w: %w", ErrStreamEnded, err)
		}
		return protocol.Envelope{}, s.err
	}

	env, err := protocol.DecodeInbound([]byte(raw))
	if err != nil {
		return protocol.Envelope{}, &ParseError{Raw: raw, Err: err}
	}
	return env, nil
}

// Close releases the underlying connection. Safe to call multiple times.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.close()
	})
	return s.closeErr
}

// Subscribe opens GET events as a server-sent event stream. Cancelling ctx
// tears the connection down and ends the stream.
func Subscribe(ctx context.Context, client *http.Client, eventsURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eventsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventsURL, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventsURL, err)
	}

	return &Stream{src: &sseSource{body: resp.Body, events: newSSEReader(resp.Body)}}, nil
}

type sseSource struct {
	body   io.ReadCloser
	events *sseReader
}

func (s *sseSource) read() (string, error) {
	ev, err := s.events.next()
	if err != nil {
		return "", err
	}
	return ev.Data, nil
}

func (s *sseSource) close() error {
	return s.body.Close()
}

package signaling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

// Sender is the single serialized path to POST /message. Submit never
// blocks: envelopes are appended to an unbounded FIFO queue drained by one
// worker goroutine, one POST per envelope. Failed sends are logged and
// dropped; there is no retry.
type Sender struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration

	mu      sync.Mutex
	queue   []protocol.Envelope
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewSender creates a sender and starts its worker. The worker runs until
// ctx is cancelled; timeout bounds each individual POST (0 means no bound).
func NewSender(ctx context.Context, client *http.Client, endpoint string, timeout time.Duration) *Sender {
	s := &Sender{
		client:   client,
		endpoint: endpoint,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go s.loop(ctx)

	return s
}

// Submit enqueues an envelope for transmission and returns immediately.
// It is safe to call from any goroutine, including media engine callbacks.
// Once the worker has exited the envelope is dropped.
func (s *Sender) Submit(env protocol.Envelope) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		util.Stats.AddDropped()
		util.LogDebug("sender stopped, dropping %s to %s", env.Payload.Variant(), recipientLabel(env))
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of envelopes not yet handed to the network.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done returns a channel that is closed once the worker has exited.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// loop is the single-consumer worker. It sleeps on the wake signal while
// the queue is empty.
func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	defer s.stop()

	for {
		env, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := s.post(ctx, env); err != nil {
			if ctx.Err() != nil {
				return
			}
			util.Stats.AddDropped()
			util.LogError("failed to send %s to %s: %v", env.Payload.Variant(), recipientLabel(env), err)
			continue
		}

		util.Stats.AddSent()
		util.LogDebug("sent %s to %s", env.Payload.Variant(), recipientLabel(env))
	}
}

// stop discards whatever is still queued and rejects further submits.
func (s *Sender) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if n := len(s.queue); n > 0 {
		util.LogWarning("sender stopped with %d envelope(s) unsent", n)
	}
	s.queue = nil
}

func (s *Sender) pop() (protocol.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return protocol.Envelope{}, false
	}
	env := s.queue[0]
	s.queue[0] = protocol.Envelope{}
	s.queue = s.queue[1:]
	return env, true
}

// post performs one POST. The response body is drained so the connection
// can be reused.
func (s *Sender) post(ctx context.Context, env protocol.Envelope) error {
	body, err := protocol.EncodeOutbound(env)
	if err != nil {
		return err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return checkStatus(resp)
}

func recipientLabel(env protocol.Envelope) string {
	if env.Broadcast() {
		return "everyone"
	}
	return string(env.Peer)
}

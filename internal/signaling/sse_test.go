package signaling

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []sseEvent
		end   error
	}{
		{
			name:  "single event",
			input: "data: {\"a\":1}\n\n",
			want:  []sseEvent{{Data: `{"a":1}`}},
			end:   io.EOF,
		},
		{
			name:  "no space after colon",
			input: "data:hello\n\n",
			want:  []sseEvent{{Data: "hello"}},
			end:   io.EOF,
		},
		{
			name:  "multi-line data",
			input: "data: one\ndata: two\n\n",
			want:  []sseEvent{{Data: "one\ntwo"}},
			end:   io.EOF,
		},
		{
			name:  "comments and keepalives",
			input: ": ping\n\n:another\ndata: x\n\n",
			want:  []sseEvent{{Data: "x"}},
			end:   io.EOF,
		},
		{
			name:  "event type and id",
			input: "event: message\nid: 7\ndata: y\n\n",
			want:  []sseEvent{{Type: "message", Data: "y"}},
			end:   io.EOF,
		},
		{
			name:  "crlf line endings",
			input: "data: a\r\n\r\ndata: b\r\n\r\n",
			want:  []sseEvent{{Data: "a"}, {Data: "b"}},
			end:   io.EOF,
		},
		{
			name:  "truncated event",
			input: "data: a\n\ndata: b",
			want:  []sseEvent{{Data: "a"}},
			end:   io.ErrUnexpectedEOF,
		},
		{
			name:  "empty stream",
			input: "",
			end:   io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newSSEReader(strings.NewReader(tt.input))
			for i, want := range tt.want {
				got, err := r.next()
				if err != nil {
					t.Fatalf("event %d: unexpected error: %v", i, err)
				}
				if got != want {
					t.Errorf("event %d: got %+v, want %+v", i, got, want)
				}
			}
			if _, err := r.next(); !errors.Is(err, tt.end) {
				t.Errorf("expected %v at end, got %v", tt.end, err)
			}
		})
	}
}

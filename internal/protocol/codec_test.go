package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestDecodeInboundVariants verifies every variant the server can send,
// including the two forms a unit variant may take.
func TestDecodeInboundVariants(t *testing.T) {
	testCases := []struct {
		name string
		data string
		want Envelope
	}{
		{
			name: "Welcome as string",
			data: `{"sender":"server","payload":"Welcome"}`,
			want: Envelope{Peer: "server", Payload: Welcome{}},
		},
		{
			name: "Welcome with body",
			data: `{"sender":"server","payload":{"Welcome":{"id":"abc"}}}`,
			want: Envelope{Peer: "server", Payload: Welcome{}},
		},
		{
			name: "CameraDiscovery",
			data: `{"sender":"viewer-1","payload":"CameraDiscovery"}`,
			want: Envelope{Peer: "viewer-1", Payload: CameraDiscovery{}},
		},
		{
			name: "CallInit",
			data: `{"sender":"peer1","payload":"CallInit"}`,
			want: Envelope{Peer: "peer1", Payload: CallInit{}},
		},
		{
			name: "SDP",
			data: `{"sender":"peer1","payload":{"SDP":{"description":"v=0\r\n"}}}`,
			want: Envelope{Peer: "peer1", Payload: SDP{Description: "v=0\r\n"}},
		},
		{
			name: "ICE",
			data: `{"sender":"peer1","payload":{"ICE":{"index":1,"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}}`,
			want: Envelope{Peer: "peer1", Payload: ICE{Index: 1, Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}},
		},
		{
			name: "NewCamera still decodes",
			data: `{"sender":"other","payload":"NewCamera"}`,
			want: Envelope{Peer: "other", Payload: NewCamera{}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tc.data))
			if err != nil {
				t.Fatalf("DecodeInbound failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Envelope mismatch: got %+v, want %+v", got, tc.want)
			}
		})
	}
}

// TestDecodeInboundMalformed verifies that structural problems are all
// reported as ErrMalformed.
func TestDecodeInboundMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not JSON", `{"sender":`},
		{"array", `[1,2]`},
		{"missing sender", `{"payload":"Welcome"}`},
		{"numeric sender", `{"sender":7,"payload":"Welcome"}`},
		{"invalid UTF-8 sender", "{\"sender\":\"p\xffx\",\"payload\":\"CallInit\"}"},
		{"missing payload", `{"sender":"peer1"}`},
		{"numeric payload", `{"sender":"peer1","payload":3}`},
		{"two tags", `{"sender":"peer1","payload":{"SDP":{"description":"x"},"ICE":{"index":0,"candidate":"c"}}}`},
		{"SDP as unit", `{"sender":"peer1","payload":"SDP"}`},
		{"SDP without description", `{"sender":"peer1","payload":{"SDP":{}}}`},
		{"ICE negative index", `{"sender":"peer1","payload":{"ICE":{"index":-1,"candidate":"c"}}}`},
		{"ICE fractional index", `{"sender":"peer1","payload":{"ICE":{"index":0.5,"candidate":"c"}}}`},
		{"ICE without candidate", `{"sender":"peer1","payload":{"ICE":{"index":0}}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.data))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

// TestDecodeUnknownVariant verifies unknown tags fail closed with a
// dedicated error that is still a malformed-envelope error.
func TestDecodeUnknownVariant(t *testing.T) {
	for _, data := range []string{
		`{"sender":"peer1","payload":"Hangup"}`,
		`{"sender":"peer1","payload":{"Hangup":{"reason":"bye"}}}`,
	} {
		_, err := DecodeInbound([]byte(data))
		if !errors.Is(err, ErrUnknownVariant) {
			t.Errorf("%s: expected ErrUnknownVariant, got %v", data, err)
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed in chain, got %v", data, err)
		}
	}
}

// TestEncodeOutbound verifies the exact wire shape of what the camera posts.
func TestEncodeOutbound(t *testing.T) {
	testCases := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "broadcast NewCamera",
			env:  Envelope{Payload: NewCamera{}},
			want: `{"recipient":null,"payload":"NewCamera"}`,
		},
		{
			name: "CameraPing to viewer",
			env:  Envelope{Peer: "viewer-1", Payload: CameraPing{}},
			want: `{"recipient":"viewer-1","payload":"CameraPing"}`,
		},
		{
			name: "SDP offer",
			env:  Envelope{Peer: "peer1", Payload: SDP{Description: "v=0"}},
			want: `{"recipient":"peer1","payload":{"SDP":{"description":"v=0"}}}`,
		},
		{
			name: "ICE candidate",
			env:  Envelope{Peer: "peer1", Payload: ICE{Index: 2, Candidate: "c1"}},
			want: `{"recipient":"peer1","payload":{"ICE":{"index":2,"candidate":"c1"}}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeOutbound(tc.env)
			if err != nil {
				t.Fatalf("EncodeOutbound failed: %v", err)
			}
			if string(data) != tc.want {
				t.Errorf("Wire mismatch:\n got %s\nwant %s", data, tc.want)
			}

			back, err := DecodeOutbound(data)
			if err != nil {
				t.Fatalf("DecodeOutbound failed: %v", err)
			}
			if back != tc.env {
				t.Errorf("DecodeOutbound mismatch: got %+v, want %+v", back, tc.env)
			}
		})
	}
}

// TestEncodeNilPayload verifies that an envelope without payload is refused.
func TestEncodeNilPayload(t *testing.T) {
	if _, err := EncodeOutbound(Envelope{Peer: "peer1"}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

// TestEncodeInbound verifies the server-side form used by the fake server.
func TestEncodeInbound(t *testing.T) {
	data, err := EncodeInbound(Envelope{Peer: "peer1", Payload: CallInit{}})
	if err != nil {
		t.Fatalf("EncodeInbound failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if raw["sender"] != "peer1" || raw["payload"] != "CallInit" {
		t.Errorf("Unexpected inbound form: %s", data)
	}
}

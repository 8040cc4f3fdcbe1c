package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrMalformed is returned for any envelope that cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// ErrUnknownVariant is returned when the payload tag is not one of the
// known variants. It wraps ErrMalformed.
var ErrUnknownVariant = fmt.Errorf("%w: unknown payload variant", ErrMalformed)

// DecodeInbound parses an envelope received from the server, where the peer
// field is named "sender".
func DecodeInbound(data []byte) (Envelope, error) {
	return decode(data, "sender")
}

// DecodeOutbound parses an envelope in the form the camera posts, where the
// peer field is named "recipient" and may be null.
func DecodeOutbound(data []byte) (Envelope, error) {
	return decode(data, "recipient")
}

// EncodeOutbound serializes an envelope for POST /message. A broadcast
// envelope carries "recipient": null.
func EncodeOutbound(env Envelope) ([]byte, error) {
	payload, err := MarshalPayload(env.Payload)
	if err != nil {
		return nil, err
	}
	var recipient *string
	if !env.Broadcast() {
		s := string(env.Peer)
		recipient = &s
	}
	return json.Marshal(struct {
		Recipient *string         `json:"recipient"`
		Payload   json.RawMessage `json:"payload"`
	}{recipient, payload})
}

// EncodeInbound serializes an envelope the way the server delivers it.
func EncodeInbound(env Envelope) ([]byte, error) {
	payload, err := MarshalPayload(env.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Sender  string          `json:"sender"`
		Payload json.RawMessage `json:"payload"`
	}{string(env.Peer), payload})
}

// MarshalPayload encodes a payload in externally tagged form: unit variants
// become a bare string, variants with fields a single-key object.
func MarshalPayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	case SDP, ICE:
		return json.Marshal(map[Variant]Payload{v.Variant(): v})
	default:
		return json.Marshal(v.Variant())
	}
}

func decode(data []byte, peerField string) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	var env Envelope
	switch peer := root.Get(peerField); peer.Type {
	case gjson.String:
		if !utf8.ValidString(peer.Str) {
			return Envelope{}, fmt.Errorf("%w: %q is not valid UTF-8", ErrMalformed, peerField)
		}
		env.Peer = PeerID(peer.Str)
	case gjson.Null:
		// Absent or null peer means broadcast. The server always names the
		// sender, so a missing sender is rejected below.
		if peerField == "sender" {
			return Envelope{}, fmt.Errorf("%w: missing %q", ErrMalformed, peerField)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q is not a string", ErrMalformed, peerField)
	}

	payload := root.Get("payload")
	if !payload.Exists() {
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	p, err := decodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = p
	return env, nil
}

func decodePayload(r gjson.Result) (Payload, error) {
	switch {
	case r.Type == gjson.String:
		return unitPayload(Variant(r.Str))

	case r.IsObject():
		var (
			tag   Variant
			body  gjson.Result
			count int
		)
		r.ForEach(func(key, value gjson.Result) bool {
			tag, body = Variant(key.Str), value
			count++
			return true
		})
		if count != 1 {
			return nil, fmt.Errorf("%w: payload object must have exactly one tag, got %d", ErrMalformed, count)
		}
		switch tag {
		case VariantSDP:
			return decodeSDP(body)
		case VariantICE:
			return decodeICE(body)
		default:
			// Unit variants may carry a body (the server's Welcome does);
			// it is ignored.
			return unitPayload(tag)
		}

	default:
		return nil, fmt.Errorf("%w: payload must be a string or an object", ErrMalformed)
	}
}

func unitPayload(tag Variant) (Payload, error) {
	switch tag {
	case VariantWelcome:
		return Welcome{}, nil
	case VariantNewCamera:
		return NewCamera{}, nil
	case VariantCameraDiscovery:
		return CameraDiscovery{}, nil
	case VariantCameraPing:
		return CameraPing{}, nil
	case VariantCallInit:
		return CallInit{}, nil
	case VariantSDP, VariantICE:
		return nil, fmt.Errorf("%w: %s payload without fields", ErrMalformed, tag)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownVariant, tag)
	}
}

func decodeSDP(body gjson.Result) (Payload, error) {
	desc := body.Get("description")
	if desc.Type != gjson.String {
		return nil, fmt.Errorf("%w: SDP.description missing or not a string", ErrMalformed)
	}
	return SDP{Description: desc.Str}, nil
}

func decodeICE(body gjson.Result) (Payload, error) {
	index := body.Get("index")
	if index.Type != gjson.Number || index.Num < 0 || index.Num > math.MaxUint32 || index.Num != math.Trunc(index.Num) {
		return nil, fmt.Errorf("%w: ICE.index missing or not an unsigned integer", ErrMalformed)
	}
	candidate := body.Get("candidate")
	if candidate.Type != gjson.String {
		return nil, fmt.Errorf("%w: ICE.candidate missing or not a string", ErrMalformed)
	}
	return ICE{Index: uint32(index.Num), Candidate: candidate.Str}, nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors. Decode failures are never fatal to the caller: dispatch loops
// log and discard the offending datagram.
var (
	ErrMessageTooLarge = errors.New("encoded message exceeds MaxMessageSize")
	ErrMissingType     = errors.New("missing message type")
	ErrUnknownType     = errors.New("unknown message type")
	ErrBadPayload      = errors.New("payload is not a JSON object")
)

// New builds an envelope of the given type around a marshaled payload.
func New(t Type, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Payload: raw}, nil
}

// NewData wraps a payload of the given original type into a UDP_DATA envelope.
// The reliability layer assigns the seq_num at send time.
func NewData(originalType Type, content any) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", originalType, err)
	}
	return New(TypeData, &DataPayload{Content: raw, OriginalType: originalType})
}

// NewAck builds the acknowledgment for a received seq_num.
func NewAck(seq uint64) *Envelope {
	return &Envelope{Type: TypeAck, Payload: json.RawMessage("{}"), AckNum: seq}
}

// Encode serializes an envelope to UTF-8 JSON bytes. An envelope whose
// encoding would exceed MaxMessageSize is rejected, not truncated.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// Decode parses raw bytes into an envelope. It rejects invalid JSON, a
// missing or unknown type tag, and a payload that is not a JSON object.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if !knownTypes[env.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if !isObject(env.Payload) {
		return nil, ErrBadPayload
	}
	return &env, nil
}

// isObject reports whether raw holds a JSON object. Every payload in the
// protocol is an object, possibly empty.
func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

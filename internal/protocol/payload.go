package protocol

import (
	"encoding/json"
	"fmt"
)

// Strongly-shaped payloads, one per envelope type. DecodePayload matches
// exhaustively on the type tag so new types cannot be added without a shape.

// ChatPayload carries a chat line. MessageID and SendTimestamp are optional
// latency-measurement fields; the relay forwards them untouched.
type ChatPayload struct {
	Sender        string  `json:"sender,omitempty"`
	Text          string  `json:"text"`
	MessageID     string  `json:"message_id,omitempty"`
	SendTimestamp float64 `json:"send_timestamp,omitempty"`
}

// AuthRequestPayload asks for a username registration. On the datagram path
// the client sends it with Username set; on the stream path the server sends
// the prompt first, with Message set.
type AuthRequestPayload struct {
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

// AuthResponsePayload is the registration verdict (server to client), or the
// stream client's answer to the prompt (Username set).
type AuthResponsePayload struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Username string `json:"username,omitempty"`
}

// UserEventPayload backs USER_JOINED and USER_LEFT notifications.
type UserEventPayload struct {
	Username string `json:"username"`
	Message  string `json:"message,omitempty"`
}

// UserListPayload is the snapshot of online usernames, in join order.
type UserListPayload struct {
	Users []string `json:"users"`
}

// SystemPayload carries a server notice.
type SystemPayload struct {
	Text string `json:"text"`
}

// ErrorPayload carries a server-side error report.
type ErrorPayload struct {
	Error string `json:"error"`
}

// AckPayload is the (optional) body of an UDP_ACK.
type AckPayload struct {
	Status string `json:"status,omitempty"`
}

// LeavingPayload announces a graceful disconnect.
type LeavingPayload struct {
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
}

// PrivatePayload carries a direct message between two users.
type PrivatePayload struct {
	Sender        string  `json:"sender"`
	Recipient     string  `json:"recipient,omitempty"`
	Text          string  `json:"text"`
	MessageID     string  `json:"message_id,omitempty"`
	SendTimestamp float64 `json:"send_timestamp,omitempty"`
}

// PrivateFailedPayload reports an undeliverable private message to its sender.
type PrivateFailedPayload struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// DataPayload is the UDP_DATA wrapper: the original envelope payload plus the
// type it would have carried, bundled so the whole unit rides one seq_num.
type DataPayload struct {
	Content      json.RawMessage `json:"message_content"`
	OriginalType Type            `json:"original_type"`
}

// DecodePayload unmarshals an envelope's payload into the shape dictated by
// its type tag. The switch is exhaustive over the closed type set.
func DecodePayload(env *Envelope) (any, error) {
	var dst any
	switch env.Type {
	case TypeMessage:
		dst = &ChatPayload{}
	case TypeAuthRequest:
		dst = &AuthRequestPayload{}
	case TypeAuthResponse:
		dst = &AuthResponsePayload{}
	case TypeUserJoined, TypeUserLeft:
		dst = &UserEventPayload{}
	case TypeUserList:
		dst = &UserListPayload{}
	case TypeSystem:
		dst = &SystemPayload{}
	case TypeError:
		dst = &ErrorPayload{}
	case TypeData:
		dst = &DataPayload{}
	case TypeAck:
		dst = &AckPayload{}
	case TypeClientLeaving:
		dst = &LeavingPayload{}
	case TypePrivate:
		dst = &PrivatePayload{}
	case TypePrivateFailed:
		dst = &PrivateFailedPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return nil, fmt.Errorf("payload of %s: %w", env.Type, err)
	}
	return dst, nil
}

// DecodeContent unmarshals the inner content of a UDP_DATA wrapper according
// to its original type, by rebuilding a plain envelope and reusing
// DecodePayload.
func DecodeContent(data *DataPayload) (any, error) {
	return DecodePayload(&Envelope{Type: data.OriginalType, Payload: data.Content})
}

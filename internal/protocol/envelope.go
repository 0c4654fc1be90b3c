// Package protocol defines the JSON wire envelope shared by every transport
// of the chat system. One datagram / one frame carries exactly one envelope.
package protocol

import "encoding/json"

// Type identifies the kind of message carried by an envelope.
type Type string

// The closed set of envelope types. Anything else is a decode error.
const (
	TypeMessage       Type = "MESSAGE"        // chat text relayed between users
	TypeAuthRequest   Type = "AUTH_REQUEST"   // username registration
	TypeAuthResponse  Type = "AUTH_RESPONSE"  // registration verdict
	TypeUserJoined    Type = "USER_JOINED"    // topology: a user joined
	TypeUserLeft      Type = "USER_LEFT"      // topology: a user left
	TypeUserList      Type = "USER_LIST"      // snapshot of online usernames
	TypeSystem        Type = "SYSTEM"         // server notice
	TypeError         Type = "ERROR"          // server-side error report
	TypeData          Type = "UDP_DATA"       // reliable wrapper carrying a seq_num
	TypeAck           Type = "UDP_ACK"        // acknowledgment carrying an ack_num
	TypeClientLeaving Type = "CLIENT_LEAVING" // graceful disconnect notice
	TypePrivate       Type = "PRIVATE_MESSAGE"
	TypePrivateFailed Type = "PRIVATE_MESSAGE_FAILED"
)

// knownTypes is used by Decode to reject envelopes outside the closed set.
var knownTypes = map[Type]bool{
	TypeMessage:       true,
	TypeAuthRequest:   true,
	TypeAuthResponse:  true,
	TypeUserJoined:    true,
	TypeUserLeft:      true,
	TypeUserList:      true,
	TypeSystem:        true,
	TypeError:         true,
	TypeData:          true,
	TypeAck:           true,
	TypeClientLeaving: true,
	TypePrivate:       true,
	TypePrivateFailed: true,
}

// MaxMessageSize bounds the encoded size of a single envelope in bytes.
// Oversized messages are rejected at encode time, never truncated.
const MaxMessageSize = 4096

// Envelope is the unit on the wire: a type tag, a payload object, and the
// optional sequencing fields of the reliability layer.
//
// Sequence numbering starts at 1, so a zero SeqNum/AckNum means "absent"
// and is omitted from the encoded form.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SeqNum  uint64          `json:"seq_num,omitempty"`
	AckNum  uint64          `json:"ack_num,omitempty"`
}

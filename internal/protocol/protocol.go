package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Packet is the wire envelope for every frame in both directions.
type Packet struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	EventSendMessage  = "send-message"
	EventMarkRead     = "mark-read"
	EventTyping       = "typing"
	EventStopTyping   = "stop-typing"
	EventCallInvite   = "call-invite"
	EventCallAnswer   = "call-answer"
	EventCallReject   = "call-reject"
	EventCallEnd      = "call-end"
	EventICECandidate = "ice-candidate" // relayed both directions
)

// Outbound events.
const (
	EventPresenceChanged   = "presence-changed"
	EventMessageReceived   = "message-received"
	EventMessageStatus     = "message-status"
	EventMessagesRead      = "messages-read"
	EventCallIncoming      = "call-incoming"
	EventCallAnswered      = "call-answered"
	EventCallRejected      = "call-rejected"
	EventCallEnded         = "call-ended"
	EventSessionSuperseded = "session-superseded"
)

var ErrBadPacket = errors.New("protocol: bad packet")

// Decode parses a raw frame into a Packet. An empty event name is a protocol
// violation; an absent data section is not.
func Decode(raw []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, ErrBadPacket
	}
	if p.Event == "" {
		return Packet{}, ErrBadPacket
	}
	return p, nil
}

// Encode marshals an event payload into a wire frame. Payloads are plain
// structs from this package, so marshal errors do not happen in practice.
func Encode(event string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil
		}
		raw = b
	}
	b, err := json.Marshal(Packet{Event: event, Data: raw})
	if err != nil {
		return nil
	}
	return b
}

type SendMessage struct {
	To       int64  `json:"to"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

type MarkRead struct {
	Peer int64 `json:"peer"`
}

type Typing struct {
	To   int64 `json:"to,omitempty"`
	From int64 `json:"from,omitempty"`
}

type CallInvite struct {
	To    int64           `json:"to"`
	Offer json.RawMessage `json:"offer"`
	Kind  string          `json:"kind"` // audio|video
}

type CallAnswer struct {
	CallID string          `json:"call_id"`
	Answer json.RawMessage `json:"answer"`
}

type CallReject struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CallEnd struct {
	CallID string `json:"call_id,omitempty"`
	To     int64  `json:"to,omitempty"`
}

type ICECandidate struct {
	CallID    string          `json:"call_id"`
	Candidate json.RawMessage `json:"candidate"`
	From      int64           `json:"from,omitempty"`
}

type PresenceChanged struct {
	Online []int64 `json:"online"`
}

type MessageReceived struct {
	ID        int64     `json:"id"`
	From      int64     `json:"from"`
	To        int64     `json:"to"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	MediaURL  string    `json:"media_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageStatus struct {
	ClientID    string     `json:"client_id,omitempty"`
	MessageID   int64      `json:"message_id"`
	Status      string     `json:"status"` // delivered|sent
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type MessagesRead struct {
	From       int64     `json:"from"`
	MessageIDs []int64   `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

type CallIncoming struct {
	CallID string          `json:"call_id"`
	From   int64           `json:"from"`
	Offer  json.RawMessage `json:"offer"`
	Kind   string          `json:"kind"`
}

type CallAnswered struct {
	CallID string          `json:"call_id"`
	Answer json.RawMessage `json:"answer"`
}

type CallRejected struct {
	CallID string `json:"call_id,omitempty"`
	Reason string `json:"reason"` // rejected|busy|offline
}

type CallEnded struct {
	CallID string `json:"call_id,omitempty"`
	From   int64  `json:"from"`
	Reason string `json:"reason,omitempty"` // hangup|peer-disconnected
	State  string `json:"state,omitempty"`  // session state at end; "ringing" lets clients classify missed calls
}

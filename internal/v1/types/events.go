package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Event is the name of a signaling channel event.
type Event string

// Outbound (client to server) events.
const (
	EventJoinRoom     Event = "join-room"
	EventSendMessage  Event = "send-message"
	EventTypingStart  Event = "typing-start"
	EventTypingStop   Event = "typing-stop"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventCallStarted  Event = "call-started"
	EventEndCall      Event = "end-call"
)

// Inbound (server to client) events. Offer, answer and ice-candidate share
// their names with the outbound events.
const (
	EventRoomJoined      Event = "room-joined"
	EventUserJoined      Event = "user-joined"
	EventUserLeft        Event = "user-left"
	EventNewMessage      Event = "new-message"
	EventUserTypingStart Event = "user-typing-start"
	EventUserTypingStop  Event = "user-typing-stop"
	EventCallEnded       Event = "call-ended"
	EventError           Event = "error"
	EventConnectError    Event = "connect_error"
)

// PriorityEvents are call-negotiation events that skip ahead of chat traffic.
var PriorityEvents = map[Event]bool{
	EventOffer:        true,
	EventAnswer:       true,
	EventICECandidate: true,
	EventCallStarted:  true,
	EventEndCall:      true,
	EventCallEnded:    true,
	EventRoomJoined:   true,
	EventError:        true,
}

// EndReason is carried by end-call/call-ended to tell a hangup from a decline.
type EndReason string

const (
	EndReasonHangup      EndReason = "hangup"
	EndReasonBusy        EndReason = "busy"
	EndReasonConnection  EndReason = "connection-lost"
	EndReasonUnavailable EndReason = "unavailable"
	EndReasonLeft        EndReason = "left"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Envelope is the JSON frame carried over the WebSocket.
type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload encodes as {}.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event, Payload: json.RawMessage("{}")}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// EncodeEnvelope returns the wire bytes for event and payload.
func EncodeEnvelope(event Event, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses one frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Event, err)
	}
	return nil
}

// --- Outbound payloads ---

type JoinRoomPayload struct {
	RoomCode RoomCodeType    `json:"roomCode"`
	Username DisplayNameType `json:"username"`
}

type SendMessagePayload struct {
	Message string `json:"message"`
}

type EndCallPayload struct {
	Reason EndReason    `json:"reason,omitempty"`
	Target ClientIDType `json:"target,omitempty"`
}

type CallStartedPayload struct {
	CallType CallKind `json:"callType"`
}

// --- Negotiation payloads (both directions) ---

// OfferPayload carries an SDP offer. Username and From are filled in by the server.
type OfferPayload struct {
	Offer    webrtc.SessionDescription `json:"offer"`
	CallType CallKind                  `json:"callType"`
	Username DisplayNameType           `json:"username,omitempty"`
	From     ClientIDType              `json:"from,omitempty"`
}

type AnswerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
	From   ClientIDType              `json:"from,omitempty"`
}

type ICECandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	From      ClientIDType            `json:"from,omitempty"`
}

// --- Inbound payloads ---

type RoomJoinedPayload struct {
	UserID      ClientIDType  `json:"userId,omitempty"`
	Users       []Participant `json:"users"`
	Messages    []Message     `json:"messages"`
	CallHistory []CallRecord  `json:"callHistory"`
}

type UserJoinedPayload struct {
	UserID   ClientIDType    `json:"userId,omitempty"`
	Username DisplayNameType `json:"username"`
	Users    []Participant   `json:"users"`
}

type UserLeftPayload struct {
	UserID   ClientIDType    `json:"userId"`
	Username DisplayNameType `json:"username"`
}

type TypingStartPayload struct {
	UserID   ClientIDType    `json:"userId"`
	Username DisplayNameType `json:"username"`
}

type TypingStopPayload struct {
	UserID ClientIDType `json:"userId"`
}

type CallEndedPayload struct {
	Username DisplayNameType `json:"username,omitempty"`
	From     ClientIDType    `json:"from,omitempty"`
	Reason   EndReason       `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// BusMessage moves one room event between server instances.
type BusMessage struct {
	RoomCode RoomCodeType    `json:"roomCode"`
	Event    Event           `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID ClientIDType    `json:"senderId"`           // used to prevent echo
	TargetID ClientIDType    `json:"targetId,omitempty"` // empty means everyone but the sender
	Origin   string          `json:"origin,omitempty"`   // publishing instance, dropped on receipt there
}

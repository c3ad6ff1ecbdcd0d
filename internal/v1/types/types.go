package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// --- Core Domain Types ---

// ClientIDType is the server-issued identifier of a participant.
type ClientIDType string

// RoomCodeType identifies a chat room.
type RoomCodeType string

// DisplayNameType is the human-readable name a participant joined with.
type DisplayNameType string

// CallKind is the media shape of a call.
type CallKind string

const (
	CallKindVideo CallKind = "video"
	CallKindAudio CallKind = "audio"
)

// Valid reports whether k is one of the supported call kinds.
func (k CallKind) Valid() bool {
	return k == CallKindVideo || k == CallKindAudio
}

// ParseCallKind normalizes a wire value. Unknown or empty values fall back to audio.
func ParseCallKind(s string) CallKind {
	k := CallKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return CallKindAudio
	}
	return k
}

// MessageKind distinguishes user text from locally synthesized system notices.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
)

// Sender identity reserved for system-generated messages.
const (
	SystemSenderID   ClientIDType    = "system"
	SystemSenderName DisplayNameType = "System"
)

const (
	MaxMessageLength  = 1000
	MaxUsernameLength = 50
	MaxRoomCodeLength = 64
)

var (
	ErrEmptyMessage    = errors.New("message cannot be empty")
	ErrMessageTooLong  = fmt.Errorf("message cannot exceed %d characters", MaxMessageLength)
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidRoomCode = errors.New("invalid room code")
)

// Participant mirrors a room member as reported by the signaling server.
type Participant struct {
	ID       ClientIDType    `json:"id"`
	Username DisplayNameType `json:"username"`
	IsOnline bool            `json:"isOnline"`
	LastSeen string          `json:"lastSeen,omitempty"` // RFC3339, only when offline
}

// Message is one entry of a room's chat log.
type Message struct {
	ID          int64           `json:"id"`
	UserID      ClientIDType    `json:"user_id"`
	Username    DisplayNameType `json:"username"`
	Body        string          `json:"message"`
	MessageType MessageKind     `json:"message_type"`
	CreatedAt   string          `json:"created_at"`
}

// IsSystem reports whether the message was synthesized locally.
func (m Message) IsSystem() bool {
	return m.MessageType == MessageKindSystem || m.UserID == SystemSenderID
}

// CallRecord is one entry of a room's call history.
type CallRecord struct {
	ID            string          `json:"id"`
	CallType      CallKind        `json:"call_type"`
	InitiatorName DisplayNameType `json:"initiator_name"`
	StartedAt     string          `json:"started_at"`
	EndedAt       string          `json:"ended_at,omitempty"`
}

// InProgress reports whether the call has not been closed yet.
func (c CallRecord) InProgress() bool {
	return c.EndedAt == ""
}

// NormalizeMessageBody trims and validates an outbound chat message.
func NormalizeMessageBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return body, nil
}

// ValidateUsername checks a display name before joining.
func ValidateUsername(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxUsernameLength {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	return nil
}

// ValidateRoomCode checks a room code before joining.
func ValidateRoomCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > MaxRoomCodeLength {
		return fmt.Errorf("%w: %q", ErrInvalidRoomCode, code)
	}
	for _, r := range code {
		if r <= ' ' || r == '/' {
			return fmt.Errorf("%w: %q", ErrInvalidRoomCode, code)
		}
	}
	return nil
}

// --- Shared Interfaces ---

// Emitter sends one outbound event over the signaling channel.
type Emitter interface {
	Emit(event Event, payload any) error
}

// BusService defines the interface for distributed pub/sub messaging between server instances.
type BusService interface {
	Publish(ctx context.Context, roomCode string, event string, payload any, senderID string, targetID string) error
	Subscribe(ctx context.Context, roomCode string, wg *sync.WaitGroup, handler func(BusMessage))
	Close() error
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// ClientInterface is the server-side view of one connected participant.
// Bind assigns the identity the room chose for the connection on join-room.
type ClientInterface interface {
	GetID() ClientIDType
	GetDisplayName() DisplayNameType
	Bind(id ClientIDType, name DisplayNameType)
	Send(data []byte)
	SendPriority(data []byte)
	Disconnect()
}

// Roomer is what a server-side client needs from the room it belongs to.
type Roomer interface {
	GetCode() RoomCodeType
	Router(ctx context.Context, client ClientInterface, env Envelope)
	HandleClientDisconnect(c ClientInterface)
}

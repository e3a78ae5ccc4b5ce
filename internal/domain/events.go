package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

// Inbound.
const (
	EventAuth       EventType = "auth"
	EventSendMsg    EventType = "send_message"
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stop_typing"
	EventJoinVideo  EventType = "join_video_room"
	EventLeaveVideo EventType = "leave_video_room"
	EventSignal     EventType = "signal"
	EventStartCall  EventType = "start_call"
	EventPing       EventType = "ping"
)

// Outbound.
const (
	EventUserStatus     EventType = "user_status"
	EventNewMessage     EventType = "new_message"
	EventMessageSent    EventType = "message_sent"
	EventAllUsers       EventType = "all_users"
	EventPeerJoined     EventType = "peer_joined"
	EventSignalReceived EventType = "signal_received"
	EventUserLeft       EventType = "user_left"
	EventCallError      EventType = "call_error"
	EventIncomingCall   EventType = "incoming_call"
	EventError          EventType = "error"
	EventAuthResult     EventType = "auth_result"
	EventPong           EventType = "pong"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error codes carried by ErrorEvent.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodePersistence    = "PERSISTENCE_ERROR"
	CodeRoomFull       = "ROOM_FULL"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"
)

var ErrUnknownEvent = errors.New("unknown event type")

// InboundEvent is the closed set of client events.
type InboundEvent interface {
	Type() EventType
	Validate() error
	inbound()
}

// OutboundEvent is the closed set of hub events.
type OutboundEvent interface {
	Type() EventType
	outbound()
}

// ---- inbound ----

type AuthEvent struct {
	Token string `json:"token"`
}

func (AuthEvent) Type() EventType { return EventAuth }
func (AuthEvent) inbound()        {}
func (e AuthEvent) Validate() error {
	if strings.TrimSpace(e.Token) == "" {
		return fmt.Errorf("%w: token required", ErrInvalidMessage)
	}
	return nil
}

// SendMessageEvent leaves target and content checks to Message.Validate.
type SendMessageEvent struct {
	RecipientID   *UserID  `json:"recipient_id,omitempty"`
	GroupID       *GroupID `json:"group_id,omitempty"`
	Content       string   `json:"content,omitempty"`
	AttachmentRef string   `json:"attachment_ref,omitempty"`
	ClientRef     string   `json:"client_ref,omitempty"`
}

func (SendMessageEvent) Type() EventType { return EventSendMsg }
func (SendMessageEvent) inbound()        {}
func (e SendMessageEvent) Validate() error {
	if len(e.ClientRef) > 64 {
		return fmt.Errorf("%w: client_ref too long", ErrInvalidMessage)
	}
	return nil
}

type TypingEvent struct {
	Stop        bool     `json:"-"`
	RecipientID *UserID  `json:"recipient_id,omitempty"`
	GroupID     *GroupID `json:"group_id,omitempty"`
}

func (e TypingEvent) Type() EventType {
	if e.Stop {
		return EventStopTyping
	}
	return EventTyping
}
func (TypingEvent) inbound() {}
func (e TypingEvent) Validate() error {
	if (e.RecipientID == nil) == (e.GroupID == nil) {
		return fmt.Errorf("%w: exactly one of recipient_id or group_id is required", ErrInvalidMessage)
	}
	return nil
}

type JoinVideoEvent struct {
	RoomID RoomID `json:"room_id"`
}

func (JoinVideoEvent) Type() EventType   { return EventJoinVideo }
func (JoinVideoEvent) inbound()          {}
func (e JoinVideoEvent) Validate() error { return requireVideoRoom(e.RoomID) }

type LeaveVideoEvent struct {
	RoomID RoomID `json:"room_id"`
}

func (LeaveVideoEvent) Type() EventType   { return EventLeaveVideo }
func (LeaveVideoEvent) inbound()          {}
func (e LeaveVideoEvent) Validate() error { return requireVideoRoom(e.RoomID) }

// SignalEvent carries an opaque offer, answer or ICE candidate to one peer.
type SignalEvent struct {
	Target  ConnID          `json:"target_connection"`
	Payload json.RawMessage `json:"payload"`
}

func (SignalEvent) Type() EventType { return EventSignal }
func (SignalEvent) inbound()        {}
func (e SignalEvent) Validate() error {
	if e.Target == "" {
		return fmt.Errorf("%w: target_connection required", ErrInvalidMessage)
	}
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return fmt.Errorf("%w: payload required", ErrInvalidMessage)
	}
	return nil
}

type StartCallEvent struct {
	RoomID RoomID `json:"room_id"`
}

func (StartCallEvent) Type() EventType { return EventStartCall }
func (StartCallEvent) inbound()        {}
func (e StartCallEvent) Validate() error {
	if strings.TrimSpace(string(e.RoomID)) == "" {
		return fmt.Errorf("%w: room_id required", ErrInvalidMessage)
	}
	return nil
}

type PingEvent struct{}

func (PingEvent) Type() EventType { return EventPing }
func (PingEvent) inbound()        {}
func (PingEvent) Validate() error { return nil }

func requireVideoRoom(id RoomID) error {
	if err := ValidateVideoRoomID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// DecodeInbound parses one client frame into its tagged variant.
// The returned event has already passed Validate.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var env struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var ev InboundEvent
	switch env.Type {
	case EventAuth:
		ev = decodeAs[AuthEvent](data)
	case EventSendMsg:
		ev = decodeAs[SendMessageEvent](data)
	case EventTyping, EventStopTyping:
		var t TypingEvent
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		t.Stop = env.Type == EventStopTyping
		ev = t
	case EventJoinVideo:
		ev = decodeAs[JoinVideoEvent](data)
	case EventLeaveVideo:
		ev = decodeAs[LeaveVideoEvent](data)
	case EventSignal:
		ev = decodeAs[SignalEvent](data)
	case EventStartCall:
		ev = decodeAs[StartCallEvent](data)
	case EventPing:
		ev = PingEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if bad, ok := ev.(decodeFailure); ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, bad.err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) Type() EventType   { return "" }
func (decodeFailure) inbound()          {}
func (f decodeFailure) Validate() error { return f.err }

func decodeAs[T InboundEvent](data []byte) InboundEvent {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return decodeFailure{err: err}
	}
	return v
}

// ---- outbound ----

type UserStatusEvent struct {
	UserID UserID `json:"user_id"`
	Status string `json:"status"`
}

func (UserStatusEvent) Type() EventType { return EventUserStatus }
func (UserStatusEvent) outbound()       {}

type TypingNotice struct {
	Stop       bool     `json:"-"`
	SenderID   UserID   `json:"sender_id"`
	SenderName string   `json:"sender_name"`
	GroupID    *GroupID `json:"group_id,omitempty"`
}

func (n TypingNotice) Type() EventType {
	if n.Stop {
		return EventStopTyping
	}
	return EventTyping
}
func (TypingNotice) outbound() {}

type NewMessageEvent struct {
	ID             MessageID `json:"id"`
	SenderID       UserID    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	RecipientID    *UserID   `json:"recipient_id,omitempty"`
	GroupID        *GroupID  `json:"group_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	IsMe           bool      `json:"is_me"`
}

func (NewMessageEvent) Type() EventType { return EventNewMessage }
func (NewMessageEvent) outbound()       {}

// NewMessageFrom builds the live payload of a persisted message.
func NewMessageFrom(m *Message, isMe bool) NewMessageEvent {
	return NewMessageEvent{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		RecipientID:    m.RecipientID,
		GroupID:        m.GroupID,
		Content:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		AttachmentName: m.AttachmentName,
		Timestamp:      m.Timestamp,
		IsMe:           isMe,
	}
}

type MessageSentEvent struct {
	ClientRef string    `json:"client_ref,omitempty"`
	MessageID MessageID `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (MessageSentEvent) Type() EventType { return EventMessageSent }
func (MessageSentEvent) outbound()       {}

type AllUsersEvent struct {
	RoomID RoomID   `json:"room_id"`
	Users  []ConnID `json:"users"`
	Peers  []Peer   `json:"peers"`
}

func (AllUsersEvent) Type() EventType { return EventAllUsers }
func (AllUsersEvent) outbound()       {}

type PeerJoinedEvent struct {
	RoomID RoomID `json:"room_id"`
	Peer
}

func (PeerJoinedEvent) Type() EventType { return EventPeerJoined }
func (PeerJoinedEvent) outbound()       {}

type SignalReceivedEvent struct {
	Sender     ConnID          `json:"sender"`
	SenderID   UserID          `json:"sender_id"`
	SenderName string          `json:"sender_name"`
	Payload    json.RawMessage `json:"payload"`
}

func (SignalReceivedEvent) Type() EventType { return EventSignalReceived }
func (SignalReceivedEvent) outbound()       {}

type UserLeftEvent struct {
	RoomID       RoomID `json:"room_id"`
	ConnectionID ConnID `json:"connection_id"`
}

func (UserLeftEvent) Type() EventType { return EventUserLeft }
func (UserLeftEvent) outbound()       {}

type CallErrorEvent struct {
	RoomID  RoomID `json:"room_id,omitempty"`
	Message string `json:"message"`
}

func (CallErrorEvent) Type() EventType { return EventCallError }
func (CallErrorEvent) outbound()       {}

type IncomingCallEvent struct {
	CallerID   UserID `json:"caller_id"`
	CallerName string `json:"caller_name"`
	RoomID     RoomID `json:"room_id"`
}

func (IncomingCallEvent) Type() EventType { return EventIncomingCall }
func (IncomingCallEvent) outbound()       {}

type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}

func (ErrorEvent) Type() EventType { return EventError }
func (ErrorEvent) outbound()       {}

type AuthResultEvent struct {
	OK           bool   `json:"ok"`
	ConnectionID ConnID `json:"connection_id,omitempty"`
	UserID       UserID `json:"user_id,omitempty"`
	UserName     string `json:"user_name,omitempty"`
}

func (AuthResultEvent) Type() EventType { return EventAuthResult }
func (AuthResultEvent) outbound()       {}

type PongEvent struct{}

func (PongEvent) Type() EventType { return EventPong }
func (PongEvent) outbound()       {}

// EncodeEvent renders an event as a flat JSON object with its "type" tag first.
func EncodeEvent(ev OutboundEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(ev.Type())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

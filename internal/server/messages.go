package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// Kind is the "type" tag of a wire envelope.
type Kind string

const (
	KindChatMessage Kind = "chat_message"
	KindTyping      Kind = "typing"
	KindReadReceipt Kind = "read_receipt"
	KindPing        Kind = "ping"

	KindPong                  Kind = "pong"
	KindChatMessageBroadcast  Kind = "chat_message_broadcast"
	KindTypingBroadcast       Kind = "typing_indicator_broadcast"
	KindReadReceiptBroadcast  Kind = "read_receipt_broadcast"
	KindUserJoined            Kind = "user_joined"
	KindUserLeft              Kind = "user_left"
	KindConnectionEstablished Kind = "connection_established"
	KindError                 Kind = "error"
	KindNotification          Kind = "notification"
)

// Inbound is one of the envelopes a client may send: ChatMessage, Typing,
// ReadReceipt or Ping.
type Inbound interface {
	inboundKind() Kind
}

type ChatMessage struct {
	Message string `json:"message"`
}

type Typing struct {
	IsTyping bool `json:"is_typing"`
}

type ReadReceipt struct {
	MessageId types.FlexId `json:"message_id"`
}

type Ping struct{}

func (ChatMessage) inboundKind() Kind { return KindChatMessage }
func (Typing) inboundKind() Kind      { return KindTyping }
func (ReadReceipt) inboundKind() Kind { return KindReadReceipt }
func (Ping) inboundKind() Kind        { return KindPing }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// DecodeInbound parses a raw client frame. An envelope without a type is
// treated as a chat message.
func DecodeInbound(raw []byte) (Inbound, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, invalid("malformed envelope")
	}

	switch head.Type {
	case "", KindChatMessage:
		var m ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid("malformed chat_message")
		}
		return m, nil
	case KindTyping:
		var m Typing
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid("malformed typing")
		}
		return m, nil
	case KindReadReceipt:
		var m ReadReceipt
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid("malformed read_receipt")
		}
		if m.MessageId <= 0 {
			return nil, invalid("read_receipt requires message_id")
		}
		return m, nil
	case KindPing:
		return Ping{}, nil
	default:
		return nil, invalid("unknown message type %q", head.Type)
	}
}

type ChatMessageBroadcast struct {
	Type           Kind              `json:"type"`
	MessageId      int64             `json:"message_id"`
	RoomId         int64             `json:"room_id"`
	Message        string            `json:"message"`
	SenderId       string            `json:"sender_id"`
	SenderUsername string            `json:"sender_username"`
	MessageType    types.MessageKind `json:"message_type"`
	Timestamp      time.Time         `json:"timestamp"`
}

type TypingBroadcast struct {
	Type      Kind      `json:"type"`
	RoomId    int64     `json:"room_id"`
	UserId    string    `json:"user_id"`
	Username  string    `json:"username"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadReceiptBroadcast struct {
	Type      Kind      `json:"type"`
	RoomId    int64     `json:"room_id"`
	MessageId int64     `json:"message_id"`
	UserId    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// MembershipChange is sent as user_joined or user_left.
type MembershipChange struct {
	Type      Kind      `json:"type"`
	RoomId    int64     `json:"room_id"`
	UserId    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionEstablished struct {
	Type      Kind      `json:"type"`
	Message   string    `json:"message"`
	RoomId    int64     `json:"room_id,omitempty"`
	RoomName  string    `json:"room_name,omitempty"`
	SessionId string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorMessage struct {
	Type      Kind      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Pong struct {
	Type      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationGroupCreated is sent to every member of a group created from
// a direct conversation.
const NotificationGroupCreated = "group_created"

// Notification is pushed into a user's notification stream by other
// subsystems.
type Notification struct {
	NotificationType string         `json:"notification_type"`
	Message          string         `json:"message"`
	Data             map[string]any `json:"data,omitempty"`
}

type NotificationMessage struct {
	Type Kind `json:"type"`
	Notification
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is an outbound message encoded once and shared by every
// recipient of a fan-out.
type Envelope struct {
	Kind    Kind
	payload []byte
}

func (e *Envelope) Bytes() []byte {
	return e.payload
}

func encode(kind Kind, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return &Envelope{Kind: kind, payload: payload}, nil
}

func NewChatMessageBroadcast(msg types.Message) (*Envelope, error) {
	return encode(KindChatMessageBroadcast, ChatMessageBroadcast{
		Type:           KindChatMessageBroadcast,
		MessageId:      msg.Id,
		RoomId:         msg.RoomId,
		Message:        msg.Body,
		SenderId:       types.FormatId(msg.SenderId),
		SenderUsername: msg.SenderUsername,
		MessageType:    msg.Kind,
		Timestamp:      msg.CreatedAt,
	})
}

func NewTypingBroadcast(roomId int64, user types.User, isTyping bool) (*Envelope, error) {
	return encode(KindTypingBroadcast, TypingBroadcast{
		Type:      KindTypingBroadcast,
		RoomId:    roomId,
		UserId:    types.FormatId(user.Id),
		Username:  user.Username,
		IsTyping:  isTyping,
		Timestamp: Now(),
	})
}

func NewReadReceiptBroadcast(roomId, messageId int64, user types.User) (*Envelope, error) {
	return encode(KindReadReceiptBroadcast, ReadReceiptBroadcast{
		Type:      KindReadReceiptBroadcast,
		RoomId:    roomId,
		MessageId: messageId,
		UserId:    types.FormatId(user.Id),
		Username:  user.Username,
		Timestamp: Now(),
	})
}

func NewMembershipChange(kind Kind, roomId int64, user types.User) (*Envelope, error) {
	return encode(kind, MembershipChange{
		Type:      kind,
		RoomId:    roomId,
		UserId:    types.FormatId(user.Id),
		Username:  user.Username,
		Timestamp: Now(),
	})
}

func NewConnectionEstablished(sessionId string, room *types.Room) (*Envelope, error) {
	msg := ConnectionEstablished{
		Type:      KindConnectionEstablished,
		Message:   "connected to notifications",
		SessionId: sessionId,
		Timestamp: Now(),
	}
	if room != nil {
		msg.Message = "connected to room " + room.Name
		msg.RoomId = room.Id
		msg.RoomName = room.Name
	}
	return encode(KindConnectionEstablished, msg)
}

func NewErrorMessage(message string) (*Envelope, error) {
	return encode(KindError, ErrorMessage{Type: KindError, Message: message, Timestamp: Now()})
}

func NewPong() (*Envelope, error) {
	return encode(KindPong, Pong{Type: KindPong, Timestamp: Now()})
}

func NewNotification(n Notification) (*Envelope, error) {
	return encode(KindNotification, NotificationMessage{
		Type:         KindNotification,
		Notification: n,
		Timestamp:    Now(),
	})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

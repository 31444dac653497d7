package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type User struct {
	Id          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type Room struct {
	Id           int64     `json:"id"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	Picture      string    `json:"picture,omitempty"`
	Participants []User    `json:"participants,omitempty"`
	CreatedBy    int64     `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether userId is listed in the room's participants.
func (r Room) HasParticipant(userId int64) bool {
	for _, p := range r.Participants {
		if p.Id == userId {
			return true
		}
	}
	return false
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
	MessageKindCopy   MessageKind = "copy"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindSystem, MessageKindCopy:
		return true
	}
	return false
}

type Message struct {
	Id             int64       `json:"id"`
	RoomId         int64       `json:"room_id"`
	SenderId       int64       `json:"sender_id"`
	SenderUsername string      `json:"sender_username"`
	Body           string      `json:"content"`
	Kind           MessageKind `json:"message_type"`
	CreatedAt      time.Time   `json:"timestamp"`
}

type PresenceRecord struct {
	UserId   int64     `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// FormatId renders an identity the way it appears in outbound envelopes.
func FormatId(id int64) string {
	return strconv.FormatInt(id, 10)
}

// FlexId is an identifier that decodes from either a JSON number or a
// JSON string holding a base-10 integer.
type FlexId int64

func (f *FlexId) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		*f = FlexId(id)
		return nil
	}

	var id int64
	if err := json.Unmarshal(b, &id); err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*f = FlexId(id)
	return nil
}

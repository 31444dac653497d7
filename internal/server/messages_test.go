package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tcases := []struct {
		name     string
		raw      string
		expected Inbound
		err      bool
	}{
		{name: "chat message", raw: `{"type":"chat_message","message":"hi"}`, expected: ChatMessage{Message: "hi"}},
		{name: "untyped defaults to chat message", raw: `{"message":"hi"}`, expected: ChatMessage{Message: "hi"}},
		{name: "typing", raw: `{"type":"typing","is_typing":true}`, expected: Typing{IsTyping: true}},
		{name: "read receipt numeric id", raw: `{"type":"read_receipt","message_id":12}`, expected: ReadReceipt{MessageId: 12}},
		{name: "read receipt string id", raw: `{"type":"read_receipt","message_id":"12"}`, expected: ReadReceipt{MessageId: 12}},
		{name: "read receipt missing id", raw: `{"type":"read_receipt"}`, err: true},
		{name: "ping", raw: `{"type":"ping"}`, expected: Ping{}},
		{name: "unknown type", raw: `{"type":"dance"}`, err: true},
		{name: "outbound type", raw: `{"type":"chat_message_broadcast"}`, err: true},
		{name: "not json", raw: `hello`, err: true},
		{name: "wrong field type", raw: `{"type":"typing","is_typing":"yes"}`, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			in, err := DecodeInbound([]byte(tc.raw))
			if tc.err {
				assert.ErrorIs(t, err, types.ErrInvalidPayload, "expected invalid payload for %s", tc.raw)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, in)
		})
	}
}

func TestNewChatMessageBroadcast(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewChatMessageBroadcast(types.Message{
		Id:             5,
		RoomId:         3,
		SenderId:       1,
		SenderUsername: "alice",
		Body:           "hi",
		Kind:           types.MessageKindText,
		CreatedAt:      ts,
	})
	require.NoError(t, err)
	assert.Equal(t, KindChatMessageBroadcast, env.Kind)

	var got map[string]any
	require.NoError(t, json.Unmarshal(env.Bytes(), &got))
	assert.Equal(t, "chat_message_broadcast", got["type"])
	assert.Equal(t, "1", got["sender_id"], "expected sender id to be a string")
	assert.Equal(t, "alice", got["sender_username"])
	assert.Equal(t, "hi", got["message"])
	assert.Equal(t, float64(5), got["message_id"])
	assert.Equal(t, "text", got["message_type"])
	assert.Equal(t, "2024-05-01T12:00:00Z", got["timestamp"])
}

func TestNewConnectionEstablished(t *testing.T) {
	env, err := NewConnectionEstablished("abc", &types.Room{Id: 9, Name: "general"})
	require.NoError(t, err)

	var got ConnectionEstablished
	require.NoError(t, json.Unmarshal(env.Bytes(), &got))
	assert.Equal(t, KindConnectionEstablished, got.Type)
	assert.Equal(t, int64(9), got.RoomId)
	assert.Equal(t, "abc", got.SessionId)

	env, err = NewConnectionEstablished("abc", nil)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(env.Bytes(), &raw))
	assert.NotContains(t, raw, "room_id", "expected notification session to omit room id")
}

func TestNewNotification(t *testing.T) {
	env, err := NewNotification(Notification{NotificationType: "new_post", Message: "posted", Data: map[string]any{"post_id": 3}})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(env.Bytes(), &got))
	assert.Equal(t, "notification", got["type"])
	assert.Equal(t, "new_post", got["notification_type"])
	assert.Equal(t, "posted", got["message"])
	assert.Equal(t, map[string]any{"post_id": float64(3)}, got["data"])
}

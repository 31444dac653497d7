package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// ChatRepository is the storage collaborator of the chat core: the message
// log, the room and participant directory, read receipts and persisted
// presence.
type ChatRepository interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, userId int64) (types.User, error)
	UpsertUser(ctx context.Context, user types.User) (types.User, error)

	GetRoom(ctx context.Context, roomId int64) (types.Room, error)
	IsParticipant(ctx context.Context, roomId, userId int64) (bool, error)
	FindDirectRoom(ctx context.Context, directKey string) (types.Room, error)
	CreateDirectRoom(ctx context.Context, params CreateDirectRoomParams) (types.Room, error)
	// CreateGroupRoom creates a group room, optionally seeded from another
	// room, in a single transaction: either every step lands or none does.
	CreateGroupRoom(ctx context.Context, params CreateGroupRoomParams) (types.Room, error)

	CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	GetMessage(ctx context.Context, messageId int64) (types.Message, error)
	// ListMessagesBefore returns up to limit messages of the room with an id
	// strictly below before, newest first. A zero before means no cursor.
	ListMessagesBefore(ctx context.Context, roomId, before int64, limit int) ([]types.Message, error)

	// InsertReadStatus records that userId read messageId. It reports false
	// without writing when the pair already exists.
	InsertReadStatus(ctx context.Context, messageId, userId int64, readAt time.Time) (bool, error)
	CountUnread(ctx context.Context, roomId, userId int64) (int, error)

	UpsertUserStatus(ctx context.Context, record types.PresenceRecord) error
	GetUserStatuses(ctx context.Context, userIds []int64) ([]types.PresenceRecord, error)
}

type CreateDirectRoomParams struct {
	DirectKey string
	Name      string
	UserIds   [2]int64
	CreatedBy int64
}

type CreateGroupRoomParams struct {
	Name      string
	Picture   string
	CreatedBy int64
	UserIds   []int64

	// SourceRoomId, when set, is the room whose newest CopyLimit messages
	// are copied into the group, oldest first, with kind copy.
	SourceRoomId int64
	CopyLimit    int
	// Announcement, when set, is appended last as a system message from
	// CreatedBy.
	Announcement string
}

type CreateMessageParams struct {
	RoomId   int64
	SenderId int64
	Body     string
	Kind     types.MessageKind
	// CreatedAt defaults to the current time when zero.
	CreatedAt time.Time
}

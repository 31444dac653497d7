package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetUser(ctx context.Context, userId int64) (types.User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) UpsertUser(ctx context.Context, user types.User) (types.User, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, roomId int64) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) IsParticipant(ctx context.Context, roomId, userId int64) (bool, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) FindDirectRoom(ctx context.Context, directKey string) (types.Room, error) {
	args := m.Called(ctx, directKey)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) CreateDirectRoom(ctx context.Context, params CreateDirectRoomParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) CreateGroupRoom(ctx context.Context, params CreateGroupRoomParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId int64) (types.Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) ListMessagesBefore(ctx context.Context, roomId, before int64, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, before, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) InsertReadStatus(ctx context.Context, messageId, userId int64, readAt time.Time) (bool, error) {
	args := m.Called(ctx, messageId, userId, readAt)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) CountUnread(ctx context.Context, roomId, userId int64) (int, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) UpsertUserStatus(ctx context.Context, record types.PresenceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}
func (m *MockChatRepository) GetUserStatuses(ctx context.Context, userIds []int64) ([]types.PresenceRecord, error) {
	args := m.Called(ctx, userIds)
	if recs, ok := args.Get(0).([]types.PresenceRecord); ok {
		return recs, args.Error(1)
	}
	return nil, args.Error(1)
}

var _ ChatRepository = (*MockChatRepository)(nil)

package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

type memoryRoom struct {
	room         types.Room
	directKey    string
	participants []int64
}

type readKey struct {
	messageId int64
	userId    int64
}

// MemoryRepository is a process-local ChatRepository used for single-node
// development and tests. It enforces the same uniqueness rules as the
// Postgres schema.
type MemoryRepository struct {
	mu         sync.RWMutex
	users      map[int64]types.User
	rooms      map[int64]*memoryRoom
	directKeys map[string]int64
	messages   map[int64]types.Message
	byRoom     map[int64][]int64
	reads      map[readKey]time.Time
	statuses   map[int64]types.PresenceRecord
	nextRoom   int64
	nextMsg    int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:      make(map[int64]types.User),
		rooms:      make(map[int64]*memoryRoom),
		directKeys: make(map[string]int64),
		messages:   make(map[int64]types.Message),
		byRoom:     make(map[int64][]int64),
		reads:      make(map[readKey]time.Time),
		statuses:   make(map[int64]types.PresenceRecord),
	}
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) GetUser(ctx context.Context, userId int64) (types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userId]
	if !ok {
		return types.User{}, fmt.Errorf("get user: %w", types.ErrNotFound)
	}
	return u, nil
}

func (m *MemoryRepository) UpsertUser(ctx context.Context, user types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, u := range m.users {
		if id != user.Id && u.Username == user.Username {
			return types.User{}, fmt.Errorf("upsert user: %w: username taken", types.ErrConflict)
		}
	}

	if existing, ok := m.users[user.Id]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.Id] = user
	return user, nil
}

// roomLocked returns a copy of the room with its participant list resolved.
// The caller must hold mu.
func (m *MemoryRepository) roomLocked(roomId int64) (types.Room, bool) {
	mr, ok := m.rooms[roomId]
	if !ok {
		return types.Room{}, false
	}

	room := mr.room
	room.Participants = make([]types.User, 0, len(mr.participants))
	for _, id := range mr.participants {
		room.Participants = append(room.Participants, m.users[id])
	}
	return room, true
}

func (m *MemoryRepository) GetRoom(ctx context.Context, roomId int64) (types.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.roomLocked(roomId)
	if !ok {
		return types.Room{}, fmt.Errorf("get room: %w", types.ErrNotFound)
	}
	return room, nil
}

func (m *MemoryRepository) IsParticipant(ctx context.Context, roomId, userId int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mr, ok := m.rooms[roomId]
	if !ok {
		return false, nil
	}
	return slices.Contains(mr.participants, userId), nil
}

func (m *MemoryRepository) FindDirectRoom(ctx context.Context, directKey string) (types.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roomId, ok := m.directKeys[directKey]
	if !ok {
		return types.Room{}, fmt.Errorf("find direct room: %w", types.ErrNotFound)
	}
	room, _ := m.roomLocked(roomId)
	return room, nil
}

func (m *MemoryRepository) checkUsersLocked(userIds []int64) error {
	for _, id := range userIds {
		if _, ok := m.users[id]; !ok {
			return fmt.Errorf("user %d: %w", id, types.ErrNotFound)
		}
	}
	return nil
}

func (m *MemoryRepository) CreateDirectRoom(ctx context.Context, params CreateDirectRoomParams) (types.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.directKeys[params.DirectKey]; ok {
		return types.Room{}, fmt.Errorf("create direct room: %w: duplicate direct key %q", types.ErrConflict, params.DirectKey)
	}
	if err := m.checkUsersLocked(params.UserIds[:]); err != nil {
		return types.Room{}, fmt.Errorf("create direct room: %w", err)
	}

	m.nextRoom++
	now := time.Now().UTC()
	mr := &memoryRoom{
		room: types.Room{
			Id:        m.nextRoom,
			Name:      params.Name,
			CreatedBy: params.CreatedBy,
			CreatedAt: now,
			UpdatedAt: now,
		},
		directKey: params.DirectKey,
	}
	for _, id := range params.UserIds {
		if !slices.Contains(mr.participants, id) {
			mr.participants = append(mr.participants, id)
		}
	}

	m.rooms[mr.room.Id] = mr
	m.directKeys[params.DirectKey] = mr.room.Id

	room, _ := m.roomLocked(mr.room.Id)
	return room, nil
}

func (m *MemoryRepository) CreateGroupRoom(ctx context.Context, params CreateGroupRoomParams) (types.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate everything before the first write so a failure leaves no trace
	if params.SourceRoomId > 0 {
		if _, ok := m.rooms[params.SourceRoomId]; !ok {
			return types.Room{}, fmt.Errorf("create group room: source: %w", types.ErrNotFound)
		}
	}
	if err := m.checkUsersLocked(params.UserIds); err != nil {
		return types.Room{}, fmt.Errorf("create group room: %w", err)
	}
	if params.Announcement != "" {
		if _, ok := m.users[params.CreatedBy]; !ok {
			return types.Room{}, fmt.Errorf("create group room: creator: %w", types.ErrNotFound)
		}
	}

	mr := m.insertGroupLocked(params)

	if params.SourceRoomId > 0 && params.CopyLimit > 0 {
		ids := m.byRoom[params.SourceRoomId]
		ids = ids[max(0, len(ids)-params.CopyLimit):]
		for _, id := range ids {
			src := m.messages[id]
			m.appendMessageLocked(mr, CreateMessageParams{
				RoomId:    mr.room.Id,
				SenderId:  src.SenderId,
				Body:      src.Body,
				Kind:      types.MessageKindCopy,
				CreatedAt: src.CreatedAt,
			})
		}
	}

	if params.Announcement != "" {
		m.appendMessageLocked(mr, CreateMessageParams{
			RoomId:   mr.room.Id,
			SenderId: params.CreatedBy,
			Body:     params.Announcement,
			Kind:     types.MessageKindSystem,
		})
	}

	room, _ := m.roomLocked(mr.room.Id)
	return room, nil
}

func (m *MemoryRepository) insertGroupLocked(params CreateGroupRoomParams) *memoryRoom {
	m.nextRoom++
	now := time.Now().UTC()
	mr := &memoryRoom{
		room: types.Room{
			Id:        m.nextRoom,
			Name:      params.Name,
			IsGroup:   true,
			Picture:   params.Picture,
			CreatedBy: params.CreatedBy,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	for _, id := range params.UserIds {
		if !slices.Contains(mr.participants, id) {
			mr.participants = append(mr.participants, id)
		}
	}
	m.rooms[mr.room.Id] = mr
	return mr
}

func (m *MemoryRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mr, ok := m.rooms[params.RoomId]
	if !ok {
		return types.Message{}, fmt.Errorf("create message: room: %w", types.ErrNotFound)
	}
	if _, ok := m.users[params.SenderId]; !ok {
		return types.Message{}, fmt.Errorf("create message: sender: %w", types.ErrNotFound)
	}
	if params.Kind != "" && !params.Kind.Valid() {
		return types.Message{}, fmt.Errorf("create message: %w: unknown kind %q", types.ErrInvalidPayload, params.Kind)
	}

	return m.appendMessageLocked(mr, params), nil
}

// appendMessageLocked stores a message for a sender known to exist. The
// caller must hold mu for writing.
func (m *MemoryRepository) appendMessageLocked(mr *memoryRoom, params CreateMessageParams) types.Message {
	if params.Kind == "" {
		params.Kind = types.MessageKindText
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = time.Now().UTC()
	}

	m.nextMsg++
	msg := types.Message{
		Id:             m.nextMsg,
		RoomId:         mr.room.Id,
		SenderId:       params.SenderId,
		SenderUsername: m.users[params.SenderId].Username,
		Body:           params.Body,
		Kind:           params.Kind,
		CreatedAt:      params.CreatedAt,
	}
	m.messages[msg.Id] = msg
	m.byRoom[msg.RoomId] = append(m.byRoom[msg.RoomId], msg.Id)
	mr.room.UpdatedAt = time.Now().UTC()

	return msg
}

func (m *MemoryRepository) GetMessage(ctx context.Context, messageId int64) (types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return types.Message{}, fmt.Errorf("get message: %w", types.ErrNotFound)
	}
	return msg, nil
}

func (m *MemoryRepository) ListMessagesBefore(ctx context.Context, roomId, before int64, limit int) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byRoom[roomId]
	// ids are appended in increasing order, so walk backwards for newest first.
	var out []types.Message
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if before > 0 && ids[i] >= before {
			continue
		}
		out = append(out, m.messages[ids[i]])
	}
	return out, nil
}

func (m *MemoryRepository) InsertReadStatus(ctx context.Context, messageId, userId int64, readAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[messageId]; !ok {
		return false, fmt.Errorf("insert read status: %w", types.ErrNotFound)
	}

	key := readKey{messageId: messageId, userId: userId}
	if _, ok := m.reads[key]; ok {
		return false, nil
	}
	m.reads[key] = readAt
	return true, nil
}

func (m *MemoryRepository) CountUnread(ctx context.Context, roomId, userId int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, id := range m.byRoom[roomId] {
		msg := m.messages[id]
		if msg.SenderId == userId {
			continue
		}
		if _, ok := m.reads[readKey{messageId: id, userId: userId}]; !ok {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) UpsertUserStatus(ctx context.Context, record types.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[record.UserId] = record
	return nil
}

func (m *MemoryRepository) GetUserStatuses(ctx context.Context, userIds []int64) ([]types.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.PresenceRecord
	for _, id := range userIds {
		if rec, ok := m.statuses[id]; ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out, nil
}

var _ ChatRepository = (*MemoryRepository)(nil)

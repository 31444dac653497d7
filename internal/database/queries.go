package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	messageColumns = "m.id, m.room_id, m.sender_id, a.username, m.body, m.kind, m.created_at"

	listMessagesQuery = "SELECT " + messageColumns + " FROM messages m " +
		"JOIN accounts a ON a.id = m.sender_id " +
		"WHERE m.room_id = $1 ORDER BY m.id DESC LIMIT $2"

	listMessagesBeforeQuery = "SELECT " + messageColumns + " FROM messages m " +
		"JOIN accounts a ON a.id = m.sender_id " +
		"WHERE m.room_id = $1 AND m.id < $2 ORDER BY m.id DESC LIMIT $3"

	countUnreadQuery = "SELECT COUNT(*) FROM messages m " +
		"WHERE m.room_id = $1 AND m.sender_id <> $2 " +
		"AND NOT EXISTS (SELECT 1 FROM message_read_status r WHERE r.message_id = m.id AND r.user_id = $2)"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (types.Message, error) {
	var (
		msg  types.Message
		kind string
	)
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.SenderUsername,
		&msg.Body,
		&kind,
		&msg.CreatedAt,
	)
	msg.Kind = types.MessageKind(kind)
	return msg, err
}

func (db *PgChatRepository) GetUser(ctx context.Context, userId int64) (types.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, display_name, created_at FROM accounts WHERE id = $1",
		userId,
	)

	var u types.User
	err := row.Scan(&u.Id, &u.Username, &u.DisplayName, &u.CreatedAt)
	return u, translateError("get user", err)
}

func (db *PgChatRepository) UpsertUser(ctx context.Context, user types.User) (types.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, display_name, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, display_name = EXCLUDED.display_name "+
			"RETURNING id, username, display_name, created_at",
		user.Id,
		user.Username,
		user.DisplayName,
		time.Now().UTC(),
	)

	var u types.User
	err := row.Scan(&u.Id, &u.Username, &u.DisplayName, &u.CreatedAt)
	return u, translateError("upsert user", err)
}

func (db *PgChatRepository) GetRoom(ctx context.Context, roomId int64) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, is_group, COALESCE(picture, ''), COALESCE(created_by, 0), created_at, updated_at "+
			"FROM rooms WHERE id = $1",
		roomId,
	)

	var r types.Room
	err := row.Scan(&r.Id, &r.Name, &r.IsGroup, &r.Picture, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, translateError("get room", err)
	}

	r.Participants, err = db.listParticipants(ctx, roomId)
	return r, err
}

func (db *PgChatRepository) listParticipants(ctx context.Context, roomId int64) ([]types.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT a.id, a.username, a.display_name, a.created_at FROM room_participants p "+
			"JOIN accounts a ON a.id = p.user_id WHERE p.room_id = $1 ORDER BY p.joined_at, a.id",
		roomId,
	)
	if err != nil {
		return nil, translateError("list participants", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.Id, &u.Username, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, translateError("list participants", err)
		}
		users = append(users, u)
	}

	return users, translateError("list participants", rows.Err())
}

func (db *PgChatRepository) IsParticipant(ctx context.Context, roomId, userId int64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)",
		roomId, userId,
	).Scan(&exists)

	return exists, translateError("is participant", err)
}

func (db *PgChatRepository) FindDirectRoom(ctx context.Context, directKey string) (types.Room, error) {
	var roomId int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT id FROM rooms WHERE direct_key = $1",
		directKey,
	).Scan(&roomId)
	if err != nil {
		return types.Room{}, translateError("find direct room", err)
	}

	return db.GetRoom(ctx, roomId)
}

func (db *PgChatRepository) CreateDirectRoom(ctx context.Context, params CreateDirectRoomParams) (types.Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Room{}, translateError("create direct room", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var roomId int64
	err = tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, is_group, direct_key, created_by, created_at, updated_at) "+
			"VALUES ($1, FALSE, $2, NULLIF($3::bigint, 0), $4, $4) RETURNING id",
		params.Name,
		params.DirectKey,
		params.CreatedBy,
		now,
	).Scan(&roomId)
	if err != nil {
		return types.Room{}, translateError("create direct room", err)
	}

	if err := insertParticipants(ctx, tx, roomId, params.UserIds[:], now); err != nil {
		return types.Room{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.Room{}, translateError("create direct room", err)
	}

	return db.GetRoom(ctx, roomId)
}

const copyRecentMessagesQuery = `
INSERT INTO messages (room_id, sender_id, body, kind, created_at)
SELECT $1, recent.sender_id, recent.body, 'copy', recent.created_at
FROM (
	SELECT id, sender_id, body, created_at FROM messages
	WHERE room_id = $2
	ORDER BY id DESC
	LIMIT $3
) recent
ORDER BY recent.id`

func (db *PgChatRepository) CreateGroupRoom(ctx context.Context, params CreateGroupRoomParams) (types.Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Room{}, translateError("create group room", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	roomId, err := insertGroupRoom(ctx, tx, params, now)
	if err != nil {
		return types.Room{}, err
	}

	if params.SourceRoomId > 0 && params.CopyLimit > 0 {
		if _, err := tx.ExecContext(ctx, copyRecentMessagesQuery, roomId, params.SourceRoomId, params.CopyLimit); err != nil {
			return types.Room{}, translateError("copy messages", err)
		}
	}

	if params.Announcement != "" {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO messages (room_id, sender_id, body, kind, created_at) VALUES ($1, $2, $3, $4, $5)",
			roomId, params.CreatedBy, params.Announcement, string(types.MessageKindSystem), now,
		)
		if err != nil {
			return types.Room{}, translateError("announce group", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Room{}, translateError("create group room", err)
	}

	return db.GetRoom(ctx, roomId)
}

func insertGroupRoom(ctx context.Context, tx *sql.Tx, params CreateGroupRoomParams, now time.Time) (int64, error) {
	var roomId int64
	err := tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, is_group, picture, created_by, created_at, updated_at) "+
			"VALUES ($1, TRUE, NULLIF($2, ''), NULLIF($3::bigint, 0), $4, $4) RETURNING id",
		params.Name,
		params.Picture,
		params.CreatedBy,
		now,
	).Scan(&roomId)
	if err != nil {
		return 0, translateError("create group room", err)
	}

	if err := insertParticipants(ctx, tx, roomId, params.UserIds, now); err != nil {
		return 0, err
	}

	return roomId, nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, roomId int64, userIds []int64, joinedAt time.Time) error {
	for _, userId := range userIds {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO room_participants (room_id, user_id, joined_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT DO NOTHING",
			roomId, userId, joinedAt,
		)
		if err != nil {
			return translateError("add participant", err)
		}
	}

	return nil
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	if params.Kind == "" {
		params.Kind = types.MessageKindText
	}
	if !params.Kind.Valid() {
		return types.Message{}, fmt.Errorf("create message: %w: unknown kind %q", types.ErrInvalidPayload, params.Kind)
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = time.Now().UTC()
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Message{}, translateError("create message", err)
	}
	defer tx.Rollback()

	var messageId int64
	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, sender_id, body, kind, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		params.RoomId,
		params.SenderId,
		params.Body,
		string(params.Kind),
		params.CreatedAt,
	).Scan(&messageId)
	if err != nil {
		return types.Message{}, translateError("create message", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE rooms SET updated_at = $2 WHERE id = $1",
		params.RoomId, time.Now().UTC(),
	); err != nil {
		return types.Message{}, translateError("update room on message", err)
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id WHERE m.id = $1",
		messageId,
	))
	if err != nil {
		return types.Message{}, translateError("create message", err)
	}

	return msg, translateError("create message", tx.Commit())
}

func (db *PgChatRepository) GetMessage(ctx context.Context, messageId int64) (types.Message, error) {
	msg, err := scanMessage(db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id WHERE m.id = $1",
		messageId,
	))

	return msg, translateError("get message", err)
}

func (db *PgChatRepository) ListMessagesBefore(ctx context.Context, roomId, before int64, limit int) ([]types.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before > 0 {
		rows, err = db.conn.QueryContext(ctx, listMessagesBeforeQuery, roomId, before, limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, listMessagesQuery, roomId, limit)
	}
	if err != nil {
		return nil, translateError("list messages", err)
	}
	defer rows.Close()

	var messages []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, translateError("list messages", err)
		}
		messages = append(messages, msg)
	}

	return messages, translateError("list messages", rows.Err())
}

func (db *PgChatRepository) InsertReadStatus(ctx context.Context, messageId, userId int64, readAt time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_read_status (message_id, user_id, read_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		messageId, userId, readAt,
	)
	if err != nil {
		return false, translateError("insert read status", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, translateError("insert read status", err)
	}

	return n > 0, nil
}

func (db *PgChatRepository) CountUnread(ctx context.Context, roomId, userId int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, countUnreadQuery, roomId, userId).Scan(&count)
	return count, translateError("count unread", err)
}

func (db *PgChatRepository) UpsertUserStatus(ctx context.Context, record types.PresenceRecord) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO user_status (user_id, is_online, last_seen) VALUES ($1, $2, $3) "+
			"ON CONFLICT (user_id) DO UPDATE SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen",
		record.UserId, record.IsOnline, record.LastSeen,
	)

	return translateError("upsert user status", err)
}

func (db *PgChatRepository) GetUserStatuses(ctx context.Context, userIds []int64) ([]types.PresenceRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id, is_online, last_seen FROM user_status WHERE user_id = ANY($1)",
		pq.Array(userIds),
	)
	if err != nil {
		return nil, translateError("get user statuses", err)
	}
	defer rows.Close()

	var records []types.PresenceRecord
	for rows.Next() {
		var rec types.PresenceRecord
		if err := rows.Scan(&rec.UserId, &rec.IsOnline, &rec.LastSeen); err != nil {
			return nil, translateError("get user statuses", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError("get user statuses", err)
	}

	return records, nil
}

var _ ChatRepository = (*PgChatRepository)(nil)

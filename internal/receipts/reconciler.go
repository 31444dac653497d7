// Package receipts records per-message read acknowledgments and derives
// unread counts from them.
package receipts

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

type Store interface {
	GetMessage(ctx context.Context, messageId int64) (types.Message, error)
	InsertReadStatus(ctx context.Context, messageId, userId int64, readAt time.Time) (bool, error)
	CountUnread(ctx context.Context, roomId, userId int64) (int, error)
}

type Reconciler struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewReconciler(store Store, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		log:   log.Named("receipts"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead records that userId read messageId. Marking the same pair again
// reports alreadyMarked and writes nothing.
func (r *Reconciler) MarkRead(ctx context.Context, messageId, userId int64) (bool, error) {
	inserted, err := r.store.InsertReadStatus(ctx, messageId, userId, r.now())
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}

	if inserted {
		r.log.Debug("message read", zap.Int64("message_id", messageId), zap.Int64("user_id", userId))
	}
	return !inserted, nil
}

// MarkReadInRoom is MarkRead restricted to messages of roomId. Messages of
// other rooms are reported as not found.
func (r *Reconciler) MarkReadInRoom(ctx context.Context, roomId, messageId, userId int64) (bool, error) {
	msg, err := r.store.GetMessage(ctx, messageId)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if msg.RoomId != roomId {
		return false, fmt.Errorf("mark read: message %d: %w", messageId, types.ErrNotFound)
	}

	return r.MarkRead(ctx, messageId, userId)
}

func (r *Reconciler) UnreadCount(ctx context.Context, roomId, userId int64) (int, error) {
	n, err := r.store.CountUnread(ctx, roomId, userId)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// Package conversation pairs two users into their single direct room and
// promotes direct rooms to groups.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Store interface {
	GetUser(ctx context.Context, userId int64) (types.User, error)
	GetRoom(ctx context.Context, roomId int64) (types.Room, error)
	FindDirectRoom(ctx context.Context, directKey string) (types.Room, error)
	CreateDirectRoom(ctx context.Context, params database.CreateDirectRoomParams) (types.Room, error)
	CreateGroupRoom(ctx context.Context, params database.CreateGroupRoomParams) (types.Room, error)
}

type Resolver struct {
	store Store
	log   *zap.Logger
	group singleflight.Group
}

func NewResolver(store Store, log *zap.Logger) *Resolver {
	return &Resolver{
		store: store,
		log:   log.Named("conversation"),
	}
}

// DirectKey is the canonical identity of the pair, smaller id first.
func DirectKey(userA, userB int64) string {
	lo, hi := min(userA, userB), max(userA, userB)
	return fmt.Sprintf("%d:%d", lo, hi)
}

// Resolve returns the direct room shared by userA and userB, creating it on
// first contact. Concurrent callers for the same pair, in this process or
// another one, always observe the same room.
func (r *Resolver) Resolve(ctx context.Context, userA, userB int64) (types.Room, error) {
	if userA == userB {
		return types.Room{}, fmt.Errorf("resolve direct room: cannot pair user with itself: %w", types.ErrNotFound)
	}

	key := DirectKey(userA, userB)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.findOrCreate(ctx, key, min(userA, userB), max(userA, userB))
	})
	if err != nil {
		return types.Room{}, err
	}

	return v.(types.Room), nil
}

func (r *Resolver) findOrCreate(ctx context.Context, key string, lo, hi int64) (types.Room, error) {
	room, err := r.store.FindDirectRoom(ctx, key)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Room{}, fmt.Errorf("resolve direct room: %w", err)
	}

	first, err := r.store.GetUser(ctx, lo)
	if err != nil {
		return types.Room{}, fmt.Errorf("resolve direct room: %w", err)
	}
	second, err := r.store.GetUser(ctx, hi)
	if err != nil {
		return types.Room{}, fmt.Errorf("resolve direct room: %w", err)
	}

	room, err = r.store.CreateDirectRoom(ctx, database.CreateDirectRoomParams{
		DirectKey: key,
		Name:      first.Username + ", " + second.Username,
		UserIds:   [2]int64{lo, hi},
		CreatedBy: lo,
	})
	if errors.Is(err, types.ErrConflict) {
		// another process created the room between our lookup and insert
		r.log.Debug("direct room creation lost race", zap.String("direct_key", key))
		room, err = r.store.FindDirectRoom(ctx, key)
	}
	if err != nil {
		return types.Room{}, fmt.Errorf("resolve direct room: %w", err)
	}

	r.log.Info("direct room ready", zap.Int64("room_id", room.Id), zap.String("direct_key", key))
	return room, nil
}

// Package presence tracks which users hold at least one live session.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

// Store persists presence records.
type Store interface {
	UpsertUserStatus(ctx context.Context, record types.PresenceRecord) error
	GetUserStatuses(ctx context.Context, userIds []int64) ([]types.PresenceRecord, error)
}

type entry struct {
	mu       sync.Mutex
	sessions int
	record   types.PresenceRecord
	// refs counts callers holding this entry outside the tracker lock.
	refs int
}

// Tracker counts active sessions per user. A user is flipped online when the
// count goes from zero to one and offline when it returns to zero; every
// transition is written through to the Store. Transitions for one user are
// serialized, transitions for different users never contend beyond a map
// lookup.
type Tracker struct {
	log     *zap.Logger
	store   Store
	mu      sync.Mutex
	entries map[int64]*entry
	now     func() time.Time
}

func NewTracker(store Store, log *zap.Logger) *Tracker {
	return &Tracker{
		log:     log.Named("presence"),
		store:   store,
		entries: make(map[int64]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) acquire(userId int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userId]
	if !ok {
		e = &entry{record: types.PresenceRecord{UserId: userId}}
		t.entries[userId] = e
	}
	e.refs++
	return e
}

// release drops the caller's reference and forgets users without sessions.
// It must be called without holding e.mu.
func (t *Tracker) release(userId int64, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}

	e.mu.Lock()
	idle := e.sessions == 0
	e.mu.Unlock()
	if idle {
		delete(t.entries, userId)
	}
}

// SetOnline registers one more session for userId. It reports whether this
// call flipped the user online. A persistence failure is returned but the
// in-memory count is kept so later transitions stay balanced.
func (t *Tracker) SetOnline(ctx context.Context, userId int64) (bool, error) {
	e := t.acquire(userId)
	defer t.release(userId, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessions++
	if e.sessions > 1 {
		return false, nil
	}

	e.record = types.PresenceRecord{UserId: userId, IsOnline: true, LastSeen: t.now()}
	if err := t.store.UpsertUserStatus(ctx, e.record); err != nil {
		return true, fmt.Errorf("persist online status: %w", err)
	}

	t.log.Debug("user online", zap.Int64("user_id", userId))
	return true, nil
}

// SetOffline removes one session for userId. The user only becomes offline
// once no other session remains.
func (t *Tracker) SetOffline(ctx context.Context, userId int64) (bool, error) {
	e := t.acquire(userId)
	defer t.release(userId, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessions == 0 {
		return false, nil
	}

	e.sessions--
	if e.sessions > 0 {
		return false, nil
	}

	e.record = types.PresenceRecord{UserId: userId, IsOnline: false, LastSeen: t.now()}
	if err := t.store.UpsertUserStatus(ctx, e.record); err != nil {
		return true, fmt.Errorf("persist offline status: %w", err)
	}

	t.log.Debug("user offline", zap.Int64("user_id", userId))
	return true, nil
}

// Sessions returns the number of live sessions this process holds for userId.
func (t *Tracker) Sessions(userId int64) int {
	t.mu.Lock()
	e, ok := t.entries[userId]
	t.mu.Unlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

func (t *Tracker) Get(ctx context.Context, userId int64) (types.PresenceRecord, error) {
	records, err := t.GetMany(ctx, []int64{userId})
	if err != nil {
		return types.PresenceRecord{}, err
	}
	return records[0], nil
}

// GetMany returns one record per requested user, in request order. Users
// with live sessions on this process are answered from memory, the rest
// from the Store. Users never seen are reported offline.
func (t *Tracker) GetMany(ctx context.Context, userIds []int64) ([]types.PresenceRecord, error) {
	out := make([]types.PresenceRecord, len(userIds))
	var missing []int64

	t.mu.Lock()
	live := make(map[int64]*entry, len(userIds))
	for _, id := range userIds {
		if e, ok := t.entries[id]; ok {
			live[id] = e
		}
	}
	t.mu.Unlock()

	for i, id := range userIds {
		out[i] = types.PresenceRecord{UserId: id}
		e, ok := live[id]
		if !ok {
			missing = append(missing, id)
			continue
		}

		e.mu.Lock()
		if e.sessions > 0 {
			out[i] = e.record
		} else {
			missing = append(missing, id)
		}
		e.mu.Unlock()
	}

	if len(missing) == 0 {
		return out, nil
	}

	stored, err := t.store.GetUserStatuses(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load user statuses: %w", err)
	}

	byId := make(map[int64]types.PresenceRecord, len(stored))
	for _, rec := range stored {
		byId[rec.UserId] = rec
	}
	for i, id := range userIds {
		if out[i].IsOnline {
			continue
		}
		if rec, ok := byId[id]; ok {
			out[i] = rec
		}
	}

	return out, nil
}

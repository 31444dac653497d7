package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

// Member is a session handle that can receive envelopes.
type Member interface {
	SessionId() string
	UserId() int64
	// Enqueue hands env to the session without blocking.
	Enqueue(env *Envelope) bool
}

// Exclude names recipients a broadcast must skip.
type Exclude struct {
	SessionIds []string `json:"session_ids,omitempty"`
	UserIds    []int64  `json:"user_ids,omitempty"`
}

func (e Exclude) matches(m Member) bool {
	return slices.Contains(e.SessionIds, m.SessionId()) || slices.Contains(e.UserIds, m.UserId())
}

// relayMessage is the bus payload carrying a broadcast to other nodes.
type relayMessage struct {
	Origin  string          `json:"origin"`
	Kind    Kind            `json:"kind"`
	Exclude Exclude         `json:"exclude"`
	Payload json.RawMessage `json:"payload"`
}

// group is the set of local sessions listening on one bus topic. Fan-out
// to a group happens under its mutex, so membership cannot change mid
// broadcast.
type group struct {
	topic   string
	mu      sync.Mutex
	members map[string]Member
	closed  bool

	// subMu guards sub and is held across the bus round trip so that a
	// slow subscribe never blocks fan-out.
	subMu sync.Mutex
	sub   bus.Subscription
}

func (g *group) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *group) deliver(env *Envelope, exclude Exclude) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0
	}

	n := 0
	for _, m := range g.members {
		if exclude.matches(m) {
			continue
		}
		if m.Enqueue(env) {
			n++
		}
	}
	return n
}

// Registry maps rooms and users to their live sessions on this node and
// mirrors broadcasts through an optional Bus so that fan-out spans nodes.
type Registry struct {
	log    *zap.Logger
	bus    bus.Bus
	stats  stats.StatsProvider
	nodeId string

	mu          sync.RWMutex
	rooms       map[int64]*group
	users       map[int64]*group
	sessionRoom map[string]int64

	wg sync.WaitGroup
}

// NewRegistry creates a registry. b may be nil for a single node deployment.
func NewRegistry(b bus.Bus, st stats.StatsProvider, log *zap.Logger) *Registry {
	nodeId := uuid.NewString()
	return &Registry{
		log:         log.Named("registry").With(zap.String("node_id", nodeId)),
		bus:         b,
		stats:       st,
		nodeId:      nodeId,
		rooms:       make(map[int64]*group),
		users:       make(map[int64]*group),
		sessionRoom: make(map[string]int64),
	}
}

// attach adds m to the group for id, creating it if needed. Caller holds r.mu.
func (r *Registry) attach(groups map[int64]*group, id int64, topic string, m Member) (*group, bool) {
	g, ok := groups[id]
	if !ok {
		g = &group{topic: topic, members: make(map[string]Member)}
		groups[id] = g
	}

	g.mu.Lock()
	g.members[m.SessionId()] = m
	g.mu.Unlock()

	return g, !ok
}

// detach removes m from the group for id and returns the group if it became
// empty. Caller holds r.mu.
func (r *Registry) detach(groups map[int64]*group, id int64, m Member) *group {
	g, ok := groups[id]
	if !ok {
		return nil
	}

	g.mu.Lock()
	delete(g.members, m.SessionId())
	empty := len(g.members) == 0
	if empty {
		g.closed = true
	}
	g.mu.Unlock()

	if !empty {
		return nil
	}
	delete(groups, id)
	return g
}

// release tears down the bus subscription of an emptied group.
func (r *Registry) release(g *group) {
	if g == nil {
		return
	}

	g.subMu.Lock()
	sub := g.sub
	g.sub = nil
	g.subMu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			r.log.Warn("close subscription", zap.String("topic", g.topic), zap.Error(err))
		}
	}
}

// ensureSubscribed subscribes g to its topic once. A failed attempt is
// retried by the next member that joins.
func (r *Registry) ensureSubscribed(ctx context.Context, g *group) error {
	if r.bus == nil {
		return nil
	}

	g.subMu.Lock()
	defer g.subMu.Unlock()

	if g.sub != nil || g.isClosed() {
		return nil
	}

	sub, err := r.bus.Subscribe(ctx, g.topic)
	if err != nil {
		return unavailable("subscribe "+g.topic, err)
	}
	if g.isClosed() {
		// every member left while we were subscribing
		sub.Close()
		return nil
	}
	g.sub = sub

	r.wg.Add(1)
	go r.relay(g, sub)
	return nil
}

func (r *Registry) relay(g *group, sub bus.Subscription) {
	defer r.wg.Done()

	for payload := range sub.Messages() {
		var msg relayMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.log.Warn("discarding malformed relay message", zap.String("topic", g.topic), zap.Error(err))
			continue
		}
		if msg.Origin == r.nodeId {
			continue
		}

		g.deliver(&Envelope{Kind: msg.Kind, payload: msg.Payload}, msg.Exclude)
	}
}

func (r *Registry) publish(ctx context.Context, topic string, env *Envelope, exclude Exclude) error {
	if r.bus == nil {
		return nil
	}

	payload, err := json.Marshal(relayMessage{
		Origin:  r.nodeId,
		Kind:    env.Kind,
		Exclude: exclude,
		Payload: env.payload,
	})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}

	if err := r.bus.Publish(ctx, topic, payload); err != nil {
		return unavailable("publish "+topic, err)
	}
	return nil
}

// Join registers m in roomId. A session belongs to at most one room, so a
// session already in another room leaves it first.
func (r *Registry) Join(ctx context.Context, roomId int64, m Member) error {
	r.mu.Lock()
	var left *group
	if prev, ok := r.sessionRoom[m.SessionId()]; ok {
		if prev == roomId {
			r.mu.Unlock()
			return nil
		}
		left = r.detach(r.rooms, prev, m)
	}
	g, created := r.attach(r.rooms, roomId, bus.RoomTopic(roomId), m)
	r.sessionRoom[m.SessionId()] = roomId
	r.mu.Unlock()

	if left != nil {
		r.release(left)
		r.stats.Decr(stats.NumActiveRooms)
	}
	if created {
		r.stats.Incr(stats.NumActiveRooms)
		r.log.Debug("room loaded", zap.Int64("room_id", roomId))
	}

	return r.ensureSubscribed(ctx, g)
}

// Leave removes m from roomId. It is a no-op if m is not in that room.
func (r *Registry) Leave(roomId int64, m Member) {
	r.mu.Lock()
	if cur, ok := r.sessionRoom[m.SessionId()]; !ok || cur != roomId {
		r.mu.Unlock()
		return
	}
	delete(r.sessionRoom, m.SessionId())
	emptied := r.detach(r.rooms, roomId, m)
	r.mu.Unlock()

	if emptied != nil {
		r.release(emptied)
		r.stats.Decr(stats.NumActiveRooms)
		r.log.Debug("room unloaded", zap.Int64("room_id", roomId))
	}
}

// Broadcast delivers env to every session registered in roomId at the time
// of the call, except the excluded ones, then relays it to other nodes.
// Local delivery happens even when the relay fails.
func (r *Registry) Broadcast(ctx context.Context, roomId int64, env *Envelope, exclude Exclude) error {
	r.mu.RLock()
	g := r.rooms[roomId]
	r.mu.RUnlock()

	if g != nil {
		g.deliver(env, exclude)
	}

	return r.publish(ctx, bus.RoomTopic(roomId), env, exclude)
}

// Register indexes m under its user so it can receive notifications.
func (r *Registry) Register(ctx context.Context, m Member) error {
	r.mu.Lock()
	g, _ := r.attach(r.users, m.UserId(), bus.UserTopic(m.UserId()), m)
	r.mu.Unlock()

	return r.ensureSubscribed(ctx, g)
}

func (r *Registry) Unregister(m Member) {
	r.mu.Lock()
	emptied := r.detach(r.users, m.UserId(), m)
	r.mu.Unlock()

	r.release(emptied)
}

// NotifyUser delivers env to every session of userId on every node.
func (r *Registry) NotifyUser(ctx context.Context, userId int64, env *Envelope) error {
	r.mu.RLock()
	g := r.users[userId]
	r.mu.RUnlock()

	if g != nil {
		g.deliver(env, Exclude{})
	}

	return r.publish(ctx, bus.UserTopic(userId), env, Exclude{})
}

// RoomOf returns the room the session is registered in.
func (r *Registry) RoomOf(sessionId string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomId, ok := r.sessionRoom[sessionId]
	return roomId, ok
}

// Members returns the session ids registered in roomId.
func (r *Registry) Members(roomId int64) []string {
	r.mu.RLock()
	g := r.rooms[roomId]
	r.mu.RUnlock()

	if g == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close drops every bus subscription and waits for the relay goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	var groups []*group
	for _, g := range r.rooms {
		groups = append(groups, g)
	}
	for _, g := range r.users {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		r.release(g)
	}

	r.wg.Wait()
}

func unavailable(op string, err error) error {
	if errors.Is(err, types.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, types.ErrUnavailable, err)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/conversation"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/receipts"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("gateway is shutting down")

// Target selects what a new session connects to. Exactly one of RoomId or
// PeerId is set for chat sessions; neither is set for a notification
// session.
type Target struct {
	RoomId int64
	PeerId int64
}

func (t Target) Notifications() bool {
	return t.RoomId == 0 && t.PeerId == 0
}

type GatewayConfig struct {
	SendQueueSize    int
	OperationTimeout time.Duration
}

// Gateway owns every live session of this node and routes their envelopes.
type Gateway struct {
	log      *zap.Logger
	cfg      GatewayConfig
	repo     database.ChatRepository
	registry *Registry
	presence *presence.Tracker
	receipts *receipts.Reconciler
	resolver *conversation.Resolver
	stats    stats.StatsProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

type GatewayDeps struct {
	Repo     database.ChatRepository
	Registry *Registry
	Presence *presence.Tracker
	Receipts *receipts.Reconciler
	Resolver *conversation.Resolver
	Stats    stats.StatsProvider
}

func NewGateway(deps GatewayDeps, cfg GatewayConfig, log *zap.Logger) *Gateway {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		log:      log.Named("gateway"),
		cfg:      cfg,
		repo:     deps.Repo,
		registry: deps.Registry,
		presence: deps.Presence,
		receipts: deps.Receipts,
		resolver: deps.Resolver,
		stats:    deps.Stats,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]struct{}),
	}
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.ctx, g.cfg.OperationTimeout)
}

// ResolveTarget checks that user may open a session on target and returns
// the room it maps to. Direct targets create the pair's room on first
// contact. It returns nil for a notification target.
func (g *Gateway) ResolveTarget(ctx context.Context, user types.User, target Target) (*types.Room, error) {
	switch {
	case target.Notifications():
		return nil, nil
	case target.PeerId != 0:
		room, err := g.resolver.Resolve(ctx, user.Id, target.PeerId)
		if err != nil {
			return nil, err
		}
		return &room, nil
	default:
		room, err := g.repo.GetRoom(ctx, target.RoomId)
		if err != nil {
			return nil, err
		}
		if !room.HasParticipant(user.Id) {
			return nil, fmt.Errorf("user %d is not a participant of room %d: %w", user.Id, room.Id, types.ErrNotFound)
		}
		return &room, nil
	}
}

// Connect resolves target and attaches conn as a new session.
func (g *Gateway) Connect(ctx context.Context, conn *websocket.Conn, user types.User, target Target) (*Client, error) {
	if user.Id == 0 {
		return nil, types.ErrUnauthenticated
	}

	room, err := g.ResolveTarget(ctx, user, target)
	if err != nil {
		return nil, err
	}

	return g.Attach(ctx, conn, user, room)
}

// Attach registers an upgraded connection for user in room (nil for a
// notification session) and starts its pumps. The first envelope the
// session receives is connection_established.
func (g *Gateway) Attach(ctx context.Context, conn *websocket.Conn, user types.User, room *types.Room) (*Client, error) {
	sessionId, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	c := newClient(sessionId, user, room, conn, g, g.cfg.SendQueueSize)

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	g.clients[c] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	hello, err := NewConnectionEstablished(sessionId, room)
	if err != nil {
		g.forget(c)
		return nil, err
	}
	c.Enqueue(hello)

	if err := g.register(ctx, c); err != nil {
		g.unregister(c)
		g.forget(c)
		return nil, err
	}

	if _, err := g.presence.SetOnline(ctx, user.Id); err != nil {
		c.log.Warn("presence update failed", zap.Error(err))
	}
	g.stats.Incr(stats.NumActiveSessions)

	if room != nil {
		if joined, err := NewMembershipChange(KindUserJoined, room.Id, user); err == nil {
			if err := g.registry.Broadcast(ctx, room.Id, joined, Exclude{UserIds: []int64{user.Id}}); err != nil {
				c.log.Warn("user_joined broadcast failed", zap.Error(err))
			}
		}
	}

	c.log.Info("session connected")

	go c.Write()
	go c.Read()

	return c, nil
}

func (g *Gateway) register(ctx context.Context, c *Client) error {
	if err := g.registry.Register(ctx, c); err != nil {
		return err
	}
	if c.room != nil {
		if err := g.registry.Join(ctx, c.room.Id, c); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) unregister(c *Client) {
	if c.room != nil {
		g.registry.Leave(c.room.Id, c)
	}
	g.registry.Unregister(c)
}

func (g *Gateway) forget(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		g.wg.Done()
	}
}

// Disconnect runs once per session when its transport goes away: presence
// goes offline if this was the user's last session, the room hears
// user_left and the session is deregistered.
func (g *Gateway) Disconnect(c *Client) {
	g.mu.Lock()
	_, live := g.clients[c]
	g.mu.Unlock()
	if !live {
		return
	}
	defer g.forget(c)

	// the gateway context may already be cancelled during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OperationTimeout)
	defer cancel()

	if _, err := g.presence.SetOffline(ctx, c.user.Id); err != nil {
		c.log.Warn("presence update failed", zap.Error(err))
	}

	if c.room != nil {
		if left, err := NewMembershipChange(KindUserLeft, c.room.Id, c.user); err == nil {
			if err := g.registry.Broadcast(ctx, c.room.Id, left, Exclude{UserIds: []int64{c.user.Id}}); err != nil {
				c.log.Warn("user_left broadcast failed", zap.Error(err))
			}
		}
	}

	g.unregister(c)
	g.stats.Decr(stats.NumActiveSessions)
	c.log.Info("session disconnected", zap.Duration("duration", time.Since(c.createdAt)))
}

// Notify pushes a notification to every session of userId, on every node.
func (g *Gateway) Notify(ctx context.Context, userId int64, n Notification) error {
	env, err := NewNotification(n)
	if err != nil {
		return err
	}

	return g.registry.NotifyUser(ctx, userId, env)
}

// ConvertToGroup turns a direct room into a new group room and tells every
// member about it on their notification streams.
func (g *Gateway) ConvertToGroup(ctx context.Context, params conversation.ConvertParams) (types.Room, error) {
	group, err := g.resolver.ConvertToGroup(ctx, params)
	if err != nil {
		return types.Room{}, err
	}

	n := Notification{
		NotificationType: NotificationGroupCreated,
		Message:          fmt.Sprintf("you were added to %s", group.Name),
		Data: map[string]any{
			"room_id":     types.FormatId(group.Id),
			"room_name":   group.Name,
			"created_by":  types.FormatId(params.RequestedBy),
			"from_direct": types.FormatId(params.DirectRoomId),
		},
	}
	for _, p := range group.Participants {
		if err := g.Notify(ctx, p.Id, n); err != nil {
			g.log.Warn("group notification failed", zap.Int64("user_id", p.Id), zap.Error(err))
		}
	}

	return group, nil
}

// Shutdown closes every session and waits for their disconnect paths to
// finish or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	g.log.Info("closing sessions", zap.Int("count", len(clients)))
	g.cancel()
	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

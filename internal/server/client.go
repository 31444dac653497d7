package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Client is one websocket session. It belongs to at most one room; a nil
// room marks a notification-only session.
type Client struct {
	id        string
	conn      *websocket.Conn
	gw        *Gateway
	log       *zap.Logger
	user      types.User
	room      *types.Room
	send      chan *Envelope
	stop      chan struct{}
	stopOnce  sync.Once
	createdAt time.Time
}

func newClient(id string, user types.User, room *types.Room, conn *websocket.Conn, gw *Gateway, queueSize int) *Client {
	fields := []zap.Field{zap.String("session_id", id), zap.Int64("user_id", user.Id)}
	if room != nil {
		fields = append(fields, zap.Int64("room_id", room.Id))
	}

	return &Client{
		id:        id,
		conn:      conn,
		gw:        gw,
		log:       gw.log.With(fields...),
		user:      user,
		room:      room,
		send:      make(chan *Envelope, queueSize),
		stop:      make(chan struct{}),
		createdAt: time.Now().UTC(),
	}
}

func (c *Client) SessionId() string { return c.id }
func (c *Client) UserId() int64     { return c.user.Id }
func (c *Client) User() types.User  { return c.user }

// Room returns the room the session was opened for, or nil for a
// notification session.
func (c *Client) Room() *types.Room { return c.room }

// Enqueue queues env for writing without blocking. A full queue means the
// peer cannot keep up, so the session is closed and the disconnect path
// runs from the read pump.
func (c *Client) Enqueue(env *Envelope) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		c.log.Warn("send queue full, closing slow session", zap.String("kind", string(env.Kind)))
		c.gw.stats.Incr(stats.NumSlowConsumerDrops)
		c.Close()
		return false
	}
}

// Close stops the write pump, which closes the connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			if !c.sendMessage(websocket.TextMessage, env.Bytes()) {
				return
			}
		case <-c.stop:
			// flush what is already queued, then say goodbye
			for {
				select {
				case env := <-c.send:
					if !c.sendMessage(websocket.TextMessage, env.Bytes()) {
						return
					}
					continue
				default:
				}
				break
			}
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.log.Debug("read exiting")
		c.conn.Close()
		c.Close()
		c.gw.Disconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Info("read failed", zap.Error(err))
			}
			return
		}

		c.gw.Receive(c, raw)
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Info("write failed", zap.Error(err))
		}
		return false
	}

	return true
}

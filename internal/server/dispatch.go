package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

const maxBodyLength = 2000

// Receive decodes one inbound frame and runs its handler. Failures are
// reported to the sender as an error envelope; the session stays open.
func (g *Gateway) Receive(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling message", zap.Any("panic", r), zap.Stack("stack"))
			g.replyError(c, fmt.Errorf("internal error: %v", r))
		}
	}()

	in, err := DecodeInbound(raw)
	if err != nil {
		c.log.Debug("rejected inbound frame", zap.Error(err))
		g.replyError(c, err)
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if err := g.dispatch(ctx, c, in); err != nil {
		c.log.Info("message failed", zap.Error(err))
		g.replyError(c, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, in Inbound) error {
	if _, ok := in.(Ping); !ok && c.room == nil {
		return fmt.Errorf("%w: notification sessions only accept ping", types.ErrInvalidPayload)
	}

	switch m := in.(type) {
	case ChatMessage:
		return g.handleChatMessage(ctx, c, m)
	case Typing:
		return g.handleTyping(ctx, c, m)
	case ReadReceipt:
		return g.handleReadReceipt(ctx, c, m)
	case Ping:
		return g.handlePing(c)
	default:
		return fmt.Errorf("%w: unhandled message %T", types.ErrInvalidPayload, in)
	}
}

func (g *Gateway) handleChatMessage(ctx context.Context, c *Client, m ChatMessage) error {
	body := strings.TrimSpace(m.Message)
	if body == "" {
		return nil
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		return fmt.Errorf("%w: message exceeds %d characters", types.ErrInvalidPayload, maxBodyLength)
	}

	msg, err := g.repo.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:   c.room.Id,
		SenderId: c.user.Id,
		Body:     body,
		Kind:     types.MessageKindText,
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	g.stats.Incr(stats.NumMessagesSent)

	env, err := NewChatMessageBroadcast(msg)
	if err != nil {
		return err
	}

	g.broadcast(ctx, c, env, Exclude{})
	return nil
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, m Typing) error {
	env, err := NewTypingBroadcast(c.room.Id, c.user, m.IsTyping)
	if err != nil {
		return err
	}

	g.broadcast(ctx, c, env, Exclude{SessionIds: []string{c.id}})
	return nil
}

func (g *Gateway) handleReadReceipt(ctx context.Context, c *Client, m ReadReceipt) error {
	messageId := int64(m.MessageId)
	already, err := g.receipts.MarkReadInRoom(ctx, c.room.Id, messageId, c.user.Id)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	env, err := NewReadReceiptBroadcast(c.room.Id, messageId, c.user)
	if err != nil {
		return err
	}

	g.broadcast(ctx, c, env, Exclude{SessionIds: []string{c.id}})
	return nil
}

// broadcast fans env out to the sender's room. A relay fault is counted,
// not reported: the sender must not resend what is already stored.
func (g *Gateway) broadcast(ctx context.Context, c *Client, env *Envelope, exclude Exclude) {
	if err := g.registry.Broadcast(ctx, c.room.Id, env, exclude); err != nil {
		g.stats.Incr(stats.NumRelayFailures)
		c.log.Warn("relay to other nodes failed", zap.String("kind", string(env.Kind)), zap.Error(err))
	}
}

func (g *Gateway) handlePing(c *Client) error {
	env, err := NewPong()
	if err != nil {
		return err
	}

	c.Enqueue(env)
	return nil
}

func (g *Gateway) replyError(c *Client, err error) {
	c.log.Debug("replying with error", zap.Error(err))
	env, encErr := NewErrorMessage(errorText(err))
	if encErr != nil {
		c.log.Error("encode error envelope", zap.Error(encErr))
		return
	}
	c.Enqueue(env)
}

// errorText renders err for the client without leaking store internals.
func errorText(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidPayload):
		return err.Error()
	case errors.Is(err, types.ErrNotFound):
		return "not found"
	case errors.Is(err, types.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "service unavailable, please retry"
	case errors.Is(err, types.ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal error"
	}
}

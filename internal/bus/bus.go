// Package bus carries room and user broadcasts between chat processes.
package bus

import (
	"context"
	"errors"
	"strconv"
)

var ErrClosed = errors.New("bus: subscription closed")

// Bus is a topic based publish/subscribe transport. Payloads are opaque to
// the bus.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers the payloads published on a topic until Close is
// called. The channel is closed afterwards.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

func RoomTopic(roomId int64) string {
	return "room:" + strconv.FormatInt(roomId, 10)
}

func UserTopic(userId int64) string {
	return "user:" + strconv.FormatInt(userId, 10)
}

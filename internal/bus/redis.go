package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "chatrelay:"

// Redis is a Bus backed by Redis pub/sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(ctx context.Context, url string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", types.ErrUnavailable, err)
	}

	return &Redis{client: client, log: log.Named("bus")}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", types.ErrUnavailable, topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channelPrefix+topic)
	// Wait for the subscription confirmation so publishes issued after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", types.ErrUnavailable, topic, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan []byte, localBufferSize),
		done: make(chan struct{}),
	}
	go sub.pump(r.log.With(zap.String("topic", topic)))
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(log *zap.Logger) {
	defer close(s.ch)

	msgs := s.ps.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			log.Debug("subscription closed")
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

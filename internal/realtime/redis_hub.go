package realtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisHub 基于Redis Pub/Sub，多实例部署时所有实例上的订阅方都能收到通知
type RedisHub struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisHub 创建Redis Hub
func NewRedisHub(client redis.UniversalClient, logger *zap.Logger) *RedisHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHub{client: client, logger: logger}
}

func (h *RedisHub) Publish(ctx context.Context, conversationID uint) error {
	payload := strconv.FormatUint(uint64(conversationID), 10)
	if err := h.client.Publish(ctx, ChannelName(conversationID), payload).Err(); err != nil {
		return fmt.Errorf("publish conversation %d: %w", conversationID, err)
	}
	return nil
}

// Subscribe 等待订阅确认后才返回，之后的 Publish 一定能被收到
func (h *RedisHub) Subscribe(ctx context.Context, conversationID uint) (<-chan struct{}, func(), error) {
	channel := ChannelName(conversationID)
	pubsub := h.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	messages := pubsub.Channel()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				h.logger.Debug("Close pubsub failed", zap.String("channel", channel), zap.Error(err))
			}
		})
	}
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}

func (h *RedisHub) Close() error {
	return nil
}

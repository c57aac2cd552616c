// Package realtime 会话变更通知。通知本身不携带消息内容，订阅方收到后重新查询完整有序列表。
package realtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Hub 会话级变更通知
type Hub interface {
	// Publish 通知该会话发生了变化
	Publish(ctx context.Context, conversationID uint) error
	// Subscribe 返回通知通道和取消函数；ctx 结束或调用取消函数后通道关闭
	Subscribe(ctx context.Context, conversationID uint) (<-chan struct{}, func(), error)
	Close() error
}

// ChannelName Redis 频道名
func ChannelName(conversationID uint) string {
	return "chat:conversation:" + strconv.FormatUint(uint64(conversationID), 10)
}

// LocalHub 进程内实现，单实例部署或未启用Redis时使用
type LocalHub struct {
	mu          sync.RWMutex
	subscribers map[uint]map[uuid.UUID]chan struct{}
}

// NewLocalHub 创建进程内Hub
func NewLocalHub() *LocalHub {
	return &LocalHub{
		subscribers: make(map[uint]map[uuid.UUID]chan struct{}),
	}
}

// Publish 非阻塞投递，订阅方未消费的通知会合并为一条
func (h *LocalHub) Publish(_ context.Context, conversationID uint) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (h *LocalHub) Subscribe(ctx context.Context, conversationID uint) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	id := uuid.New()

	h.mu.Lock()
	subs, ok := h.subscribers[conversationID]
	if !ok {
		subs = make(map[uuid.UUID]chan struct{})
		h.subscribers[conversationID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[conversationID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subscribers, conversationID)
				}
			}
			close(ch)
		})
	}
	stop := context.AfterFunc(ctx, remove)

	return ch, func() {
		stop()
		remove()
	}, nil
}

// Subscribers 当前订阅数
func (h *LocalHub) Subscribers(conversationID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[conversationID])
}

func (h *LocalHub) Close() error {
	return nil
}

package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/marketplace/chat-backend/internal/logger"
	"go.uber.org/zap"
)

// 聊天事件类型
const (
	EventMessageSent        = "message.sent"
	EventConversationRead   = "conversation.read"
	EventBroadcastCompleted = "broadcast.completed"
	EventAssistantAnswered  = "assistant.answered"
)

// ChatEvent 写入 chat-events 主题的事件
type ChatEvent struct {
	Type           string     `json:"type"`
	ConversationID uint       `json:"conversation_id,omitempty"`
	Sender         string     `json:"sender,omitempty"`
	Receiver       string     `json:"receiver,omitempty"`
	Preview        string     `json:"preview,omitempty"`
	Usage          *UsageInfo `json:"usage,omitempty"`
	SuccessCount   int        `json:"success_count,omitempty"`
	ErrorCount     int        `json:"error_count,omitempty"`
	At             time.Time  `json:"at"`
}

// UsageInfo Token使用信息
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Publisher 事件发布接口，便于测试替换
type Publisher interface {
	Publish(ctx context.Context, event *ChatEvent) error
	Close() error
}

const previewLimit = 120

// Preview 截断消息内容用于事件
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit])
}

// Producer Kafka生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewSaramaConfig 生产者配置
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second
	return config
}

// NewProducer 连接Kafka并创建同步生产者
func NewProducer(brokers []string, topic string) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewProducerWith(producer, topic), nil
}

// NewProducerWith 使用已有的 sarama 生产者
func NewProducerWith(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: producer, topic: topic}
}

// Publish 发送事件，同一会话的事件使用相同的key以保证分区内有序
func (p *Producer) Publish(_ context.Context, event *ChatEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	key := event.Type
	if event.ConversationID != 0 {
		key = strconv.FormatUint(uint64(event.ConversationID), 10)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("发送Kafka消息失败", zap.String("type", event.Type), zap.Error(err))
		return fmt.Errorf("发送消息失败: %w", err)
	}

	logger.Debug("Kafka消息发送成功",
		zap.String("type", event.Type),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventTypeOutcome 是兑换终态事件的类型。
const EventTypeOutcome = "swap.outcome"

// Event 是对外发布的兑换通知。
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Owner       common.Address `json:"owner"`
	Outcome     swap.Outcome   `json:"outcome"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// NewOutcomeEvent 为兑换结果生成通知。
func NewOutcomeEvent(owner common.Address, outcome swap.Outcome) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        EventTypeOutcome,
		Owner:       owner,
		Outcome:     *outcome.Clone(),
		PublishedAt: time.Now().UTC(),
	}
}

func (e Event) encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("序列化通知失败: %w", err)
	}
	return payload, nil
}

// Publisher 负责投递通知。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Config 描述通知驱动配置。
type Config struct {
	Driver   string
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// New 根据驱动创建发布器。驱动为空或 none 时返回 nil。
func New(cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryPublisher(0), nil
	case "redis":
		return NewRedisPublisher(cfg.Redis)
	case "rabbitmq", "amqp":
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("暂不支持的通知驱动: %s", cfg.Driver)
	}
}

// Sink 把兑换终态转为通知，供编排器调用。
type Sink struct {
	publisher Publisher
	owner     common.Address
}

// NewSink 创建通知写入器。
func NewSink(publisher Publisher, owner common.Address) *Sink {
	return &Sink{publisher: publisher, owner: owner}
}

// RecordOutcome 发布一次兑换结果。
func (s *Sink) RecordOutcome(ctx context.Context, outcome swap.Outcome) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	if err := s.publisher.Publish(ctx, NewOutcomeEvent(s.owner, outcome)); err != nil {
		return fmt.Errorf("发布兑换通知失败: %w", err)
	}
	return nil
}

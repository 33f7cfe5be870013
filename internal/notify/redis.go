package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 通知列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
	MaxLen   int64
}

// RedisPublisher 通过 LPUSH 把通知写入 Redis list，并裁剪到最大长度。
type RedisPublisher struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 发布器。
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg.List, cfg.MaxLen), nil
}

// NewRedisPublisherWithClient 使用已有客户端创建发布器。
func NewRedisPublisherWithClient(client *redis.Client, list string, maxLen int64) *RedisPublisher {
	if list == "" {
		list = "swapd:outcomes"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisPublisher{client: client, list: list, maxLen: maxLen}
}

// Publish 将通知写入 Redis。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.client == nil {
		return errors.New("Redis 发布器未初始化")
	}
	payload, err := event.encode()
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.list, payload)
	pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布通知失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Store 保存余额快照。
type Store interface {
	Get(ctx context.Context, owner common.Address) (*swap.BalanceSnapshot, bool, error)
	Put(ctx context.Context, snapshot *swap.BalanceSnapshot, ttl time.Duration) error
}

// MemoryStore 是进程内的快照存储。
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[common.Address]*swap.BalanceSnapshot
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[common.Address]*swap.BalanceSnapshot)}
}

// Get 读取快照。
func (s *MemoryStore) Get(_ context.Context, owner common.Address) (*swap.BalanceSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[owner]
	if !ok {
		return nil, false, nil
	}
	return snapshot.Clone(), true, nil
}

// Put 写入快照。过期由缓存根据 FetchedAt 判断。
func (s *MemoryStore) Put(_ context.Context, snapshot *swap.BalanceSnapshot, _ time.Duration) error {
	if snapshot == nil {
		return errors.New("快照不能为空")
	}
	s.mu.Lock()
	s.snapshots[snapshot.Owner] = snapshot.Clone()
	s.mu.Unlock()
	return nil
}

// RedisStoreConfig 描述 Redis 快照存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 将快照以 JSON 保存在 Redis 中，供多个进程共享。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient 使用已有客户端创建存储。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "swapd:balances:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(owner common.Address) string {
	return s.prefix + owner.Hex()
}

// Get 读取快照，键不存在时返回 false。
func (s *RedisStore) Get(ctx context.Context, owner common.Address) (*swap.BalanceSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.key(owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("Redis 读取余额失败: %w", err)
	}
	var snapshot swap.BalanceSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, false, fmt.Errorf("解析余额快照失败: %w", err)
	}
	return &snapshot, true, nil
}

// Put 写入快照并设置过期时间。
func (s *RedisStore) Put(ctx context.Context, snapshot *swap.BalanceSnapshot, ttl time.Duration) error {
	if snapshot == nil {
		return errors.New("快照不能为空")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化余额快照失败: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snapshot.Owner), payload, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入余额失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swap-engine/internal/swap"
	"swap-engine/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL             = 60 * time.Second
	defaultRefreshInterval = 5 * time.Minute
	defaultFetchTimeout    = 30 * time.Second
)

// Fetcher 从链上读取某地址的全部余额。
type Fetcher interface {
	Fetch(ctx context.Context, owner common.Address) (*swap.BalanceSnapshot, error)
}

// Recorder 记录余额读取来源（cache 或 fetch）。
type Recorder interface {
	ObserveBalanceFetch(source string)
}

// Cache 是余额的唯一可信来源，同一地址的并发读取只会触发一次链上查询。
type Cache struct {
	fetcher         Fetcher
	store           Store
	ttl             time.Duration
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	recorder        Recorder
	now             func() time.Time
	logger          *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	owners map[common.Address]struct{}
}

// Option 自定义缓存行为。
type Option func(*Cache)

// WithStore 替换默认的内存存储。
func WithStore(store Store) Option {
	return func(c *Cache) {
		if store != nil {
			c.store = store
		}
	}
}

// WithTTL 设置快照有效期。
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRefreshInterval 设置后台刷新间隔。
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithRecorder 注入指标记录器。
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		c.recorder = r
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache 创建余额缓存。
func NewCache(fetcher Fetcher, opts ...Option) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("未提供余额查询器")
	}
	c := &Cache{
		fetcher:         fetcher,
		store:           NewMemoryStore(),
		ttl:             defaultTTL,
		refreshInterval: defaultRefreshInterval,
		fetchTimeout:    defaultFetchTimeout,
		now:             time.Now,
		logger:          logger.Named("balance"),
		owners:          make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Get 返回地址的余额快照。forceRefresh 为 true 时跳过缓存。
func (c *Cache) Get(ctx context.Context, owner common.Address, forceRefresh bool) (*swap.BalanceSnapshot, error) {
	if c == nil {
		return nil, errors.New("余额缓存未初始化")
	}
	c.track(owner)

	if !forceRefresh {
		snapshot, ok, err := c.store.Get(ctx, owner)
		if err != nil {
			c.logger.Warn("读取余额缓存失败", slog.String("owner", owner.Hex()), slog.Any("error", err))
		}
		if ok && c.now().Sub(snapshot.FetchedAt) < c.ttl {
			c.observe("cache")
			return snapshot.Clone(), nil
		}
	}

	ch := c.group.DoChan(owner.Hex(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, owner)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*swap.BalanceSnapshot).Clone(), nil
	}
}

func (c *Cache) fetch(ctx context.Context, owner common.Address) (*swap.BalanceSnapshot, error) {
	c.observe("fetch")
	snapshot, err := c.fetcher.Fetch(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 余额失败: %w", owner.Hex(), err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("查询 %s 余额返回为空", owner.Hex())
	}
	snapshot.Owner = owner
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = c.now()
	}
	if err := c.store.Put(ctx, snapshot, c.ttl); err != nil {
		c.logger.Warn("写入余额缓存失败", slog.String("owner", owner.Hex()), slog.Any("error", err))
	}
	return snapshot, nil
}

// Start 启动后台刷新，直到 ctx 取消。
func (c *Cache) Start(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAll(ctx)
		}
	}
}

func (c *Cache) refreshAll(ctx context.Context) {
	c.mu.Lock()
	owners := make([]common.Address, 0, len(c.owners))
	for owner := range c.owners {
		owners = append(owners, owner)
	}
	c.mu.Unlock()

	for _, owner := range owners {
		if _, err := c.Get(ctx, owner, true); err != nil {
			c.logger.Warn("后台刷新余额失败", slog.String("owner", owner.Hex()), slog.Any("error", err))
		}
	}
}

func (c *Cache) track(owner common.Address) {
	c.mu.Lock()
	c.owners[owner] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) observe(source string) {
	if c.recorder != nil {
		c.recorder.ObserveBalanceFetch(source)
	}
}

package notify

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 使用 channel 保存通知，主要用于测试与单机调试。
type MemoryPublisher struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 投递通知，缓冲区已满时等待或随 ctx 返回。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("通知队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- event:
		return nil
	}
}

// Events 返回通知通道。
func (p *MemoryPublisher) Events() <-chan Event {
	return p.ch
}

// Close 关闭内存发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	return nil
}

// Package broadcast 提供管线各阶段之间使用的最新值广播通道。
//
// 与带缓冲 channel 不同，它只保留一个“当前值”槽位：Publish 原子替换槽位并唤醒
// 所有订阅者，永远不会被慢消费者阻塞。没有在读的订阅者可能错过中间值，
// 但总能看到最新值 —— 这是刻意的语义，下游必须按最新快照处理，而不是
// 假设每次更新都会送达。
package broadcast

import (
	"context"
	"sync"
)

// Channel 是线程安全的最新值多播原语。多生产者、多消费者均安全。
type Channel[T any] struct {
	mu     sync.Mutex
	value  T
	seq    uint64
	closed bool
	subs   map[*Subscriber[T]]struct{}
}

// Subscriber 是单个订阅游标。首次 Next 立即返回订阅时刻的当前值，
// 之后按发布顺序逐个返回后续值（可能跳过被覆盖的中间值）。
type Subscriber[T any] struct {
	ch        *Channel[T]
	seen      uint64
	cancelled bool
	notify    chan struct{}
}

// New 创建持有一个初始值的通道。
func New[T any](initial T) *Channel[T] {
	return &Channel[T]{
		value: initial,
		seq:   1,
		subs:  make(map[*Subscriber[T]]struct{}),
	}
}

// Publish 原子替换当前值并唤醒所有存活订阅者。不会阻塞。
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.value = v
	c.seq++
	for sub := range c.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
}

// Value 同步返回当前值，不订阅。
func (c *Channel[T]) Value() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Closed 报告通道是否已关闭。
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe 返回一个新的订阅游标。
func (c *Channel[T]) Subscribe() *Subscriber[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &Subscriber[T]{
		ch: c,
		// seen 落后一个序号，保证首次 Next 立即返回订阅时刻的当前值。
		seen:   c.seq - 1,
		notify: make(chan struct{}, 1),
	}
	if !c.closed {
		c.subs[sub] = struct{}{}
	}
	return sub
}

// Close 关闭通道。所有订阅者的 Next 在消费完最后的值后返回 ok=false。
// 关闭即管线的取消信号：消费任务观察到关闭后退出循环，不得再发布。
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for sub := range c.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	c.subs = make(map[*Subscriber[T]]struct{})
	c.mu.Unlock()
}

// Next 阻塞直到出现未见过的值、通道关闭或 ctx 取消。
// 返回 ok=false 表示订阅已经结束（关闭且无未读值，或 ctx 取消）。
func (s *Subscriber[T]) Next(ctx context.Context) (T, bool) {
	for {
		s.ch.mu.Lock()
		if s.seen < s.ch.seq {
			v := s.ch.value
			s.seen = s.ch.seq
			s.ch.mu.Unlock()
			return v, true
		}
		if s.ch.closed || s.cancelled {
			s.ch.mu.Unlock()
			var zero T
			return zero, false
		}
		s.ch.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-s.notify:
		}
	}
}

// TryNext 非阻塞地取未见过的值；没有新值时返回 ok=false。
func (s *Subscriber[T]) TryNext() (T, bool) {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if s.seen < s.ch.seq {
		v := s.ch.value
		s.seen = s.ch.seq
		return v, true
	}
	var zero T
	return zero, false
}

// Cancel 注销订阅者。之后的 Next 只会消费剩余未读值然后返回 false。
func (s *Subscriber[T]) Cancel() {
	s.ch.mu.Lock()
	s.cancelled = true
	delete(s.ch.subs, s)
	s.ch.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Package scheduler 提供对齐 K 线边界的周期任务调度。
// 聚合器的回补检查、存储层的完整性核对都挂在分钟边界之后执行。
package scheduler

import (
	"context"
	"time"

	"marlin/internal/logger"
)

var log = logger.Tag("调度")

// Aligned 在每个 interval 边界（加 offset）唤醒一次 task。
// 边界按 UTC 墙钟对齐：interval=1m 时永远在整分触发。
type Aligned struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

// NewAligned 构造调度器。
func NewAligned(ctx context.Context, name string, interval, offset time.Duration) *Aligned {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aligned{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start 运行调度循环，阻塞直到 ctx 取消。
func (s *Aligned) Start(task func()) {
	if s == nil || task == nil {
		log.Warnf("task 为 nil，退出")
		return
	}
	if s.Interval <= 0 {
		log.Warnf("%s: interval=%s 非法，退出", s.Name, s.Interval)
		return
	}
	if s.Offset < 0 {
		log.Warnf("%s: offset=%s 为负，钳到 0", s.Name, s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	log.Infof("%s: 启动 interval=%s offset=%s run_immediately=%v",
		s.Name, s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		boundary := now.Truncate(s.Interval).Add(s.Interval)
		wakeAt := boundary.Add(s.Offset)
		log.Debugf("%s: 距边界=%s 下次执行=%s | uptime=%s",
			s.Name,
			boundary.Sub(now).Truncate(time.Second),
			wakeAt.Format(time.RFC3339),
			now.Sub(startAt).Truncate(time.Second))

		if !s.waitUntil(wakeAt) {
			log.Infof("%s: ctx 取消，退出", s.Name)
			return
		}
		task()
	}
}

func (s *Aligned) waitUntil(target time.Time) bool {
	wait := target.Sub(s.nowFn().UTC())
	if wait <= 0 {
		select {
		case <-s.ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NextBoundary 返回 now 之后下一个 interval 边界。
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval).Add(interval)
}
